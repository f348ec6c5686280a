package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"lab-lending-backend/internal/model"
)

// eligibleClause matches units whose condition counts toward availability.
// Rows with no recorded condition are eligible.
const eligibleClause = "(unit_condition IN ? OR unit_condition = '' OR unit_condition IS NULL)"

// Store defines the interface for all database operations.
type Store interface {
	DB() *gorm.DB
	// Atomic runs fn inside one database transaction. fn must only use the
	// Store it is given; any error rolls back every write fn made.
	Atomic(ctx context.Context, fn func(tx Store) error) error

	GetEquipmentType(ctx context.Context, id string) (*model.EquipmentType, error)
	ListEquipmentTypes(ctx context.Context, ids []string) ([]model.EquipmentType, error)

	GetUnit(ctx context.Context, id string) (*model.Unit, error)
	ListUnits(ctx context.Context, filter UnitFilter) ([]model.Unit, error)
	CountAvailable(ctx context.Context, equipmentTypeIDs []string) (map[string]int64, error)
	CandidateUnits(ctx context.Context, equipmentTypeID string, exclude []string, limit int) ([]model.Unit, error)
	BindUnit(ctx context.Context, unitID, transactionID string) error
	UnbindUnit(ctx context.Context, unitID, transactionID string, releasedAt time.Time, condition *model.Condition) error
	SetUnitCondition(ctx context.Context, unitID string, condition model.Condition) error

	CreateTransaction(ctx context.Context, t *model.Transaction) error
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]model.Transaction, error)
	CompareAndUpdateTransaction(ctx context.Context, id string, state model.TransactionState, version int64, fields map[string]any) error
	UpdateTransactionFields(ctx context.Context, id string, state model.TransactionState, fields map[string]any) error
	ReplaceLines(ctx context.Context, transactionID string, lines []model.LineItem) error
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB { return s.db }

func (s *gormStore) Atomic(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}

// --- Equipment types ---

func (s *gormStore) GetEquipmentType(ctx context.Context, id string) (*model.EquipmentType, error) {
	var et model.EquipmentType
	if err := s.db.WithContext(ctx).First(&et, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "equipment type %s", id)
	}
	return &et, nil
}

func (s *gormStore) ListEquipmentTypes(ctx context.Context, ids []string) ([]model.EquipmentType, error) {
	q := s.db.WithContext(ctx).Order("id")
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	var types []model.EquipmentType
	if err := q.Find(&types).Error; err != nil {
		return nil, fmt.Errorf("failed to list equipment types: %w", err)
	}
	return types, nil
}

// --- Units ---

func (s *gormStore) GetUnit(ctx context.Context, id string) (*model.Unit, error) {
	var u model.Unit
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "unit %s", id)
	}
	return &u, nil
}

func (s *gormStore) ListUnits(ctx context.Context, filter UnitFilter) ([]model.Unit, error) {
	q := s.db.WithContext(ctx).Model(&model.Unit{}).Order("equipment_type_id").Order("id")
	if len(filter.EquipmentTypeIDs) > 0 {
		q = q.Where("equipment_type_id IN ?", filter.EquipmentTypeIDs)
	}
	if filter.TransactionID != "" {
		q = q.Where("bound_transaction_id = ?", filter.TransactionID)
	}
	var units []model.Unit
	if err := q.Find(&units).Error; err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	return units, nil
}

// CountAvailable counts eligible, unbound units per equipment type in one
// statement. Types with no available unit are present with a zero count.
func (s *gormStore) CountAvailable(ctx context.Context, equipmentTypeIDs []string) (map[string]int64, error) {
	type row struct {
		EquipmentTypeID string
		Available       int64
	}
	var rows []row
	if len(equipmentTypeIDs) > 0 {
		if err := s.db.WithContext(ctx).Model(&model.Unit{}).
			Select("equipment_type_id AS equipment_type_id, COUNT(*) AS available").
			Where("equipment_type_id IN ?", equipmentTypeIDs).
			Where("bound_transaction_id IS NULL").
			Where(eligibleClause, model.EligibleConditionValues()).
			Group("equipment_type_id").
			Scan(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to count available units: %w", err)
		}
	}

	counts := make(map[string]int64, len(equipmentTypeIDs))
	for _, id := range equipmentTypeIDs {
		counts[id] = 0
	}
	for _, r := range rows {
		counts[r.EquipmentTypeID] = r.Available
	}
	return counts, nil
}

// CandidateUnits returns up to limit eligible, unbound units of a type in
// allocation order: never-returned units first, then the longest idle, then by id.
func (s *gormStore) CandidateUnits(ctx context.Context, equipmentTypeID string, exclude []string, limit int) ([]model.Unit, error) {
	q := s.db.WithContext(ctx).
		Where("equipment_type_id = ?", equipmentTypeID).
		Where("bound_transaction_id IS NULL").
		Where(eligibleClause, model.EligibleConditionValues())
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}
	var units []model.Unit
	if err := q.
		Order("CASE WHEN last_returned_at IS NULL THEN 0 ELSE 1 END").
		Order("last_returned_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&units).Error; err != nil {
		return nil, fmt.Errorf("failed to select candidate units for %s: %w", equipmentTypeID, err)
	}
	return units, nil
}

// BindUnit conditionally assigns a unit to a transaction. The write only
// succeeds if the unit is still unbound and eligible at write time.
func (s *gormStore) BindUnit(ctx context.Context, unitID, transactionID string) error {
	res := s.db.WithContext(ctx).Model(&model.Unit{}).
		Where("id = ? AND bound_transaction_id IS NULL", unitID).
		Where(eligibleClause, model.EligibleConditionValues()).
		Updates(map[string]any{
			"bound_transaction_id": transactionID,
			"updated_at":           time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to bind unit %s: %w", unitID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("unit %s: %w", unitID, ErrUnitAlreadyBound)
	}
	return nil
}

// UnbindUnit releases a unit held by transactionID, optionally updating its condition.
func (s *gormStore) UnbindUnit(ctx context.Context, unitID, transactionID string, releasedAt time.Time, condition *model.Condition) error {
	updates := map[string]any{
		"bound_transaction_id": nil,
		"last_returned_at":     releasedAt,
		"updated_at":           time.Now().UTC(),
	}
	if condition != nil {
		updates["unit_condition"] = *condition
	}
	res := s.db.WithContext(ctx).Model(&model.Unit{}).
		Where("id = ? AND bound_transaction_id = ?", unitID, transactionID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to release unit %s: %w", unitID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("unit %s: %w", unitID, ErrUnitNotBound)
	}
	return nil
}

// SetUnitCondition changes a unit's condition without touching its binding.
func (s *gormStore) SetUnitCondition(ctx context.Context, unitID string, condition model.Condition) error {
	res := s.db.WithContext(ctx).Model(&model.Unit{}).
		Where("id = ?", unitID).
		Updates(map[string]any{
			"unit_condition": condition,
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update condition of unit %s: %w", unitID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	return nil
}

// --- Transactions ---

func (s *gormStore) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (s *gormStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	var t model.Transaction
	if err := s.db.WithContext(ctx).
		Preload("Lines", orderLines).
		First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "transaction %s", id)
	}
	return &t, nil
}

func (s *gormStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]model.Transaction, error) {
	q := s.db.WithContext(ctx).Preload("Lines", orderLines).Order("created_at DESC").Order("id")
	if filter.State != "" {
		q = q.Where("state = ?", filter.State)
	}
	if filter.RequesterID != "" {
		q = q.Where("requester_id = ?", filter.RequesterID)
	}
	if filter.LaboratoryID != "" {
		q = q.Where("laboratory_id = ?", filter.LaboratoryID)
	}
	if filter.DueBefore != nil {
		q = q.Where("expected_return_at IS NOT NULL AND expected_return_at < ?", filter.DueBefore.UTC())
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit).Offset(filter.Offset)
	}
	var ts []model.Transaction
	if err := q.Find(&ts).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return ts, nil
}

// CompareAndUpdateTransaction applies fields only if the row still has the
// expected state and version, and bumps the version.
func (s *gormStore) CompareAndUpdateTransaction(ctx context.Context, id string, state model.TransactionState, version int64, fields map[string]any) error {
	updates := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		updates[k] = v
	}
	updates["version"] = gorm.Expr("version + 1")
	updates["updated_at"] = time.Now().UTC()

	res := s.db.WithContext(ctx).Model(&model.Transaction{}).
		Where("id = ? AND state = ? AND version = ?", id, state, version).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update transaction %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("transaction %s: %w", id, ErrStaleTransaction)
	}
	return nil
}

// UpdateTransactionFields writes non-allocation fields, last write wins, as
// long as the transaction is still in state.
func (s *gormStore) UpdateTransactionFields(ctx context.Context, id string, state model.TransactionState, fields map[string]any) error {
	updates := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}
	updates["updated_at"] = time.Now().UTC()

	res := s.db.WithContext(ctx).Model(&model.Transaction{}).
		Where("id = ? AND state = ?", id, state).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update transaction %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("transaction %s: %w", id, ErrStaleTransaction)
	}
	return nil
}

func (s *gormStore) ReplaceLines(ctx context.Context, transactionID string, lines []model.LineItem) error {
	db := s.db.WithContext(ctx)
	if err := db.Where("transaction_id = ?", transactionID).Delete(&model.LineItem{}).Error; err != nil {
		return fmt.Errorf("failed to delete lines of transaction %s: %w", transactionID, err)
	}
	if len(lines) == 0 {
		return nil
	}
	rows := make([]model.LineItem, len(lines))
	for i, l := range lines {
		rows[i] = model.LineItem{TransactionID: transactionID, EquipmentTypeID: l.EquipmentTypeID, Quantity: l.Quantity}
	}
	if err := db.Create(&rows).Error; err != nil {
		return fmt.Errorf("failed to insert lines of transaction %s: %w", transactionID, err)
	}
	return nil
}

func orderLines(db *gorm.DB) *gorm.DB {
	return db.Order("equipment_type_id")
}

func notFound(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}
