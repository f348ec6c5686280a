// Package engine turns borrow requests into concrete unit assignments and
// drives them through the pending, borrowed, returned and rejected states.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lab-lending-backend/internal/lock"
	"lab-lending-backend/internal/model"
	"lab-lending-backend/internal/store"
)

// maxAttempts bounds how often an operation restarts after the transaction
// changed between its unlocked read and its locked write.
const maxAttempts = 3

var errRetry = errors.New("retry")

// Notifier is told about every committed state change.
type Notifier interface {
	TransactionChanged(t model.Transaction)
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	MaxBindRetries int
	Notifier       Notifier
	Logger         *zap.Logger
	Now            func() time.Time
}

// Engine is the single owner of transaction transitions and unit bindings.
type Engine struct {
	store    store.Store
	locker   lock.Locker
	calc     *Calculator
	resolver *resolver
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time
}

// New creates an Engine.
func New(s store.Store, l lock.Locker, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxBindRetries <= 0 {
		opts.MaxBindRetries = 3
	}
	return &Engine{
		store:    s,
		locker:   l,
		calc:     NewCalculator(s),
		resolver: &resolver{maxRetries: opts.MaxBindRetries, log: opts.Logger},
		notifier: opts.Notifier,
		log:      opts.Logger,
		now:      func() time.Time { return opts.Now().UTC() },
	}
}

// Availability exposes the engine's calculator.
func (e *Engine) Availability() *Calculator { return e.calc }

// TransactionView is a transaction together with the units bound to it.
type TransactionView struct {
	model.Transaction
	Units []model.Unit `json:"units"`
}

// Allocation groups the bound unit ids by equipment type.
func (v TransactionView) Allocation() map[string][]string {
	out := make(map[string][]string)
	for _, u := range v.Units {
		out[u.EquipmentTypeID] = append(out[u.EquipmentTypeID], u.ID)
	}
	return out
}

// LineRequest is one requested (equipment type, quantity) pair.
type LineRequest struct {
	EquipmentTypeID string `json:"equipmentTypeId"`
	Quantity        int    `json:"quantity"`
}

// SubmitRequest creates a pending transaction. An empty RequesterID means the actor.
type SubmitRequest struct {
	RequesterID      string        `json:"requesterId"`
	LaboratoryID     string        `json:"laboratoryId"`
	Lines            []LineRequest `json:"lines"`
	ExpectedReturnAt *time.Time    `json:"expectedReturnAt"`
	Notes            string        `json:"notes"`
}

// EditRequest changes a transaction. Nil fields are left as they are.
type EditRequest struct {
	RequesterID      *string       `json:"requesterId"`
	LaboratoryID     *string       `json:"laboratoryId"`
	Lines            []LineRequest `json:"lines"`
	ExpectedReturnAt *time.Time    `json:"expectedReturnAt"`
	Notes            *string       `json:"notes"`
}

// ReturnRequest closes a borrowed transaction.
type ReturnRequest struct {
	// Conditions optionally sets the condition of individual returned units.
	Conditions map[string]model.Condition `json:"conditions"`
	Notes      *string                    `json:"notes"`
}

// maxLineQuantity bounds a single merged line.
const maxLineQuantity = math.MaxInt32

// mergeLines validates requested lines and sums duplicates of one type.
func mergeLines(lines []LineRequest) ([]model.LineItem, error) {
	if len(lines) == 0 {
		return nil, invalid("lines", "at least one line item is required")
	}
	sum := make(map[string]int, len(lines))
	for i, l := range lines {
		id := strings.TrimSpace(l.EquipmentTypeID)
		if id == "" {
			return nil, invalid("lines", "line %d has no equipment type", i)
		}
		if l.Quantity < 1 {
			return nil, invalid("lines", "line %d quantity must be at least 1, got %d", i, l.Quantity)
		}
		if l.Quantity > maxLineQuantity-sum[id] {
			return nil, invalid("lines", "quantity of %s exceeds %d", id, maxLineQuantity)
		}
		sum[id] += l.Quantity
	}
	out := make([]model.LineItem, 0, len(sum))
	for id, q := range sum {
		out = append(out, model.LineItem{EquipmentTypeID: id, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EquipmentTypeID < out[j].EquipmentTypeID })
	return out, nil
}

// checkTypes verifies every type exists, is active and belongs to the laboratory.
func checkTypes(ctx context.Context, s store.Store, laboratoryID string, ids []string) error {
	types, err := s.ListEquipmentTypes(ctx, ids)
	if err != nil {
		return err
	}
	found := make(map[string]model.EquipmentType, len(types))
	for _, et := range types {
		found[et.ID] = et
	}
	for _, id := range ids {
		et, ok := found[id]
		switch {
		case !ok:
			return invalid("lines", "unknown equipment type %s", id)
		case !et.Active:
			return invalid("lines", "equipment type %s is archived", id)
		case et.LaboratoryID != laboratoryID:
			return invalid("lines", "equipment type %s belongs to laboratory %s, not %s", id, et.LaboratoryID, laboratoryID)
		}
	}
	return nil
}

func normalizeConditions(field string, in map[string]model.Condition) (map[string]model.Condition, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]model.Condition, len(in))
	for unitID, c := range in {
		parsed, err := model.ParseCondition(string(c))
		if err != nil {
			return nil, invalid(field, "unit %s: %v", unitID, err)
		}
		out[unitID] = parsed
	}
	return out, nil
}

// Submit creates a pending transaction. No units are bound.
func (e *Engine) Submit(ctx context.Context, actor Actor, req SubmitRequest) (*model.Transaction, error) {
	if actor.ID == "" {
		return nil, forbidden("no identity")
	}
	requester := strings.TrimSpace(req.RequesterID)
	if requester == "" {
		requester = actor.ID
	}
	if requester != actor.ID && !actor.Custodial() {
		return nil, forbidden("only custodians may submit on behalf of %s", requester)
	}
	lab := strings.TrimSpace(req.LaboratoryID)
	if lab == "" {
		return nil, invalid("laboratoryId", "laboratory is required")
	}
	lines, err := mergeLines(req.Lines)
	if err != nil {
		return nil, err
	}
	if err := checkTypes(ctx, e.store, lab, lineIDs(lines)); err != nil {
		return nil, err
	}

	t := &model.Transaction{
		ID:               uuid.NewString(),
		RequesterID:      requester,
		LaboratoryID:     lab,
		State:            model.StatePending,
		Notes:            req.Notes,
		ExpectedReturnAt: utcPtr(req.ExpectedReturnAt),
		Lines:            lines,
	}
	if err := e.store.CreateTransaction(ctx, t); err != nil {
		return nil, err
	}
	e.log.Info("Transaction submitted",
		zap.String("transaction", t.ID),
		zap.String("actor", actor.ID),
		zap.String("requester", requester),
		zap.Int("lines", len(lines)))
	return t, nil
}

// utcPtr stores times in UTC so due-date comparisons agree on every driver.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func lineIDs(lines []model.LineItem) []string {
	ids := make([]string, len(lines))
	for i, l := range lines {
		ids[i] = l.EquipmentTypeID
	}
	return ids
}

func (e *Engine) authorizeRead(actor Actor, t *model.Transaction) error {
	if actor.Custodial() || t.RequesterID == actor.ID {
		return nil
	}
	return forbidden("transaction %s belongs to another requester", t.ID)
}

// Get returns a transaction and its bound units.
func (e *Engine) Get(ctx context.Context, actor Actor, id string) (*TransactionView, error) {
	v, err := e.view(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.authorizeRead(actor, &v.Transaction); err != nil {
		return nil, err
	}
	return v, nil
}

func (e *Engine) view(ctx context.Context, id string) (*TransactionView, error) {
	t, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	units, err := e.store.ListUnits(ctx, store.UnitFilter{TransactionID: id})
	if err != nil {
		return nil, err
	}
	return &TransactionView{Transaction: *t, Units: units}, nil
}

// List returns transactions matching filter. Borrowers only see their own.
func (e *Engine) List(ctx context.Context, actor Actor, filter store.TransactionFilter) ([]model.Transaction, error) {
	if !actor.Custodial() {
		if filter.RequesterID != "" && filter.RequesterID != actor.ID {
			return nil, forbidden("cannot list transactions of %s", filter.RequesterID)
		}
		filter.RequesterID = actor.ID
	}
	return e.store.ListTransactions(ctx, filter)
}

// Edit applies req within the field rules of the transaction's state.
// A request touching any frozen field is refused without writing anything.
func (e *Engine) Edit(ctx context.Context, actor Actor, id string, req EditRequest) (*TransactionView, error) {
	t, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Custodial() && t.RequesterID != actor.ID {
		return nil, forbidden("transaction %s belongs to another requester", id)
	}

	fields := make(map[string]any)
	touch := func(f Field, column string, value any) error {
		if !Editable(t.State, f) {
			return &FieldFrozenError{Field: f, State: t.State}
		}
		fields[column] = value
		return nil
	}

	if req.RequesterID != nil {
		if !actor.Custodial() {
			return nil, forbidden("only custodians may change the requester")
		}
		r := strings.TrimSpace(*req.RequesterID)
		if r == "" {
			return nil, invalid("requesterId", "requester must not be empty")
		}
		if err := touch(FieldRequester, "requester_id", r); err != nil {
			return nil, err
		}
	}
	lab := t.LaboratoryID
	if req.LaboratoryID != nil {
		lab = strings.TrimSpace(*req.LaboratoryID)
		if lab == "" {
			return nil, invalid("laboratoryId", "laboratory must not be empty")
		}
		if err := touch(FieldLaboratory, "laboratory_id", lab); err != nil {
			return nil, err
		}
	}
	var lines []model.LineItem
	if req.Lines != nil {
		if !Editable(t.State, FieldLines) {
			return nil, &FieldFrozenError{Field: FieldLines, State: t.State}
		}
		if lines, err = mergeLines(req.Lines); err != nil {
			return nil, err
		}
	}
	if req.ExpectedReturnAt != nil {
		if err := touch(FieldExpectedReturn, "expected_return_at", req.ExpectedReturnAt.UTC()); err != nil {
			return nil, err
		}
	}
	if req.Notes != nil {
		if err := touch(FieldNotes, "notes", *req.Notes); err != nil {
			return nil, err
		}
	}
	if len(fields) == 0 && lines == nil {
		return nil, invalid("", "nothing to edit")
	}

	allocationAffecting := lines != nil || req.LaboratoryID != nil
	if !allocationAffecting {
		if err := e.store.UpdateTransactionFields(ctx, id, t.State, fields); err != nil {
			return nil, e.staleAs(ctx, id, ActionEdit, err)
		}
	} else {
		if lines == nil {
			lines = t.Lines
		}
		if err := checkTypes(ctx, e.store, lab, lineIDs(lines)); err != nil {
			return nil, err
		}
		// Lines and laboratory change under the version guard so an approval
		// that read the old lines cannot commit.
		err := e.store.Atomic(ctx, func(tx store.Store) error {
			if err := tx.CompareAndUpdateTransaction(ctx, id, t.State, t.Version, fields); err != nil {
				return err
			}
			if req.Lines != nil {
				return tx.ReplaceLines(ctx, id, lines)
			}
			return nil
		})
		if err != nil {
			return nil, e.staleAs(ctx, id, ActionEdit, err)
		}
	}
	e.log.Info("Transaction edited",
		zap.String("transaction", id),
		zap.String("actor", actor.ID),
		zap.String("state", string(t.State)))
	return e.view(ctx, id)
}

// staleAs turns a lost compare-and-swap into a TransitionError from the
// transaction's current state.
func (e *Engine) staleAs(ctx context.Context, id string, a Action, err error) error {
	if !errors.Is(err, store.ErrStaleTransaction) {
		return err
	}
	cur, gerr := e.store.GetTransaction(ctx, id)
	if gerr != nil {
		return err
	}
	return &TransitionError{TransactionID: id, From: cur.State, Action: a}
}

// withTypeLocks runs fn holding the locks of the transaction's line types.
// fn returns errRetry when the transaction changed before the locks were
// taken; the read and the locking then start over.
func (e *Engine) withTypeLocks(ctx context.Context, id string, fn func(locked []string) error) error {
	for attempt := 1; ; attempt++ {
		t, err := e.store.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		types := lineTypes(t)
		unlock, err := e.locker.Lock(ctx, lockKeys(types)...)
		if err != nil {
			return fmt.Errorf("failed to lock equipment types of transaction %s: %w", id, err)
		}
		err = fn(types)
		unlock()
		if !errors.Is(err, errRetry) {
			return err
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("transaction %s: %w", id, ErrConflict)
		}
		e.log.Debug("Transaction changed while locking, retrying", zap.String("transaction", id), zap.Int("attempt", attempt))
	}
}

func sameTypes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// lockedRead re-reads a transaction inside the database transaction and
// checks that its line types are still the locked ones.
func lockedRead(ctx context.Context, tx store.Store, id string, locked []string) (*model.Transaction, error) {
	t, err := tx.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sameTypes(lineTypes(t), locked) {
		return nil, errRetry
	}
	return t, nil
}

// casOrRetry maps a lost version race to errRetry.
func casOrRetry(err error) error {
	if errors.Is(err, store.ErrStaleTransaction) {
		return errRetry
	}
	return err
}

// Approve binds units for every line and moves the transaction to borrowed in
// one database transaction. On any failure nothing is bound and the
// transaction stays pending.
func (e *Engine) Approve(ctx context.Context, actor Actor, id string) (*TransactionView, error) {
	if err := actor.requireCustodial("approve"); err != nil {
		return nil, err
	}
	var allocation map[string][]string
	err := e.withTypeLocks(ctx, id, func(locked []string) error {
		return e.store.Atomic(ctx, func(tx store.Store) error {
			t, err := lockedRead(ctx, tx, id, locked)
			if err != nil {
				return err
			}
			to, err := next(t, ActionApprove)
			if err != nil {
				return err
			}
			if err := checkTypes(ctx, tx, t.LaboratoryID, locked); err != nil {
				return err
			}
			if allocation, err = e.resolver.allocate(ctx, tx, t); err != nil {
				return err
			}
			if _, err := e.resolver.verifyBound(ctx, tx, t); err != nil {
				return err
			}
			now := e.now()
			return casOrRetry(tx.CompareAndUpdateTransaction(ctx, id, t.State, t.Version, map[string]any{
				"state":       to,
				"accepted_at": now,
				"approved_by": actor.ID,
			}))
		})
	})
	if err != nil {
		e.logFailure(id, actor, ActionApprove, err)
		return nil, err
	}
	e.log.Info("Transaction approved",
		zap.String("transaction", id),
		zap.String("actor", actor.ID),
		zap.String("state", string(model.StateBorrowed)),
		zap.Any("allocation", allocation))
	return e.committed(ctx, id)
}

// Reject declines a pending transaction. No units are ever bound to it.
func (e *Engine) Reject(ctx context.Context, actor Actor, id, reason string) (*TransactionView, error) {
	if err := actor.requireCustodial("reject"); err != nil {
		return nil, err
	}
	for attempt := 1; ; attempt++ {
		t, err := e.store.GetTransaction(ctx, id)
		if err != nil {
			return nil, err
		}
		to, err := next(t, ActionReject)
		if err != nil {
			return nil, err
		}
		err = e.store.CompareAndUpdateTransaction(ctx, id, t.State, t.Version, map[string]any{
			"state":            to,
			"rejection_reason": strings.TrimSpace(reason),
			"rejected_at":      e.now(),
			"rejected_by":      actor.ID,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrStaleTransaction) || attempt >= maxAttempts {
			return nil, err
		}
	}
	e.log.Info("Transaction rejected",
		zap.String("transaction", id),
		zap.String("actor", actor.ID),
		zap.String("state", string(model.StateRejected)))
	return e.committed(ctx, id)
}

// Return releases every unit of a borrowed transaction, applying the given
// conditions, and closes it.
func (e *Engine) Return(ctx context.Context, actor Actor, id string, req ReturnRequest) (*TransactionView, error) {
	if err := actor.requireCustodial("return"); err != nil {
		return nil, err
	}
	conditions, err := normalizeConditions("conditions", req.Conditions)
	if err != nil {
		return nil, err
	}
	err = e.withTypeLocks(ctx, id, func(locked []string) error {
		return e.store.Atomic(ctx, func(tx store.Store) error {
			t, err := lockedRead(ctx, tx, id, locked)
			if err != nil {
				return err
			}
			to, err := next(t, ActionReturn)
			if err != nil {
				return err
			}
			units, err := e.resolver.verifyBound(ctx, tx, t)
			if err != nil {
				return err
			}
			held := make(map[string]bool, len(units))
			for _, u := range units {
				held[u.ID] = true
			}
			for unitID := range conditions {
				if !held[unitID] {
					return invalid("conditions", "unit %s is not bound to transaction %s", unitID, id)
				}
			}
			now := e.now()
			if err := e.resolver.release(ctx, tx, t, units, conditions, now); err != nil {
				return err
			}
			fields := map[string]any{
				"state":       to,
				"returned_at": now,
				"returned_by": actor.ID,
			}
			if req.Notes != nil {
				fields["notes"] = *req.Notes
			}
			return casOrRetry(tx.CompareAndUpdateTransaction(ctx, id, t.State, t.Version, fields))
		})
	})
	if err != nil {
		e.logFailure(id, actor, ActionReturn, err)
		return nil, err
	}
	e.log.Info("Transaction returned",
		zap.String("transaction", id),
		zap.String("actor", actor.ID),
		zap.String("state", string(model.StateReturned)),
		zap.Int("conditionUpdates", len(conditions)))
	return e.committed(ctx, id)
}

// Reallocate swaps or replaces units of a borrowed transaction. The result is
// committed only if every line again holds exactly its quantity.
func (e *Engine) Reallocate(ctx context.Context, actor Actor, id string, req ReallocateRequest) (*TransactionView, error) {
	if err := actor.requireCustodial("reallocate"); err != nil {
		return nil, err
	}
	if len(req.Remove) == 0 && len(req.Add) == 0 && !req.AutoFill {
		return nil, invalid("", "nothing to reallocate")
	}
	conditions, err := normalizeConditions("removedConditions", req.RemovedConditions)
	if err != nil {
		return nil, err
	}
	removing := make(map[string]bool, len(req.Remove))
	for _, u := range req.Remove {
		removing[u] = true
	}
	for unitID := range conditions {
		if !removing[unitID] {
			return nil, invalid("removedConditions", "unit %s is not being removed", unitID)
		}
	}
	req.RemovedConditions = conditions

	err = e.withTypeLocks(ctx, id, func(locked []string) error {
		return e.store.Atomic(ctx, func(tx store.Store) error {
			t, err := lockedRead(ctx, tx, id, locked)
			if err != nil {
				return err
			}
			if _, err := next(t, ActionReallocate); err != nil {
				return err
			}
			if err := e.resolver.reallocate(ctx, tx, t, req, e.now()); err != nil {
				return err
			}
			return casOrRetry(tx.CompareAndUpdateTransaction(ctx, id, t.State, t.Version, map[string]any{}))
		})
	})
	if err != nil {
		e.logFailure(id, actor, ActionReallocate, err)
		return nil, err
	}
	e.log.Info("Transaction reallocated",
		zap.String("transaction", id),
		zap.String("actor", actor.ID),
		zap.Strings("removed", req.Remove),
		zap.Strings("added", req.Add))
	return e.committed(ctx, id)
}

// SetUnitCondition changes a unit's condition. A bound unit stays bound.
func (e *Engine) SetUnitCondition(ctx context.Context, actor Actor, unitID string, condition model.Condition) (*model.Unit, error) {
	if err := actor.requireCustodial("changing unit condition"); err != nil {
		return nil, err
	}
	c, err := model.ParseCondition(string(condition))
	if err != nil {
		return nil, invalid("condition", "%v", err)
	}
	u, err := e.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	unlock, err := e.locker.Lock(ctx, lockKey(u.EquipmentTypeID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock equipment type %s: %w", u.EquipmentTypeID, err)
	}
	defer unlock()
	if err := e.store.SetUnitCondition(ctx, unitID, c); err != nil {
		return nil, err
	}
	e.log.Info("Unit condition changed",
		zap.String("unit", unitID),
		zap.String("actor", actor.ID),
		zap.String("from", string(u.Condition)),
		zap.String("to", string(c)))
	return e.store.GetUnit(ctx, unitID)
}

func (e *Engine) committed(ctx context.Context, id string) (*TransactionView, error) {
	v, err := e.view(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.notifier != nil {
		e.notifier.TransactionChanged(v.Transaction)
	}
	return v, nil
}

func (e *Engine) logFailure(id string, actor Actor, a Action, err error) {
	var (
		ce *CapacityError
		ve *ValidationError
		te *TransitionError
	)
	switch {
	case errors.As(err, &ce), errors.As(err, &ve), errors.As(err, &te), errors.Is(err, ErrNotFound):
		e.log.Info("Transaction action refused",
			zap.String("transaction", id),
			zap.String("actor", actor.ID),
			zap.String("action", string(a)),
			zap.Error(err))
	default:
		e.log.Warn("Transaction action rolled back",
			zap.String("transaction", id),
			zap.String("actor", actor.ID),
			zap.String("action", string(a)),
			zap.Error(err))
	}
}
