package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"lab-lending-backend/config"
	"lab-lending-backend/internal/db"
	"lab-lending-backend/internal/lock"
	"lab-lending-backend/internal/model"
	"lab-lending-backend/internal/store"
)

var (
	alice     = Actor{ID: "alice", Role: RoleBorrower}
	bob       = Actor{ID: "bob", Role: RoleBorrower}
	custodian = Actor{ID: "carol", Role: RoleCustodian}
	admin     = Actor{ID: "root", Role: RoleAdmin}
)

type recordingNotifier struct {
	mu     sync.Mutex
	states []model.TransactionState
}

func (n *recordingNotifier) TransactionChanged(t model.Transaction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, t.State)
}

type fixture struct {
	eng      *Engine
	store    store.Store
	db       *gorm.DB
	notifier *recordingNotifier
}

func pool(typeID, lab string, n int) db.SeedEquipmentType {
	et := db.SeedEquipmentType{ID: typeID, Name: typeID, LaboratoryID: lab}
	for i := 1; i <= n; i++ {
		et.Units = append(et.Units, db.SeedUnit{ID: fmt.Sprintf("%s-%d", typeID, i), Label: fmt.Sprintf("%s #%d", typeID, i)})
	}
	return et
}

func newFixture(t *testing.T, types []db.SeedEquipmentType, wrap func(store.Store) store.Store) *fixture {
	t.Helper()
	gdb, err := db.Init(&config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		MaxOpenConns: 1,
		LogLevel:     "silent",
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, _ := gdb.DB()
		sqlDB.Close()
	})
	require.NoError(t, db.ApplySeed(context.Background(), gdb, &db.Seed{EquipmentTypes: types}, zap.NewNop()))

	var s store.Store = store.NewGormStore(gdb)
	if wrap != nil {
		s = wrap(s)
	}
	n := &recordingNotifier{}
	eng := New(s, lock.NewLocal(), Options{MaxBindRetries: 2, Notifier: n})
	return &fixture{eng: eng, store: s, db: gdb, notifier: n}
}

func (f *fixture) submit(t *testing.T, lines ...LineRequest) *model.Transaction {
	t.Helper()
	tx, err := f.eng.Submit(context.Background(), alice, SubmitRequest{LaboratoryID: "bio", Lines: lines})
	require.NoError(t, err)
	return tx
}

func (f *fixture) available(t *testing.T, typeID string) int64 {
	t.Helper()
	n, err := f.eng.Availability().AvailableCount(context.Background(), typeID)
	require.NoError(t, err)
	return n
}

func (f *fixture) boundTo(t *testing.T, txID string) []model.Unit {
	t.Helper()
	units, err := f.store.ListUnits(context.Background(), store.UnitFilter{TransactionID: txID})
	require.NoError(t, err)
	return units
}

// assertConsistent checks available == eligible - bound-and-eligible for a type.
func (f *fixture) assertConsistent(t *testing.T, typeID string) {
	t.Helper()
	units, err := f.store.ListUnits(context.Background(), store.UnitFilter{EquipmentTypeIDs: []string{typeID}})
	require.NoError(t, err)
	var eligible, boundEligible int64
	for _, u := range units {
		if u.Condition.Eligible() {
			eligible++
			if u.Bound() {
				boundEligible++
			}
		}
	}
	assert.Equal(t, eligible-boundEligible, f.available(t, typeID))
}

func line(typeID string, qty int) LineRequest {
	return LineRequest{EquipmentTypeID: typeID, Quantity: qty}
}

func TestScenario_ApproveBindsDistinctUnits(t *testing.T) {
	f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 3)}, nil)
	ctx := context.Background()

	a := f.submit(t, line("microscope", 2))
	assert.Equal(t, model.StatePending, a.State)
	assert.Empty(t, f.boundTo(t, a.ID))

	v, err := f.eng.Approve(ctx, custodian, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateBorrowed, v.State)
	assert.Equal(t, "carol", v.ApprovedBy)
	assert.NotNil(t, v.AcceptedAt)
	require.Len(t, v.Units, 2)
	assert.NotEqual(t, v.Units[0].ID, v.Units[1].ID)
	assert.Len(t, v.Allocation()["microscope"], 2)

	assert.Equal(t, int64(1), f.available(t, "microscope"))
	f.assertConsistent(t, "microscope")
	assert.Equal(t, []model.TransactionState{model.StateBorrowed}, f.notifier.states)
}

func TestScenario_InsufficientCapacityLeavesPending(t *testing.T) {
	f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 3)}, nil)
	ctx := context.Background()

	a := f.submit(t, line("microscope", 2))
	_, err := f.eng.Approve(ctx, custodian, a.ID)
	require.NoError(t, err)

	b := f.submit(t, line("microscope", 2))
	_, err = f.eng.Approve(ctx, custodian, b.ID)
	require.ErrorIs(t, err, ErrInsufficientCapacity)

	var ce *CapacityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []Shortfall{{EquipmentTypeID: "microscope", Requested: 2, Available: 1}}, ce.Shortfalls)

	got, err := f.eng.Get(ctx, alice, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, got.State)
	assert.Empty(t, got.Units)
	assert.Equal(t, int64(1), f.available(t, "microscope"))
}

func TestScenario_ConcurrentApprovalsForLastUnit(t *testing.T) {
	f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 1)}, nil)
	ctx := context.Background()

	a := f.submit(t, line("microscope", 1))
	c := f.submit(t, line("microscope", 1))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{a.ID, c.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.eng.Approve(ctx, Actor{ID: fmt.Sprintf("approver-%d", i), Role: RoleCustodian}, id)
		}(i, id)
	}
	wg.Wait()

	var winners, losers int
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientCapacity)
			losers++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, losers)

	boundA, boundC := f.boundTo(t, a.ID), f.boundTo(t, c.ID)
	assert.Equal(t, 1, len(boundA)+len(boundC))
	for _, id := range []string{a.ID, c.ID} {
		got, err := f.store.GetTransaction(ctx, id)
		require.NoError(t, err)
		if len(f.boundTo(t, id)) == 1 {
			assert.Equal(t, model.StateBorrowed, got.State)
		} else {
			assert.Equal(t, model.StatePending, got.State)
		}
	}
	assert.Equal(t, int64(0), f.available(t, "microscope"))
}

func TestScenario_DamagedReturnStaysOutOfPool(t *testing.T) {
	f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 3)}, nil)
	ctx := context.Background()

	a := f.submit(t, line("microscope", 2))
	v, err := f.eng.Approve(ctx, custodian, a.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), f.available(t, "microscope"))

	damaged := v.Units[0].ID
	returned, err := f.eng.Return(ctx, custodian, a.ID, ReturnRequest{
		Conditions: map[string]model.Condition{damaged: "damaged"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateReturned, returned.State)
	assert.Equal(t, "carol", returned.ReturnedBy)
	assert.Empty(t, returned.Units)
	assert.Empty(t, f.boundTo(t, a.ID))

	assert.Equal(t, int64(2), f.available(t, "microscope"))
	u, err := f.store.GetUnit(ctx, damaged)
	require.NoError(t, err)
	assert.Equal(t, model.ConditionDamaged, u.Condition)
	assert.NotNil(t, u.LastReturnedAt)
	f.assertConsistent(t, "microscope")

	// Reloading the catalog on restart keeps the recorded condition.
	require.NoError(t, db.ApplySeed(ctx, f.db, &db.Seed{EquipmentTypes: []db.SeedEquipmentType{pool("microscope", "bio", 3)}}, zap.NewNop()))
	assert.Equal(t, int64(2), f.available(t, "microscope"))
	u, err = f.store.GetUnit(ctx, damaged)
	require.NoError(t, err)
	assert.Equal(t, model.ConditionDamaged, u.Condition)
}

func TestScenario_EditQuantityThenApprove(t *testing.T) {
	f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 5)}, nil)
	ctx := context.Background()

	a := f.submit(t, line("microscope", 2))
	edited, err := f.eng.Edit(ctx, alice, a.ID, EditRequest{Lines: []LineRequest{line("microscope", 5)}})
	require.NoError(t, err)
	require.Len(t, edited.Lines, 1)
	assert.Equal(t, 5, edited.Lines[0].Quantity)

	v, err := f.eng.Approve(ctx, custodian, a.ID)
	require.NoError(t, err)
	assert.Len(t, v.Units, 5)
	assert.Equal(t, int64(0), f.available(t, "microscope"))
}

func TestSubmit_Validation(t *testing.T) {
	types := []db.SeedEquipmentType{pool("microscope", "bio", 1), pool("scope", "physics", 1)}
	archived := pool("centrifuge", "bio", 1)
	archived.Archived = true
	types = append(types, archived)
	f := newFixture(t, types, nil)

	testCases := []struct {
		name    string
		actor   Actor
		req     SubmitRequest
		wantErr error
		field   string
	}{
		{name: "missing laboratory", actor: alice, req: SubmitRequest{Lines: []LineRequest{line("microscope", 1)}}, wantErr: ErrValidation, field: "laboratoryId"},
		{name: "no lines", actor: alice, req: SubmitRequest{LaboratoryID: "bio"}, wantErr: ErrValidation, field: "lines"},
		{name: "zero quantity", actor: alice, req: SubmitRequest{LaboratoryID: "bio", Lines: []LineRequest{line("microscope", 0)}}, wantErr: ErrValidation, field: "lines"},
		{name: "merged quantity overflows", actor: alice, req: SubmitRequest{LaboratoryID: "bio", Lines: []LineRequest{line("microscope", math.MaxInt), line("microscope", 2)}}, wantErr: ErrValidation, field: "lines"},
		{name: "merged quantity above limit", actor: alice, req: SubmitRequest{LaboratoryID: "bio", Lines: []LineRequest{line("microscope", math.MaxInt32), line("microscope", 1)}}, wantErr: ErrValidation, field: "lines"},
		{name: "unknown type", actor: alice, req: SubmitRequest{LaboratoryID: "bio", Lines: []LineRequest{line("laser", 1)}}, wantErr: ErrValidation, field: "lines"},
		{name: "archived type", actor: alice, req: SubmitRequest{LaboratoryID: "bio", Lines: []LineRequest{line("centrifuge", 1)}}, wantErr: ErrValidation, field: "lines"},
		{name: "type of another laboratory", actor: alice, req: SubmitRequest{LaboratoryID: "bio", Lines: []LineRequest{line("scope", 1)}}, wantErr: ErrValidation, field: "lines"},
		{name: "borrower on behalf of another", actor: alice, req: SubmitRequest{RequesterID: "bob", LaboratoryID: "bio", Lines: []LineRequest{line("microscope", 1)}}, wantErr: ErrForbidden},
		{name: "anonymous", actor: Actor{}, req: SubmitRequest{LaboratoryID: "bio", Lines: []LineRequest{line("microscope", 1)}}, wantErr: ErrForbidden},
		{name: "custodian on behalf of another", actor: custodian, req: SubmitRequest{RequesterID: "bob", LaboratoryID: "bio", Lines: []LineRequest{line("microscope", 1)}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tx, err := f.eng.Submit(context.Background(), tc.actor, tc.req)
			if tc.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, model.StatePending, tx.State)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
			var ve *ValidationError
			if tc.field != "" && assert.ErrorAs(t, err, &ve) {
				assert.Equal(t, tc.field, ve.Field)
			}
		})
	}

	// Only the custodian's request was written.
	var stored []model.LineItem
	require.NoError(t, f.db.Find(&stored).Error)
	require.Len(t, stored, 1)
	assert.Equal(t, 1, stored[0].Quantity)
}

func TestSubmit_ExpectedReturnStoredInUTC(t *testing.T) {
	f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 1)}, nil)
	ctx := context.Background()

	shanghai := time.FixedZone("UTC+8", 8*60*60)
	due := time.Now().Add(-time.Hour).In(shanghai)
	tx, err := f.eng.Submit(ctx, alice, SubmitRequest{LaboratoryID: "bio", Lines: []LineRequest{line("microscope", 1)}, ExpectedReturnAt: &due})
	require.NoError(t, err)
	require.NotNil(t, tx.ExpectedReturnAt)
	assert.Equal(t, time.UTC, tx.ExpectedReturnAt.Location())
	_, err = f.eng.Approve(ctx, custodian, tx.ID)
	require.NoError(t, err)

	now := time.Now().UTC()
	overdue, err := f.store.ListTransactions(ctx, store.TransactionFilter{State: model.StateBorrowed, DueBefore: &now})
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, tx.ID, overdue[0].ID)
}

func TestSubmit_MergesDuplicateLines(t *testing.T) {
	f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 3), pool("pipette", "bio", 3)}, nil)

	tx := f.submit(t, line("pipette", 1), line("microscope", 1), line("pipette", 2))
	require.Len(t, tx.Lines, 2)
	assert.Equal(t, map[string]int{"microscope": 1, "pipette": 3}, tx.Quantities())
	assert.Equal(t, "alice", tx.RequesterID)
}

func TestApprove_ReportsEveryShortLine(t *testing.T) {
	f := newFixture(t, []db.SeedEquipmentType{
		pool("microscope", "bio", 1),
		pool("pipette", "bio", 5),
		pool("scale", "bio", 0),
	}, nil)

	tx := f.submit(t, line("microscope", 2), line("pipette", 3), line("scale", 1))
	_, err := f.eng.Approve(context.Background(), custodian, tx.ID)

	var ce *CapacityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []Shortfall{
		{EquipmentTypeID: "microscope", Requested: 2, Available: 1},
		{EquipmentTypeID: "scale", Requested: 1, Available: 0},
	}, ce.Shortfalls)
	assert.Equal(t, int64(5), f.available(t, "pipette"), "no line is partially bound")
}

func TestApprove_TieBreakPrefersIdleUnits(t *testing.T) {
	f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 4)}, nil)
	ctx := context.Background()

	recent := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	old := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.db.Model(&model.Unit{}).Where("id = ?", "microscope-1").Update("last_returned_at", recent).Error)
	require.NoError(t, f.db.Model(&model.Unit{}).Where("id = ?", "microscope-2").Update("last_returned_at", old).Error)

	a := f.submit(t, line("microscope", 3))
	v, err := f.eng.Approve(ctx, custodian, a.ID)
	require.NoError(t, err)

	ids := v.Allocation()["microscope"]
	assert.ElementsMatch(t, []string{"microscope-3", "microscope-4", "microscope-2"}, ids)
	assert.Equal(t, int64(1), f.available(t, "microscope"))
}

// racingStore makes another transaction take the first units it is asked to bind.
type racingStore struct {
	store.Store
	steals *int
}

func (s *racingStore) Atomic(ctx context.Context, fn func(tx store.Store) error) error {
	return s.Store.Atomic(ctx, func(tx store.Store) error {
		return fn(&racingStore{Store: tx, steals: s.steals})
	})
}

func (s *racingStore) BindUnit(ctx context.Context, unitID, txID string) error {
	if *s.steals > 0 {
		*s.steals--
		if err := s.Store.BindUnit(ctx, unitID, "rival"); err != nil {
			return err
		}
	}
	return s.Store.BindUnit(ctx, unitID, txID)
}

func TestApprove_LostRaceRetriesWithNextCandidate(t *testing.T) {
	steals := 1
	f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 4)}, func(s store.Store) store.Store {
		return &racingStore{Store: s, steals: &steals}
	})

	a := f.submit(t, line("microscope", 2))
	v, err := f.eng.Approve(context.Background(), custodian, a.ID)
	require.NoError(t, err)
	assert.Len(t, v.Units, 2)
	assert.Len(t, f.boundTo(t, "rival"), 1)
	assert.Equal(t, int64(1), f.available(t, "microscope"))
}

func TestApprove_RetriesExhaustedIsCapacityError(t *testing.T) {
	steals := 3
	f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 4)}, func(s store.Store) store.Store {
		return &racingStore{Store: s, steals: &steals}
	})

	a := f.submit(t, line("microscope", 1))
	_, err := f.eng.Approve(context.Background(), custodian, a.ID)
	assert.ErrorIs(t, err, ErrInsufficientCapacity)

	// The whole unit of work rolled back, the rival's writes included.
	assert.Empty(t, f.boundTo(t, a.ID))
	assert.Empty(t, f.boundTo(t, "rival"))
	assert.Equal(t, int64(4), f.available(t, "microscope"))
}

// failingStore fails the nth bind with a store error.
type failingStore struct {
	store.Store
	calls  *int
	failOn int
}

func (s *failingStore) Atomic(ctx context.Context, fn func(tx store.Store) error) error {
	return s.Store.Atomic(ctx, func(tx store.Store) error {
		return fn(&failingStore{Store: tx, calls: s.calls, failOn: s.failOn})
	})
}

func (s *failingStore) BindUnit(ctx context.Context, unitID, txID string) error {
	*s.calls++
	if *s.calls == s.failOn {
		return errors.New("disk I/O error")
	}
	return s.Store.BindUnit(ctx, unitID, txID)
}

func TestApprove_StoreErrorRollsBackEveryBinding(t *testing.T) {
	calls := 0
	f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 3), pool("pipette", "bio", 3)}, func(s store.Store) store.Store {
		return &failingStore{Store: s, calls: &calls, failOn: 3}
	})
	ctx := context.Background()

	a := f.submit(t, line("microscope", 2), line("pipette", 2))
	_, err := f.eng.Approve(ctx, custodian, a.ID)
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk I/O error")

	got, err := f.store.GetTransaction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, got.State)
	assert.Empty(t, f.boundTo(t, a.ID))
	assert.Equal(t, int64(3), f.available(t, "microscope"))
	assert.Equal(t, int64(3), f.available(t, "pipette"))
	assert.Empty(t, f.notifier.states)
}

func TestTransitions_InvalidSourceState(t *testing.T) {
	f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 5)}, nil)
	ctx := context.Background()

	pending := f.submit(t, line("microscope", 1))
	borrowed := f.submit(t, line("microscope", 1))
	_, err := f.eng.Approve(ctx, custodian, borrowed.ID)
	require.NoError(t, err)
	rejected := f.submit(t, line("microscope", 1))
	_, err = f.eng.Reject(ctx, custodian, rejected.ID, "not this week")
	require.NoError(t, err)

	testCases := []struct {
		name string
		id   string
		act  func(id string) error
	}{
		{"return pending", pending.ID, func(id string) error { _, err := f.eng.Return(ctx, custodian, id, ReturnRequest{}); return err }},
		{"approve borrowed", borrowed.ID, func(id string) error { _, err := f.eng.Approve(ctx, custodian, id); return err }},
		{"reject borrowed", borrowed.ID, func(id string) error { _, err := f.eng.Reject(ctx, custodian, id, ""); return err }},
		{"approve rejected", rejected.ID, func(id string) error { _, err := f.eng.Approve(ctx, custodian, id); return err }},
		{"return rejected", rejected.ID, func(id string) error { _, err := f.eng.Return(ctx, custodian, id, ReturnRequest{}); return err }},
		{"reallocate pending", pending.ID, func(id string) error {
			_, err := f.eng.Reallocate(ctx, custodian, id, ReallocateRequest{AutoFill: true})
			return err
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			before, err := f.store.GetTransaction(ctx, tc.id)
			require.NoError(t, err)

			err = tc.act(tc.id)
			assert.ErrorIs(t, err, ErrInvalidTransition)

			after, err := f.store.GetTransaction(ctx, tc.id)
			require.NoError(t, err)
			assert.Equal(t, before.State, after.State)
			assert.Equal(t, before.Version, after.Version)
		})
	}

	assert.Empty(t, f.boundTo(t, pending.ID))
	assert.Empty(t, f.boundTo(t, rejected.ID))
	assert.Len(t, f.boundTo(t, borrowed.ID), 1)
}

func TestReject_RecordsReason(t *testing.T) {
	f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 1)}, nil)

	a := f.submit(t, line("microscope", 1))
	v, err := f.eng.Reject(context.Background(), admin, a.ID, "  maintenance week ")
	require.NoError(t, err)
	assert.Equal(t, model.StateRejected, v.State)
	assert.Equal(t, "maintenance week", v.RejectionReason)
	assert.Equal(t, "root", v.RejectedBy)
	assert.NotNil(t, v.RejectedAt)
	assert.Equal(t, int64(1), f.available(t, "microscope"))
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 3)}, nil)
	ctx := context.Background()
	a := f.submit(t, line("microscope", 1))

	_, err := f.eng.Approve(ctx, alice, a.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.eng.Reject(ctx, alice, a.ID, "")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.eng.Return(ctx, alice, a.ID, ReturnRequest{})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.eng.Reallocate(ctx, alice, a.ID, ReallocateRequest{AutoFill: true})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.eng.SetUnitCondition(ctx, alice, "microscope-1", model.ConditionDamaged)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.eng.Get(ctx, bob, a.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.eng.Edit(ctx, bob, a.ID, EditRequest{Notes: ptr("mine now")})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.eng.Edit(ctx, alice, a.ID, EditRequest{RequesterID: ptr("bob")})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.eng.List(ctx, bob, store.TransactionFilter{RequesterID: "alice"})
	assert.ErrorIs(t, err, ErrForbidden)
	own, err := f.eng.List(ctx, bob, store.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, own)
	all, err := f.eng.List(ctx, custodian, store.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = f.eng.Get(ctx, custodian, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func ptr[T any](v T) *T { return &v }

func TestEdit_FieldRulesPerState(t *testing.T) {
	f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 5), pool("pipette", "bio", 5)}, nil)
	ctx := context.Background()

	pending := f.submit(t, line("microscope", 1))
	borrowed := f.submit(t, line("microscope", 1))
	_, err := f.eng.Approve(ctx, custodian, borrowed.ID)
	require.NoError(t, err)
	returned := f.submit(t, line("microscope", 1))
	_, err = f.eng.Approve(ctx, custodian, returned.ID)
	require.NoError(t, err)
	_, err = f.eng.Return(ctx, custodian, returned.ID, ReturnRequest{})
	require.NoError(t, err)

	due := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	testCases := []struct {
		name    string
		id      string
		req     EditRequest
		wantErr error
	}{
		{"pending lines", pending.ID, EditRequest{Lines: []LineRequest{line("pipette", 2)}}, nil},
		{"pending requester by custodian", pending.ID, EditRequest{RequesterID: ptr("bob")}, nil},
		{"pending empty lines", pending.ID, EditRequest{Lines: []LineRequest{}}, ErrValidation},
		{"borrowed notes and due date", borrowed.ID, EditRequest{Notes: ptr("handle with care"), ExpectedReturnAt: &due}, nil},
		{"borrowed lines", borrowed.ID, EditRequest{Lines: []LineRequest{line("microscope", 2)}}, ErrFieldFrozen},
		{"borrowed laboratory", borrowed.ID, EditRequest{LaboratoryID: ptr("physics")}, ErrFieldFrozen},
		{"borrowed notes with frozen requester", borrowed.ID, EditRequest{Notes: ptr("x"), RequesterID: ptr("bob")}, ErrFieldFrozen},
		{"returned notes", returned.ID, EditRequest{Notes: ptr("returned late")}, nil},
		{"returned due date", returned.ID, EditRequest{ExpectedReturnAt: &due}, ErrFieldFrozen},
		{"nothing", returned.ID, EditRequest{}, ErrValidation},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			before, err := f.store.GetTransaction(ctx, tc.id)
			require.NoError(t, err)

			_, err = f.eng.Edit(ctx, custodian, tc.id, tc.req)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				after, gerr := f.store.GetTransaction(ctx, tc.id)
				require.NoError(t, gerr)
				assert.Equal(t, before.Notes, after.Notes, "nothing is written")
				assert.Equal(t, before.Quantities(), after.Quantities())
				return
			}
			require.NoError(t, err)
		})
	}

	got, err := f.store.GetTransaction(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"pipette": 2}, got.Quantities())
	assert.Equal(t, "bob", got.RequesterID)

	got, err = f.store.GetTransaction(ctx, borrowed.ID)
	require.NoError(t, err)
	assert.Equal(t, "handle with care", got.Notes)
	require.NotNil(t, got.ExpectedReturnAt)
	assert.True(t, due.Equal(*got.ExpectedReturnAt))
	assert.Len(t, f.boundTo(t, borrowed.ID), 1)
}

func TestEdit_LinesBumpVersion(t *testing.T) {
	f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 5)}, nil)
	ctx := context.Background()

	a := f.submit(t, line("microscope", 1))
	_, err := f.eng.Edit(ctx, alice, a.ID, EditRequest{Lines: []LineRequest{line("microscope", 3)}})
	require.NoError(t, err)

	got, err := f.store.GetTransaction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	// An approval that read the old version loses its compare-and-swap.
	err = f.store.CompareAndUpdateTransaction(ctx, a.ID, model.StatePending, 0, map[string]any{"state": model.StateBorrowed})
	assert.ErrorIs(t, err, store.ErrStaleTransaction)
}

func TestReturn_RequiresKnownConditionsOfBoundUnits(t *testing.T) {
	f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 3)}, nil)
	ctx := context.Background()

	a := f.submit(t, line("microscope", 1))
	v, err := f.eng.Approve(ctx, custodian, a.ID)
	require.NoError(t, err)
	held := v.Units[0].ID
	var free string
	for _, id := range []string{"microscope-1", "microscope-2", "microscope-3"} {
		if id != held {
			free = id
			break
		}
	}

	_, err = f.eng.Return(ctx, custodian, a.ID, ReturnRequest{Conditions: map[string]model.Condition{held: "Broken"}})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.eng.Return(ctx, custodian, a.ID, ReturnRequest{Conditions: map[string]model.Condition{free: model.ConditionDamaged}})
	assert.ErrorIs(t, err, ErrValidation)

	assert.Len(t, f.boundTo(t, a.ID), 1, "failed returns release nothing")
	u, err := f.store.GetUnit(ctx, free)
	require.NoError(t, err)
	assert.Equal(t, model.ConditionGood, u.Condition)
}

func TestReturn_IncompleteBindingIsIntegrityError(t *testing.T) {
	f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 3)}, nil)
	ctx := context.Background()

	a := f.submit(t, line("microscope", 2))
	v, err := f.eng.Approve(ctx, custodian, a.ID)
	require.NoError(t, err)

	// Corrupt the allocation behind the engine's back.
	require.NoError(t, f.db.Model(&model.Unit{}).Where("id = ?", v.Units[0].ID).Update("bound_transaction_id", nil).Error)

	_, err = f.eng.Return(ctx, custodian, a.ID, ReturnRequest{})
	var me *MismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, 2, me.Required)
	assert.Equal(t, 1, me.Bound)

	got, err := f.store.GetTransaction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateBorrowed, got.State)
	assert.Len(t, f.boundTo(t, a.ID), 1)
}

func TestReallocate(t *testing.T) {
	ctx := context.Background()
	setup := func(t *testing.T) (*fixture, *TransactionView) {
		f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 4), pool("pipette", "bio", 2)}, nil)
		a := f.submit(t, line("microscope", 2))
		v, err := f.eng.Approve(ctx, custodian, a.ID)
		require.NoError(t, err)
		return f, v
	}
	freeUnit := func(t *testing.T, f *fixture) string {
		cands, err := f.store.CandidateUnits(ctx, "microscope", nil, 1)
		require.NoError(t, err)
		require.Len(t, cands, 1)
		return cands[0].ID
	}

	t.Run("swap a damaged unit for a specific replacement", func(t *testing.T) {
		f, v := setup(t)
		out := v.Units[0].ID
		in := freeUnit(t, f)

		got, err := f.eng.Reallocate(ctx, custodian, v.ID, ReallocateRequest{
			Remove:            []string{out},
			RemovedConditions: map[string]model.Condition{out: "under_repair"},
			Add:               []string{in},
		})
		require.NoError(t, err)
		ids := got.Allocation()["microscope"]
		assert.Len(t, ids, 2)
		assert.Contains(t, ids, in)
		assert.NotContains(t, ids, out)

		u, err := f.store.GetUnit(ctx, out)
		require.NoError(t, err)
		assert.Equal(t, model.ConditionUnderRepair, u.Condition)
		assert.False(t, u.Bound())
		assert.Equal(t, int64(1), f.available(t, "microscope"))
		f.assertConsistent(t, "microscope")
	})

	t.Run("auto fill never rebinds the removed unit", func(t *testing.T) {
		f, v := setup(t)
		out := v.Units[1].ID

		got, err := f.eng.Reallocate(ctx, custodian, v.ID, ReallocateRequest{Remove: []string{out}, AutoFill: true})
		require.NoError(t, err)
		assert.Len(t, got.Units, 2)
		assert.NotContains(t, got.Allocation()["microscope"], out)
	})

	t.Run("removing without replacement is a mismatch and rolls back", func(t *testing.T) {
		f, v := setup(t)
		_, err := f.eng.Reallocate(ctx, custodian, v.ID, ReallocateRequest{
			Remove:            []string{v.Units[0].ID},
			RemovedConditions: map[string]model.Condition{v.Units[0].ID: model.ConditionMissing},
		})
		assert.ErrorIs(t, err, ErrQuantityMismatch)

		assert.Len(t, f.boundTo(t, v.ID), 2)
		u, err := f.store.GetUnit(ctx, v.Units[0].ID)
		require.NoError(t, err)
		assert.Equal(t, model.ConditionGood, u.Condition)
	})

	t.Run("adding beyond the quantity is a mismatch", func(t *testing.T) {
		f, v := setup(t)
		_, err := f.eng.Reallocate(ctx, custodian, v.ID, ReallocateRequest{Add: []string{freeUnit(t, f)}})
		assert.ErrorIs(t, err, ErrQuantityMismatch)
		assert.Equal(t, int64(2), f.available(t, "microscope"))
	})

	t.Run("adding a unit of another type is refused", func(t *testing.T) {
		f, v := setup(t)
		_, err := f.eng.Reallocate(ctx, custodian, v.ID, ReallocateRequest{
			Remove: []string{v.Units[0].ID},
			Add:    []string{"pipette-1"},
		})
		assert.ErrorIs(t, err, ErrValidation)
		assert.Len(t, f.boundTo(t, v.ID), 2)
	})

	t.Run("adding an ineligible unit is refused", func(t *testing.T) {
		f, v := setup(t)
		in := freeUnit(t, f)
		_, err := f.eng.SetUnitCondition(ctx, custodian, in, model.ConditionDamaged)
		require.NoError(t, err)

		_, err = f.eng.Reallocate(ctx, custodian, v.ID, ReallocateRequest{Remove: []string{v.Units[0].ID}, Add: []string{in}})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("removing a unit that is not held is refused", func(t *testing.T) {
		f, v := setup(t)
		_, err := f.eng.Reallocate(ctx, custodian, v.ID, ReallocateRequest{Remove: []string{freeUnit(t, f)}, AutoFill: true})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("conditions for units not being removed are refused", func(t *testing.T) {
		f, v := setup(t)
		_, err := f.eng.Reallocate(ctx, custodian, v.ID, ReallocateRequest{
			RemovedConditions: map[string]model.Condition{v.Units[0].ID: model.ConditionDamaged},
			AutoFill:          true,
		})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestSetUnitCondition_KeepsBindingAndAvailabilityConsistent(t *testing.T) {
	f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 3)}, nil)
	ctx := context.Background()

	a := f.submit(t, line("microscope", 1))
	v, err := f.eng.Approve(ctx, custodian, a.ID)
	require.NoError(t, err)
	held := v.Units[0].ID

	u, err := f.eng.SetUnitCondition(ctx, custodian, held, "Damaged")
	require.NoError(t, err)
	assert.Equal(t, model.ConditionDamaged, u.Condition)
	require.NotNil(t, u.BoundTransactionID)
	assert.Equal(t, a.ID, *u.BoundTransactionID)
	assert.Equal(t, int64(2), f.available(t, "microscope"))
	f.assertConsistent(t, "microscope")

	free := "microscope-1"
	if free == held {
		free = "microscope-2"
	}
	_, err = f.eng.SetUnitCondition(ctx, custodian, free, "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.available(t, "microscope"))
	f.assertConsistent(t, "microscope")

	_, err = f.eng.SetUnitCondition(ctx, custodian, free, "melted")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.eng.SetUnitCondition(ctx, custodian, "nope", model.ConditionGood)
	assert.ErrorIs(t, err, ErrNotFound)

	// Returning the damaged unit keeps it out of the pool.
	_, err = f.eng.Return(ctx, custodian, a.ID, ReturnRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.available(t, "microscope"))
}

func TestAvailableCount_UnknownType(t *testing.T) {
	f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 0)}, nil)

	n, err := f.eng.Availability().AvailableCount(context.Background(), "microscope")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.eng.Availability().AvailableCount(context.Background(), "laser")
	assert.ErrorIs(t, err, ErrNotFound)

	counts, err := f.eng.Availability().AvailableCounts(context.Background(), "microscope", "laser")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"microscope": 0, "laser": 0}, counts)
}

func TestApprove_ArchivedAfterSubmitIsRefused(t *testing.T) {
	f := newFixture(t, []db.SeedEquipmentType{pool("microscope", "bio", 3)}, nil)
	ctx := context.Background()

	a := f.submit(t, line("microscope", 1))
	require.NoError(t, f.db.Model(&model.EquipmentType{}).Where("id = ?", "microscope").Update("active", false).Error)

	_, err := f.eng.Approve(ctx, custodian, a.ID)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, int64(3), f.available(t, "microscope"))
}
