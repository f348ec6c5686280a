package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"lab-lending-backend/internal/model"
	"lab-lending-backend/internal/store"
)

// resolver owns every write to unit bindings. Its methods take the Store of
// an open database transaction and must be called with the equipment-type
// locks of the transaction's lines held.
type resolver struct {
	maxRetries int
	log        *zap.Logger
}

func lockKey(equipmentTypeID string) string {
	return "equipment-type:" + equipmentTypeID
}

func lockKeys(typeIDs []string) []string {
	keys := make([]string, len(typeIDs))
	for i, id := range typeIDs {
		keys[i] = lockKey(id)
	}
	return keys
}

func lineTypes(t *model.Transaction) []string {
	ids := make([]string, 0, len(t.Lines))
	for _, l := range t.Lines {
		ids = append(ids, l.EquipmentTypeID)
	}
	sort.Strings(ids)
	return ids
}

// allocate binds quantity units for every line of t, all or nothing. Lines
// that cannot be satisfied are reported together in one CapacityError.
func (r *resolver) allocate(ctx context.Context, tx store.Store, t *model.Transaction) (map[string][]string, error) {
	qty := t.Quantities()
	ids := lineTypes(t)

	counts, err := tx.CountAvailable(ctx, ids)
	if err != nil {
		return nil, err
	}
	var short []Shortfall
	for _, id := range ids {
		if counts[id] < int64(qty[id]) {
			short = append(short, Shortfall{EquipmentTypeID: id, Requested: qty[id], Available: int(counts[id])})
		}
	}
	if len(short) > 0 {
		return nil, &CapacityError{TransactionID: t.ID, Shortfalls: short}
	}

	out := make(map[string][]string, len(ids))
	for _, id := range ids {
		bound, err := r.fill(ctx, tx, t.ID, id, 0, qty[id], nil)
		if err != nil {
			return nil, err
		}
		out[id] = bound
	}
	return out, nil
}

// fill binds need more units of a type to txID, already holding have of them.
// A lost race moves on to the next candidate; more than maxRetries lost races,
// or running out of candidates, ends in a CapacityError.
func (r *resolver) fill(ctx context.Context, tx store.Store, txID, typeID string, have, need int, exclude []string) ([]string, error) {
	var (
		bound     []string
		conflicts int
	)
	skip := append([]string(nil), exclude...)
	shortfall := func() error {
		return &CapacityError{TransactionID: txID, Shortfalls: []Shortfall{{
			EquipmentTypeID: typeID,
			Requested:       have + need,
			Available:       have + len(bound),
		}}}
	}

	for len(bound) < need {
		candidates, err := tx.CandidateUnits(ctx, typeID, skip, need-len(bound))
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, shortfall()
		}
		for _, u := range candidates {
			skip = append(skip, u.ID)
			err := tx.BindUnit(ctx, u.ID, txID)
			if errors.Is(err, store.ErrUnitAlreadyBound) {
				conflicts++
				r.log.Debug("Lost binding race",
					zap.String("transaction", txID),
					zap.String("unit", u.ID),
					zap.Int("conflicts", conflicts))
				if conflicts > r.maxRetries {
					return nil, shortfall()
				}
				continue
			}
			if err != nil {
				return nil, err
			}
			bound = append(bound, u.ID)
		}
	}
	return bound, nil
}

// verifyBound checks that every line of t holds exactly its quantity and that
// no unit of another type is bound to it.
func (r *resolver) verifyBound(ctx context.Context, tx store.Store, t *model.Transaction) ([]model.Unit, error) {
	units, err := tx.ListUnits(ctx, store.UnitFilter{TransactionID: t.ID})
	if err != nil {
		return nil, err
	}
	got := make(map[string]int)
	for _, u := range units {
		got[u.EquipmentTypeID]++
	}
	qty := t.Quantities()
	for _, id := range lineTypes(t) {
		if got[id] != qty[id] {
			return nil, &MismatchError{TransactionID: t.ID, EquipmentTypeID: id, Required: qty[id], Bound: got[id]}
		}
	}
	for id, n := range got {
		if _, ok := qty[id]; !ok {
			return nil, &MismatchError{TransactionID: t.ID, EquipmentTypeID: id, Required: 0, Bound: n}
		}
	}
	return units, nil
}

// release unbinds every unit held by t, applying any condition given for it.
func (r *resolver) release(ctx context.Context, tx store.Store, t *model.Transaction, units []model.Unit, conditions map[string]model.Condition, at time.Time) error {
	for _, u := range units {
		var cond *model.Condition
		if c, ok := conditions[u.ID]; ok {
			cond = &c
		}
		if err := tx.UnbindUnit(ctx, u.ID, t.ID, at, cond); err != nil {
			return err
		}
	}
	return nil
}

// ReallocateRequest edits the unit set of a borrowed transaction.
type ReallocateRequest struct {
	// Remove lists bound units to release.
	Remove []string `json:"remove"`
	// RemovedConditions optionally sets the condition of removed units.
	RemovedConditions map[string]model.Condition `json:"removedConditions"`
	// Add lists specific units to bind.
	Add []string `json:"add"`
	// AutoFill tops up every short line from the pool after Remove and Add.
	AutoFill bool `json:"autoFill"`
}

// reallocate applies req to t and refuses to finish unless every line again
// holds exactly its quantity.
func (r *resolver) reallocate(ctx context.Context, tx store.Store, t *model.Transaction, req ReallocateRequest, at time.Time) error {
	qty := t.Quantities()
	current, err := tx.ListUnits(ctx, store.UnitFilter{TransactionID: t.ID})
	if err != nil {
		return err
	}
	held := make(map[string]model.Unit, len(current))
	have := make(map[string]int)
	for _, u := range current {
		held[u.ID] = u
		have[u.EquipmentTypeID]++
	}

	for _, id := range req.Remove {
		u, ok := held[id]
		if !ok {
			return invalid("remove", "unit %s is not bound to transaction %s", id, t.ID)
		}
		var cond *model.Condition
		if c, ok := req.RemovedConditions[id]; ok {
			cond = &c
		}
		if err := tx.UnbindUnit(ctx, id, t.ID, at, cond); err != nil {
			return err
		}
		delete(held, id)
		have[u.EquipmentTypeID]--
	}

	for _, id := range req.Add {
		u, err := tx.GetUnit(ctx, id)
		if err != nil {
			return err
		}
		if _, ok := qty[u.EquipmentTypeID]; !ok {
			return invalid("add", "unit %s is a %s, which transaction %s does not request", id, u.EquipmentTypeID, t.ID)
		}
		if !u.Condition.Eligible() {
			return invalid("add", "unit %s is %s", id, u.Condition)
		}
		if err := tx.BindUnit(ctx, id, t.ID); err != nil {
			return err
		}
		have[u.EquipmentTypeID]++
	}

	if req.AutoFill {
		for _, typeID := range lineTypes(t) {
			need := qty[typeID] - have[typeID]
			if need <= 0 {
				continue
			}
			bound, err := r.fill(ctx, tx, t.ID, typeID, have[typeID], need, req.Remove)
			if err != nil {
				return err
			}
			have[typeID] += len(bound)
		}
	}

	_, err = r.verifyBound(ctx, tx, t)
	return err
}
