// Package report exposes read-only projections of the unit pool and
// transactions for dashboards and exporters.
package report

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"lab-lending-backend/internal/model"
	"lab-lending-backend/internal/store"
)

// Filter narrows a projection. Empty fields match everything.
type Filter struct {
	LaboratoryID     string
	EquipmentTypeIDs []string
}

// TypeSummary partitions the units of one equipment type:
// Total = Available + Bound + Ineligible. A bound unit counts as Bound
// whatever its condition.
type TypeSummary struct {
	EquipmentTypeID string          `json:"equipmentTypeId"`
	Name            string          `json:"name"`
	LaboratoryID    string          `json:"laboratoryId"`
	Active          bool            `json:"active"`
	Total           int64           `json:"total"`
	Available       int64           `json:"available"`
	Bound           int64           `json:"bound"`
	Ineligible      int64           `json:"ineligible"`
	Utilization     decimal.Decimal `json:"utilization"`
}

// UnitState is the current state of one unit.
type UnitState struct {
	UnitID             string          `json:"unitId"`
	EquipmentTypeID    string          `json:"equipmentTypeId"`
	Label              string          `json:"label"`
	Condition          model.Condition `json:"condition"`
	Eligible           bool            `json:"eligible"`
	BoundTransactionID *string         `json:"boundTransactionId,omitempty"`
	LastReturnedAt     *time.Time      `json:"lastReturnedAt,omitempty"`
}

// Snapshot holds summaries and unit states computed from the same read.
type Snapshot struct {
	Types []TypeSummary `json:"types"`
	Units []UnitState   `json:"units"`
}

// Projection reads engine state. It never writes.
type Projection struct {
	store store.Store
}

// New creates a Projection over s.
func New(s store.Store) *Projection {
	return &Projection{store: s}
}

// Snapshot reads the matching types and their units once and derives every
// count from that single unit read.
func (p *Projection) Snapshot(ctx context.Context, f Filter) (*Snapshot, error) {
	types, err := p.store.ListEquipmentTypes(ctx, f.EquipmentTypeIDs)
	if err != nil {
		return nil, err
	}
	if f.LaboratoryID != "" {
		kept := types[:0]
		for _, et := range types {
			if et.LaboratoryID == f.LaboratoryID {
				kept = append(kept, et)
			}
		}
		types = kept
	}
	snap := &Snapshot{Types: []TypeSummary{}, Units: []UnitState{}}
	if len(types) == 0 {
		return snap, nil
	}

	ids := make([]string, len(types))
	byID := make(map[string]*TypeSummary, len(types))
	snap.Types = make([]TypeSummary, len(types))
	for i, et := range types {
		ids[i] = et.ID
		snap.Types[i] = TypeSummary{
			EquipmentTypeID: et.ID,
			Name:            et.Name,
			LaboratoryID:    et.LaboratoryID,
			Active:          et.Active,
		}
		byID[et.ID] = &snap.Types[i]
	}

	units, err := p.store.ListUnits(ctx, store.UnitFilter{EquipmentTypeIDs: ids})
	if err != nil {
		return nil, err
	}
	snap.Units = make([]UnitState, 0, len(units))
	for _, u := range units {
		s := byID[u.EquipmentTypeID]
		s.Total++
		switch {
		case u.Bound():
			s.Bound++
		case u.Available():
			s.Available++
		default:
			s.Ineligible++
		}
		snap.Units = append(snap.Units, UnitState{
			UnitID:             u.ID,
			EquipmentTypeID:    u.EquipmentTypeID,
			Label:              u.Label,
			Condition:          u.Condition,
			Eligible:           u.Condition.Eligible(),
			BoundTransactionID: u.BoundTransactionID,
			LastReturnedAt:     u.LastReturnedAt,
		})
	}
	for i := range snap.Types {
		snap.Types[i].Utilization = utilization(snap.Types[i].Bound, snap.Types[i].Total)
	}
	sort.Slice(snap.Types, func(i, j int) bool { return snap.Types[i].EquipmentTypeID < snap.Types[j].EquipmentTypeID })
	return snap, nil
}

func utilization(bound, total int64) decimal.Decimal {
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(bound).Div(decimal.NewFromInt(total)).Round(4)
}

// TypeSummaries returns per-type counts.
func (p *Projection) TypeSummaries(ctx context.Context, f Filter) ([]TypeSummary, error) {
	snap, err := p.Snapshot(ctx, f)
	if err != nil {
		return nil, err
	}
	return snap.Types, nil
}

// UnitStates returns the state of every matching unit.
func (p *Projection) UnitStates(ctx context.Context, f Filter) ([]UnitState, error) {
	snap, err := p.Snapshot(ctx, f)
	if err != nil {
		return nil, err
	}
	return snap.Units, nil
}

// Transactions lists transactions for exporters and audit collaborators.
func (p *Projection) Transactions(ctx context.Context, f store.TransactionFilter) ([]model.Transaction, error) {
	return p.store.ListTransactions(ctx, f)
}
