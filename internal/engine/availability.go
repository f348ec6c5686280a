package engine

import (
	"context"
	"fmt"

	"lab-lending-backend/internal/store"
)

// Calculator answers how many units of a type can be allocated right now.
// Every call reads the store; nothing is cached.
type Calculator struct {
	store store.Store
}

// NewCalculator creates a Calculator reading from s.
func NewCalculator(s store.Store) *Calculator {
	return &Calculator{store: s}
}

// AvailableCount returns the number of eligible, unbound units of a type.
func (c *Calculator) AvailableCount(ctx context.Context, equipmentTypeID string) (int64, error) {
	counts, err := c.store.CountAvailable(ctx, []string{equipmentTypeID})
	if err != nil {
		return 0, err
	}
	n := counts[equipmentTypeID]
	if n == 0 {
		// Tell an empty pool apart from an unknown type.
		if _, err := c.store.GetEquipmentType(ctx, equipmentTypeID); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// AvailableCounts returns AvailableCount for several types in one query.
// Unknown ids are reported as zero.
func (c *Calculator) AvailableCounts(ctx context.Context, equipmentTypeIDs ...string) (map[string]int64, error) {
	counts, err := c.store.CountAvailable(ctx, equipmentTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to compute availability: %w", err)
	}
	return counts, nil
}
