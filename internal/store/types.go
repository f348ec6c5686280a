package store

import (
	"errors"
	"time"

	"lab-lending-backend/internal/model"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnitAlreadyBound means a conditional bind lost: the unit was bound,
	// or left the eligible set, between selection and write.
	ErrUnitAlreadyBound = errors.New("unit already bound")
	// ErrUnitNotBound means a conditional unbind found the unit not held by the given transaction.
	ErrUnitNotBound = errors.New("unit not bound to transaction")
	// ErrStaleTransaction means a compare-and-swap on a transaction's state or version matched no row.
	ErrStaleTransaction = errors.New("transaction changed concurrently")
)

// UnitFilter narrows ListUnits. Empty fields match everything.
type UnitFilter struct {
	EquipmentTypeIDs []string
	TransactionID    string
}

// TransactionFilter narrows ListTransactions. Empty fields match everything.
type TransactionFilter struct {
	State        model.TransactionState
	RequesterID  string
	LaboratoryID string

	// DueBefore keeps transactions whose expected return is set and earlier than it.
	DueBefore *time.Time

	Limit  int
	Offset int
}
