package engine

import (
	"errors"
	"fmt"
	"strings"

	"lab-lending-backend/internal/model"
	"lab-lending-backend/internal/store"
)

var (
	// ErrNotFound is returned when a transaction, unit or equipment type does not exist.
	ErrNotFound = store.ErrNotFound
	// ErrUnitAlreadyBound means a unit was taken by another transaction, or
	// became ineligible, between selection and binding.
	ErrUnitAlreadyBound = store.ErrUnitAlreadyBound
	// ErrConflict means a transaction kept changing underneath an operation.
	ErrConflict = store.ErrStaleTransaction

	ErrValidation           = errors.New("invalid request")
	ErrForbidden            = errors.New("forbidden")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrFieldFrozen          = errors.New("field is frozen")
	ErrQuantityMismatch     = errors.New("bound units do not match requested quantity")
)

// ValidationError reports a malformed request. Nothing was written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Shortfall is one line that cannot be satisfied from the current pool.
type Shortfall struct {
	EquipmentTypeID string `json:"equipmentTypeId"`
	Requested       int    `json:"requested"`
	Available       int    `json:"available"`
}

// CapacityError lists every line of a transaction that lacks units.
type CapacityError struct {
	TransactionID string
	Shortfalls    []Shortfall
}

func (e *CapacityError) Error() string {
	parts := make([]string, len(e.Shortfalls))
	for i, s := range e.Shortfalls {
		parts[i] = fmt.Sprintf("%s requested %d, available %d", s.EquipmentTypeID, s.Requested, s.Available)
	}
	return fmt.Sprintf("transaction %s: insufficient capacity: %s", e.TransactionID, strings.Join(parts, "; "))
}

func (e *CapacityError) Unwrap() error { return ErrInsufficientCapacity }

// TransitionError is returned when an action is not allowed from the
// transaction's current state. The transaction is unchanged.
type TransitionError struct {
	TransactionID string
	From          model.TransactionState
	Action        Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transaction %s: cannot %s from state %s", e.TransactionID, e.Action, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// FieldFrozenError is returned when an edit touches a field the current state locks.
type FieldFrozenError struct {
	Field Field
	State model.TransactionState
}

func (e *FieldFrozenError) Error() string {
	return fmt.Sprintf("%s cannot be edited while %s", e.Field, e.State)
}

func (e *FieldFrozenError) Unwrap() error { return ErrFieldFrozen }

// MismatchError reports a line whose bound unit count differs from its quantity.
type MismatchError struct {
	TransactionID   string
	EquipmentTypeID string
	Required        int
	Bound           int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("transaction %s: %s requires %d units, %d bound", e.TransactionID, e.EquipmentTypeID, e.Required, e.Bound)
}

func (e *MismatchError) Unwrap() error { return ErrQuantityMismatch }

func forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}
