package engine

import "lab-lending-backend/internal/model"

// Action is a lifecycle trigger.
type Action string

const (
	ActionApprove    Action = "approve"
	ActionReject     Action = "reject"
	ActionReturn     Action = "return"
	ActionReallocate Action = "reallocate"
	ActionEdit       Action = "edit"
)

type transition struct {
	from model.TransactionState
	to   model.TransactionState
}

var transitions = map[Action]transition{
	ActionApprove:    {from: model.StatePending, to: model.StateBorrowed},
	ActionReject:     {from: model.StatePending, to: model.StateRejected},
	ActionReturn:     {from: model.StateBorrowed, to: model.StateReturned},
	ActionReallocate: {from: model.StateBorrowed, to: model.StateBorrowed},
}

// next returns the state t moves to under a, or a TransitionError.
func next(t *model.Transaction, a Action) (model.TransactionState, error) {
	tr, ok := transitions[a]
	if !ok || t.State != tr.from {
		return "", &TransitionError{TransactionID: t.ID, From: t.State, Action: a}
	}
	return tr.to, nil
}

// Field is an editable attribute of a transaction.
type Field string

const (
	FieldRequester      Field = "requesterId"
	FieldLaboratory     Field = "laboratoryId"
	FieldLines          Field = "lines"
	FieldExpectedReturn Field = "expectedReturnAt"
	FieldNotes          Field = "notes"
)

var editable = map[model.TransactionState]map[Field]bool{
	model.StatePending: {
		FieldRequester:      true,
		FieldLaboratory:     true,
		FieldLines:          true,
		FieldExpectedReturn: true,
		FieldNotes:          true,
	},
	model.StateBorrowed: {
		FieldExpectedReturn: true,
		FieldNotes:          true,
	},
}

// Editable reports whether f may change while a transaction is in state s.
// A closed transaction only accepts notes.
func Editable(s model.TransactionState, f Field) bool {
	if s.Terminal() {
		return f == FieldNotes
	}
	return editable[s][f]
}
