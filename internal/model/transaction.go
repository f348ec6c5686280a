package model

import "time"

// TransactionState is the lifecycle state of a borrow request.
type TransactionState string

const (
	StatePending  TransactionState = "pending"
	StateBorrowed TransactionState = "borrowed"
	StateReturned TransactionState = "returned"
	StateRejected TransactionState = "rejected"
)

// Terminal reports whether no further transition is possible from s.
func (s TransactionState) Terminal() bool {
	return s == StateReturned || s == StateRejected
}

// Valid reports whether s is one of the known states.
func (s TransactionState) Valid() bool {
	switch s {
	case StatePending, StateBorrowed, StateReturned, StateRejected:
		return true
	}
	return false
}

// Transaction is one borrow request.
type Transaction struct {
	ID               string           `gorm:"primaryKey;size:64" json:"id"`
	RequesterID      string           `gorm:"index;size:64;not null" json:"requesterId"`
	LaboratoryID     string           `gorm:"index;size:64;not null" json:"laboratoryId"`
	State            TransactionState `gorm:"index;size:16;not null" json:"state"`
	Notes            string           `gorm:"type:text" json:"notes,omitempty"`
	RejectionReason  string           `gorm:"type:text" json:"rejectionReason,omitempty"`
	ExpectedReturnAt *time.Time       `json:"expectedReturnAt,omitempty"`

	CreatedAt  time.Time  `gorm:"not null" json:"createdAt"`
	UpdatedAt  time.Time  `gorm:"not null" json:"updatedAt"`
	AcceptedAt *time.Time `json:"acceptedAt,omitempty"`
	ReturnedAt *time.Time `json:"returnedAt,omitempty"`
	RejectedAt *time.Time `json:"rejectedAt,omitempty"`

	ApprovedBy string `gorm:"size:64" json:"approvedBy,omitempty"`
	ReturnedBy string `gorm:"size:64" json:"returnedBy,omitempty"`
	RejectedBy string `gorm:"size:64" json:"rejectedBy,omitempty"`

	// Version is bumped on every state flip and guards it as a compare-and-swap.
	Version int64 `gorm:"not null;default:0" json:"version"`

	// Associations
	Lines []LineItem `gorm:"foreignKey:TransactionID;constraint:OnDelete:CASCADE" json:"lines"`
}

// LineItem is one (equipment type, quantity) pair of a transaction.
type LineItem struct {
	ID              int64  `gorm:"primaryKey;autoIncrement" json:"-"`
	TransactionID   string `gorm:"uniqueIndex:idx_line_tx_type;size:64;not null" json:"-"`
	EquipmentTypeID string `gorm:"uniqueIndex:idx_line_tx_type;size:64;not null" json:"equipmentTypeId"`
	Quantity        int    `gorm:"not null" json:"quantity"`
}

// Quantities maps equipment type to requested quantity.
func (t Transaction) Quantities() map[string]int {
	out := make(map[string]int, len(t.Lines))
	for _, l := range t.Lines {
		out[l.EquipmentTypeID] += l.Quantity
	}
	return out
}
