package model

import (
	"fmt"
	"strings"
	"time"
)

// Condition is the physical state of a unit.
type Condition string

const (
	ConditionNew         Condition = "New"
	ConditionGood        Condition = "Good"
	ConditionFair        Condition = "Fair"
	ConditionPoor        Condition = "Poor"
	ConditionDamaged     Condition = "Damaged"
	ConditionMissing     Condition = "Missing"
	ConditionUnderRepair Condition = "Under Repair"
)

var eligibleConditions = []Condition{ConditionNew, ConditionGood, ConditionFair, ConditionPoor}

var allConditions = []Condition{
	ConditionNew, ConditionGood, ConditionFair, ConditionPoor,
	ConditionDamaged, ConditionMissing, ConditionUnderRepair,
}

// Eligible reports whether a unit in this condition counts toward availability.
// A unit with no recorded condition is treated as Good.
func (c Condition) Eligible() bool {
	if c == "" {
		return true
	}
	for _, e := range eligibleConditions {
		if c == e {
			return true
		}
	}
	return false
}

// EligibleConditionValues returns the eligible set as plain strings for SQL IN clauses.
func EligibleConditionValues() []string {
	out := make([]string, len(eligibleConditions))
	for i, c := range eligibleConditions {
		out[i] = string(c)
	}
	return out
}

// ParseCondition matches s case-insensitively against the known conditions.
// "under_repair" and "under-repair" are accepted for Under Repair.
func ParseCondition(s string) (Condition, error) {
	norm := strings.TrimSpace(s)
	norm = strings.NewReplacer("_", " ", "-", " ").Replace(norm)
	for _, c := range allConditions {
		if strings.EqualFold(norm, string(c)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown condition %q", s)
}

// Unit is one physical instance of an EquipmentType.
//
// BoundTransactionID is non-nil only while the unit is held by a borrowed
// transaction. It is written exclusively through conditional updates.
type Unit struct {
	ID                 string     `gorm:"primaryKey;size:64" json:"id"`
	EquipmentTypeID    string     `gorm:"index;size:64;not null" json:"equipmentTypeId"`
	Label              string     `gorm:"size:120" json:"label"`
	Condition          Condition  `gorm:"column:unit_condition;size:32;not null;default:'Good'" json:"condition"`
	BoundTransactionID *string    `gorm:"index;size:64" json:"boundTransactionId,omitempty"`
	LastReturnedAt     *time.Time `json:"lastReturnedAt,omitempty"`
	CreatedAt          time.Time  `gorm:"not null" json:"createdAt"`
	UpdatedAt          time.Time  `gorm:"not null" json:"updatedAt"`
}

// Bound reports whether the unit is currently held by a transaction.
func (u Unit) Bound() bool { return u.BoundTransactionID != nil }

// Available reports whether the unit could be allocated right now.
func (u Unit) Available() bool { return !u.Bound() && u.Condition.Eligible() }
