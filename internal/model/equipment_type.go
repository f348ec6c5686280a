package model

import "time"

// EquipmentType is a borrowable category owned by a laboratory.
// Rows are written by catalog management; the engine only reads them.
type EquipmentType struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	Name         string    `gorm:"size:200;not null" json:"name"`
	LaboratoryID string    `gorm:"index;size:64;not null" json:"laboratoryId"`
	Active       bool      `gorm:"not null" json:"active"`
	CreatedAt    time.Time `gorm:"not null" json:"createdAt"`
	UpdatedAt    time.Time `gorm:"not null" json:"updatedAt"`

	// Associations
	Units []Unit `gorm:"foreignKey:EquipmentTypeID;constraint:OnDelete:CASCADE" json:"-"`
}
