package db

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lab-lending-backend/internal/model"
)

// Seed is the catalog file format. It stands in for the catalog-management
// service, which owns equipment types and units.
type Seed struct {
	EquipmentTypes []SeedEquipmentType `yaml:"equipment_types"`
}

// SeedEquipmentType is one equipment type and its units.
type SeedEquipmentType struct {
	ID           string     `yaml:"id"`
	Name         string     `yaml:"name"`
	LaboratoryID string     `yaml:"laboratory_id"`
	Archived     bool       `yaml:"archived"`
	Units        []SeedUnit `yaml:"units"`
}

// SeedUnit is one physical unit.
type SeedUnit struct {
	ID        string `yaml:"id"`
	Label     string `yaml:"label"`
	Condition string `yaml:"condition"`
}

// LoadSeed parses a catalog seed file.
func LoadSeed(path string) (*Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var seed Seed
	if err := yaml.NewDecoder(f).Decode(&seed); err != nil {
		return nil, fmt.Errorf("decode seed %s: %w", path, err)
	}
	return &seed, nil
}

// ApplySeed upserts equipment types and units. A seeded condition applies
// only when the unit is first inserted; existing units keep their binding
// and the condition the engine last recorded, and only their label is
// refreshed.
func ApplySeed(ctx context.Context, db *gorm.DB, seed *Seed, log *zap.Logger) error {
	var types []model.EquipmentType
	var units []model.Unit
	for _, et := range seed.EquipmentTypes {
		if et.ID == "" {
			return fmt.Errorf("seed: equipment type without id")
		}
		types = append(types, model.EquipmentType{
			ID:           et.ID,
			Name:         et.Name,
			LaboratoryID: et.LaboratoryID,
			Active:       !et.Archived,
		})
		for _, u := range et.Units {
			cond := model.ConditionGood
			if u.Condition != "" {
				c, err := model.ParseCondition(u.Condition)
				if err != nil {
					return fmt.Errorf("seed unit %s: %w", u.ID, err)
				}
				cond = c
			}
			units = append(units, model.Unit{
				ID:              u.ID,
				EquipmentTypeID: et.ID,
				Label:           u.Label,
				Condition:       cond,
			})
		}
	}

	if len(types) == 0 {
		return nil
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		log.Info("Upserting catalog seed", zap.Int("equipment_types", len(types)), zap.Int("units", len(units)))
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "laboratory_id", "active", "updated_at"}),
		}).Create(&types).Error; err != nil {
			return fmt.Errorf("batch upsert equipment types failed: %w", err)
		}
		if len(units) == 0 {
			return nil
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"label", "updated_at"}),
		}).Omit("BoundTransactionID", "LastReturnedAt").Create(&units).Error; err != nil {
			return fmt.Errorf("batch upsert units failed: %w", err)
		}
		return nil
	})
}
