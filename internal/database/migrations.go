package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/studies"
)

const (
	migrationDropDanglingMoveOwners = "2026-09-14_drop_dangling_move_owners"
	migrationRepairMoveDeletedFlags = "2026-09-14_repair_move_deleted_flags"
	migrationTimestampsToMillis     = "2026-10-18_timestamps_to_milliseconds"
)

type legacyTimestampColumn struct {
	model  interface{}
	table  string
	legacy string
	millis string
}

var legacyTimestampColumns = []legacyTimestampColumn{
	{model: &studies.Study{}, table: "studies", legacy: "last_modified_remote_s", millis: "last_modified_remote_ms"},
	{model: &studies.Study{}, table: "studies", legacy: "last_fetched_s", millis: "last_fetched_ms"},
	{model: &studies.PendingUpdate{}, table: "study_pending_updates", legacy: "fetched_at_s", millis: "fetched_at_ms"},
	{model: &studies.PendingUpdate{}, table: "study_pending_updates", legacy: "last_modified_remote_s", millis: "last_modified_remote_ms"},
}

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

var migrations = []migrationDefinition{
	{name: migrationDropDanglingMoveOwners, apply: dropDanglingMoveOwners},
	{name: migrationRepairMoveDeletedFlags, apply: repairMoveDeletedFlags},
	{name: migrationTimestampsToMillis, apply: convertTimestampsToMillis},
}

// applyMigrations runs each named migration once, recording it in the same transaction.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(transaction *gorm.DB) error {
			if err := migration.apply(transaction); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return transaction.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// dropDanglingMoveOwners removes edges whose study or move row no longer exists.
func dropDanglingMoveOwners(db *gorm.DB) error {
	if err := db.Where("study_id NOT IN (?)", db.Model(&studies.Study{}).Select("study_id")).
		Delete(&studies.MoveOwner{}).Error; err != nil {
		return err
	}
	return db.Where("move_id NOT IN (?)", db.Model(&studies.Move{}).Select("move_id")).
		Delete(&studies.MoveOwner{}).Error
}

// repairMoveDeletedFlags makes a move deleted exactly when it has no owner.
func repairMoveDeletedFlags(db *gorm.DB) error {
	owned := func() *gorm.DB {
		return db.Model(&studies.MoveOwner{}).Distinct("move_id")
	}
	if err := db.Model(&studies.Move{}).
		Where("deleted = ? AND move_id IN (?)", true, owned()).
		Update("deleted", false).Error; err != nil {
		return err
	}
	return db.Model(&studies.Move{}).
		Where("deleted = ? AND move_id NOT IN (?)", false, owned()).
		Update("deleted", true).Error
}

// convertTimestampsToMillis carries second-precision columns into their millisecond
// replacements and drops the old columns, which would otherwise reject inserts.
func convertTimestampsToMillis(db *gorm.DB) error {
	migrator := db.Migrator()
	for _, column := range legacyTimestampColumns {
		if !migrator.HasColumn(column.model, column.legacy) {
			continue
		}
		statement := "UPDATE " + column.table + " SET " + column.millis + " = " + column.legacy + " * 1000 WHERE " + column.millis + " = 0"
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
		if err := migrator.DropColumn(column.model, column.legacy); err != nil {
			return err
		}
	}
	return nil
}
