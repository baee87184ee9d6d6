// Package gorm provides GORM-based database operations for runsift.
package gorm

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: events and the embedding work queue
		{
			ID: "001_events_queue",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&EventRow{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&QueueRow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("unprocessed_events", "events")
			},
		},

		// Migration 002: one embedding table per deduplicated severity
		{
			ID: "002_severity_embeddings",
			Migrate: func(tx *gorm.DB) error {
				for _, table := range []string{"error_embeddings", "critical_embeddings"} {
					if err := tx.Table(table).AutoMigrate(&EmbeddingRow{}); err != nil {
						return fmt.Errorf("migrate %s: %w", table, err)
					}
					// Index names are global in SQLite, so they carry the table name.
					sql := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_run_ts ON %[1]s (run_id, ts)", table)
					if err := tx.Exec(sql).Error; err != nil {
						return fmt.Errorf("index %s: %w", table, err)
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("error_embeddings", "critical_embeddings")
			},
		},
	})

	return m.Migrate()
}
