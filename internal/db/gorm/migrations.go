package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: pgvector extension.
		{
			ID: "001_vector_extension",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error
			},
			Rollback: func(tx *gorm.DB) error {
				return nil
			},
		},

		// Migration 002: core tables.
		{
			ID: "002_core_tables",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&ReportRecord{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&UpvoteRecord{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&DuplicateUpvoteRecord{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&FeedbackRecord{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&ArchivedDuplicate{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(
					"duplicate_feedback", "duplicate_upvotes", "report_upvotes",
					"archived_duplicates", "reports",
				)
			},
		},

		// Migration 003: vector table. The embedding column is untyped so
		// image (D_img) and text (D_txt) vectors share one table; no ANN
		// index is built, candidate sets are small after prefiltering.
		{
			ID: "003_report_vectors",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					`CREATE TABLE IF NOT EXISTS report_vectors (
						report_id text NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
						seq integer NOT NULL,
						kind text NOT NULL CHECK (kind IN ('image', 'text')),
						embedding vector,
						provider_version text NOT NULL,
						PRIMARY KEY (report_id, seq, kind)
					)`,
					`CREATE INDEX IF NOT EXISTS idx_report_vectors_kind ON report_vectors (kind)`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP TABLE IF EXISTS report_vectors").Error
			},
		},

		// Migration 004: partial index for the sweeper's due-deletion scan.
		{
			ID: "004_deletion_partial_index",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_reports_due_deletion
					ON reports (deletion_at) WHERE deletion_at IS NOT NULL`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_reports_due_deletion").Error
			},
		},
	})

	return m.Migrate()
}
