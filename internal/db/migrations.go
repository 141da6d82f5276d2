// internal/db/migrations.go
package db

import (
	"fmt"

	"gorm.io/gorm"
)

// MigrateJobSchedulerIndex builds the composite index the scheduler query
// leans on (status + distribution_time). AutoMigrate only creates the
// single-column ones.
func MigrateJobSchedulerIndex(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	dialect := db.Dialector.Name()

	switch dialect {
	case "mysql":
		if db.Migrator().HasIndex("jobs", "ix_jobs_sched") {
			return nil
		}
		return db.Exec("CREATE INDEX `ix_jobs_sched` ON `jobs` (`status`, `distribution_time`)").Error

	case "postgres":
		return db.Exec(`CREATE INDEX IF NOT EXISTS ix_jobs_sched ON "jobs" ("status", "distribution_time")`).Error

	case "sqlite":
		return db.Exec(`CREATE INDEX IF NOT EXISTS ix_jobs_sched ON jobs (status, distribution_time)`).Error

	default:
		return fmt.Errorf("unsupported dialect: %s", dialect)
	}
}

// MigrateWorkflowUniqueName enforces unique workflow names without tripping
// over soft-deleted rows.
func MigrateWorkflowUniqueName(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	dialect := db.Dialector.Name()

	switch dialect {
	case "mysql":
		_ = db.Exec("DROP INDEX `idx_workflows_name` ON `workflows`").Error
		return db.Exec("CREATE UNIQUE INDEX `ux_workflows_name_del` ON `workflows` (`name`, `deleted_at`)").Error

	case "postgres":
		_ = db.Exec(`DROP INDEX IF EXISTS idx_workflows_name`).Error
		// partial unique index (куда лучше для soft-delete)
		return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_workflows_name_null ON "workflows" ("name") WHERE "deleted_at" IS NULL`).Error

	case "sqlite":
		_ = db.Exec(`DROP INDEX IF EXISTS idx_workflows_name`).Error
		return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_workflows_name_del ON workflows (name, deleted_at)`).Error

	default:
		return fmt.Errorf("unsupported dialect: %s", dialect)
	}
}
