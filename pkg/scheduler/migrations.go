package scheduler

import (
	"context"
	"database/sql"
	"embed"

	"github.com/taskfence/taskfence/pkg/migrate"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const migrationsDir = "migrations"

// MigrateLeaseTable applies the embedded lease-table migrations against db
// and returns the number applied. The Postgres store runs this once at
// construction; deployments with external migration tooling can call it from
// their own runner instead.
func MigrateLeaseTable(ctx context.Context, db *sql.DB) (int, error) {
	manager, err := migrate.NewSQLManager(db, migrationFiles, migrationsDir)
	if err != nil {
		return 0, err
	}
	return manager.Up(ctx)
}
