package migrate

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func testMigrationFS() fstest.MapFS {
	return fstest.MapFS{
		"migrations/0001_create_task_leases.up.sql": &fstest.MapFile{
			Data: []byte(`CREATE TABLE task_leases (task_id TEXT PRIMARY KEY)`),
		},
		"migrations/0001_create_task_leases.down.sql": &fstest.MapFile{
			Data: []byte(`DROP TABLE task_leases`),
		},
		"migrations/README.md": &fstest.MapFile{
			Data: []byte(`not a migration`),
		},
	}
}

func TestNewSQLManager_LoadsMigrationsInOrder(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	manager, err := NewSQLManager(db, testMigrationFS(), "migrations")
	if err != nil {
		t.Fatalf("new sql manager: %v", err)
	}
	if len(manager.migrations) != 1 {
		t.Fatalf("expected 1 migration, got %d", len(manager.migrations))
	}
	if manager.migrations[0].Name != "create_task_leases" {
		t.Fatalf("unexpected migration name %q", manager.migrations[0].Name)
	}
}

func TestNewSQLManager_MissingUpMigration(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	files := fstest.MapFS{
		"migrations/0001_create_task_leases.down.sql": &fstest.MapFile{
			Data: []byte(`DROP TABLE task_leases`),
		},
	}
	if _, err := NewSQLManager(db, files, "migrations"); err == nil {
		t.Fatal("expected error for missing up migration")
	}
}

func TestSQLManager_UpAppliesPendingMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	manager, err := NewSQLManager(db, testMigrationFS(), "migrations")
	if err != nil {
		t.Fatalf("new sql manager: %v", err)
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE task_leases").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	applied, err := manager.Up(ctx)
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected 1 applied migration, got %d", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLManager_UpSkipsAppliedMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	manager, err := NewSQLManager(db, testMigrationFS(), "migrations")
	if err != nil {
		t.Fatalf("new sql manager: %v", err)
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(1)))

	applied, err := manager.Up(context.Background())
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if applied != 0 {
		t.Fatalf("expected 0 applied migrations, got %d", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLManager_DownRevertsNewestFirst(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	manager, err := NewSQLManager(db, testMigrationFS(), "migrations")
	if err != nil {
		t.Fatalf("new sql manager: %v", err)
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations ORDER BY version DESC").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(1)))
	mock.ExpectBegin()
	mock.ExpectExec("DROP TABLE task_leases").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM schema_migrations WHERE version").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	reverted, err := manager.Down(context.Background(), 1)
	if err != nil {
		t.Fatalf("down: %v", err)
	}
	if reverted != 1 {
		t.Fatalf("expected 1 reverted migration, got %d", reverted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLManager_StatusReportsPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	manager, err := NewSQLManager(db, testMigrationFS(), "migrations")
	if err != nil {
		t.Fatalf("new sql manager: %v", err)
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))

	status, err := manager.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status.AppliedVersions) != 0 {
		t.Fatalf("expected no applied versions, got %v", status.AppliedVersions)
	}
	if len(status.Pending) != 1 || status.Pending[0].Name != "create_task_leases" {
		t.Fatalf("unexpected pending migrations %v", status.Pending)
	}
}
