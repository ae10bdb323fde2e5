package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/taskfence/taskfence/pkg/observability/logger"
)

const (
	defaultPostgresLeaseTable       = "task_leases"
	defaultPostgresOperationTimeout = 3 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStoreConfig configures the Postgres lease store.
type PostgresStoreConfig struct {
	URL              string
	Table            string
	OperationTimeout time.Duration
}

func (c *PostgresStoreConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultPostgresLeaseTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultPostgresOperationTimeout
	}
}

// PostgresStore keeps lease rows in a Postgres table. All coordination is
// pushed down into single-statement conditional updates; the database's
// atomicity guarantee is the only cross-process synchronization used.
type PostgresStore struct {
	db     *sql.DB
	log    logger.Logger
	config PostgresStoreConfig
}

// NewPostgresStore opens the database, verifies connectivity and ensures the
// lease schema exists before returning a usable store.
func NewPostgresStore(cfg PostgresStoreConfig, log logger.Logger) (*PostgresStore, error) {
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, schedulerError(ErrInvalidArgument, "postgres url is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, schedulerError(ErrValidation, fmt.Sprintf("invalid lease table name %q", cfg.Table))
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errors.Join(schedulerError(ErrUnavailable, "open postgres failed"), err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(schedulerError(ErrUnavailable, "ping postgres failed"), err)
	}

	store := &PostgresStore{
		db:     db,
		log:    log,
		config: cfg,
	}
	if err := store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func newPostgresStoreWithDB(db *sql.DB, cfg PostgresStoreConfig, log logger.Logger) (*PostgresStore, error) {
	if db == nil {
		return nil, schedulerError(ErrInvalidArgument, "db is required")
	}
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, schedulerError(ErrValidation, fmt.Sprintf("invalid lease table name %q", cfg.Table))
	}
	return &PostgresStore{
		db:     db,
		log:    log,
		config: cfg,
	}, nil
}

// Ensure inserts the lease row for taskID if it does not exist yet.
func (s *PostgresStore) Ensure(ctx context.Context, taskID string, firstDue time.Time) error {
	if s == nil || s.db == nil {
		return schedulerError(ErrNotInitialized, "postgres store is not initialized")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return schedulerError(ErrInvalidArgument, "task id is required")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`
INSERT INTO %s(task_id, holder, token, expires_at, next_due_at, updated_at)
VALUES ($1, '', 0, NOW(), $2, NOW())
ON CONFLICT(task_id) DO NOTHING
`, s.config.Table)
	if _, err := s.db.ExecContext(opCtx, query, taskID, firstDue.UTC()); err != nil {
		return errors.Join(schedulerError(ErrUnavailable, "ensure lease row failed"), err)
	}
	return nil
}

// TryClaim takes the lease with a single conditional upsert. The fencing
// token is incremented inside the same statement, so two racing claims can
// never observe the same token.
func (s *PostgresStore) TryClaim(ctx context.Context, taskID, holderID string, ttl time.Duration) (*Lease, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, schedulerError(ErrNotInitialized, "postgres store is not initialized")
	}
	taskID = strings.TrimSpace(taskID)
	holderID = strings.TrimSpace(holderID)
	if taskID == "" || holderID == "" {
		return nil, false, schedulerError(ErrInvalidArgument, "task id and holder id are required")
	}
	if ttl <= 0 {
		return nil, false, schedulerError(ErrInvalidArgument, "ttl must be > 0")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	expiresAt := time.Now().UTC().Add(ttl)

	query := fmt.Sprintf(`
INSERT INTO %s(task_id, holder, token, expires_at, next_due_at, updated_at)
VALUES ($1, $2, 1, $3, NOW(), NOW())
ON CONFLICT(task_id) DO UPDATE
SET holder = EXCLUDED.holder,
    token = %s.token + 1,
    expires_at = EXCLUDED.expires_at,
    updated_at = NOW()
WHERE (%s.holder = '' OR %s.expires_at <= NOW())
  AND %s.next_due_at IS NOT NULL
RETURNING token
`, s.config.Table, s.config.Table, s.config.Table, s.config.Table, s.config.Table)

	var token int64
	err := s.db.QueryRowContext(opCtx, query, taskID, holderID, expiresAt).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Join(schedulerError(ErrUnavailable, "claim lease failed"), err)
	}

	return &Lease{
		TaskID:   taskID,
		Holder:   holderID,
		Token:    token,
		ExpireAt: expiresAt,
	}, true, nil
}

// Renew extends the lease expiry when holder and token still match.
func (s *PostgresStore) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return schedulerError(ErrNotInitialized, "postgres store is not initialized")
	}
	if lease == nil {
		return schedulerError(ErrInvalidArgument, "lease is required")
	}
	if ttl <= 0 {
		return schedulerError(ErrInvalidArgument, "ttl must be > 0")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	expiresAt := time.Now().UTC().Add(ttl)
	query := fmt.Sprintf(`UPDATE %s SET expires_at=$4, updated_at=NOW() WHERE task_id=$1 AND holder=$2 AND token=$3 AND expires_at > NOW()`, s.config.Table)
	result, err := s.db.ExecContext(opCtx, query, lease.TaskID, lease.Holder, lease.Token, expiresAt)
	if err != nil {
		return errors.Join(schedulerError(ErrUnavailable, "renew lease failed"), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Join(schedulerError(ErrUnavailable, "renew lease failed"), err)
	}
	if affected == 0 {
		return schedulerError(ErrLostLease, "lease renew rejected")
	}
	lease.ExpireAt = expiresAt
	return nil
}

// Release clears the holder and records the next due time. A stale token
// means another holder already claimed the row; that is a silent no-op.
func (s *PostgresStore) Release(ctx context.Context, lease *Lease, nextDue time.Time) error {
	if s == nil || s.db == nil {
		return schedulerError(ErrNotInitialized, "postgres store is not initialized")
	}
	if lease == nil {
		return schedulerError(ErrInvalidArgument, "lease is required")
	}

	due := sql.NullTime{}
	if !nextDue.IsZero() {
		due = sql.NullTime{Time: nextDue.UTC(), Valid: true}
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`UPDATE %s SET holder='', next_due_at=$4, updated_at=NOW() WHERE task_id=$1 AND holder=$2 AND token=$3`, s.config.Table)
	if _, err := s.db.ExecContext(opCtx, query, lease.TaskID, lease.Holder, lease.Token, due); err != nil {
		return errors.Join(schedulerError(ErrUnavailable, "release lease failed"), err)
	}
	return nil
}

// NextDue reads the persisted next-due time for taskID.
func (s *PostgresStore) NextDue(ctx context.Context, taskID string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, schedulerError(ErrNotInitialized, "postgres store is not initialized")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT next_due_at FROM %s WHERE task_id=$1`, s.config.Table)

	var due sql.NullTime
	err := s.db.QueryRowContext(opCtx, query, strings.TrimSpace(taskID)).Scan(&due)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Join(schedulerError(ErrUnavailable, "read next due failed"), err)
	}
	if !due.Valid {
		return time.Time{}, false, nil
	}
	return due.Time.UTC(), true, nil
}

// MarkOrphaned clears every holder whose lease expired at or before olderThan
// and returns the affected task ids.
func (s *PostgresStore) MarkOrphaned(ctx context.Context, olderThan time.Time) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, schedulerError(ErrNotInitialized, "postgres store is not initialized")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`UPDATE %s SET holder='', updated_at=NOW() WHERE holder <> '' AND expires_at <= $1 RETURNING task_id`, s.config.Table)
	rows, err := s.db.QueryContext(opCtx, query, olderThan.UTC())
	if err != nil {
		return nil, errors.Join(schedulerError(ErrUnavailable, "mark orphaned leases failed"), err)
	}
	defer rows.Close()

	reclaimed := make([]string, 0)
	for rows.Next() {
		var taskID string
		if err := rows.Scan(&taskID); err != nil {
			return nil, errors.Join(schedulerError(ErrUnavailable, "scan orphaned task id failed"), err)
		}
		reclaimed = append(reclaimed, taskID)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(schedulerError(ErrUnavailable, "iterate orphaned task ids failed"), err)
	}
	return reclaimed, nil
}

// HealthCheck verifies database connectivity.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if s == nil || s.db == nil {
		return schedulerError(ErrNotInitialized, "postgres store is not initialized")
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.db.PingContext(opCtx); err != nil {
		return errors.Join(schedulerError(ErrUnavailable, "postgres healthcheck failed"), err)
	}
	return nil
}

// Close closes DB resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	// The embedded migrations create the default table; a custom table name
	// falls back to direct DDL since migration files are fixed.
	if s.config.Table == defaultPostgresLeaseTable {
		applied, err := MigrateLeaseTable(ctx, s.db)
		if err != nil {
			return errors.Join(schedulerError(ErrUnavailable, "apply lease migrations failed"), err)
		}
		if applied > 0 {
			s.log.Info("lease table migrations applied", "count", applied)
		}
		return nil
	}

	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	task_id TEXT PRIMARY KEY,
	holder TEXT NOT NULL DEFAULT '',
	token BIGINT NOT NULL DEFAULT 0,
	expires_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	next_due_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, s.config.Table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return errors.Join(schedulerError(ErrUnavailable, "ensure lease table failed"), err)
	}
	return nil
}

func (s *PostgresStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}
