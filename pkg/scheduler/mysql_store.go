package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/taskfence/taskfence/pkg/observability/logger"
)

const (
	defaultMySQLLeaseTable       = "task_leases"
	defaultMySQLOperationTimeout = 3 * time.Second
)

// MySQLStoreConfig configures the MySQL lease store.
type MySQLStoreConfig struct {
	DSN              string
	Table            string
	OperationTimeout time.Duration
}

func (c *MySQLStoreConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultMySQLLeaseTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultMySQLOperationTimeout
	}
}

// MySQLStore keeps lease rows in a MySQL table. MySQL has no RETURNING
// clause, so the claim path runs a short transaction: conditional update
// followed by a read of the new token.
type MySQLStore struct {
	db     *sql.DB
	log    logger.Logger
	config MySQLStoreConfig
}

// NewMySQLStore opens the database, verifies connectivity and ensures the
// lease schema exists before returning a usable store.
func NewMySQLStore(cfg MySQLStoreConfig, log logger.Logger) (*MySQLStore, error) {
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, schedulerError(ErrInvalidArgument, "mysql dsn is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, schedulerError(ErrValidation, fmt.Sprintf("invalid lease table name %q", cfg.Table))
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, errors.Join(schedulerError(ErrUnavailable, "open mysql failed"), err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(schedulerError(ErrUnavailable, "ping mysql failed"), err)
	}

	store := &MySQLStore{
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

func newMySQLStoreWithDB(db *sql.DB, cfg MySQLStoreConfig, log logger.Logger) (*MySQLStore, error) {
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
	return &MySQLStore{
		db:     db,
		log:    log,
		config: cfg,
	}, nil
}

// Ensure inserts the lease row for taskID if it does not exist yet.
func (s *MySQLStore) Ensure(ctx context.Context, taskID string, firstDue time.Time) error {
	if s == nil || s.db == nil {
		return schedulerError(ErrNotInitialized, "mysql store is not initialized")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return schedulerError(ErrInvalidArgument, "task id is required")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`INSERT IGNORE INTO %s(task_id, holder, token, expires_at, next_due_at, updated_at) VALUES (?, '', 0, NOW(6), ?, NOW(6))`, s.config.Table)
	if _, err := s.db.ExecContext(opCtx, query, taskID, firstDue.UTC()); err != nil {
		return errors.Join(schedulerError(ErrUnavailable, "ensure lease row failed"), err)
	}
	return nil
}

// TryClaim takes the lease inside a transaction: the conditional update
// increments the fencing token atomically and the follow-up select reads it
// back under the same transaction.
func (s *MySQLStore) TryClaim(ctx context.Context, taskID, holderID string, ttl time.Duration) (*Lease, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, schedulerError(ErrNotInitialized, "mysql store is not initialized")
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

	tx, err := s.db.BeginTx(opCtx, nil)
	if err != nil {
		return nil, false, errors.Join(schedulerError(ErrUnavailable, "begin claim transaction failed"), err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	insert := fmt.Sprintf(`INSERT IGNORE INTO %s(task_id, holder, token, expires_at, next_due_at, updated_at) VALUES (?, '', 0, NOW(6), NOW(6), NOW(6))`, s.config.Table)
	if _, err := tx.ExecContext(opCtx, insert, taskID); err != nil {
		return nil, false, errors.Join(schedulerError(ErrUnavailable, "claim lease failed"), err)
	}

	update := fmt.Sprintf(`UPDATE %s SET holder=?, token=token+1, expires_at=?, updated_at=NOW(6) WHERE task_id=? AND (holder='' OR expires_at <= NOW(6)) AND next_due_at IS NOT NULL`, s.config.Table)
	result, err := tx.ExecContext(opCtx, update, holderID, expiresAt, taskID)
	if err != nil {
		return nil, false, errors.Join(schedulerError(ErrUnavailable, "claim lease failed"), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, errors.Join(schedulerError(ErrUnavailable, "claim lease failed"), err)
	}
	if affected == 0 {
		return nil, false, nil
	}

	var token int64
	selectToken := fmt.Sprintf(`SELECT token FROM %s WHERE task_id=?`, s.config.Table)
	if err := tx.QueryRowContext(opCtx, selectToken, taskID).Scan(&token); err != nil {
		return nil, false, errors.Join(schedulerError(ErrUnavailable, "read fencing token failed"), err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, errors.Join(schedulerError(ErrUnavailable, "commit claim failed"), err)
	}

	return &Lease{
		TaskID:   taskID,
		Holder:   holderID,
		Token:    token,
		ExpireAt: expiresAt,
	}, true, nil
}

// Renew extends the lease expiry when holder and token still match.
func (s *MySQLStore) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return schedulerError(ErrNotInitialized, "mysql store is not initialized")
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
	query := fmt.Sprintf(`UPDATE %s SET expires_at=?, updated_at=NOW(6) WHERE task_id=? AND holder=? AND token=? AND expires_at > NOW(6)`, s.config.Table)
	result, err := s.db.ExecContext(opCtx, query, expiresAt, lease.TaskID, lease.Holder, lease.Token)
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

// Release clears the holder and records the next due time. A stale token is
// a silent no-op.
func (s *MySQLStore) Release(ctx context.Context, lease *Lease, nextDue time.Time) error {
	if s == nil || s.db == nil {
		return schedulerError(ErrNotInitialized, "mysql store is not initialized")
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
	query := fmt.Sprintf(`UPDATE %s SET holder='', next_due_at=?, updated_at=NOW(6) WHERE task_id=? AND holder=? AND token=?`, s.config.Table)
	if _, err := s.db.ExecContext(opCtx, query, due, lease.TaskID, lease.Holder, lease.Token); err != nil {
		return errors.Join(schedulerError(ErrUnavailable, "release lease failed"), err)
	}
	return nil
}

// NextDue reads the persisted next-due time for taskID.
func (s *MySQLStore) NextDue(ctx context.Context, taskID string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, schedulerError(ErrNotInitialized, "mysql store is not initialized")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT next_due_at FROM %s WHERE task_id=?`, s.config.Table)

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

// MarkOrphaned clears every holder whose lease expired at or before
// olderThan. The affected ids are read under FOR UPDATE so a concurrent
// sweeper cannot report the same task twice.
func (s *MySQLStore) MarkOrphaned(ctx context.Context, olderThan time.Time) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, schedulerError(ErrNotInitialized, "mysql store is not initialized")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(opCtx, nil)
	if err != nil {
		return nil, errors.Join(schedulerError(ErrUnavailable, "begin sweep transaction failed"), err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	selectQuery := fmt.Sprintf(`SELECT task_id FROM %s WHERE holder <> '' AND expires_at <= ? FOR UPDATE`, s.config.Table)
	rows, err := tx.QueryContext(opCtx, selectQuery, olderThan.UTC())
	if err != nil {
		return nil, errors.Join(schedulerError(ErrUnavailable, "select orphaned leases failed"), err)
	}
	reclaimed := make([]string, 0)
	for rows.Next() {
		var taskID string
		if err := rows.Scan(&taskID); err != nil {
			rows.Close()
			return nil, errors.Join(schedulerError(ErrUnavailable, "scan orphaned task id failed"), err)
		}
		reclaimed = append(reclaimed, taskID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Join(schedulerError(ErrUnavailable, "iterate orphaned task ids failed"), err)
	}
	rows.Close()

	if len(reclaimed) > 0 {
		update := fmt.Sprintf(`UPDATE %s SET holder='', updated_at=NOW(6) WHERE holder <> '' AND expires_at <= ?`, s.config.Table)
		if _, err := tx.ExecContext(opCtx, update, olderThan.UTC()); err != nil {
			return nil, errors.Join(schedulerError(ErrUnavailable, "mark orphaned leases failed"), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Join(schedulerError(ErrUnavailable, "commit sweep failed"), err)
	}
	return reclaimed, nil
}

// HealthCheck verifies database connectivity.
func (s *MySQLStore) HealthCheck(ctx context.Context) error {
	if s == nil || s.db == nil {
		return schedulerError(ErrNotInitialized, "mysql store is not initialized")
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.db.PingContext(opCtx); err != nil {
		return errors.Join(schedulerError(ErrUnavailable, "mysql healthcheck failed"), err)
	}
	return nil
}

// Close closes DB resources.
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *MySQLStore) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	task_id VARCHAR(255) PRIMARY KEY,
	holder VARCHAR(255) NOT NULL DEFAULT '',
	token BIGINT NOT NULL DEFAULT 0,
	expires_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	next_due_at TIMESTAMP(6) NULL,
	updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
)`, s.config.Table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return errors.Join(schedulerError(ErrUnavailable, "ensure lease table failed"), err)
	}
	return nil
}

func (s *MySQLStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}
