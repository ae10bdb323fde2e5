package scheduler

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/taskfence/taskfence/pkg/observability/logger"
)

const (
	defaultRedisLeasePrefix      = "taskfence:lease"
	defaultRedisOperationTimeout = 3 * time.Second
	redisScanBatchSize           = 128
)

var (
	// ensureLeaseScript creates the lease hash only when it does not exist
	// yet, so a concurrent Ensure never resets an active lease.
	ensureLeaseScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  redis.call("HSET", KEYS[1], "holder", "", "token", 0, "expires_at", ARGV[1], "next_due_at", ARGV[2])
  return 1
end
return 0
`)

	// claimLeaseScript takes the lease when it is unheld or expired and the
	// task is not finished. The fencing token is bumped with HINCRBY inside
	// the script, so the increment and the holder swap are one atomic step.
	// Returns the new token, or -1 if the lease was not claimable.
	claimLeaseScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  redis.call("HSET", KEYS[1], "holder", ARGV[1], "token", 1, "expires_at", ARGV[3], "next_due_at", ARGV[2])
  return 1
end
if redis.call("HEXISTS", KEYS[1], "next_due_at") == 0 then
  return -1
end
local holder = redis.call("HGET", KEYS[1], "holder")
local expires = tonumber(redis.call("HGET", KEYS[1], "expires_at") or "0")
if holder == "" or expires <= tonumber(ARGV[2]) then
  local token = redis.call("HINCRBY", KEYS[1], "token", 1)
  redis.call("HSET", KEYS[1], "holder", ARGV[1], "expires_at", ARGV[3])
  return token
end
return -1
`)

	renewLeaseScript = redis.NewScript(`
local holder = redis.call("HGET", KEYS[1], "holder")
local token = redis.call("HGET", KEYS[1], "token")
local expires = tonumber(redis.call("HGET", KEYS[1], "expires_at") or "0")
if holder == ARGV[1] and token == ARGV[2] and expires > tonumber(ARGV[3]) then
  redis.call("HSET", KEYS[1], "expires_at", ARGV[4])
  return 1
end
return 0
`)

	// releaseLeaseScript clears the holder and records the next due time. An
	// empty ARGV[3] marks the task finished by dropping the next_due_at
	// field entirely.
	releaseLeaseScript = redis.NewScript(`
local holder = redis.call("HGET", KEYS[1], "holder")
local token = redis.call("HGET", KEYS[1], "token")
if holder == ARGV[1] and token == ARGV[2] then
  redis.call("HSET", KEYS[1], "holder", "")
  if ARGV[3] == "" then
    redis.call("HDEL", KEYS[1], "next_due_at")
  else
    redis.call("HSET", KEYS[1], "next_due_at", ARGV[3])
  end
  return 1
end
return 0
`)

	sweepLeaseScript = redis.NewScript(`
local holder = redis.call("HGET", KEYS[1], "holder")
local expires = tonumber(redis.call("HGET", KEYS[1], "expires_at") or "0")
if holder ~= false and holder ~= "" and expires <= tonumber(ARGV[1]) then
  redis.call("HSET", KEYS[1], "holder", "")
  return 1
end
return 0
`)
)

// RedisStoreConfig configures the Redis lease store.
type RedisStoreConfig struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
}

func (c *RedisStoreConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisLeasePrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

// RedisStore keeps one hash per task, mutated only through Lua scripts so
// each lease transition is atomic on the server.
type RedisStore struct {
	client *redis.Client
	log    logger.Logger
	config RedisStoreConfig
}

// NewRedisStore creates a Redis-backed lease store.
func NewRedisStore(cfg RedisStoreConfig, log logger.Logger) (*RedisStore, error) {
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, schedulerError(ErrInvalidArgument, "redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(schedulerError(ErrValidation, "parse redis url failed"), err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(schedulerError(ErrUnavailable, "ping redis failed"), err)
	}

	return &RedisStore{
		client: client,
		log:    log,
		config: cfg,
	}, nil
}

// Ensure creates the lease hash for taskID if it does not exist yet.
func (s *RedisStore) Ensure(ctx context.Context, taskID string, firstDue time.Time) error {
	if s == nil || s.client == nil {
		return schedulerError(ErrNotInitialized, "redis store is not initialized")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return schedulerError(ErrInvalidArgument, "task id is required")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	now := time.Now().UTC()
	err := ensureLeaseScript.Run(opCtx, s.client, []string{s.leaseKey(taskID)},
		now.UnixMilli(), firstDue.UTC().UnixMilli()).Err()
	if err != nil {
		return errors.Join(schedulerError(ErrUnavailable, "ensure lease hash failed"), err)
	}
	return nil
}

// TryClaim takes the lease through the claim script.
func (s *RedisStore) TryClaim(ctx context.Context, taskID, holderID string, ttl time.Duration) (*Lease, bool, error) {
	if s == nil || s.client == nil {
		return nil, false, schedulerError(ErrNotInitialized, "redis store is not initialized")
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
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	token, err := claimLeaseScript.Run(opCtx, s.client, []string{s.leaseKey(taskID)},
		holderID, now.UnixMilli(), expiresAt.UnixMilli()).Int64()
	if err != nil {
		return nil, false, errors.Join(schedulerError(ErrUnavailable, "claim lease failed"), err)
	}
	if token < 0 {
		return nil, false, nil
	}

	return &Lease{
		TaskID:   taskID,
		Holder:   holderID,
		Token:    token,
		ExpireAt: expiresAt,
	}, true, nil
}

// Renew extends lease expiry when holder and token still match.
func (s *RedisStore) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return schedulerError(ErrNotInitialized, "redis store is not initialized")
	}
	if lease == nil {
		return schedulerError(ErrInvalidArgument, "lease is required")
	}
	if ttl <= 0 {
		return schedulerError(ErrInvalidArgument, "ttl must be > 0")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	result, err := renewLeaseScript.Run(opCtx, s.client, []string{s.leaseKey(lease.TaskID)},
		lease.Holder, strconv.FormatInt(lease.Token, 10), now.UnixMilli(), expiresAt.UnixMilli()).Int64()
	if err != nil {
		return errors.Join(schedulerError(ErrUnavailable, "renew lease failed"), err)
	}
	if result == 0 {
		return schedulerError(ErrLostLease, "lease renew rejected")
	}
	lease.ExpireAt = expiresAt
	return nil
}

// Release clears the holder and records the next due time. A stale token is
// a silent no-op.
func (s *RedisStore) Release(ctx context.Context, lease *Lease, nextDue time.Time) error {
	if s == nil || s.client == nil {
		return schedulerError(ErrNotInitialized, "redis store is not initialized")
	}
	if lease == nil {
		return schedulerError(ErrInvalidArgument, "lease is required")
	}

	due := ""
	if !nextDue.IsZero() {
		due = strconv.FormatInt(nextDue.UTC().UnixMilli(), 10)
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	err := releaseLeaseScript.Run(opCtx, s.client, []string{s.leaseKey(lease.TaskID)},
		lease.Holder, strconv.FormatInt(lease.Token, 10), due).Err()
	if err != nil {
		return errors.Join(schedulerError(ErrUnavailable, "release lease failed"), err)
	}
	return nil
}

// NextDue reads the persisted next-due time for taskID.
func (s *RedisStore) NextDue(ctx context.Context, taskID string) (time.Time, bool, error) {
	if s == nil || s.client == nil {
		return time.Time{}, false, schedulerError(ErrNotInitialized, "redis store is not initialized")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	raw, err := s.client.HGet(opCtx, s.leaseKey(strings.TrimSpace(taskID)), "next_due_at").Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Join(schedulerError(ErrUnavailable, "read next due failed"), err)
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, errors.Join(schedulerError(ErrUnavailable, "parse next due failed"), err)
	}
	return time.UnixMilli(millis).UTC(), true, nil
}

// MarkOrphaned scans the lease keyspace and clears every holder whose lease
// expired at or before olderThan.
func (s *RedisStore) MarkOrphaned(ctx context.Context, olderThan time.Time) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, schedulerError(ErrNotInitialized, "redis store is not initialized")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	pattern := s.leaseKey("*")
	cutoff := olderThan.UTC().UnixMilli()

	reclaimed := make([]string, 0)
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(opCtx, cursor, pattern, redisScanBatchSize).Result()
		if err != nil {
			return nil, errors.Join(schedulerError(ErrUnavailable, "scan lease keys failed"), err)
		}
		for _, key := range keys {
			swept, err := sweepLeaseScript.Run(opCtx, s.client, []string{key}, cutoff).Int64()
			if err != nil {
				return nil, errors.Join(schedulerError(ErrUnavailable, "sweep lease failed"), err)
			}
			if swept == 1 {
				reclaimed = append(reclaimed, s.taskIDFromKey(key))
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return reclaimed, nil
}

// HealthCheck verifies Redis connectivity.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if s == nil || s.client == nil {
		return schedulerError(ErrNotInitialized, "redis store is not initialized")
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.client.Ping(opCtx).Err(); err != nil {
		return errors.Join(schedulerError(ErrUnavailable, "redis healthcheck failed"), err)
	}
	return nil
}

// Close closes Redis client connections.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

func (s *RedisStore) leaseKey(taskID string) string {
	return strings.TrimRight(s.config.Prefix, ":") + ":" + taskID
}

func (s *RedisStore) taskIDFromKey(key string) string {
	return strings.TrimPrefix(key, strings.TrimRight(s.config.Prefix, ":")+":")
}
