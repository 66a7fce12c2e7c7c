package adapter

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	wlerrors "github.com/mirkobrombin/go-warmlock/v1/errors"
	"github.com/mirkobrombin/go-warmlock/v1/lock"
)

const (
	defaultRedisOpTimeout     = 5 * time.Second
	defaultRedisPrefix        = "warmlock:"
	defaultRedisLockRetention = time.Hour
)

// KEYS[1] lock hash; ARGV: held_until, now, holder, pexpireat (0 disables).
var acquireScript = redis.NewScript(`
local cur = redis.call("HMGET", KEYS[1], "held_until", "holder")
if cur[1] and tonumber(cur[1]) >= tonumber(ARGV[2]) then
    return {0, cur[1], cur[2] or ""}
end
redis.call("HSET", KEYS[1], "held_until", ARGV[1], "holder", ARGV[3])
if tonumber(ARGV[4]) > 0 then
    redis.call("PEXPIREAT", KEYS[1], ARGV[4])
end
return {1, ARGV[1], ARGV[3]}
`)

var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "held_until") == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore implements Store using a Redis backend. Entries and locks are
// hashes under separate prefixes; lock acquisition and release run as Lua
// scripts so the condition and the write are atomic.
type RedisStore struct {
	client    redis.UniversalClient
	timeout   time.Duration
	prefix    string
	retention time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout   time.Duration
	prefix    string
	retention time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// WithKeyPrefix sets the prefix applied to every Redis key.
func WithKeyPrefix(p string) RedisOption {
	return func(o *redisStoreOptions) {
		o.prefix = p
	}
}

// WithLockRetention sets how long a lock hash survives past its deadline
// before Redis removes it. Every refresh generation uses a new lock key, so
// without retention abandoned locks accumulate. A non-positive value keeps
// locks forever.
func WithLockRetention(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.retention = d
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{
		timeout:   defaultRedisOpTimeout,
		prefix:    defaultRedisPrefix,
		retention: defaultRedisLockRetention,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout, prefix: o.prefix, retention: o.retention}
}

func (s *RedisStore) entryKey(key string) string {
	return s.prefix + "entry:" + key
}

func (s *RedisStore) lockKey(lockKey string) string {
	return s.prefix + "lock:" + lockKey
}

func translateRedisErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return wlerrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return wlerrors.ErrConnectionClosed
	}
	return err
}

// ReadEntry implements Store.ReadEntry.
func (s *RedisStore) ReadEntry(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, translateRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	vals, err := s.client.HMGet(cctx, s.entryKey(key), "value", "expiry").Result()
	if err != nil {
		return Entry{}, false, translateRedisErr(err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Entry{}, false, nil
	}
	value, ok := vals[0].(string)
	if !ok {
		return Entry{}, false, fmt.Errorf("redis: entry %q: unexpected value type %T", key, vals[0])
	}
	expiry, err := parseRedisInt(vals[1])
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis: entry %q: %w", key, err)
	}
	return Entry{Key: key, Value: value, Expiry: expiry}, true, nil
}

// TryAcquireLock implements Store.TryAcquireLock.
func (s *RedisStore) TryAcquireLock(ctx context.Context, lockKey string, heldUntil, now int64) (Acquisition, error) {
	if err := ctx.Err(); err != nil {
		return Acquisition{}, translateRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var expireAt int64
	if s.retention > 0 {
		expireAt = lock.Add(heldUntil, s.retention)
	}
	res, err := acquireScript.Run(cctx, s.client, []string{s.lockKey(lockKey)},
		heldUntil, now, lock.NewHolder(), expireAt).Slice()
	if err != nil {
		return Acquisition{}, translateRedisErr(err)
	}
	if len(res) != 3 {
		return Acquisition{}, fmt.Errorf("redis: acquire %q: unexpected reply %v", lockKey, res)
	}
	won, err := parseRedisInt(res[0])
	if err != nil {
		return Acquisition{}, fmt.Errorf("redis: acquire %q: %w", lockKey, err)
	}
	held, err := parseRedisInt(res[1])
	if err != nil {
		return Acquisition{}, fmt.Errorf("redis: acquire %q: %w", lockKey, err)
	}
	holder, _ := res[2].(string)
	if won == 1 {
		return Acquired(held, holder), nil
	}
	return Contended(held, holder), nil
}

// ReleaseLock implements Store.ReleaseLock.
func (s *RedisStore) ReleaseLock(ctx context.Context, lockKey string, heldUntil int64) error {
	if err := ctx.Err(); err != nil {
		return translateRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := releaseScript.Run(cctx, s.client, []string{s.lockKey(lockKey)},
		strconv.FormatInt(heldUntil, 10)).Err()
	if err != nil && err != redis.Nil {
		return translateRedisErr(err)
	}
	return nil
}

// WriteEntry implements Store.WriteEntry.
func (s *RedisStore) WriteEntry(ctx context.Context, key, value string, expiry int64) error {
	if err := ctx.Err(); err != nil {
		return translateRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.HSet(cctx, s.entryKey(key), "value", value, "expiry", expiry).Err(); err != nil {
		return translateRedisErr(err)
	}
	return nil
}

func parseRedisInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected integer type %T", v)
	}
}
