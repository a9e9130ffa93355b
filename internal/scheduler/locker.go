package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockHeld indicates another reconciliation for the same user is running.
	ErrLockHeld = errors.New("scheduler: lock held")
	// ErrLockLost indicates a lease expired and the key now belongs to someone else.
	ErrLockLost = errors.New("scheduler: lock lost")
)

// Lease is a held lock. Holders refresh it while working and release it when done.
type Lease interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker grants exclusive, expiring locks by key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// releaseScript deletes the key only while it still carries our token, so an
// expired lock taken over by another holder is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the expiry only while the key still carries our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker shares locks across API instances through redis.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
}

// NewRedisLocker constructs a locker storing keys under prefix.
func NewRedisLocker(client redis.Cmdable, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// TryLock implements Locker with SET NX PX.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	redisKey := l.prefix + key
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrLockHeld
	}
	return &redisLease{client: l.client, key: redisKey, token: token}, nil
}

type redisLease struct {
	client redis.Cmdable
	key    string
	token  string
}

func (lease *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	extended, err := refreshScript.Run(ctx, lease.client, []string{lease.key}, lease.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if extended == 0 {
		return ErrLockLost
	}
	return nil
}

func (lease *redisLease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, lease.client, []string{lease.key}, lease.token).Err()
}

// LocalLocker keeps locks in process memory for single-instance deployments.
// Holders in the same process always release, so a held key never expires.
type LocalLocker struct {
	mu       sync.Mutex
	held     map[string]uint64
	sequence uint64
}

// NewLocalLocker constructs an in-memory locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]uint64)}
}

// TryLock implements Locker. ttl is ignored.
func (l *LocalLocker) TryLock(_ context.Context, key string, _ time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrLockHeld
	}
	l.sequence++
	l.held[key] = l.sequence
	return &localLease{locker: l, key: key, token: l.sequence}, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	token  uint64
}

func (lease *localLease) Refresh(context.Context, time.Duration) error {
	lease.locker.mu.Lock()
	defer lease.locker.mu.Unlock()
	if lease.locker.held[lease.key] != lease.token {
		return ErrLockLost
	}
	return nil
}

func (lease *localLease) Release(context.Context) error {
	lease.locker.mu.Lock()
	defer lease.locker.mu.Unlock()
	if lease.locker.held[lease.key] == lease.token {
		delete(lease.locker.held, lease.key)
	}
	return nil
}
