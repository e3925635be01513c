// Package lock keeps two provisioner processes from submitting under the same
// account at once.
package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another run holds the lock.
var ErrHeld = errors.New("provisioning lock is held by another run")

// ErrLost is returned on release when the lease expired or was taken over.
var ErrLost = errors.New("provisioning lock was lost")

// Locker acquires an exclusive lease.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Key derives the lock key for an account on an endpoint.
func Key(endpoint, account string) string {
	sum := sha256.Sum256([]byte(endpoint + "\x00" + strings.ToLower(account)))
	return "provisioner:lock:" + hex.EncodeToString(sum[:8])
}

// Client is the subset of redis.Cmdable the locker needs.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// releaseScript deletes the key only if it still carries our token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// extendScript pushes the expiry out only if the key still carries our token.
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// RedisLocker implements Locker with SET NX PX and a token-checked release.
// A held lease is renewed every third of its ttl until it is released, so a
// run may outlast lock_ttl as long as the process stays alive.
type RedisLocker struct {
	client Client
	ttl    time.Duration
}

// NewRedisLocker returns a locker whose leases expire after ttl.
func NewRedisLocker(client Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

// NewRedisClient dials addr. The returned client must be closed by the caller.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// Acquire takes the lock or returns ErrHeld.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}
	lease := &redisLease{
		client: l.client,
		key:    key,
		token:  token,
		ttl:    l.ttl,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go lease.keepAlive()
	return lease, nil
}

type redisLease struct {
	client Client
	key    string
	token  string
	ttl    time.Duration

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (r *redisLease) Key() string { return r.key }

// keepAlive renews the expiry until stop is closed or the key no longer
// carries our token. Transport errors are retried on the next tick.
func (r *redisLease) keepAlive() {
	defer close(r.done)
	if r.ttl <= 0 {
		return
	}
	interval := r.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := r.client.Eval(ctx, extendScript, []string{r.key}, r.token, r.ttl.Milliseconds()).Int64()
			cancel()
			if err == nil && n == 0 {
				return
			}
		}
	}
}

func (r *redisLease) Release(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done

	n, err := r.client.Eval(ctx, releaseScript, []string{r.key}, r.token).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", r.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLost, r.key)
	}
	return nil
}

// Nop grants every request. It is used when no redis address is configured.
type Nop struct{}

func (Nop) Acquire(_ context.Context, key string) (Lease, error) {
	return nopLease(key), nil
}

type nopLease string

func (n nopLease) Key() string { return string(n) }

func (nopLease) Release(context.Context) error { return nil }
