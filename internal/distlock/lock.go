// Package distlock provides a Redis lease lock so that exactly one engine
// replica runs the reaper cycle at a time.
//
// The lock is advisory and lease-based: SET NX PX with a random owner token,
// released or refreshed only by the holder via a compare-token script. If a
// holder dies the lease simply expires and another replica acquires it.
package distlock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockUnavailable means another replica holds the lock. Callers skip the
// protected work and try again next cycle; it is not a failure.
var ErrLockUnavailable = errors.New("lock held by another owner")

// ErrLockLost means the lease no longer belongs to this owner, typically
// because it expired before a refresh.
var ErrLockLost = errors.New("lock lost")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker acquires leases on a Redis key.
type Locker struct {
	client *redis.Client
	key    string
	lease  time.Duration
}

// New creates a Locker for key with the given lease duration.
func New(client *redis.Client, key string, lease time.Duration) *Locker {
	return &Locker{client: client, key: key, lease: lease}
}

// Acquire tries to take the lock. It returns ErrLockUnavailable without
// blocking when another owner holds it.
func (l *Locker) Acquire(ctx context.Context) (*Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.lease).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockUnavailable
	}
	return &Lease{locker: l, token: token}, nil
}

// Lease is a held lock. It must be released when the protected work ends.
type Lease struct {
	locker *Locker
	token  string
}

// Refresh extends the lease by the configured duration. Returns ErrLockLost
// if the lease expired or was taken by another owner.
func (le *Lease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, le.locker.client,
		[]string{le.locker.key}, le.token, le.locker.lease.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Release gives the lock up if this lease still owns it. Releasing an
// already expired lease is a no-op.
func (le *Lease) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, le.locker.client,
		[]string{le.locker.key}, le.token).Int()
	return err
}
