// Package lock implements a Redis lease lock that hands out a fencing token
// with every successful acquisition.
//
// Keys: lock:{resource} holds the owner value with a TTL, fence:{resource} is a
// counter that is never reset, so tokens for one resource strictly increase
// across owners, expiries and restarts of this process.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/redis/go-redis/v9"

	"github.com/jmehdipour/delivery-saga/internal/util"
)

var (
	// ErrNotAcquired is returned when another owner holds the lease.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrStaleWrite is returned by fenced writes that lost to a newer token.
	// It is a definitive answer, not a transient failure: the caller re-reads.
	ErrStaleWrite = errors.New("stale fenced write")
	// ErrLeaseLost is returned by Extend once the lease expired or changed owner.
	ErrLeaseLost = errors.New("lease lost")
)

var acquireScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return redis.call('INCR', KEYS[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Handle identifies one held lease.
type Handle struct {
	Resource string
	Owner    string
	Token    int64
}

type Options struct {
	KeyPrefix    string
	TTL          time.Duration // default 10s
	WaitAttempts uint          // default 5
	WaitDelay    time.Duration // default 100ms
}

type FencingLock struct {
	rdb  redis.Scripter
	opts Options
}

func New(rdb redis.Scripter, opts Options) *FencingLock {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Second
	}
	if opts.WaitAttempts == 0 {
		opts.WaitAttempts = 5
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = 100 * time.Millisecond
	}
	return &FencingLock{rdb: rdb, opts: opts}
}

func (l *FencingLock) key(kind, resource string) string {
	if l.opts.KeyPrefix == "" {
		return kind + ":" + resource
	}
	return l.opts.KeyPrefix + ":" + kind + ":" + resource
}

// Acquire takes the lease on resource and returns it with a fresh fencing token.
func (l *FencingLock) Acquire(ctx context.Context, resource string) (*Handle, error) {
	owner := util.NewEventID()
	token, err := acquireScript.Run(ctx, l.rdb,
		[]string{l.key("lock", resource), l.key("fence", resource)},
		owner, l.opts.TTL.Milliseconds(),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", resource, err)
	}
	if token == 0 {
		return nil, ErrNotAcquired
	}
	return &Handle{Resource: resource, Owner: owner, Token: token}, nil
}

// AcquireWait retries Acquire while the lease is held by someone else.
func (l *FencingLock) AcquireWait(ctx context.Context, resource string) (*Handle, error) {
	return retry.DoWithData(
		func() (*Handle, error) { return l.Acquire(ctx, resource) },
		retry.Context(ctx),
		retry.Attempts(l.opts.WaitAttempts),
		retry.Delay(l.opts.WaitDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrNotAcquired) }),
		retry.LastErrorOnly(true),
	)
}

// TTL is the lease duration set by Acquire and Extend.
func (l *FencingLock) TTL() time.Duration { return l.opts.TTL }

// Extend pushes the expiry of a held lease a full TTL ahead. The token is
// unchanged.
func (l *FencingLock) Extend(ctx context.Context, h *Handle) error {
	if h == nil {
		return ErrLeaseLost
	}
	n, err := extendScript.Run(ctx, l.rdb,
		[]string{l.key("lock", h.Resource)}, h.Owner, l.opts.TTL.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("extend %s: %w", h.Resource, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release deletes the lease only if h still owns it. An expired lease that
// was taken over by another owner is left alone.
func (l *FencingLock) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	err := releaseScript.Run(ctx, l.rdb, []string{l.key("lock", h.Resource)}, h.Owner).Err()
	if err != nil {
		return fmt.Errorf("release %s: %w", h.Resource, err)
	}
	return nil
}

// Supersedes reports whether a write carrying submitted may replace a row
// whose stored token is stored. It mirrors the SQL predicate
// "last_fencing_token IS NULL OR last_fencing_token < ?".
func Supersedes(stored *int64, submitted int64) bool {
	return stored == nil || *stored < submitted
}
