// Package lock implements the per-user lease lock service: time-bounded,
// token-authenticated mutual exclusion backed by Redis conditional writes.
//
// A lease is a single Redis key holding the owner token with a TTL. All
// mutations that must observe the current owner (renew, release) run as Lua
// scripts so the compare-and-act is atomic on the server, which is what
// makes the guarantee hold across arbitrarily parallel callers with no
// shared process memory.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Lease-related errors.
var (
	// ErrNotOwner is returned when a renew or release presents a token that
	// does not match the current lease holder.
	ErrNotOwner = errors.New("lease held by another owner")

	// ErrLeaseExpired is returned when a renew finds no current lease at
	// all: the caller's lease lapsed and nobody has re-acquired yet. It is
	// deliberately distinct from ErrNotOwner so callers can tell "I was too
	// slow" from "someone took over".
	ErrLeaseExpired = errors.New("lease expired")

	// ErrAcquireTimeout is returned by WithLock when the lease could not be
	// obtained within the acquire timeout. No durable state was mutated.
	ErrAcquireTimeout = errors.New("lease acquire timeout")

	// ErrLeaseLost is the cancellation cause installed when a heartbeat
	// renewal is rejected mid-section.
	ErrLeaseLost = errors.New("lease lost during critical section")
)

// renewScript atomically renews the TTL iff the token matches.
// Returns 1 on success, -1 when the key is absent, -2 on token mismatch.
var renewScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return -2
`)

// releaseScript atomically deletes the lease iff the token matches.
// Returns 1 on delete, 0 otherwise.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Grant is the outcome of an acquisition attempt.
//
// Fields:
//   - Acquired: whether the caller now holds the lease.
//   - RetryAfter: when not acquired, how long the current holder's lease
//     still has to run; callers use it to back off instead of spinning.
type Grant struct {
	Acquired   bool
	RetryAfter time.Duration
}

// Service issues, renews, and releases leases against a Redis instance.
type Service struct {
	client *redis.Client
	prefix string
}

// NewService connects to Redis at redisURL and returns a lease service.
func NewService(redisURL string) (*Service, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewServiceWithClient(client), nil
}

// NewServiceWithClient builds a lease service from an existing Redis client.
func NewServiceWithClient(client *redis.Client) *Service {
	return &Service{client: client, prefix: "lease:"}
}

// key generates the Redis key for a lock key.
func (s *Service) key(lockKey string) string { return s.prefix + lockKey }

// Acquire attempts to take the lease for lockKey with the given owner token
// and TTL. Acquisition succeeds when no unexpired lease exists, or when the
// existing lease already belongs to ownerToken (idempotent re-acquire, which
// refreshes the TTL). When a different owner holds the lease, the Grant
// reports the remaining hold time.
func (s *Service) Acquire(ctx context.Context, lockKey, ownerToken string, ttl time.Duration) (Grant, error) {
	tr := otel.Tracer("lock/Service")
	ctx, span := tr.Start(ctx, "Acquire", trace.WithAttributes(attribute.String("lock.key", lockKey)))
	defer span.End()

	k := s.key(lockKey)
	ok, err := s.client.SetNX(ctx, k, ownerToken, ttl).Result()
	if err != nil {
		return Grant{}, fmt.Errorf("acquire %s: %w", lockKey, err)
	}
	if ok {
		return Grant{Acquired: true}, nil
	}

	// Taken. Re-acquire if it is ours; otherwise report the remaining TTL.
	res, err := renewScript.Run(ctx, s.client, []string{k}, ownerToken, ttl.Milliseconds()).Int()
	if err != nil {
		return Grant{}, fmt.Errorf("re-acquire %s: %w", lockKey, err)
	}
	if res == 1 {
		return Grant{Acquired: true}, nil
	}
	remaining, err := s.client.PTTL(ctx, k).Result()
	if err != nil || remaining < 0 {
		// Holder vanished between the SETNX and the PTTL; tell the caller to
		// retry immediately rather than guessing a wait.
		remaining = 0
	}
	return Grant{Acquired: false, RetryAfter: remaining}, nil
}

// Renew extends the lease TTL. It fails with ErrLeaseExpired when no lease
// exists anymore and ErrNotOwner when the lease is held by someone else.
func (s *Service) Renew(ctx context.Context, lockKey, ownerToken string, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, s.client, []string{s.key(lockKey)}, ownerToken, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew %s: %w", lockKey, err)
	}
	switch res {
	case 1:
		return nil
	case -1:
		return ErrLeaseExpired
	default:
		return ErrNotOwner
	}
}

// Release drops the lease if ownerToken still holds it. Releasing a lease
// that already expired or changed hands returns ErrNotOwner; callers that
// are unwinding anyway may ignore it.
func (s *Service) Release(ctx context.Context, lockKey, ownerToken string) error {
	res, err := releaseScript.Run(ctx, s.client, []string{s.key(lockKey)}, ownerToken).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", lockKey, err)
	}
	if res != 1 {
		return ErrNotOwner
	}
	return nil
}

// Close closes the underlying Redis connection.
func (s *Service) Close() error { return s.client.Close() }

// Ping checks Redis reachability.
func (s *Service) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }
