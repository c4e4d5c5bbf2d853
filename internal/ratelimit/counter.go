// Package ratelimit – CounterService
//
// This file implements the atomic counter service behind per-user/per-action
// rate limits. Counting is exact under concurrency: every mutation is a
// version-guarded conditional write against the durable rate_records table,
// so two racing checks can never both consume the last slot. A process-local
// read cache may skip the initial read, but an admitted hit is only reported
// after its increment has been durably persisted.
//
// Failure semantics are fail-open: when the store is unreachable the check
// reports allowed and logs the degradation, because refusing service during
// an infra hiccup is worse than temporarily under-enforcing a courtesy
// limit.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-relay-backend/internal/domain"
	"github.com/tbourn/go-relay-backend/internal/repo"
)

const (
	// defaultMaxAttempts bounds the re-read/retry loop under write conflicts.
	defaultMaxAttempts = 5

	// degradedLogInterval throttles fail-open warnings so a store outage
	// does not emit one line per admitted request.
	degradedLogInterval = 10 * time.Second
)

// Key builds the canonical counter key for an action performed by a subject.
func Key(action, subjectID string) string { return action + ":" + subjectID }

// Decision is the outcome of a rate-limit check.
//
// Fields:
//   - Allowed: whether the hit was admitted.
//   - Remaining: slots left in the current window after this hit; zero when
//     denied.
//   - Degraded: true when the decision was produced fail-open because the
//     store was unreachable; Remaining is meaningless in that case.
type Decision struct {
	Allowed   bool
	Remaining int64
	Degraded  bool
}

// CounterService issues exact, durably counted rate-limit decisions.
type CounterService struct {
	// DB is the GORM handle for the durable rate_records table.
	DB *gorm.DB

	// MaxAttempts caps conflict retries per check. Values <= 0 default to 5.
	MaxAttempts int

	// cache holds the most recently observed record per key. It only ever
	// replaces the initial read; all writes still go through the version
	// guard, so a stale entry costs one extra round trip, never correctness.
	cache sync.Map // key -> domain.RateRecord

	// degraded-warning throttle state.
	warnMu   sync.Mutex
	lastWarn time.Time
}

// Check admits or rejects one hit for key under the given limit and window.
//
// Semantics:
//   - no record, or window expired: new window with count=1, admitted.
//   - count >= limit: denied without mutating the record.
//   - otherwise: count incremented durably, then admitted.
//
// The returned error is always nil for callers that only branch on the
// decision; store failures are absorbed into a fail-open Decision.
func (s *CounterService) Check(ctx context.Context, key string, limit int64, window time.Duration) (Decision, error) {
	tr := otel.Tracer("ratelimit/CounterService")
	ctx, span := tr.Start(ctx, "Check",
		trace.WithAttributes(
			attribute.String("rate.key", key),
			attribute.Int64("rate.limit", limit),
		),
	)
	defer span.End()

	if limit <= 0 {
		return Decision{Allowed: false, Remaining: 0}, nil
	}

	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}

	useCache := true
	for i := 0; i < attempts; i++ {
		rec, err := s.loadRecord(ctx, key, useCache)
		useCache = false // conflicts re-read the durable row
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return s.failOpen(key, err), nil
		}

		now := time.Now().UTC()
		switch {
		case rec == nil:
			created, cerr := repo.CreateRateRecord(ctx, s.DB, key, now.Add(window))
			if errors.Is(cerr, repo.ErrDuplicate) {
				continue // lost the creation race; re-read and increment
			}
			if cerr != nil {
				return s.failOpen(key, cerr), nil
			}
			s.cache.Store(key, *created)
			return Decision{Allowed: true, Remaining: limit - 1}, nil

		case !rec.WindowExpiresAt.After(now):
			rerr := repo.ResetRateRecord(ctx, s.DB, key, rec.Version, now.Add(window))
			if errors.Is(rerr, repo.ErrStale) {
				continue
			}
			if rerr != nil {
				return s.failOpen(key, rerr), nil
			}
			rec.Count = 1
			rec.Version++
			rec.WindowExpiresAt = now.Add(window)
			s.cache.Store(key, *rec)
			return Decision{Allowed: true, Remaining: limit - 1}, nil

		case rec.Count >= limit:
			return Decision{Allowed: false, Remaining: 0}, nil

		default:
			ierr := repo.IncrementRateRecord(ctx, s.DB, key, rec.Version)
			if errors.Is(ierr, repo.ErrStale) {
				continue
			}
			if ierr != nil {
				return s.failOpen(key, ierr), nil
			}
			rec.Count++
			rec.Version++
			s.cache.Store(key, *rec)
			return Decision{Allowed: true, Remaining: limit - rec.Count}, nil
		}
	}

	// Retry budget exhausted under heavy contention: deny rather than risk
	// an uncounted admit. This is the opposite bias from fail-open because
	// the store is healthy here, only contended.
	log.Warn().Str("key", key).Int("attempts", attempts).Msg("rate check exhausted conflict retries")
	return Decision{Allowed: false, Remaining: 0}, nil
}

// Sweep deletes expired rate windows and returns the number removed.
func (s *CounterService) Sweep(ctx context.Context) (int64, error) {
	n, err := repo.DeleteExpiredRateRecords(ctx, s.DB, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Debug().Int64("swept", n).Msg("rate records swept")
	}
	return n, nil
}

// loadRecord returns the current record for key, consulting the read cache
// only on the first attempt of a check.
func (s *CounterService) loadRecord(ctx context.Context, key string, useCache bool) (*domain.RateRecord, error) {
	if useCache {
		if v, ok := s.cache.Load(key); ok {
			rec := v.(domain.RateRecord)
			return &rec, nil
		}
	}
	rec, err := repo.GetRateRecord(ctx, s.DB, key)
	if err != nil {
		s.cache.Delete(key)
		return nil, err
	}
	s.cache.Store(key, *rec)
	return rec, nil
}

// failOpen produces the degraded-allowed decision and logs it, throttled.
func (s *CounterService) failOpen(key string, err error) Decision {
	s.warnMu.Lock()
	if time.Since(s.lastWarn) >= degradedLogInterval {
		s.lastWarn = time.Now()
		s.warnMu.Unlock()
		log.Warn().Err(err).Str("key", key).Msg("rate-limit store unreachable; failing open")
	} else {
		s.warnMu.Unlock()
	}
	return Decision{Allowed: true, Degraded: true}
}
