// Package lock – WithLock runner.
//
// This file implements the critical-section orchestration on top of the
// lease primitives: bounded-backoff acquisition, a background heartbeat
// that renews at roughly half the TTL, and hard cancellation of the section
// when a renewal is rejected. The heartbeat exists because the section's
// duration is not known up front; a single fixed-TTL lock would either
// expire mid-operation or be held dangerously long.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Runner wraps a Service with the acquisition/heartbeat policy the relay
// pipeline runs under.
type Runner struct {
	// Leases is the underlying lease service.
	Leases *Service

	// TTL is the lease duration; the heartbeat renews at TTL/2.
	TTL time.Duration

	// AcquireTimeout bounds how long WithLock waits for a contended lease
	// before surfacing ErrAcquireTimeout.
	AcquireTimeout time.Duration
}

// WithLock runs fn while holding the lease for lockKey.
//
// Behavior:
//   - Acquisition retries with exponential backoff plus jitter, capped by
//     the holder-reported RetryAfter, until AcquireTimeout elapses. A caller
//     that times out here has mutated nothing durable.
//   - A heartbeat goroutine renews the lease at TTL/2. A rejected renewal
//     cancels fn's context with ErrLeaseLost as the cause; fn must treat
//     that cancellation as fatal and stop producing side effects, because
//     continuing without the lease voids the serialization guarantee.
//   - The lease is released on the way out; release failures after a lost
//     lease are expected and only logged at debug.
func (r *Runner) WithLock(ctx context.Context, lockKey string, fn func(ctx context.Context) error) error {
	tr := otel.Tracer("lock/Runner")
	ctx, span := tr.Start(ctx, "WithLock", trace.WithAttributes(attribute.String("lock.key", lockKey)))
	defer span.End()

	token := uuid.NewString()

	if err := r.acquire(ctx, lockKey, token); err != nil {
		return err
	}

	// Section context, canceled on heartbeat loss or caller cancellation.
	sectionCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	hbDone := make(chan struct{})
	go r.heartbeat(sectionCtx, lockKey, token, cancel, hbDone)

	err := fn(sectionCtx)

	cancel(nil)
	<-hbDone

	// Surface a heartbeat loss even when fn swallowed the cancellation.
	if cause := context.Cause(sectionCtx); errors.Is(cause, ErrLeaseLost) {
		if err == nil {
			err = ErrLeaseLost
		}
	}

	relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer relCancel()
	if relErr := r.Leases.Release(relCtx, lockKey, token); relErr != nil {
		log.Debug().Err(relErr).Str("lock_key", lockKey).Msg("lease release skipped")
	}

	return err
}

// acquire obtains the lease with bounded backoff. The wait between attempts
// is the exponential backoff clamped to the holder-reported RetryAfter:
// once the holder's remaining TTL is known there is no value in sleeping
// past it.
func (r *Runner) acquire(ctx context.Context, lockKey, token string) error {
	deadline := time.Now().Add(r.AcquireTimeout)
	acquireCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = r.TTL / 2
	bo.MaxElapsedTime = 0

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var lastRetryAfter time.Duration
	for {
		grant, aerr := r.Leases.Acquire(acquireCtx, lockKey, token, r.TTL)
		if aerr != nil {
			if errors.Is(aerr, context.DeadlineExceeded) || errors.Is(aerr, context.Canceled) {
				break
			}
			// Transient store errors retry under the same backoff.
			grant = Grant{}
		}
		if grant.Acquired {
			return nil
		}

		wait := bo.NextBackOff()
		if grant.RetryAfter > 0 && grant.RetryAfter < wait {
			wait = grant.RetryAfter
		}
		lastRetryAfter = grant.RetryAfter

		if time.Now().Add(wait).After(deadline) {
			break
		}
		timer.Reset(wait)
		select {
		case <-acquireCtx.Done():
		case <-timer.C:
			continue
		}
		break
	}

	log.Debug().
		Str("lock_key", lockKey).
		Dur("retry_after", lastRetryAfter).
		Msg("lease not acquired within timeout")
	return ErrAcquireTimeout
}

// heartbeat renews the lease at TTL/2 until the section ends. A rejected
// renewal is a hard loss: the section context is canceled with ErrLeaseLost
// so in-flight work aborts before producing further side effects.
func (r *Runner) heartbeat(ctx context.Context, lockKey, token string, cancel context.CancelCauseFunc, done chan<- struct{}) {
	defer close(done)
	interval := r.TTL / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewCtx, rcancel := context.WithTimeout(ctx, interval)
			err := r.Leases.Renew(renewCtx, lockKey, token, r.TTL)
			rcancel()
			if err == nil {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("lock_key", lockKey).Msg("lease renewal rejected; aborting section")
			cancel(ErrLeaseLost)
			return
		}
	}
}
