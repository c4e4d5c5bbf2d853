// Package health implements the thread health oracle: active probing of
// whether a user's destination thread still exists and still routes
// correctly, with a classified status and a two-level cache so a healthy
// thread is not re-probed on every message.
//
// A probe is an inert payload sent to the expected thread and retracted
// immediately; the classification comes from the platform's acknowledgment,
// not from any inbound traffic.
package health

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-relay-backend/internal/platform"
)

// Status classifies the outcome of a thread probe.
type Status string

const (
	// StatusOK: the probe landed in the expected thread.
	StatusOK Status = "ok"
	// StatusRedirected: the platform accepted the probe but acknowledged a
	// different destination thread than addressed.
	StatusRedirected Status = "redirected"
	// StatusMissing: the platform rejected the probe with a not-found class
	// of error for the thread.
	StatusMissing Status = "missing"
	// StatusMissingThreadID: the acknowledgment omitted a destination thread
	// identifier entirely. Confirmed by a second probe before being trusted.
	StatusMissingThreadID Status = "missing_thread_id"
	// StatusProbeInvalid: the probe payload itself was rejected as
	// malformed; says nothing about thread existence.
	StatusProbeInvalid Status = "probe_invalid"
	// StatusUnknownError: transport failure or unclassifiable platform
	// error. Non-committal.
	StatusUnknownError Status = "unknown_error"
)

// DestinationLost reports whether the status means the thread no longer
// accepts or correctly routes messages. Only these statuses may trigger the
// router's destructive recovery path.
func (s Status) DestinationLost() bool {
	switch s {
	case StatusRedirected, StatusMissing, StatusMissingThreadID:
		return true
	default:
		return false
	}
}

// probeText is the inert payload. It is retracted immediately; the content
// only matters if retraction fails and a human sees it.
const probeText = "⁣"

// localEntry is one process-local cache slot.
type localEntry struct {
	observedAt time.Time
	ok         bool
}

// Oracle probes thread health with caching.
type Oracle struct {
	// Platform performs the outbound probe calls.
	Platform platform.Client

	// Redis holds the durable confirmed-ok marker, shared across instances.
	// Optional; nil disables the durable level.
	Redis *redis.Client

	// GroupChatID is the shared group space that hosts all topic threads.
	GroupChatID int64

	// CacheTTL bounds the process-local cache validity. MarkerTTL bounds the
	// durable confirmed-ok marker. Both default sensibly when zero.
	CacheTTL  time.Duration
	MarkerTTL time.Duration

	mu    sync.Mutex
	local map[int64]localEntry
}

func (o *Oracle) cacheTTL() time.Duration {
	if o.CacheTTL > 0 {
		return o.CacheTTL
	}
	return 30 * time.Second
}

func (o *Oracle) markerTTL() time.Duration {
	if o.MarkerTTL > 0 {
		return o.MarkerTTL
	}
	return 90 * time.Second
}

func markerKey(threadID int64) string {
	return "thread:confirmed_ok:" + strconv.FormatInt(threadID, 10)
}

// Check returns the health status for threadID, serving from the
// process-local cache or the durable confirmed-ok marker when possible and
// probing otherwise. Only healthy results are cached; every loss is
// re-observed fresh.
func (o *Oracle) Check(ctx context.Context, threadID int64) (Status, error) {
	tr := otel.Tracer("health/Oracle")
	ctx, span := tr.Start(ctx, "Check", trace.WithAttributes(attribute.Int64("thread.id", threadID)))
	defer span.End()

	if threadID == 0 {
		return StatusMissing, nil
	}

	o.mu.Lock()
	if e, found := o.local[threadID]; found && e.ok && time.Since(e.observedAt) < o.cacheTTL() {
		o.mu.Unlock()
		return StatusOK, nil
	}
	o.mu.Unlock()

	if o.Redis != nil {
		n, err := o.Redis.Exists(ctx, markerKey(threadID)).Result()
		if err == nil && n == 1 {
			o.remember(threadID, true)
			return StatusOK, nil
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			log.Debug().Err(err).Int64("thread_id", threadID).Msg("health marker lookup failed; probing")
		}
	}

	status, err := o.Probe(ctx, threadID)
	if err != nil {
		return status, err
	}
	if status == StatusOK {
		o.remember(threadID, true)
		if o.Redis != nil {
			if err := o.Redis.Set(ctx, markerKey(threadID), "1", o.markerTTL()).Err(); err != nil {
				log.Debug().Err(err).Int64("thread_id", threadID).Msg("health marker write failed")
			}
		}
	}
	return status, nil
}

// Probe performs one live probe of threadID and classifies the result. An
// ambiguous acknowledgment (no destination id at all) is probed a second
// time to rule out a transient platform quirk before it is reported.
func (o *Oracle) Probe(ctx context.Context, threadID int64) (Status, error) {
	status := o.probeOnce(ctx, threadID)
	if status == StatusMissingThreadID {
		status = o.probeOnce(ctx, threadID)
		if status == StatusOK {
			return StatusOK, nil
		}
		// Two ambiguous or failed probes in a row: trust the loss signal.
		if status == StatusMissingThreadID {
			log.Info().Int64("thread_id", threadID).Msg("probe ack missing thread id twice; treating as loss")
		}
	}
	return status, nil
}

// probeOnce sends and retracts one inert probe.
func (o *Oracle) probeOnce(ctx context.Context, threadID int64) Status {
	res, err := o.Platform.SendMessage(ctx, o.GroupChatID, threadID, probeText)
	if err != nil {
		switch platform.Classify(err) {
		case platform.KindThreadNotFound:
			return StatusMissing
		case platform.KindBadRequest:
			return StatusProbeInvalid
		default:
			return StatusUnknownError
		}
	}

	// Retract regardless of classification; an orphaned probe in a redirected
	// destination is still clutter.
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	if derr := o.Platform.DeleteMessage(delCtx, res.ChatID, res.MessageID); derr != nil {
		log.Debug().Err(derr).Int64("thread_id", threadID).Msg("probe retraction failed")
	}
	cancel()

	switch {
	case !res.HasThreadID:
		return StatusMissingThreadID
	case res.ThreadID != threadID:
		return StatusRedirected
	default:
		return StatusOK
	}
}

// Confirm records an out-of-band proof of liveness for threadID, such as a
// forward acknowledged into the expected thread. It feeds both cache levels
// exactly as a successful probe would, without sending one.
func (o *Oracle) Confirm(ctx context.Context, threadID int64) {
	if threadID == 0 {
		return
	}
	o.remember(threadID, true)
	if o.Redis != nil {
		if err := o.Redis.Set(ctx, markerKey(threadID), "1", o.markerTTL()).Err(); err != nil {
			log.Debug().Err(err).Int64("thread_id", threadID).Msg("health marker write failed")
		}
	}
}

// Invalidate drops both cache levels for threadID. Called on every Lost
// transition so a torn-down thread can never be served as healthy.
func (o *Oracle) Invalidate(ctx context.Context, threadID int64) {
	o.mu.Lock()
	delete(o.local, threadID)
	o.mu.Unlock()
	if o.Redis != nil {
		if err := o.Redis.Del(ctx, markerKey(threadID)).Err(); err != nil {
			log.Debug().Err(err).Int64("thread_id", threadID).Msg("health marker delete failed")
		}
	}
}

// remember stores one process-local observation.
func (o *Oracle) remember(threadID int64, ok bool) {
	o.mu.Lock()
	if o.local == nil {
		o.local = make(map[int64]localEntry)
	}
	o.local[threadID] = localEntry{observedAt: time.Now(), ok: ok}
	o.mu.Unlock()
}
