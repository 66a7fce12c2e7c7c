package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-warmlock/v1/adapter"
	"github.com/mirkobrombin/go-warmlock/v1/lock"
	"github.com/mirkobrombin/go-warmlock/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-warmlock/v1/core")

// Producer computes a fresh value and its absolute expiry in epoch
// milliseconds. It is invoked at most once per successful lock acquisition.
type Producer func(ctx context.Context) (value string, expiry int64, err error)

// Outcome labels how a Resolve call ended.
const (
	OutcomeHit       = "hit"
	OutcomeProduced  = "produced"
	OutcomeStale     = "stale"
	OutcomeContended = "contended"
	OutcomeEmpty     = "empty"
	OutcomeExhausted = "exhausted"
	OutcomeError     = "error"
)

// Coordinator runs the lock-and-refresh protocol against a Store. It keeps
// no state between calls; the configuration only supplies defaults.
type Coordinator struct {
	store adapter.Store
	cfg   config
}

// New creates a Coordinator for store.
func New(store adapter.Store, opts ...Option) *Coordinator {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Coordinator{store: store, cfg: cfg}
}

// Resolve is a shorthand for New(store).Resolve.
func Resolve(ctx context.Context, store adapter.Store, key string, now int64, produce Producer, opts ...Option) (string, bool, error) {
	return New(store).Resolve(ctx, key, now, produce, opts...)
}

type result struct {
	value   string
	ok      bool
	outcome string
	retry   bool
}

// Resolve returns the shared value for key as seen at now (epoch ms).
//
// A fresh entry is returned without touching locks. Otherwise the caller
// tries to lock the current generation; the winner runs produce and writes
// the entry, losers serve the cached value while it is still valid. When
// nothing can be served the contention policy applies: ContentionFail
// returns a *ContentionError, ContentionReturnEmpty returns ok == false.
// Producer and store errors are returned unchanged.
func (c *Coordinator) Resolve(ctx context.Context, key string, now int64, produce Producer, opts ...Option) (string, bool, error) {
	cfg := c.cfg
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if key == "" {
		return "", false, ErrEmptyKey
	}
	if produce == nil {
		return "", false, ErrNilProducer
	}
	if err := cfg.validate(); err != nil {
		return "", false, err
	}

	start := time.Now()
	var span trace.Span
	if cfg.traceEnabled {
		ctx, span = tracer.Start(ctx, "Coordinator.Resolve", trace.WithAttributes(
			attribute.String("warmlock.key", key),
			attribute.Int64("warmlock.now", now),
		))
		defer span.End()
	}

	r := resolver{store: c.store, cfg: cfg, key: key, now: now, produce: produce}
	res, attempts, err := r.run(ctx)

	metrics.ResolveCounter.WithLabelValues(res.outcome).Inc()
	metrics.ResolveDuration.Observe(time.Since(start).Seconds())
	if cfg.traceEnabled {
		span.SetAttributes(
			attribute.String("warmlock.outcome", res.outcome),
			attribute.Int("warmlock.attempts", attempts),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	return res.value, res.ok, err
}

// resolver carries one logical Resolve call.
type resolver struct {
	store   adapter.Store
	cfg     config
	key     string
	now     int64
	produce Producer
}

func (r *resolver) run(ctx context.Context) (result, int, error) {
	limit := r.cfg.maxRetries + 1
	for attempt := 1; attempt <= limit; attempt++ {
		res, err := r.attempt(ctx)
		if err != nil {
			if res.outcome == "" {
				res.outcome = OutcomeError
			}
			return res, attempt, err
		}
		if !res.retry {
			return res, attempt, nil
		}
		r.cfg.logger.DebugContext(ctx, "warmlock: retrying after reclaim", "key", r.key, "attempt", attempt)
	}
	return result{outcome: OutcomeExhausted}, limit,
		fmt.Errorf("%w: key %q after %d attempts", ErrRetryBudgetExceeded, r.key, limit)
}

func (r *resolver) attempt(ctx context.Context) (result, error) {
	entry, found, err := r.store.ReadEntry(ctx, r.key)
	if err != nil {
		return result{}, err
	}

	disc := lock.Initial()
	if found {
		if lock.Fresh(entry.Expiry, r.now, r.cfg.refreshWindow) {
			return result{value: entry.Value, ok: true, outcome: OutcomeHit}, nil
		}
		disc = lock.Refresh(entry.Expiry)
	}

	lockKey := lock.Key(r.key, disc)
	heldUntil := lock.HeldUntil(r.now, r.cfg.lockDuration)
	acq, err := r.store.TryAcquireLock(ctx, lockKey, heldUntil, r.now)
	if err != nil {
		return result{}, err
	}
	if acq.Acquired {
		return r.refresh(ctx, lockKey)
	}

	usable := found && !lock.Expired(entry.Expiry, r.now)
	if !acq.Reclaimable(r.now) {
		if usable {
			return result{value: entry.Value, ok: true, outcome: OutcomeStale}, nil
		}
		return r.contended(ctx, lockKey, acq)
	}

	if acq.Known {
		if err := r.store.ReleaseLock(ctx, lockKey, acq.HeldUntil); err != nil {
			return result{}, err
		}
		metrics.ReclaimCounter.Inc()
		r.cfg.logger.WarnContext(ctx, "warmlock: reclaimed stale lock",
			"key", r.key, "lock", lockKey, "held_until", acq.HeldUntil, "holder", acq.Holder)
	}
	if usable {
		return result{value: entry.Value, ok: true, outcome: OutcomeStale}, nil
	}
	return result{retry: true}, nil
}

// refresh runs the producer while holding lockKey. The lock is never
// released afterwards: a caller that read the previous generation must
// still find it taken.
func (r *resolver) refresh(ctx context.Context, lockKey string) (result, error) {
	value, expiry, err := r.produce(ctx)
	if err != nil {
		metrics.ProducerCounter.WithLabelValues("error").Inc()
		r.cfg.logger.DebugContext(ctx, "warmlock: producer failed", "key", r.key, "lock", lockKey, "error", err)
		return result{}, err
	}
	if expiry <= r.now {
		metrics.ProducerCounter.WithLabelValues("invalid").Inc()
		return result{}, fmt.Errorf("%w: key %q expiry %d at %d", ErrInvalidExpiry, r.key, expiry, r.now)
	}
	if err := r.store.WriteEntry(ctx, r.key, value, expiry); err != nil {
		return result{}, err
	}
	metrics.ProducerCounter.WithLabelValues("ok").Inc()
	r.cfg.logger.DebugContext(ctx, "warmlock: entry refreshed", "key", r.key, "lock", lockKey, "expiry", expiry)
	return result{value: value, ok: true, outcome: OutcomeProduced}, nil
}

func (r *resolver) contended(ctx context.Context, lockKey string, acq adapter.Acquisition) (result, error) {
	r.cfg.logger.DebugContext(ctx, "warmlock: contended", "key", r.key, "lock", lockKey,
		"held_until", acq.HeldUntil, "policy", r.cfg.onContention.String())
	if r.cfg.onContention == ContentionReturnEmpty {
		return result{outcome: OutcomeEmpty}, nil
	}
	return result{outcome: OutcomeContended}, &ContentionError{
		Key:       r.key,
		LockKey:   lockKey,
		HeldUntil: acq.HeldUntil,
		Holder:    acq.Holder,
	}
}
