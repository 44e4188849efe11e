// Package ratelimit implements a sliding-window request limiter keyed by
// identifier and action class, on top of a pluggable counter store. The
// limiter fails open: if the store is unreachable the request is admitted
// and a diagnostic is logged, because availability of the application takes
// precedence over rate-limit strictness.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Class selects which budget applies to a request.
type Class string

const (
	// ClassAuth covers pre-authentication credential attempts.
	ClassAuth Class = "auth"
	// ClassTwoFactor covers second-factor code submissions.
	ClassTwoFactor Class = "2fa"
	// ClassGeneral covers everything else.
	ClassGeneral Class = "general"
)

// Budget is the request allowance for one class.
type Budget struct {
	Limit  int
	Window time.Duration
}

// Config carries per-class budgets. Zero-value budgets fall back to defaults.
type Config struct {
	Auth      Budget
	TwoFactor Budget
	General   Budget
}

var defaults = map[Class]Budget{
	ClassAuth:      {Limit: 6, Window: 15 * time.Minute},
	ClassTwoFactor: {Limit: 10, Window: 5 * time.Minute},
	ClassGeneral:   {Limit: 100, Window: time.Minute},
}

// Decision is the outcome of a single admission check. Limit, Remaining and
// ResetAt are always populated so rejected callers can implement backoff.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time

	// Degraded is set when the counter store failed and the request was
	// admitted without counting.
	Degraded bool
}

// CounterStore is the shared counter backend. Incr must create the key with
// the given TTL on first increment; Get must return 0 for a missing key.
type CounterStore interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
}

// Limiter counts requests in a sliding window approximated by weighting the
// previous fixed window against the current one.
type Limiter struct {
	store CounterStore
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
}

// New creates a Limiter. A nil logger disables diagnostics.
func New(store CounterStore, cfg Config, log *zap.Logger) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{store: store, cfg: cfg, log: log, now: time.Now}
}

// WithClock overrides the limiter's clock. Test hook.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) budget(class Class) Budget {
	var b Budget
	switch class {
	case ClassAuth:
		b = l.cfg.Auth
	case ClassTwoFactor:
		b = l.cfg.TwoFactor
	default:
		b = l.cfg.General
	}
	if b.Limit <= 0 || b.Window <= 0 {
		def := defaults[class]
		if def.Limit == 0 {
			def = defaults[ClassGeneral]
		}
		if b.Limit <= 0 {
			b.Limit = def.Limit
		}
		if b.Window <= 0 {
			b.Window = def.Window
		}
	}
	return b
}

// Check counts the request against the identifier+class budget and reports
// whether it is admitted. Every call increments the current window.
func (l *Limiter) Check(ctx context.Context, identifier string, class Class) Decision {
	b := l.budget(class)
	now := l.now()

	window := int64(b.Window / time.Second)
	if window <= 0 {
		window = 1
	}
	bucket := now.Unix() / window
	curKey := bucketKey(class, identifier, bucket)
	prevKey := bucketKey(class, identifier, bucket-1)

	// Current-window keys live for two windows so they can serve as the
	// previous bucket of the next window.
	cur, err := l.store.Incr(ctx, curKey, 2*b.Window)
	if err != nil {
		return l.failOpen(identifier, class, b, now, err)
	}
	prev, err := l.store.Get(ctx, prevKey)
	if err != nil {
		return l.failOpen(identifier, class, b, now, err)
	}

	elapsed := float64(now.Unix()-bucket*window) / float64(window)
	weighted := int64(float64(prev)*(1-elapsed)) + cur

	remaining := b.Limit - int(weighted)
	if remaining < 0 {
		remaining = 0
	}
	resetAt := time.Unix((bucket+1)*window, 0)

	return Decision{
		Allowed:   weighted <= int64(b.Limit),
		Limit:     b.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func (l *Limiter) failOpen(identifier string, class Class, b Budget, now time.Time, err error) Decision {
	l.log.Warn("rate limiter counter store unavailable, admitting request",
		zap.String("class", string(class)),
		zap.String("identifier", identifier),
		zap.Error(err),
	)
	return Decision{
		Allowed:   true,
		Limit:     b.Limit,
		Remaining: b.Limit,
		ResetAt:   now.Add(b.Window),
		Degraded:  true,
	}
}

func bucketKey(class Class, identifier string, bucket int64) string {
	return fmt.Sprintf("rl:%s:%s:%d", class, identifier, bucket)
}
