package authkit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/caseflow-hq/authkit/audit"
	"github.com/caseflow-hq/authkit/password"
	"github.com/caseflow-hq/authkit/ratelimit"
	"github.com/caseflow-hq/authkit/token"
)

// Builder assembles an [Engine]. An account provider is required, plus
// either a Redis client or an explicit counter store; everything else has a
// production default.
//
//	engine, err := authkit.New().
//		WithRedis(rdb).
//		WithProvider(store).
//		WithConfig(cfg).
//		Build()
type Builder struct {
	cfg      Config
	redis    redis.UniversalClient
	provider AccountProvider
	sink     audit.Sink
	issuer   SessionIssuer
	log      *zap.Logger
	counters ratelimit.CounterStore
}

// New starts a builder with default configuration.
func New() *Builder {
	return &Builder{}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.cfg = cfg
	return b
}

// WithRedis supplies the client backing login challenges and, unless
// overridden by WithCounterStore, rate limit counters.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithProvider(provider AccountProvider) *Builder {
	b.provider = provider
	return b
}

// WithAuditSink overrides the default zap-backed audit sink.
func (b *Builder) WithAuditSink(sink audit.Sink) *Builder {
	b.sink = sink
	return b
}

// WithSessionIssuer overrides the default JWT session manager. Applications
// with their own session layer plug it in here.
func (b *Builder) WithSessionIssuer(issuer SessionIssuer) *Builder {
	b.issuer = issuer
	return b
}

func (b *Builder) WithLogger(log *zap.Logger) *Builder {
	b.log = log
	return b
}

// WithCounterStore overrides the rate limiter's counter backend, for callers
// that keep counters somewhere other than the challenge Redis.
func (b *Builder) WithCounterStore(store ratelimit.CounterStore) *Builder {
	b.counters = store
	return b
}

// Build validates the configuration and returns a ready engine.
func (b *Builder) Build() (*Engine, error) {
	if b.provider == nil {
		return nil, fmt.Errorf("%w: account provider is required", ErrEngineNotReady)
	}
	if b.redis == nil {
		return nil, fmt.Errorf("%w: redis client is required", ErrEngineNotReady)
	}

	cfg := b.cfg
	cfg.applyDefaults()

	log := b.log
	if log == nil {
		log = zap.NewNop()
	}

	hasher := password.New(cfg.Password)
	dummyHash, err := newDummyHash(hasher)
	if err != nil {
		return nil, err
	}

	counters := b.counters
	if counters == nil {
		counters = ratelimit.NewRedisCounterStore(b.redis)
	}

	sink := b.sink
	if sink == nil {
		sink = audit.NewZapSink(log)
	}

	issuer := b.issuer
	if issuer == nil {
		manager, err := token.NewManager(cfg.SessionTokens)
		if err != nil {
			if errors.Is(err, token.ErrKeyTooShort) {
				return nil, fmt.Errorf("%w: session token signing key missing or too short; set Config.SessionTokens.SigningKey or inject a SessionIssuer", ErrEngineNotReady)
			}
			return nil, err
		}
		issuer = sessionIssuerFunc(func(ctx context.Context, account Account) (string, error) {
			return manager.Issue(ctx, account.ID, account.TenantID)
		})
	}

	return &Engine{
		cfg:       cfg,
		provider:  b.provider,
		issuer:    issuer,
		hasher:    hasher,
		limiter:   ratelimit.New(counters, cfg.RateLimit, log),
		challenge: newChallengeStore(b.redis, cfg.Challenge.RedisPrefix),
		audit:     audit.NewDispatcher(cfg.Audit, sink),
		log:       log,
		dummyHash: dummyHash,
		now:       time.Now,
	}, nil
}

// newDummyHash produces a hash of random material for timing-equalized
// verification against unknown emails.
func newDummyHash(hasher *password.Hasher) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hasher.Hash(hex.EncodeToString(raw))
}
