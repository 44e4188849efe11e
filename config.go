package authkit

import (
	"time"

	"github.com/caseflow-hq/authkit/audit"
	"github.com/caseflow-hq/authkit/password"
	"github.com/caseflow-hq/authkit/ratelimit"
	"github.com/caseflow-hq/authkit/token"
)

// Config tunes the engine. Zero values fall back to the defaults applied by
// [Builder.Build]; a default-constructed Config is production-usable except
// for the session token signing key.
type Config struct {
	// Issuer is the label shown in authenticator apps and recorded as the
	// otpauth issuer.
	Issuer string

	Challenge     ChallengeConfig
	RateLimit     ratelimit.Config
	Password      password.Config
	Audit         audit.Config
	SessionTokens token.Config
}

// ChallengeConfig bounds the ephemeral login challenge bridging the password
// step and the second-factor step.
type ChallengeConfig struct {
	// TTL is the challenge lifetime. Defaults to 5m. The Redis record
	// carries the same expiry so abandoned challenges do not accumulate.
	TTL time.Duration
	// MaxAttempts destroys the challenge ahead of its TTL once exceeded,
	// forcing a restart from the password step. Defaults to 5.
	MaxAttempts int
	// RedisPrefix namespaces challenge keys. Defaults to "lc".
	RedisPrefix string
}

const (
	defaultIssuer               = "Caseflow"
	defaultChallengeTTL         = 5 * time.Minute
	defaultChallengeMaxAttempts = 5
	defaultChallengePrefix      = "lc"
)

func (c *Config) applyDefaults() {
	if c.Issuer == "" {
		c.Issuer = defaultIssuer
	}
	if c.Challenge.TTL <= 0 {
		c.Challenge.TTL = defaultChallengeTTL
	}
	if c.Challenge.MaxAttempts <= 0 {
		c.Challenge.MaxAttempts = defaultChallengeMaxAttempts
	}
	if c.Challenge.RedisPrefix == "" {
		c.Challenge.RedisPrefix = defaultChallengePrefix
	}
}
