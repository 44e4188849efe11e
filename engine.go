package authkit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caseflow-hq/authkit/audit"
	"github.com/caseflow-hq/authkit/password"
	"github.com/caseflow-hq/authkit/ratelimit"
)

// Engine is the credential verification core. It owns the password check,
// the two-step second-factor login flow, TOTP enrollment lifecycle, backup
// code management, per-class rate limiting, and audit emission. Construct it
// with [Builder]; the zero value is not usable.
type Engine struct {
	cfg       Config
	provider  AccountProvider
	issuer    SessionIssuer
	hasher    *password.Hasher
	limiter   *ratelimit.Limiter
	challenge *challengeStore
	audit     *audit.Dispatcher
	log       *zap.Logger

	// dummyHash is verified against for unknown emails so the response
	// latency does not reveal account existence.
	dummyHash string

	now func() time.Time
}

// Close flushes the audit dispatcher. Call it on shutdown; buffered events
// are delivered before it returns.
func (e *Engine) Close() {
	e.audit.Close()
}

// AuditDropped reports how many audit events were discarded under load.
func (e *Engine) AuditDropped() uint64 {
	return e.audit.Dropped()
}

func (e *Engine) emit(ctx context.Context, kind audit.Kind, subjectID, tenantID string, metadata map[string]string) {
	e.audit.Emit(ctx, audit.Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		SubjectID: subjectID,
		TenantID:  tenantID,
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Metadata:  metadata,
		At:        e.now(),
	})
}

// checkLimit runs an admission check and converts a denial into the audited
// *RateLimitError. A degraded (fail-open) decision admits silently apart from
// the limiter's own diagnostic.
func (e *Engine) checkLimit(ctx context.Context, identifier string, class ratelimit.Class, subjectID, tenantID string) error {
	decision := e.limiter.Check(ctx, identifier, class)
	if decision.Allowed {
		return nil
	}

	e.emit(ctx, audit.KindRateLimitExceeded, subjectID, tenantID, map[string]string{
		"class":      string(class),
		"identifier": identifier,
	})
	return &RateLimitError{
		Limit:     decision.Limit,
		Remaining: decision.Remaining,
		ResetAt:   decision.ResetAt,
	}
}
