// Package audit is the append-only security event log for the credential
// verification core. Events are dispatched asynchronously and best-effort:
// a full buffer or failing sink never blocks or aborts the authenticating
// request, but dropped events are counted for operational monitoring.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind names a security-relevant event class.
type Kind string

const (
	KindLogin                  Kind = "LOGIN"
	KindLoginFailed            Kind = "LOGIN_FAILED"
	KindTwoFactorEnabled       Kind = "TWO_FACTOR_ENABLED"
	KindTwoFactorDisabled      Kind = "TWO_FACTOR_DISABLED"
	KindBackupCodeUsed         Kind = "BACKUP_CODE_USED"
	KindBackupCodesRegenerated Kind = "BACKUP_CODES_REGENERATED"
	KindRateLimitExceeded      Kind = "RATE_LIMIT_EXCEEDED"
	KindValidationFailed       Kind = "VALIDATION_FAILED"
)

// SubjectUnknown is the subject id recorded when the account could not be
// resolved (for example, a login attempt against an unknown email).
const SubjectUnknown = "unknown"

// Event is one immutable audit record. Metadata carries the precise internal
// reason for a rejection and must never contain secrets, plaintext passwords,
// or plaintext backup codes.
type Event struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	SubjectID string            `json:"subject_id"`
	TenantID  string            `json:"tenant_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	At        time.Time         `json:"at"`
}

// Sink receives dispatched events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink discards all events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink delivers events into a buffered channel. Used by tests and by
// callers that forward events to their own pipeline.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan Event, buffer)}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

// ZapSink records events on a structured logger.
type ZapSink struct {
	log *zap.Logger
}

func NewZapSink(log *zap.Logger) *ZapSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapSink{log: log}
}

func (s *ZapSink) Emit(_ context.Context, event Event) {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("kind", string(event.Kind)),
		zap.String("subject_id", event.SubjectID),
		zap.Time("at", event.At),
	}
	if event.TenantID != "" {
		fields = append(fields, zap.String("tenant_id", event.TenantID))
	}
	if event.IP != "" {
		fields = append(fields, zap.String("ip", event.IP))
	}
	if event.UserAgent != "" {
		fields = append(fields, zap.String("user_agent", event.UserAgent))
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}
	s.log.Info("security event", fields...)
}
