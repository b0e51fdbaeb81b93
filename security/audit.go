package security

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
)

// Severity classifies security events for downstream alerting
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event is an append-only security audit record.
// UserID is replaced by UserIDHash before the event leaves the Auditor.
type Event struct {
	ID         string
	Type       string
	Severity   Severity
	ClientID   string
	UserID     string
	UserIDHash string
	IPAddress  string
	RequestID  string
	Details    map[string]any
	Timestamp  time.Time
}

// EventSink receives audit events after they are logged, e.g. a database
// table or a message broker. Sink failures are logged and never fail the
// request that produced the event.
type EventSink interface {
	WriteEvent(ctx context.Context, event Event) error
}

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool

	mu    sync.RWMutex
	sinks []EventSink

	instrumentation *instrumentation.Instrumentation
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// AddSink registers an additional destination for audit events
func (a *Auditor) AddSink(sink EventSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sinks = append(a.sinks, sink)
}

// SetInstrumentation enables audit event metrics
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.instrumentation = inst
}

// LogEvent records a security event. Severity defaults per event type;
// the user ID is hashed and the raw value dropped.
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if a == nil || !a.enabled {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityFor(event.Type)
	}
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}
	if event.IPAddress == "" {
		event.IPAddress = ClientIPFromContext(ctx)
	}
	event.UserIDHash = util.HashForLogging(event.UserID)
	event.UserID = ""

	level := slog.LevelInfo
	switch event.Severity {
	case SeverityMedium, SeverityHigh:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}

	a.logger.Log(ctx, level, "security_audit",
		"event_id", event.ID,
		"event_type", event.Type,
		"severity", string(event.Severity),
		"user_id_hash", event.UserIDHash,
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"request_id", event.RequestID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)

	a.mu.RLock()
	sinks := a.sinks
	inst := a.instrumentation
	a.mu.RUnlock()

	if inst != nil {
		inst.Metrics().RecordAuditEvent(ctx, event.Type, string(event.Severity))
	}

	for _, sink := range sinks {
		if err := sink.WriteEvent(ctx, event); err != nil {
			a.logger.Warn("Failed to deliver audit event to sink",
				"event_id", event.ID,
				"event_type", event.Type,
				"error", err)
		}
	}
}

// SeverityFor returns the default severity of an event type
func SeverityFor(eventType string) Severity {
	if s, ok := defaultSeverity[eventType]; ok {
		return s
	}
	return SeverityLow
}

// LogTokenIssued logs when a token pair is issued
func (a *Auditor) LogTokenIssued(ctx context.Context, userID, clientID, ipAddress, scope string) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"scope": scope},
	})
}

// LogTokenRefreshed logs a refresh token rotation
func (a *Auditor) LogTokenRefreshed(ctx context.Context, userID, clientID, ipAddress, familyID string) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenRefreshed,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"family_id": familyID},
	})
}

// LogAuthFailure logs a client authentication failure
func (a *Auditor) LogAuthFailure(ctx context.Context, clientID, ipAddress, reason string) {
	a.LogEvent(ctx, Event{
		Type:      EventAuthFailure,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, endpoint, clientID, ipAddress string) {
	a.LogEvent(ctx, Event{
		Type:      EventRateLimitExceeded,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"endpoint": endpoint},
	})
}

// LogClientRegistered logs a new client registration
func (a *Auditor) LogClientRegistered(ctx context.Context, clientID, clientType, ownerUserID string) {
	a.LogEvent(ctx, Event{
		Type:     EventClientRegistered,
		ClientID: clientID,
		UserID:   ownerUserID,
		Details:  map[string]any{"client_type": clientType},
	})
}
