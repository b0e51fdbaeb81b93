package security

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) WriteEvent(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func newBufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestAuditor_LogEvent_HashesUserID(t *testing.T) {
	logger, buf := newBufferLogger()
	sink := &recordingSink{}
	a := NewAuditor(logger, true)
	a.AddSink(sink)

	a.LogTokenIssued(context.Background(), "alice@example.com", "oauth2_client_abc12345", "203.0.113.9", "read:profile")

	assert.NotContains(t, buf.String(), "alice@example.com")
	assert.Contains(t, buf.String(), `"event_type":"token_issued"`)

	events := sink.Events()
	require.Len(t, events, 1)
	e := events[0]
	assert.Empty(t, e.UserID)
	assert.Len(t, e.UserIDHash, 16)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, SeverityLow, e.Severity)
	assert.Equal(t, "read:profile", e.Details["scope"])
}

func TestAuditor_SeverityLevels(t *testing.T) {
	logger, buf := newBufferLogger()
	a := NewAuditor(logger, true)

	a.LogEvent(context.Background(), Event{Type: EventTokenReuseDetected})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "critical", rec["severity"])
}

func TestAuditor_ContextFields(t *testing.T) {
	sink := &recordingSink{}
	a := NewAuditor(nil, true)
	a.AddSink(sink)

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = WithClientIP(ctx, "198.51.100.7")
	a.LogAuthFailure(ctx, "client-1", "", "bad secret")

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "req-123", events[0].RequestID)
	assert.Equal(t, "198.51.100.7", events[0].IPAddress)
	assert.Equal(t, SeverityMedium, events[0].Severity)
}

func TestAuditor_Disabled(t *testing.T) {
	sink := &recordingSink{}
	a := NewAuditor(nil, false)
	a.AddSink(sink)

	a.LogEvent(context.Background(), Event{Type: EventAuthFailure})
	assert.Empty(t, sink.Events())

	var nilAuditor *Auditor
	nilAuditor.LogEvent(context.Background(), Event{Type: EventAuthFailure})
}

func TestAuditor_SinkFailureIsLogged(t *testing.T) {
	logger, buf := newBufferLogger()
	a := NewAuditor(logger, true)
	a.AddSink(&recordingSink{err: errors.New("broker down")})

	a.LogEvent(context.Background(), Event{Type: EventClientRegistered})

	assert.True(t, strings.Contains(buf.String(), "broker down"))
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, SeverityHigh, SeverityFor(EventMaliciousInput))
	assert.Equal(t, SeverityHigh, SeverityFor(EventSuspiciousRedirectURI))
	assert.Equal(t, SeverityCritical, SeverityFor(EventServerError))
	assert.Equal(t, SeverityLow, SeverityFor("something_else"))
}
