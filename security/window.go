package security

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

// Endpoints with a default sliding-window limit
const (
	EndpointAuthorize = "/authorize"
	EndpointToken     = "/token"
)

// Limit is a request budget per window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// DefaultLimits returns the per-client limits applied when none are configured.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		EndpointAuthorize: {Requests: 100, Window: 5 * time.Minute},
		EndpointToken:     {Requests: 200, Window: 5 * time.Minute},
	}
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// SlidingWindowLimiter limits requests per (endpoint, client_id).
//
// Every allowed request is kept in a time-ordered log in the KV store, so
// the count covers exactly the last Window: request Requests+1 inside any
// Window is rejected, and a burst stops counting once it is Window old.
// Rejected requests are not recorded. State lives in the KV store so
// replicas share budgets.
type SlidingWindowLimiter struct {
	kv      storage.KV
	limits  map[string]Limit
	auditor *Auditor
	now     func() time.Time

	instrumentation *instrumentation.Instrumentation
}

// NewSlidingWindowLimiter creates a limiter. A nil limits map uses DefaultLimits.
func NewSlidingWindowLimiter(kv storage.KV, limits map[string]Limit, auditor *Auditor) *SlidingWindowLimiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &SlidingWindowLimiter{
		kv:      kv,
		limits:  limits,
		auditor: auditor,
		now:     time.Now,
	}
}

// SetInstrumentation enables rate limit metrics
func (l *SlidingWindowLimiter) SetInstrumentation(inst *instrumentation.Instrumentation) {
	l.instrumentation = inst
}

// Allow counts one request and reports whether it fits the budget.
// Endpoints without a configured limit are always allowed.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, endpoint, clientID string) (Decision, error) {
	limit, ok := l.limits[endpoint]
	if !ok || limit.Requests <= 0 || limit.Window <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := l.now()
	key := "ratelimit:" + endpoint + ":" + util.SafeTruncate(clientID, 64)
	wc, err := l.kv.WindowAdd(ctx, key, uuid.NewString(), now, limit.Window, limit.Requests)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to count request: %w", err)
	}

	d := Decision{
		Allowed:   wc.Added,
		Limit:     limit.Requests,
		Remaining: max(limit.Requests-wc.Count, 0),
	}
	if d.Allowed {
		return d, nil
	}

	d.RetryAfter = wc.Oldest.Add(limit.Window).Sub(now)
	if d.RetryAfter < time.Second {
		d.RetryAfter = time.Second
	}

	if l.instrumentation != nil {
		l.instrumentation.Metrics().RecordRateLimitExceeded(ctx, endpoint)
	}
	l.auditor.LogRateLimitExceeded(ctx, endpoint, clientID, "")
	return d, nil
}
