package server

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// Guard bundles the security checks every flow runs.
type Guard struct {
	Input     *security.InputValidator
	Redirects *security.RedirectValidator
	States    *security.StateManager
	Limiter   *security.SlidingWindowLimiter
	Abuse     *security.AbuseDetector
	Auditor   *security.Auditor

	logger *slog.Logger
}

// NewGuard creates the security checks over kv. auditor may be nil.
func NewGuard(kv storage.KV, cfg Config, auditor *security.Auditor) *Guard {
	cfg = cfg.withDefaults()
	return &Guard{
		Input:     security.NewInputValidator(auditor),
		Redirects: security.NewRedirectValidator(auditor),
		States:    security.NewStateManager(kv, cfg.ConsentStateTTL, auditor),
		Limiter:   security.NewSlidingWindowLimiter(kv, cfg.RateLimits, auditor),
		Abuse:     security.NewAbuseDetector(kv, cfg.AbuseThresholds, cfg.AbuseWindow, auditor),
		Auditor:   auditor,
		logger:    cfg.Logger,
	}
}

// SetInstrumentation enables metrics on every check
func (g *Guard) SetInstrumentation(inst *instrumentation.Instrumentation) {
	g.Input.SetInstrumentation(inst)
	g.Limiter.SetInstrumentation(inst)
	g.Abuse.SetInstrumentation(inst)
}

// allow enforces the per-client rate limit of endpoint
func (g *Guard) allow(ctx context.Context, endpoint, clientID string) *Error {
	d, err := g.Limiter.Allow(ctx, endpoint, clientID)
	if err != nil {
		return AsError(fmt.Errorf("rate limit check failed: %w", err))
	}
	if d.Allowed {
		return nil
	}
	e := ErrRateLimitExceeded("too many requests, retry later").AsSecurityEvent(security.SeverityMedium)
	e.RetryAfter = int(math.Ceil(d.RetryAfter.Seconds()))
	return e
}

// blocked rejects sources that crossed an abuse threshold
func (g *Guard) blocked(ctx context.Context, clientID string) *Error {
	ip := security.ClientIPFromContext(ctx)
	blocked, err := g.Abuse.Blocked(ctx, clientID, ip)
	if err != nil {
		return AsError(fmt.Errorf("abuse check failed: %w", err))
	}
	if blocked {
		return ErrRateLimitExceeded("abuse_detected").AsSecurityEvent(security.SeverityHigh)
	}
	return nil
}

// record counts an abuse event. Counting failures are logged only.
func (g *Guard) record(ctx context.Context, event security.AbuseEvent, clientID string) {
	ip := security.ClientIPFromContext(ctx)
	if _, err := g.Abuse.Record(ctx, event, clientID, ip); err != nil {
		g.logger.Warn("Failed to record abuse event", "event", string(event), "error", err)
	}
}
