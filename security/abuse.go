package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

// AbuseEvent names a behavior counted by the AbuseDetector.
type AbuseEvent string

const (
	AbuseFailedAuth      AbuseEvent = "failed_auth"
	AbuseInvalidGrant    AbuseEvent = "invalid_grant"
	AbuseMaliciousInput  AbuseEvent = "malicious_input"
	AbuseInvalidRedirect AbuseEvent = "invalid_redirect"
)

// DefaultAbuseThresholds are the hourly counts above which a source is blocked.
func DefaultAbuseThresholds() map[AbuseEvent]int {
	return map[AbuseEvent]int{
		AbuseFailedAuth:      10,
		AbuseInvalidGrant:    20,
		AbuseMaliciousInput:  5,
		AbuseInvalidRedirect: 10,
	}
}

const defaultAbuseWindow = time.Hour

// AbuseDetector counts suspicious events per client_id and per client IP.
// Crossing a threshold blocks that client_id or IP for the rest of the window,
// independently of the request rate limit.
type AbuseDetector struct {
	kv         storage.KV
	thresholds map[AbuseEvent]int
	window     time.Duration
	auditor    *Auditor

	instrumentation *instrumentation.Instrumentation
}

// NewAbuseDetector creates a detector. A nil thresholds map uses
// DefaultAbuseThresholds; window <= 0 means one hour.
func NewAbuseDetector(kv storage.KV, thresholds map[AbuseEvent]int, window time.Duration, auditor *Auditor) *AbuseDetector {
	if thresholds == nil {
		thresholds = DefaultAbuseThresholds()
	}
	if window <= 0 {
		window = defaultAbuseWindow
	}
	return &AbuseDetector{
		kv:         kv,
		thresholds: thresholds,
		window:     window,
		auditor:    auditor,
	}
}

// SetInstrumentation enables abuse metrics
func (d *AbuseDetector) SetInstrumentation(inst *instrumentation.Instrumentation) {
	d.instrumentation = inst
}

// Record counts one occurrence of event for clientID and ip (either may be
// empty) and reports whether a threshold is now exceeded.
func (d *AbuseDetector) Record(ctx context.Context, event AbuseEvent, clientID, ip string) (bool, error) {
	threshold, ok := d.thresholds[event]
	if !ok || threshold <= 0 {
		return false, nil
	}

	abused := false
	for _, src := range sources(clientID, ip) {
		count, err := d.kv.Incr(ctx, "abuse:"+string(event)+":"+src, d.window)
		if err != nil {
			return false, fmt.Errorf("failed to count abuse event: %w", err)
		}
		if count <= int64(threshold) {
			continue
		}
		abused = true

		if err := d.kv.Set(ctx, "abuse_block:"+src, []byte(event), d.window); err != nil {
			return true, fmt.Errorf("failed to store abuse block: %w", err)
		}

		// report the crossing once, not every event after it
		if count == int64(threshold)+1 {
			if d.instrumentation != nil {
				d.instrumentation.Metrics().RecordAbuseDetected(ctx, string(event))
			}
			d.auditor.LogEvent(ctx, Event{
				Type:      EventAbuseDetected,
				ClientID:  clientID,
				IPAddress: ip,
				Details: map[string]any{
					"abuse_event": string(event),
					"source":      src,
					"count":       count,
					"threshold":   threshold,
				},
			})
		}
	}
	return abused, nil
}

// Blocked reports whether clientID or ip is currently blocked.
func (d *AbuseDetector) Blocked(ctx context.Context, clientID, ip string) (bool, error) {
	for _, src := range sources(clientID, ip) {
		_, err := d.kv.Get(ctx, "abuse_block:"+src)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return false, fmt.Errorf("failed to check abuse block: %w", err)
		}
	}
	return false, nil
}

func sources(clientID, ip string) []string {
	srcs := make([]string, 0, 2)
	if clientID != "" {
		srcs = append(srcs, "client:"+util.SafeTruncate(clientID, 64))
	}
	if ip != "" {
		srcs = append(srcs, "ip:"+util.SafeTruncate(ip, 64))
	}
	return srcs
}
