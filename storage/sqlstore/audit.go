package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oauth2-server/security"
)

const defaultAuditPageSize = 100

// WriteEvent implements security.EventSink
func (s *Store) WriteEvent(ctx context.Context, event security.Event) error {
	if err := s.db.WithContext(ctx).Create(eventToModel(event)).Error; err != nil {
		return fmt.Errorf("failed to persist audit event: %w", err)
	}
	return nil
}

// AuditFilter narrows ListEvents. Zero fields match everything.
type AuditFilter struct {
	EventType string
	ClientID  string
	Severity  security.Severity
	Since     time.Time
	Limit     int
}

// ListEvents returns audit events newest first.
func (s *Store) ListEvents(ctx context.Context, f AuditFilter) ([]security.Event, error) {
	q := s.db.WithContext(ctx).Model(&auditEventModel{}).Order("occurred_at DESC")
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	if f.ClientID != "" {
		q = q.Where("client_id = ?", f.ClientID)
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", string(f.Severity))
	}
	if !f.Since.IsZero() {
		q = q.Where("occurred_at >= ?", f.Since.UTC())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultAuditPageSize
	}

	var rows []auditEventModel
	if err := q.Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}

	events := make([]security.Event, 0, len(rows))
	for i := range rows {
		events = append(events, rows[i].toEvent())
	}
	return events, nil
}
