package sqlstore

import (
	"time"

	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

type clientModel struct {
	ClientID      string   `gorm:"primaryKey;size:64"`
	ClientType    string   `gorm:"size:16;not null"`
	SecretHash    string   `gorm:"size:255"`
	Name          string   `gorm:"size:255"`
	RedirectURIs  []string `gorm:"column:redirect_uris;serializer:json;type:text"`
	AllowedScopes []string `gorm:"column:allowed_scopes;serializer:json;type:text"`
	OwnerUserID   string   `gorm:"size:255;index"`
	IsActive      bool     `gorm:"column:is_active;not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (clientModel) TableName() string {
	return "oauth_clients"
}

func clientToModel(c *storage.Client) *clientModel {
	return &clientModel{
		ClientID:      c.ClientID,
		ClientType:    c.ClientType,
		SecretHash:    c.SecretHash,
		Name:          c.Name,
		RedirectURIs:  c.RedirectURIs,
		AllowedScopes: c.AllowedScopes,
		OwnerUserID:   c.OwnerUserID,
		IsActive:      c.Active,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func (m *clientModel) toClient() *storage.Client {
	return &storage.Client{
		ClientID:      m.ClientID,
		ClientType:    m.ClientType,
		SecretHash:    m.SecretHash,
		Name:          m.Name,
		RedirectURIs:  m.RedirectURIs,
		AllowedScopes: m.AllowedScopes,
		OwnerUserID:   m.OwnerUserID,
		Active:        m.IsActive,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// auditEventModel is append-only: rows are inserted, never updated.
type auditEventModel struct {
	ID         string         `gorm:"primaryKey;size:36"`
	EventType  string         `gorm:"size:64;index;not null"`
	Severity   string         `gorm:"size:16;index;not null"`
	ClientID   string         `gorm:"size:64;index"`
	UserIDHash string         `gorm:"size:32"`
	IPAddress  string         `gorm:"size:64"`
	RequestID  string         `gorm:"size:128"`
	Details    map[string]any `gorm:"serializer:json;type:text"`
	Timestamp  time.Time      `gorm:"column:occurred_at;index;not null"`
}

func (auditEventModel) TableName() string {
	return "audit_events"
}

func eventToModel(e security.Event) *auditEventModel {
	return &auditEventModel{
		ID:         e.ID,
		EventType:  e.Type,
		Severity:   string(e.Severity),
		ClientID:   e.ClientID,
		UserIDHash: e.UserIDHash,
		IPAddress:  e.IPAddress,
		RequestID:  e.RequestID,
		Details:    e.Details,
		Timestamp:  e.Timestamp,
	}
}

func (m *auditEventModel) toEvent() security.Event {
	return security.Event{
		ID:         m.ID,
		Type:       m.EventType,
		Severity:   security.Severity(m.Severity),
		ClientID:   m.ClientID,
		UserIDHash: m.UserIDHash,
		IPAddress:  m.IPAddress,
		RequestID:  m.RequestID,
		Details:    m.Details,
		Timestamp:  m.Timestamp,
	}
}
