package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// Store is a gorm-backed storage.ClientStore and security.EventSink.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

var (
	_ storage.ClientStore = (*Store)(nil)
	_ security.EventSink  = (*Store)(nil)
)

// New opens the database and migrates the schema.
func New(driver, dsn string, log *slog.Logger) (*Store, error) {
	dialector, err := GetDialector(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite" {
		// SQLite allows a single writer
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access database handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return NewFromDB(db, log)
}

// NewFromDB wraps an existing connection and migrates the schema.
func NewFromDB(db *gorm.DB, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&clientModel{}, &auditEventModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db, logger: log}, nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============================================================
// Clients
// ============================================================

// CreateClient implements storage.ClientStore
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(clientToModel(client))
	if res.Error != nil {
		return fmt.Errorf("failed to create client: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrClientExists
	}
	return nil
}

// GetClient implements storage.ClientStore
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var m clientModel
	err := s.db.WithContext(ctx).Where("client_id = ?", clientID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return m.toClient(), nil
}

// UpdateClient implements storage.ClientStore. The owner cannot change.
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing clientModel
		err := tx.Where("client_id = ?", client.ClientID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.ErrClientNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load client: %w", err)
		}
		if existing.OwnerUserID != client.OwnerUserID {
			return fmt.Errorf("client owner cannot be changed")
		}

		// Save writes zero values too, so deactivation persists
		if err := tx.Save(clientToModel(client)).Error; err != nil {
			return fmt.Errorf("failed to update client: %w", err)
		}
		return nil
	})
}

// ListClients implements storage.ClientStore
func (s *Store) ListClients(ctx context.Context, ownerUserID string) ([]*storage.Client, error) {
	q := s.db.WithContext(ctx).Order("client_id")
	if ownerUserID != "" {
		q = q.Where("owner_user_id = ?", ownerUserID)
	}

	var models []clientModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	clients := make([]*storage.Client, 0, len(models))
	for i := range models {
		clients = append(clients, models[i].toClient())
	}
	return clients, nil
}
