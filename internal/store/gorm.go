package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// gormStore is the Postgres-backed Store implementation.
type gormStore struct {
	db *gorm.DB
}

// Open connects to dsn and returns a Store backed by Postgres via GORM.
func Open(dsn string) (Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return &gormStore{db: db}, nil
}

// NewFromDB wraps an already-open GORM handle, used by tests and by callers
// that manage the connection lifecycle themselves.
func NewFromDB(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// Migrate creates or updates the schema for all entities.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Provider{}, &Model{}, &APIKey{}, &OAuthAccount{}, &UsageLog{})
}

func (s *gormStore) ActiveProviders(ctx context.Context) ([]Provider, error) {
	var rows []Provider
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&rows).Error
	return rows, err
}

func (s *gormStore) ActiveModels(ctx context.Context) ([]Model, error) {
	var rows []Model
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&rows).Error
	return rows, err
}

func (s *gormStore) ResolveModelChain(ctx context.Context, publicName string) ([]ModelWithProvider, error) {
	var rows []Model
	err := s.db.WithContext(ctx).
		Joins("JOIN providers ON providers.id = models.provider_id AND providers.is_active = true").
		Where("models.public_name = ? AND models.is_active = ?", publicName, true).
		Order("models.priority ASC, models.created_at ASC").
		Limit(5).
		Preload("Provider").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	chain := make([]ModelWithProvider, 0, len(rows))
	for _, m := range rows {
		if m.Provider == nil {
			continue
		}
		chain = append(chain, ModelWithProvider{Model: m, Provider: *m.Provider})
	}
	return chain, nil
}

func (s *gormStore) ActiveOAuthAccounts(ctx context.Context, providerID uuid.UUID) ([]OAuthAccount, error) {
	var rows []OAuthAccount
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND is_active = ?", providerID, true).
		Order("last_used_at ASC").
		Find(&rows).Error
	return rows, err
}

func (s *gormStore) UpdateOAuthTokens(ctx context.Context, accountID uuid.UUID, encryptedAccess, encryptedRefresh string, expiresAt time.Time) error {
	return s.db.WithContext(ctx).Model(&OAuthAccount{}).
		Where("id = ?", accountID).
		Updates(map[string]any{
			"encrypted_access_token":  encryptedAccess,
			"encrypted_refresh_token": encryptedRefresh,
			"expires_at":              expiresAt,
		}).Error
}

func (s *gormStore) TouchOAuthAccount(ctx context.Context, accountID uuid.UUID, at time.Time) error {
	return s.db.WithContext(ctx).Model(&OAuthAccount{}).
		Where("id = ?", accountID).
		Update("last_used_at", at).Error
}

func (s *gormStore) UpdateOAuthHealth(ctx context.Context, accountID uuid.UUID, score int) error {
	return s.db.WithContext(ctx).Model(&OAuthAccount{}).
		Where("id = ?", accountID).
		Update("health_score", score).Error
}

func (s *gormStore) FindAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	var row APIKey
	err := s.db.WithContext(ctx).Where("key_hash = ?", keyHash).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *gormStore) InsertUsageLog(ctx context.Context, log *UsageLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(log).Error
}
