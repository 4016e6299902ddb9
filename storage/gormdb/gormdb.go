package gormdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kalamuna/oauth2-client/internal/util"
	"github.com/kalamuna/oauth2-client/security"
	"github.com/kalamuna/oauth2-client/storage"
)

const identityLogLength = 8

// TokenModel is the relational shape of a stored token record.
type TokenModel struct {
	Identity     string    `gorm:"primaryKey"`
	AccessToken  string    `gorm:"not null"`
	TokenType    string    ``
	ExpiresIn    int64     ``
	Scope        string    ``
	RefreshToken string    ``
	Expiry       time.Time `gorm:"index"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// TableName keeps the table name stable regardless of GORM pluralization.
func (TokenModel) TableName() string { return "oauth2_tokens" }

// RedirectModel is the relational shape of a pending redirect entry.
type RedirectModel struct {
	State       string    `gorm:"primaryKey"`
	Destination string    `gorm:"not null"`
	ExtraParams string    `gorm:"type:text"` // JSON-encoded map
	Owner       string    `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"not null;index"`
}

func (RedirectModel) TableName() string { return "oauth2_pending_redirects" }

// Store is a GORM-backed implementation of TokenStore and RedirectRegistry.
type Store struct {
	db     *gorm.DB
	dbType string // "postgres" or "sqlite"
	logger *slog.Logger

	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface checks
var (
	_ storage.TokenStore       = (*Store)(nil)
	_ storage.RedirectRegistry = (*Store)(nil)
)

// New opens the database indicated by dsn and migrates the schema.
// An empty dsn is rejected; callers wanting an ephemeral store should use
// the memory backend instead.
func New(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	var (
		db     *gorm.DB
		dbType string
		err    error
	)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
		dbType = "postgres"
	} else {
		db, err = gorm.Open(sqlite.Open(dsn), gormConfig)
		dbType = "sqlite"
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:     db,
		dbType: dbType,
		logger: slog.Default(),
	}

	if err := s.db.AutoMigrate(&TokenModel{}, &RedirectModel{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database schema: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor enables encryption at rest for stored token material.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Token encryption at rest enabled for database storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken upserts the token record for a client identity.
func (s *Store) SaveToken(ctx context.Context, identity string, record *storage.TokenRecord) error {
	if identity == "" {
		return fmt.Errorf("identity cannot be empty")
	}
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}

	stored := record.Clone()
	if err := s.encryptRecord(stored); err != nil {
		return err
	}

	model := &TokenModel{
		Identity:     identity,
		AccessToken:  stored.AccessToken,
		TokenType:    stored.TokenType,
		ExpiresIn:    stored.ExpiresIn,
		Scope:        stored.Scope,
		RefreshToken: stored.RefreshToken,
		Expiry:       stored.Expiry,
	}

	if err := s.db.WithContext(ctx).Save(model).Error; err != nil {
		return fmt.Errorf("failed to save token record: %w", err)
	}

	s.logger.Debug("Saved token record", "identity", util.SafeTruncate(identity, identityLogLength))
	return nil
}

// GetToken retrieves the token record for a client identity.
func (s *Store) GetToken(ctx context.Context, identity string) (*storage.TokenRecord, error) {
	var model TokenModel
	err := s.db.WithContext(ctx).First(&model, "identity = ?", identity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token record: %w", err)
	}

	record := &storage.TokenRecord{
		AccessToken:  model.AccessToken,
		TokenType:    model.TokenType,
		ExpiresIn:    model.ExpiresIn,
		Scope:        model.Scope,
		RefreshToken: model.RefreshToken,
		Expiry:       model.Expiry,
	}

	if !record.Expiry.IsZero() && time.Now().After(record.Expiry) && record.RefreshToken == "" {
		return nil, storage.ErrTokenExpired
	}

	if err := s.decryptRecord(record); err != nil {
		return nil, err
	}
	return record, nil
}

// DeleteToken removes the token record for a client identity.
func (s *Store) DeleteToken(ctx context.Context, identity string) error {
	if err := s.db.WithContext(ctx).Delete(&TokenModel{}, "identity = ?", identity).Error; err != nil {
		return fmt.Errorf("failed to delete token record: %w", err)
	}
	s.logger.Debug("Deleted token record", "identity", util.SafeTruncate(identity, identityLogLength))
	return nil
}

// ============================================================
// RedirectRegistry Implementation
// ============================================================

// SaveRedirect registers a pending redirect under a state token.
func (s *Store) SaveRedirect(ctx context.Context, state string, entry *storage.PendingRedirect) error {
	if state == "" {
		return fmt.Errorf("state cannot be empty")
	}
	if entry == nil {
		return fmt.Errorf("entry cannot be nil")
	}

	extra := ""
	if len(entry.ExtraParams) > 0 {
		data, err := json.Marshal(entry.ExtraParams)
		if err != nil {
			return fmt.Errorf("failed to marshal extra params: %w", err)
		}
		extra = string(data)
	}

	model := &RedirectModel{
		State:       state,
		Destination: entry.Destination,
		ExtraParams: extra,
		Owner:       entry.Owner,
		CreatedAt:   entry.CreatedAt,
		ExpiresAt:   entry.ExpiresAt,
	}

	if err := s.db.WithContext(ctx).Save(model).Error; err != nil {
		return fmt.Errorf("failed to save redirect entry: %w", err)
	}

	s.logger.Debug("Saved pending redirect",
		"state", util.SafeTruncate(state, identityLogLength),
		"owner", entry.Owner)
	return nil
}

// GetRedirect retrieves a pending redirect without consuming it.
func (s *Store) GetRedirect(ctx context.Context, state string) (*storage.PendingRedirect, error) {
	var model RedirectModel
	err := s.db.WithContext(ctx).First(&model, "state = ?", state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrRedirectNotFound
		}
		return nil, fmt.Errorf("failed to get redirect entry: %w", err)
	}

	return modelToRedirect(&model)
}

// ConsumeRedirect atomically retrieves and deletes a pending redirect.
// The delete's affected-row count decides the winner: concurrent resumes of
// one state token see exactly one success.
func (s *Store) ConsumeRedirect(ctx context.Context, state string) (*storage.PendingRedirect, error) {
	var entry *storage.PendingRedirect

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model RedirectModel
		if err := tx.First(&model, "state = ?", state).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return storage.ErrRedirectNotFound
			}
			return err
		}

		result := tx.Delete(&RedirectModel{}, "state = ?", state)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Another transaction consumed it first.
			return storage.ErrRedirectNotFound
		}

		var convErr error
		entry, convErr = modelToRedirect(&model)
		return convErr
	})
	if err != nil {
		if errors.Is(err, storage.ErrRedirectNotFound) || errors.Is(err, storage.ErrRedirectExpired) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to consume redirect entry: %w", err)
	}

	s.logger.Debug("Consumed pending redirect",
		"state", util.SafeTruncate(state, identityLogLength))
	return entry, nil
}

// DeleteRedirect removes a pending redirect without returning it.
func (s *Store) DeleteRedirect(ctx context.Context, state string) error {
	if err := s.db.WithContext(ctx).Delete(&RedirectModel{}, "state = ?", state).Error; err != nil {
		return fmt.Errorf("failed to delete redirect entry: %w", err)
	}
	return nil
}

// CleanupExpired removes expired token records and pending redirects.
// Run it periodically; unlike the Valkey backend there is no native TTL.
// Returns the number of rows removed.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	now := time.Now()
	var total int64

	result := s.db.WithContext(ctx).
		Where("expiry > ? AND expiry < ? AND refresh_token = ?", time.Time{}, now, "").
		Delete(&TokenModel{})
	if result.Error != nil {
		return total, fmt.Errorf("failed to clean up expired tokens: %w", result.Error)
	}
	total += result.RowsAffected

	result = s.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&RedirectModel{})
	if result.Error != nil {
		return total, fmt.Errorf("failed to clean up expired redirects: %w", result.Error)
	}
	total += result.RowsAffected

	if total > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", total)
	}
	return total, nil
}

func modelToRedirect(model *RedirectModel) (*storage.PendingRedirect, error) {
	if !model.ExpiresAt.IsZero() && time.Now().After(model.ExpiresAt) {
		return nil, storage.ErrRedirectExpired
	}

	var extra map[string]string
	if model.ExtraParams != "" {
		if err := json.Unmarshal([]byte(model.ExtraParams), &extra); err != nil {
			return nil, fmt.Errorf("failed to unmarshal extra params: %w", err)
		}
	}

	return &storage.PendingRedirect{
		Destination: model.Destination,
		ExtraParams: extra,
		Owner:       model.Owner,
		CreatedAt:   model.CreatedAt,
		ExpiresAt:   model.ExpiresAt,
	}, nil
}

func (s *Store) encryptRecord(r *storage.TokenRecord) error {
	enc := s.getEncryptor()
	if enc == nil || !enc.IsEnabled() {
		return nil
	}

	if r.AccessToken != "" {
		val, err := enc.Encrypt(r.AccessToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt access token: %w", err)
		}
		r.AccessToken = val
	}
	if r.RefreshToken != "" {
		val, err := enc.Encrypt(r.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		r.RefreshToken = val
	}
	return nil
}

func (s *Store) decryptRecord(r *storage.TokenRecord) error {
	enc := s.getEncryptor()
	if enc == nil || !enc.IsEnabled() {
		return nil
	}

	if r.AccessToken != "" {
		val, err := enc.Decrypt(r.AccessToken)
		if err != nil {
			return fmt.Errorf("failed to decrypt access token: %w", err)
		}
		r.AccessToken = val
	}
	if r.RefreshToken != "" {
		val, err := enc.Decrypt(r.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		r.RefreshToken = val
	}
	return nil
}
