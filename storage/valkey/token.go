package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalamuna/oauth2-client/internal/util"
	"github.com/kalamuna/oauth2-client/storage"
)

// identityLogLength is the number of characters of a client identity
// included when logging.
const identityLogLength = 8

// ============================================================
// TokenStore Implementation
// ============================================================

// serializableRecord is the JSON wire shape of a stored token record.
type serializableRecord struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresIn    int64     `json:"expires_in,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// SaveToken stores a token record for a client identity with optional
// encryption at rest. Records without a refresh token get a native TTL
// matching their expiry; refreshable records persist so the refresh grant
// can still run after the access token lapses.
func (s *Store) SaveToken(ctx context.Context, identity string, record *storage.TokenRecord) error {
	if identity == "" {
		return fmt.Errorf("identity cannot be empty")
	}
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if err := validateStringLength(identity, MaxIDLength, "identity"); err != nil {
		return err
	}

	stored := record.Clone()
	if err := s.encryptRecord(stored); err != nil {
		return err
	}

	data, err := json.Marshal(serializableRecord{
		AccessToken:  stored.AccessToken,
		TokenType:    stored.TokenType,
		ExpiresIn:    stored.ExpiresIn,
		Scope:        stored.Scope,
		RefreshToken: stored.RefreshToken,
		Expiry:       stored.Expiry,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}
	if len(data) > MaxRecordDataSize {
		return errInputTooLarge
	}

	key := s.tokenKey(identity)

	var execErr error
	if !record.Expiry.IsZero() && record.RefreshToken == "" {
		ttl := calculateTTL(record.Expiry)
		if ttl <= 0 {
			return fmt.Errorf("token already expired")
		}
		execErr = s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error()
	} else {
		execErr = s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error()
	}
	if execErr != nil {
		return fmt.Errorf("failed to save token record: %w", execErr)
	}

	s.logger.Debug("Saved token record", "identity", util.SafeTruncate(identity, identityLogLength))
	return nil
}

// GetToken retrieves the token record for a client identity and decrypts if
// necessary.
func (s *Store) GetToken(ctx context.Context, identity string) (*storage.TokenRecord, error) {
	key := s.tokenKey(identity)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token record: %w", err)
	}

	var sr serializableRecord
	if err := json.Unmarshal([]byte(data), &sr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token record: %w", err)
	}

	record := &storage.TokenRecord{
		AccessToken:  sr.AccessToken,
		TokenType:    sr.TokenType,
		ExpiresIn:    sr.ExpiresIn,
		Scope:        sr.Scope,
		RefreshToken: sr.RefreshToken,
		Expiry:       sr.Expiry,
	}

	// Expired with no refresh token to recover: unusable. The native TTL
	// normally removes these first; this covers the gap.
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
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.tokenKey(identity)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete token record: %w", err)
	}

	s.logger.Debug("Deleted token record", "identity", util.SafeTruncate(identity, identityLogLength))
	return nil
}

// encryptRecord encrypts token material in place when an encryptor is set.
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

// decryptRecord decrypts token material in place when an encryptor is set.
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
