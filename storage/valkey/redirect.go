package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalamuna/oauth2-client/internal/util"
	"github.com/kalamuna/oauth2-client/storage"
)

// ============================================================
// RedirectRegistry Implementation
// ============================================================

// serializableRedirect is the JSON wire shape of a pending redirect entry.
type serializableRedirect struct {
	Destination string            `json:"destination"`
	ExtraParams map[string]string `json:"extra_params,omitempty"`
	Owner       string            `json:"owner"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// SaveRedirect registers a pending redirect under a state token. The key's
// native TTL matches the entry's expiry, so Valkey removes unconsumed
// entries without a cleanup pass.
func (s *Store) SaveRedirect(ctx context.Context, state string, entry *storage.PendingRedirect) error {
	if state == "" {
		return fmt.Errorf("state cannot be empty")
	}
	if entry == nil {
		return fmt.Errorf("entry cannot be nil")
	}
	if err := validateStringLength(state, MaxIDLength, "state"); err != nil {
		return err
	}

	data, err := json.Marshal(serializableRedirect{
		Destination: entry.Destination,
		ExtraParams: entry.ExtraParams,
		Owner:       entry.Owner,
		CreatedAt:   entry.CreatedAt,
		ExpiresAt:   entry.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal redirect entry: %w", err)
	}
	if len(data) > MaxRecordDataSize {
		return errInputTooLarge
	}

	key := s.redirectKey(state)

	var execErr error
	if !entry.ExpiresAt.IsZero() {
		ttl := calculateTTL(entry.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("redirect entry already expired")
		}
		execErr = s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error()
	} else {
		execErr = s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error()
	}
	if execErr != nil {
		return fmt.Errorf("failed to save redirect entry: %w", execErr)
	}

	s.logger.Debug("Saved pending redirect",
		"state", util.SafeTruncate(state, identityLogLength),
		"owner", entry.Owner)
	return nil
}

// GetRedirect retrieves a pending redirect without consuming it.
func (s *Store) GetRedirect(ctx context.Context, state string) (*storage.PendingRedirect, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.redirectKey(state)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrRedirectNotFound
		}
		return nil, fmt.Errorf("failed to get redirect entry: %w", err)
	}

	return parseRedirect(data)
}

// ConsumeRedirect atomically retrieves and deletes a pending redirect via a
// Lua script. Only one concurrent caller can succeed for a given state; the
// rest see ErrRedirectNotFound.
func (s *Store) ConsumeRedirect(ctx context.Context, state string) (*storage.PendingRedirect, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicGetAndDeleteRedirect).
			Numkeys(1).
			Key(s.redirectKey(state)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic redirect consume: %w", err)
	}

	if result == "NOT_FOUND" {
		return nil, fmt.Errorf("%w: state unknown or already used", storage.ErrRedirectNotFound)
	}

	entry, err := parseRedirect(result)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Consumed pending redirect",
		"state", util.SafeTruncate(state, identityLogLength))
	return entry, nil
}

// DeleteRedirect removes a pending redirect without returning it.
func (s *Store) DeleteRedirect(ctx context.Context, state string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.redirectKey(state)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete redirect entry: %w", err)
	}
	return nil
}

// parseRedirect unmarshals a stored entry and applies the expiry check.
// The native TTL normally removes expired entries first; this covers the gap
// between expiry and eviction.
func parseRedirect(data string) (*storage.PendingRedirect, error) {
	var sr serializableRedirect
	if err := json.Unmarshal([]byte(data), &sr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal redirect entry: %w", err)
	}

	if !sr.ExpiresAt.IsZero() && time.Now().After(sr.ExpiresAt) {
		return nil, storage.ErrRedirectExpired
	}

	return &storage.PendingRedirect{
		Destination: sr.Destination,
		ExtraParams: sr.ExtraParams,
		Owner:       sr.Owner,
		CreatedAt:   sr.CreatedAt,
		ExpiresAt:   sr.ExpiresAt,
	}, nil
}
