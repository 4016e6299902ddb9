package storage

import (
	"context"
	"time"
)

// Owner tags for PendingRedirect entries. The registry key space may be shared
// with other consumers of the same callback endpoint; the engine must only
// ever consume entries it registered itself.
const (
	// OwnerSelf marks entries registered by this engine.
	OwnerSelf = "self"

	// OwnerExternal marks entries registered by an unrelated consumer sharing
	// the same correlation namespace. The engine forwards these untouched.
	OwnerExternal = "external"
)

// TokenStore defines the interface for storing and retrieving token records.
// This allows using in-memory, Valkey, database, or other storage backends.
// All methods accept context.Context for tracing and cancellation.
//
// The engine requires read-your-writes within a logical session and
// last-writer-wins on concurrent saves for the same identity. Implementations
// needing stronger guarantees should serialize at the store boundary; the
// engine itself contains no locking.
type TokenStore interface {
	// SaveToken saves the record for a client identity, replacing any
	// previous record wholesale.
	SaveToken(ctx context.Context, identity string, record *TokenRecord) error

	// GetToken retrieves the record for a client identity.
	// Returns ErrTokenNotFound if no record exists, or ErrTokenExpired if the
	// record is past its expiry and carries no refresh token.
	GetToken(ctx context.Context, identity string) (*TokenRecord, error)

	// DeleteToken removes the record for a client identity.
	DeleteToken(ctx context.Context, identity string) error
}

// RedirectRegistry defines the interface for managing pending authorization-code
// correlations. Entries are keyed by the opaque state token round-tripped
// through the authorization server, and are the only mechanism that ties a
// later callback request back to the call site that initiated the flow.
// All methods accept context.Context for tracing and cancellation.
type RedirectRegistry interface {
	// SaveRedirect registers a pending redirect under the given state token.
	SaveRedirect(ctx context.Context, state string, entry *PendingRedirect) error

	// GetRedirect retrieves a pending redirect without consuming it.
	// Returns ErrRedirectNotFound for unknown state, or ErrRedirectExpired
	// for entries past their TTL.
	GetRedirect(ctx context.Context, state string) (*PendingRedirect, error)

	// ConsumeRedirect atomically retrieves and deletes a pending redirect.
	// Only one concurrent caller can succeed for a given state; all others
	// receive ErrRedirectNotFound. This is what makes state tokens single-use.
	ConsumeRedirect(ctx context.Context, state string) (*PendingRedirect, error)

	// DeleteRedirect removes a pending redirect (used when a flow is
	// explicitly abandoned).
	DeleteRedirect(ctx context.Context, state string) error
}

// TokenRecord is the cached access/refresh token pair plus the metadata needed
// to decide reuse vs renewal. At most one live record exists per client
// identity; a new exchange fully supersedes the old record.
type TokenRecord struct {
	// AccessToken is the bearer token presented to protected resources.
	AccessToken string

	// TokenType is the token type reported by the server (usually "bearer").
	TokenType string

	// ExpiresIn is the lifetime in seconds as reported by the server.
	ExpiresIn int64

	// Scope is the granted scope (may differ from the requested scope).
	Scope string

	// RefreshToken is optional. When a refresh response omits a new refresh
	// token, the engine retains the previous one (the same policy as
	// golang.org/x/oauth2); servers that rotate tokens always reissue.
	RefreshToken string

	// Expiry is the absolute expiration instant, computed by the engine from
	// its own clock at exchange time. Never trusted from the server directly.
	Expiry time.Time
}

// Clone returns a copy of the record so callers cannot mutate stored state.
func (r *TokenRecord) Clone() *TokenRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// PendingRedirect links a state token to the original caller's intended
// post-flow destination. Entries are ephemeral: created when an
// authorization-code flow begins, consumed when the matching callback is
// resolved, and expired by TTL when a flow is abandoned.
type PendingRedirect struct {
	// Destination is where the user agent should land once the flow completes.
	Destination string

	// ExtraParams are additional query parameters to append to Destination.
	ExtraParams map[string]string

	// Owner is OwnerSelf for entries this engine registered, OwnerExternal
	// for entries belonging to another consumer of the shared key space.
	Owner string

	// CreatedAt is when the flow began.
	CreatedAt time.Time

	// ExpiresAt bounds how long an unconsumed entry may linger.
	ExpiresAt time.Time
}

// Clone returns a copy of the entry, including its params map.
func (p *PendingRedirect) Clone() *PendingRedirect {
	if p == nil {
		return nil
	}
	c := *p
	if p.ExtraParams != nil {
		c.ExtraParams = make(map[string]string, len(p.ExtraParams))
		for k, v := range p.ExtraParams {
			c.ExtraParams[k] = v
		}
	}
	return &c
}
