package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/kalamuna/oauth2-client/security"
	"github.com/kalamuna/oauth2-client/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth2c:"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxIDLength is the maximum allowed length for identifiers (client
	// identities and state tokens)
	MaxIDLength = 256

	// MaxRecordDataSize is the maximum size of a serialized record (64KB)
	// This prevents memory exhaustion from large payloads
	MaxRecordDataSize = 64 * 1024
)

var errInputTooLarge = fmt.Errorf("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth2c:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of TokenStore and RedirectRegistry.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	// encryptor provides optional token encryption at rest
	// Access must be synchronized via encryptorMu
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface checks
var (
	_ storage.TokenStore       = (*Store)(nil)
	_ storage.RedirectRegistry = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor sets the token encryptor for encryption at rest.
// When set, stored access and refresh tokens are encrypted before writing
// to Valkey and decrypted when retrieved.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Token encryption at rest enabled for Valkey storage")
	}
}

// getEncryptor returns the current encryptor (thread-safe)
func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

func (s *Store) tokenKey(identity string) string {
	return s.prefix + "token:" + identity
}

func (s *Store) redirectKey(state string) string {
	return s.prefix + "redirect:" + state
}

// validateStringLength ensures a string does not exceed the maximum length
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s: %w", fieldName, errInputTooLarge)
	}
	return nil
}

// calculateTTL calculates the TTL for a key based on expiry time
// Returns 0 if the key has already expired
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
// Uses the valkey-go library's built-in nil detection for robustness.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// luaAtomicGetAndDeleteRedirect atomically retrieves and deletes a pending
// redirect. Only ONE concurrent consume of a given state can succeed; every
// other caller gets NOT_FOUND, which makes state tokens single-use across
// processes sharing the registry.
//
// KEYS[1] = redirect key (e.g., "oauth2c:redirect:xyz789")
//
// Returns the stored JSON entry on success, or "NOT_FOUND".
const luaAtomicGetAndDeleteRedirect = `
local entry = redis.call('GET', KEYS[1])
if not entry then
    return 'NOT_FOUND'
end
redis.call('DEL', KEYS[1])
return entry
`
