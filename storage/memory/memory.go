package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalamuna/oauth2-client/instrumentation"
	"github.com/kalamuna/oauth2-client/internal/util"
	"github.com/kalamuna/oauth2-client/security"
	"github.com/kalamuna/oauth2-client/storage"
)

// statePrefixLogLength is the number of characters of a state token included
// when logging. Enough for correlation, not enough to replay.
const statePrefixLogLength = 8

// Store is an in-memory implementation of TokenStore and RedirectRegistry.
type Store struct {
	mu sync.RWMutex

	// Token records keyed by client identity (encrypted at rest if an
	// encryptor is set).
	tokens map[string]*storage.TokenRecord

	// Pending redirects keyed by state token.
	redirects map[string]*storage.PendingRedirect

	encryptor *security.Encryptor

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for size gauges (lock-free during metric collection)
	tokensCountAtomic    atomic.Int64
	redirectsCountAtomic atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
	now             func() time.Time
}

// Compile-time interface checks
var (
	_ storage.TokenStore       = (*Store)(nil)
	_ storage.RedirectRegistry = (*Store)(nil)
)

// New creates an in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates an in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, the default of 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		tokens:          make(map[string]*storage.TokenRecord),
		redirects:       make(map[string]*storage.PendingRedirect),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
		now:             time.Now,
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock overrides the time source. Expiry checks and cleanup use only
// this; tests inject a mock clock.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetEncryptor enables encryption at rest for stored token material.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Token encryption at rest enabled for storage")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.redirectsCountAtomic.Store(int64(len(s.redirects)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.tokensCountAtomic.Load() },
			func() int64 { return s.redirectsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken stores a token record for a client identity, encrypting the
// token material when an encryptor is configured.
func (s *Store) SaveToken(ctx context.Context, identity string, record *storage.TokenRecord) error {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_token", err, startTime)
	}()

	if identity == "" {
		err = fmt.Errorf("identity cannot be empty")
		return err
	}
	if record == nil {
		err = fmt.Errorf("record cannot be nil")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.tokens[identity]

	stored := record.Clone()
	if s.encryptor != nil && s.encryptor.IsEnabled() {
		if err = s.encryptRecord(ctx, stored); err != nil {
			return err
		}
	}

	s.tokens[identity] = stored

	if !existed {
		s.tokensCountAtomic.Add(1)
	}

	s.logger.Debug("Saved token", "identity", util.SafeTruncate(identity, statePrefixLogLength))
	return nil
}

// GetToken retrieves the token record for a client identity, decrypting if
// necessary. A record past its expiry that carries no refresh token is
// reported expired; one with a refresh token is returned so the caller can
// refresh it.
func (s *Store) GetToken(ctx context.Context, identity string) (*storage.TokenRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "get_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_token", err, startTime)
	}()

	s.mu.RLock()
	encryptor := s.encryptor
	now := s.now
	record, ok := s.tokens[identity]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrTokenNotFound, util.SafeTruncate(identity, statePrefixLogLength))
		return nil, err
	}

	// Expiry uses the clock skew grace period so marginal clock drift does
	// not produce false expirations.
	if security.IsExpiredAt(record.Expiry, now()) && record.RefreshToken == "" {
		err = fmt.Errorf("%w: %s", storage.ErrTokenExpired, util.SafeTruncate(identity, statePrefixLogLength))
		return nil, err
	}

	out := record.Clone()
	if encryptor != nil && encryptor.IsEnabled() {
		if err = s.decryptRecord(ctx, out, encryptor); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// DeleteToken removes the token record for a client identity.
// Deleting a missing record is not an error.
func (s *Store) DeleteToken(ctx context.Context, identity string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.tokens[identity]
	delete(s.tokens, identity)
	if existed {
		s.tokensCountAtomic.Add(-1)
	}

	s.logger.Debug("Deleted token", "identity", util.SafeTruncate(identity, statePrefixLogLength))
	return nil
}

// encryptRecord encrypts the token material in place.
func (s *Store) encryptRecord(ctx context.Context, r *storage.TokenRecord) error {
	if r.AccessToken != "" {
		enc, err := s.encryptor.Encrypt(r.AccessToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt access token: %w", err)
		}
		r.AccessToken = enc
	}
	if r.RefreshToken != "" {
		enc, err := s.encryptor.Encrypt(r.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		r.RefreshToken = enc
	}
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordEncryptionOperation(ctx, "encrypt")
	}
	return nil
}

// decryptRecord decrypts the token material in place.
func (s *Store) decryptRecord(ctx context.Context, r *storage.TokenRecord, enc *security.Encryptor) error {
	if r.AccessToken != "" {
		dec, err := enc.Decrypt(r.AccessToken)
		if err != nil {
			return fmt.Errorf("failed to decrypt access token: %w", err)
		}
		r.AccessToken = dec
	}
	if r.RefreshToken != "" {
		dec, err := enc.Decrypt(r.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		r.RefreshToken = dec
	}
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordEncryptionOperation(ctx, "decrypt")
	}
	return nil
}

// ============================================================
// RedirectRegistry Implementation
// ============================================================

// SaveRedirect registers a pending redirect under a state token.
func (s *Store) SaveRedirect(ctx context.Context, state string, entry *storage.PendingRedirect) error {
	ctx, span := s.startStorageSpan(ctx, "save_redirect")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_redirect", err, startTime)
	}()

	if state == "" {
		err = fmt.Errorf("state cannot be empty")
		return err
	}
	if entry == nil {
		err = fmt.Errorf("entry cannot be nil")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.redirects[state]
	s.redirects[state] = entry.Clone()
	if !existed {
		s.redirectsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved pending redirect",
		"state", util.SafeTruncate(state, statePrefixLogLength),
		"owner", entry.Owner)
	return nil
}

// GetRedirect retrieves a pending redirect without consuming it.
func (s *Store) GetRedirect(ctx context.Context, state string) (*storage.PendingRedirect, error) {
	ctx, span := s.startStorageSpan(ctx, "get_redirect")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_redirect", err, startTime)
	}()

	s.mu.RLock()
	now := s.now
	entry, ok := s.redirects[state]
	s.mu.RUnlock()

	if !ok {
		err = storage.ErrRedirectNotFound
		return nil, err
	}
	if security.IsExpiredAt(entry.ExpiresAt, now()) {
		err = storage.ErrRedirectExpired
		return nil, err
	}

	return entry.Clone(), nil
}

// ConsumeRedirect atomically retrieves and deletes a pending redirect.
// Only one concurrent caller can succeed for a given state; the rest see
// ErrRedirectNotFound. This is what makes state tokens single-use.
func (s *Store) ConsumeRedirect(ctx context.Context, state string) (*storage.PendingRedirect, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_redirect")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_redirect", err, startTime)
	}()

	s.mu.Lock() // write lock for atomic get-and-delete
	defer s.mu.Unlock()

	entry, ok := s.redirects[state]
	if !ok {
		err = fmt.Errorf("%w: state unknown or already used", storage.ErrRedirectNotFound)
		return nil, err
	}

	delete(s.redirects, state)
	s.redirectsCountAtomic.Add(-1)

	if security.IsExpiredAt(entry.ExpiresAt, s.now()) {
		err = storage.ErrRedirectExpired
		return nil, err
	}

	s.logger.Debug("Consumed pending redirect",
		"state", util.SafeTruncate(state, statePrefixLogLength))
	return entry, nil
}

// DeleteRedirect removes a pending redirect without returning it.
func (s *Store) DeleteRedirect(ctx context.Context, state string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_redirect")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_redirect", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.redirects[state]
	delete(s.redirects, state)
	if existed {
		s.redirectsCountAtomic.Add(-1)
	}
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	// A token past expiry with a refresh token is still refreshable; only
	// records with no path back to a usable token are dropped.
	for identity, record := range s.tokens {
		if security.IsExpiredAt(record.Expiry, now) && record.RefreshToken == "" {
			delete(s.tokens, identity)
			s.tokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	for state, entry := range s.redirects {
		if security.IsExpiredAt(entry.ExpiresAt, now) {
			delete(s.redirects, state)
			s.redirectsCountAtomic.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
