// Package storage provides interfaces and shared types for token and redirect persistence.
//
// The storage package defines the two interfaces the client engine depends on:
//   - TokenStore: one TokenRecord per client identity, replaced wholesale on each exchange
//   - RedirectRegistry: pending authorization-code correlations keyed by an opaque state token
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/mock: Mock storage for unit testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
//   - storage/gormdb: SQL storage (SQLite or PostgreSQL) via GORM
package storage
