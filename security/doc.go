// Package security provides the security primitives used by the client engine.
//
// It contains:
//   - Freshness and expiry checks with a clock-skew grace period (time.go)
//   - AES-256-GCM encryption at rest for stored token records (encryption.go)
//   - Passphrase-based key derivation via PBKDF2 (encryption.go)
//   - A token-bucket rate limiter for bounding token-endpoint calls (ratelimit.go)
//   - Structured audit logging of flow lifecycle events (audit.go)
//
// State tokens are generated by the root package using oauth2.GenerateVerifier,
// which draws from crypto/rand. No part of this package or the engine derives
// correlation tokens from predictable seeds.
package security
