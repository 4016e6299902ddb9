// Package instrumentation provides OpenTelemetry metrics and tracing for the
// oauth2-client library.
//
// Instrumentation is optional: when disabled (or not configured at all) the
// package uses no-op providers and adds zero overhead. When enabled, the
// library records:
//
//   - Token endpoint calls per grant type, with durations and error kinds
//   - Token reuse (cache hits that avoided a network call)
//   - Refreshes and refresh-to-reauthorization fallbacks
//   - Authorization-code flows started, resumed, and deferred
//   - State mismatches on callbacks
//   - Storage operation counts, durations, and size gauges
//   - Encryption operations and rate-limit rejections
//
// Never record actual credential values (access tokens, refresh tokens,
// authorization codes, client secrets) as attributes. Only metadata such as
// grant types, error kinds, and durations is safe: traces are persisted,
// replicated, and visible to wider audiences than the engine itself.
package instrumentation
