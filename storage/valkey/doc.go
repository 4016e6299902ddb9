// Package valkey provides a Valkey-backed implementation of the storage
// interfaces for multi-process deployments.
//
// Token records and pending redirects are stored as JSON values with native
// TTLs, so server-side expiry does the bulk of the cleanup work. Pending
// redirect consumption uses a Lua script for an atomic get-and-delete: only
// one concurrent resume of a given state token can succeed, which is what
// keeps state tokens single-use when several stateless processes share the
// registry.
//
// Optional encryption at rest covers token material only; redirect entries
// hold no secrets.
package valkey
