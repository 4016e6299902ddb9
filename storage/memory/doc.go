// Package memory provides an in-memory implementation of the storage
// interfaces. It is suitable for development, testing, and single-process
// deployments; tokens and pending redirects do not survive a restart, so
// cross-invocation flow resumption needs one of the persistent backends.
package memory
