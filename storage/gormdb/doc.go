// Package gormdb provides a relational implementation of the storage
// interfaces over GORM, supporting SQLite for single-node deployments and
// PostgreSQL for shared ones. The backend is picked from the DSN: a
// postgres:// or postgresql:// DSN opens PostgreSQL, anything else is
// treated as a SQLite path.
//
// Pending redirect consumption runs in a transaction that deletes the row
// and checks the affected count, so concurrent resumes of one state token
// resolve to exactly one winner even across processes.
package gormdb
