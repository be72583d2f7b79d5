// Package store groups the persistence implementations of the archive
// interfaces. The core interfaces live in internal/archive; this tree
// holds the Postgres-backed implementations and the in-memory ones used
// for development and testing.
package store
