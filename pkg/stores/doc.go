// Package stores persists run history for dsync. It includes a SQLite-based
// store with WAL mode and embedded migrations for runs, per-dataset results,
// steps, last applied configuration hashes, and events.
package stores
