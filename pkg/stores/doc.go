// Package stores provides persistence layer implementations for the pipeline.
// It includes SQLite-based storage with WAL mode, embedded migrations,
// the dead-letter queue store and run history.
package stores
