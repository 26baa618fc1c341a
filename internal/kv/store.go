// Package kv defines the namespaced key/value store that holds session and
// notification state, and its implementations.
package kv

import (
	"context"
	"fmt"
)

// Namespace prefixes every key written by the application.
const Namespace = "localbuzz."

// Store is the interface for all persistence operations.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// Delete removes the given keys in a single transaction.
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key starting with prefix in a single statement.
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// Supported drivers for Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open returns the Store for driver. dsn is a file path for sqlite and a
// connection URL for postgres.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLite(dsn)
	case DriverPostgres:
		return NewPostgres(ctx, dsn)
	}
	return nil, fmt.Errorf("unknown database driver %q", driver)
}
