package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mikey-austin/pubsub/internal/ports"
)

// Backend names a persistence implementation.
type Backend string

const (
	BackendFile     Backend = "file"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendMemory   Backend = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend Backend
	Path    string
	DSN     string
	NodeID  string
	Table   string
}

// Open returns the configured state store. The memory backend returns nil,
// which the broker treats as no persistence.
func Open(ctx context.Context, opts Options) (ports.StateStore, error) {
	switch Backend(strings.ToLower(string(opts.Backend))) {
	case "", BackendFile:
		if strings.TrimSpace(opts.Path) == "" {
			return nil, errors.New("file storage requires storage_path")
		}
		return NewFileStore(opts.Path), nil
	case BackendSQLite:
		if strings.TrimSpace(opts.Path) == "" {
			return nil, errors.New("sqlite storage requires storage_path")
		}
		store, err := OpenSQLite(opts.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendPostgres:
		if strings.TrimSpace(opts.DSN) == "" {
			return nil, errors.New("postgres storage requires dsn")
		}
		store, err := OpenPostgres(ctx, opts.DSN, opts.NodeID, opts.Table)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendMemory:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
