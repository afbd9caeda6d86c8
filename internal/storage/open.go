package storage

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	logx "cronrelay/pkg/logx"
)

// Store is the minimal persistence API used by the executor and the HTTP API.
type Store interface {
	AppendExecution(ctx context.Context, e Execution) error
	// ListExecutions returns up to limit records for job, newest first.
	ListExecutions(ctx context.Context, job string, limit int) ([]Execution, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}

// ValidDriver reports whether driver names a supported backend.
func ValidDriver(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "none", "file", "sqlite", "sqlite3":
		return true
	}
	return false
}
