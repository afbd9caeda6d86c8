package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

var ErrDisabled = errors.New("storage disabled")

const defaultMaxRecordsPerJob = 100

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver           string
	Path             string
	BusyTimeout      time.Duration // sqlite only; 0 means default
	MaxRecordsPerJob int           // 0 means default (100)
}

// Execution is one job invocation (all attempts included).
// Keep it compact and schema-stable.
type Execution struct {
	ID         string    `json:"id"`
	Job        string    `json:"job"`
	Trigger    string    `json:"trigger"`
	Started    time.Time `json:"started"`
	DurationMS int64     `json:"duration_ms"`
	Attempts   int       `json:"attempts"`
	Status     string    `json:"status"`
	Code       int       `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
}

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

func (c Config) maxPerJob() int {
	if c.MaxRecordsPerJob <= 0 {
		return defaultMaxRecordsPerJob
	}
	return c.MaxRecordsPerJob
}
