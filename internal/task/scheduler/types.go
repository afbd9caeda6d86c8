package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "cronrelay/pkg/logx"
)

// Config controls the scheduler (trigger) service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty = Local
}

// Trigger says why a tick ran.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// TickFunc is invoked on every fire of an entry.
type TickFunc func(ctx context.Context, trigger Trigger) error

// Options tweak a single entry.
type Options struct {
	// Once bounds the entry to a single fire at this instant.
	// Zero means the expression recurs.
	Once time.Time
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	now func() time.Time

	parser  cron.Parser
	c       *cron.Cron
	running bool

	// base context for scheduled ticks; set on Start.
	tickCtx context.Context
	entries int
}

// Entry is the runtime handle of one job's timer.
type Entry struct {
	svc  *Service
	name string
	expr string
	once time.Time
	tick TickFunc

	mu      sync.RWMutex
	id      cron.EntryID
	stopped bool
}

type EntryInfo struct {
	Name       string
	Expression string
	Once       bool
	Next       time.Time
	Prev       time.Time
}
