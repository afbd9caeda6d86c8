package engine

import (
	"context"
	"time"

	"cronrelay/internal/storage"
)

// Config controls the task execution engine.
//
// The app layer maps config.executor into this struct; it is hot-reloadable via Apply.
type Config struct {
	// DefaultTimeout bounds a single attempt when Task.Timeout is 0.
	DefaultTimeout time.Duration

	HistorySize int

	// RetryMax is the number of retries after the first attempt for scheduled
	// ticks. 0 keeps a single attempt.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

type TaskOptions struct {
	// SingleAttempt disables retries regardless of RetryMax (used by manual triggers).
	SingleAttempt bool
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64

	// Canceled, when set, is polled around each retry wait; true abandons the
	// remaining attempts (the owning job was deleted or replaced).
	Canceled func() bool
}

func (o TaskOptions) canceled() bool { return o.Canceled != nil && o.Canceled() }

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.RetryMax <= 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.SingleAttempt || o.RetryMax < 0 {
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = cfg.RetryBase
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = cfg.RetryMaxDelay
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = cfg.RetryJitter
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

// Outcome is what a successful (or failed) attempt reports back.
type Outcome struct {
	Code int // downstream status code, 0 if not applicable
}

// Task is a unit of work executed by the engine.
type Task struct {
	Name    string
	Trigger string
	Timeout time.Duration
	Run     func(ctx context.Context) (Outcome, error)
	Opt     TaskOptions
}

// Result describes a finished task (after retries).
type Result struct {
	ID       string
	Attempts int
	Duration time.Duration
	Code     int
	Err      error
}

type HistoryItem struct {
	ID       string
	Name     string
	Trigger  string
	Started  time.Time
	Duration time.Duration
	Attempts int
	Code     int
	Error    string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Trigger  string        `json:"trigger"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Code     int           `json:"code,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Recorder persists finished executions. storage.Store satisfies it.
type Recorder interface {
	AppendExecution(ctx context.Context, e storage.Execution) error
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	InFlight       int
	Total          uint64
	Failed         uint64
	DefaultTimeout time.Duration
	RetryMax       int
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	RetryJitter    float64
	History        []HistoryItem
}

// DefaultTaskOptions returns the effective task options when a task does not
// provide overrides.
func DefaultTaskOptions(cfg Config) TaskOptions {
	return (TaskOptions{}).withDefaults(cfg)
}
