package jobs

import (
	"context"
	"encoding/json"
	"time"

	"cronrelay/internal/task/engine"
	"cronrelay/internal/task/schedule"
	"cronrelay/internal/task/scheduler"
)

// Invoker performs a job's side effect with its opaque payload.
type Invoker interface {
	Invoke(ctx context.Context, payload json.RawMessage) (engine.Outcome, error)
}

// Job is immutable once registered; updates register a fresh Job.
type Job struct {
	Name       string
	Schedule   string // as supplied by the caller
	Expression string // what the scheduler runs
	Kind       schedule.Kind
	At         time.Time // one-shot instant; zero for cron jobs
	Payload    json.RawMessage
	CreatedAt  time.Time

	entry *scheduler.Entry
}

// JobInfo is the read-only view returned by List.
type JobInfo struct {
	Name         string    `json:"name"`
	Schedule     string    `json:"schedule"`
	Expression   string    `json:"expression"`
	Kind         string    `json:"kind"`
	Next         string    `json:"next,omitempty"`
	Prev         string    `json:"prev,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	PayloadBytes int       `json:"payload_bytes"`
}

func (j *Job) info() JobInfo {
	in := JobInfo{
		Name:         j.Name,
		Schedule:     j.Schedule,
		Expression:   j.Expression,
		Kind:         j.Kind.String(),
		CreatedAt:    j.CreatedAt,
		PayloadBytes: len(j.Payload),
	}
	if j.entry != nil {
		ei := j.entry.Info()
		in.Next = formatTime(ei.Next)
		in.Prev = formatTime(ei.Prev)
	}
	return in
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
