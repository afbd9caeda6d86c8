package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"cronrelay/internal/eventbus"
	"cronrelay/internal/storage"
	"cronrelay/internal/task/engine"
	"cronrelay/internal/task/schedule"
	"cronrelay/internal/task/scheduler"
	logx "cronrelay/pkg/logx"
)

// History reads persisted executions. storage.Store satisfies it.
type History interface {
	ListExecutions(ctx context.Context, job string, limit int) ([]storage.Execution, error)
}

// Service composes resolver, registry, engine and invoker into the job operations.
type Service struct {
	reg *Registry
	res *schedule.Resolver
	eng *engine.Service
	inv Invoker

	log  logx.Logger
	bus  eventbus.Bus
	hist History
	now  func() time.Time

	keepFiredOnce atomic.Bool
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }
func WithBus(bus eventbus.Bus) Option  { return func(s *Service) { s.bus = bus } }
func WithHistory(h History) Option     { return func(s *Service) { s.hist = h } }

// WithKeepFiredOnce keeps one-shot jobs registered after their single fire.
func WithKeepFiredOnce(keep bool) Option {
	return func(s *Service) { s.keepFiredOnce.Store(keep) }
}

func NewService(reg *Registry, res *schedule.Resolver, eng *engine.Service, inv Invoker, opts ...Option) *Service {
	s := &Service{reg: reg, res: res, eng: eng, inv: inv, now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Service) Registry() *Registry { return s.reg }

// SetKeepFiredOnce toggles one-shot cleanup for jobs that fire from now on.
func (s *Service) SetKeepFiredOnce(keep bool) { s.keepFiredOnce.Store(keep) }

// ScheduleJob registers a new job. Duplicate names fail with ErrConflict.
func (s *Service) ScheduleJob(_ context.Context, name, spec string, payload json.RawMessage) (JobInfo, error) {
	job, err := s.build(name, spec, payload)
	if err != nil {
		return JobInfo{}, err
	}
	if err := s.reg.Add(job, s.tickFor(job)); err != nil {
		return JobInfo{}, err
	}
	info := job.info()
	s.log.Info("job scheduled", logx.String("job", job.Name), logx.String("expr", job.Expression), logx.String("kind", info.Kind), logx.String("next", info.Next))
	s.publish(eventbus.JobScheduled, info)
	return info, nil
}

// UpdateJob replaces an existing job's schedule and payload.
// A failed update leaves the previous job running.
func (s *Service) UpdateJob(_ context.Context, name, spec string, payload json.RawMessage) (JobInfo, error) {
	name = strings.TrimSpace(name)
	if _, err := s.reg.Get(name); err != nil {
		return JobInfo{}, err
	}
	job, err := s.build(name, spec, payload)
	if err != nil {
		return JobInfo{}, err
	}
	old, err := s.reg.Replace(job, s.tickFor(job))
	if err != nil {
		return JobInfo{}, err
	}
	info := job.info()
	s.log.Info("job updated", logx.String("job", job.Name), logx.String("old_expr", old.Expression), logx.String("expr", job.Expression), logx.String("next", info.Next))
	s.publish(eventbus.JobUpdated, info)
	return info, nil
}

// TriggerJob fires name now and waits for the action to finish.
// The job's schedule is not affected.
func (s *Service) TriggerJob(ctx context.Context, name string) error {
	job, err := s.reg.Get(strings.TrimSpace(name))
	if err != nil {
		return err
	}
	return job.entry.FireOnce(ctx)
}

func (s *Service) DeleteJob(_ context.Context, name string) error {
	job, err := s.reg.Delete(strings.TrimSpace(name))
	if err != nil {
		return err
	}
	s.log.Info("job deleted", logx.String("job", job.Name))
	s.publish(eventbus.JobDeleted, job.info())
	return nil
}

// ListJobs returns every registered job. An empty registry is ErrNotFound.
func (s *Service) ListJobs(context.Context) ([]JobInfo, error) {
	items := s.reg.List()
	if len(items) == 0 {
		return nil, errors.Mark(errors.New("No cron jobs found"), ErrNotFound)
	}
	return items, nil
}

// History returns up to limit recent executions of name, newest first.
//
// It reads the configured store and falls back to the engine's in-memory ring.
// A name that is neither registered nor has any records is ErrNotFound.
func (s *Service) History(ctx context.Context, name string, limit int) ([]storage.Execution, error) {
	name = strings.TrimSpace(name)
	var (
		out []storage.Execution
		err error
	)
	if s.hist != nil {
		out, err = s.hist.ListExecutions(ctx, name, limit)
		if err != nil {
			return nil, errors.Wrap(err, "list executions")
		}
	} else if s.eng != nil {
		for _, h := range s.eng.History(name, limit) {
			out = append(out, historyToExecution(h))
		}
	}
	if len(out) == 0 {
		if _, err := s.reg.Get(name); err != nil {
			return nil, err
		}
		out = []storage.Execution{}
	}
	return out, nil
}

func historyToExecution(h engine.HistoryItem) storage.Execution {
	status := storage.StatusOK
	if h.Error != "" {
		status = storage.StatusFailed
	}
	return storage.Execution{
		ID:         h.ID,
		Job:        h.Name,
		Trigger:    h.Trigger,
		Started:    h.Started,
		DurationMS: h.Duration.Milliseconds(),
		Attempts:   h.Attempts,
		Status:     status,
		Code:       h.Code,
		Error:      h.Error,
	}
}

func (s *Service) build(name, spec string, payload json.RawMessage) (*Job, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalidArgument("name must be a non-empty string")
	}
	p := bytes.TrimSpace(payload)
	if len(p) == 0 || p[0] != '{' || !json.Valid(p) {
		return nil, invalidArgument("body must be a JSON object")
	}
	r, err := s.res.Resolve(spec)
	if err != nil {
		return nil, invalidSchedule(err)
	}
	return &Job{
		Name:       name,
		Schedule:   r.Source,
		Expression: r.Expression,
		Kind:       r.Kind,
		At:         r.At,
		Payload:    append(json.RawMessage(nil), p...),
		CreatedAt:  s.now(),
	}, nil
}

// tickFor binds the job's immutable payload into its scheduler tick.
func (s *Service) tickFor(job *Job) scheduler.TickFunc {
	return func(ctx context.Context, trigger scheduler.Trigger) error {
		err := s.invokeAction(ctx, job, trigger)
		if job.Kind == schedule.KindOnce && trigger == scheduler.TriggerSchedule && !s.keepFiredOnce.Load() {
			if s.reg.removeIf(job.Name, job) {
				s.log.Info("one-shot job expired", logx.String("job", job.Name))
				s.publish(eventbus.JobExpired, job.info())
			}
		}
		return err
	}
}

func (s *Service) invokeAction(ctx context.Context, job *Job, trigger scheduler.Trigger) error {
	res := s.eng.Run(ctx, engine.Task{
		Name:    job.Name,
		Trigger: string(trigger),
		Run: func(ctx context.Context) (engine.Outcome, error) {
			return s.inv.Invoke(ctx, job.Payload)
		},
		Opt: s.taskOptions(job, trigger),
	})
	fields := []logx.Field{
		logx.String("job", job.Name),
		logx.String("trigger", string(trigger)),
		logx.Int("payload_bytes", len(job.Payload)),
		logx.Int("code", res.Code),
		logx.Int("attempts", res.Attempts),
		logx.Duration("dur", res.Duration),
	}
	// engine already warns on failure; this line is the per-job audit trail.
	s.log.Info("job fired", append(fields, logx.Bool("ok", res.Err == nil), logx.Err(res.Err))...)
	if res.Err != nil {
		return errors.Mark(errors.Wrapf(res.Err, "job %q", job.Name), ErrActionFailed)
	}
	return nil
}

// taskOptions makes manual triggers single-attempt. Scheduled retries stop
// once the job is deleted or replaced.
func (s *Service) taskOptions(job *Job, trigger scheduler.Trigger) engine.TaskOptions {
	if trigger == scheduler.TriggerManual {
		return engine.TaskOptions{SingleAttempt: true}
	}
	return engine.TaskOptions{Canceled: func() bool { return !s.reg.current(job) }}
}

func (s *Service) publish(typ string, info JobInfo) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: info})
}
