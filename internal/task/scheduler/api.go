package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	logx "cronrelay/pkg/logx"
)

// ErrInvalidExpression wraps every parse failure returned by Schedule.
var ErrInvalidExpression = errors.New("invalid cron expression")

// Schedule parses expr and registers tick under name.
//
// An invalid expression fails immediately and nothing is registered.
// Each fire runs tick in its own goroutine, so a slow tick never delays other entries.
func (s *Service) Schedule(name, expr string, opt Options, tick TickFunc) (*Entry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("name required")
	}
	if tick == nil {
		return nil, errors.New("tick required")
	}
	expr = strings.TrimSpace(expr)
	base, err := s.parser.Parse(expr)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "parse %q", expr), ErrInvalidExpression)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := &Entry{svc: s, name: name, expr: expr, tick: tick}
	var sched cron.Schedule = base
	if !opt.Once.IsZero() {
		at := opt.Once
		// An instant already due fires on the next second instead of never.
		if now := s.now(); !at.After(now) {
			at = now.Truncate(time.Second).Add(time.Second)
		}
		e.once = at
		sched = onceSchedule{at: at}
	}

	e.id = s.c.Schedule(sched, cron.FuncJob(e.fire))
	s.entries++

	args := []logx.Field{logx.String("name", name), logx.String("spec", expr), logx.Bool("once", !e.once.IsZero())}
	if next := s.previewNextRuns(sched, 4); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return e, nil
}

func (s *Service) remove(id cron.EntryID) {
	s.mu.Lock()
	s.c.Remove(id)
	if s.entries > 0 {
		s.entries--
	}
	s.mu.Unlock()
}

func (s *Service) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickCtx
}

func (e *Entry) Name() string       { return e.name }
func (e *Entry) Expression() string { return e.expr }

// fire is the cron job body. It checks the stop gate and then runs the tick.
func (e *Entry) fire() {
	e.mu.RLock()
	stopped := e.stopped
	e.mu.RUnlock()
	if stopped {
		return
	}

	err := e.tick(e.svc.baseContext(), TriggerSchedule)
	if err != nil {
		// Scheduled failures never deregister the entry.
		e.svc.log.Debug("scheduled tick returned error", logx.String("name", e.name), logx.Err(err))
	}
}

// FireOnce runs the tick synchronously in the caller goroutine and returns its error.
// It does not touch the schedule or the stopped flag.
func (e *Entry) FireOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return e.tick(ctx, TriggerManual)
}

// Stop cancels all future fires. It is idempotent.
//
// Once Stop returns no fire can pass the gate. A fire that passed it just
// before Stop may still be running its tick, so callers see at most one stray
// invocation.
func (e *Entry) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	id := e.id
	e.mu.Unlock()

	e.svc.remove(id)
	e.svc.log.Debug("schedule removed", logx.String("name", e.name))
}

func (e *Entry) Stopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped
}

// Info reports informational fire times. Stopped entries have zero times.
func (e *Entry) Info() EntryInfo {
	info := EntryInfo{Name: e.name, Expression: e.expr, Once: !e.once.IsZero()}

	e.mu.RLock()
	stopped := e.stopped
	id := e.id
	e.mu.RUnlock()
	if stopped {
		return info
	}

	s := e.svc
	s.mu.Lock()
	c := s.c
	running := s.running
	s.mu.Unlock()

	ce := c.Entry(id)
	if ce.Valid() && running {
		info.Next = ce.Next
		info.Prev = ce.Prev
		return info
	}
	// Not started yet: compute from the schedule directly.
	if ce.Valid() && ce.Schedule != nil {
		info.Next = ce.Schedule.Next(s.now().In(s.Location()))
	}
	return info
}
