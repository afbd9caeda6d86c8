package engine

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"cronrelay/internal/eventbus"
	"cronrelay/internal/storage"
	logx "cronrelay/pkg/logx"
)

const recordTimeout = 2 * time.Second

// Service runs tasks synchronously in the caller goroutine.
//
// Scheduled ticks already run on their own goroutine (one per fire), so
// there is no queue here; the engine only owns the attempt loop, history
// and lifecycle events.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	rec Recorder

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	inFlight atomic.Int32
	total    atomic.Uint64
	failed   atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, rec Recorder) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		rec:    rec,
		stopCh: make(chan struct{}),
	}
}

// Apply swaps execution settings; running tasks keep the options they started with.
func (s *Service) Apply(cfg Config) {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Stop aborts pending retry waits and waits (bounded by ctx) for in-flight tasks.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Int("in_flight", int(s.inFlight.Load())), logx.Err(ctx.Err()))
	}
}

func (s *Service) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Run executes t and blocks until it finishes (after retries).
//
// The caller's cancellation never reaches the attempt: each attempt runs under
// context.WithoutCancel(ctx) bounded only by the task timeout.
func (s *Service) Run(ctx context.Context, t Task) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	name := strings.TrimSpace(t.Name)
	if t.Run == nil || name == "" {
		return Result{Err: errors.New("task Name and Run are required")}
	}
	// Add under mu so it never races the Wait in Stop.
	s.mu.Lock()
	if s.stopped() {
		s.mu.Unlock()
		return Result{Err: ErrStopped}
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	cfg := s.config()
	opt := t.Opt.withDefaults(cfg)
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	runCtx := context.WithoutCancel(ctx)

	id := uuid.NewString()
	start := time.Now()
	s.log.Debug("task.started", logx.String("task", name), logx.String("id", id), logx.String("trigger", t.Trigger))
	s.publish(eventbus.TaskStarted, start, TaskEvent{ID: id, Name: name, Trigger: t.Trigger, Started: start})

	var (
		out      Outcome
		err      error
		attempts int
		rng      *rand.Rand
	)
	maxAttempts := 1 + opt.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		out, err = s.attempt(runCtx, name, timeout, t.Run)
		if err == nil {
			break
		}
		// Allow tasks to mark failures as non-retryable.
		if IsNoRetry(err) || attempt >= maxAttempts {
			break
		}

		if opt.canceled() {
			s.log.Debug("task retry abandoned", logx.String("task", name), logx.Int("attempt", attempt))
			break
		}

		if rng == nil {
			rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		delay := backoffDelayWithHint(opt, attempt, err, rng)
		if delay > 0 {
			s.log.Debug("task retry scheduled", logx.String("task", name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
			tmr := time.NewTimer(delay)
			select {
			case <-s.stopCh:
				tmr.Stop()
				break attemptLoop
			case <-tmr.C:
			}
		}
		if opt.canceled() {
			s.log.Debug("task retry abandoned", logx.String("task", name), logx.Int("attempt", attempt))
			break
		}
	}

	dur := time.Since(start)
	code := out.Code
	if err != nil && code == 0 {
		code = codeOf(err)
	}
	res := Result{ID: id, Attempts: attempts, Duration: dur, Code: code, Err: err}
	s.finish(name, t.Trigger, start, res)
	return res
}

func (s *Service) attempt(ctx context.Context, name string, timeout time.Duration, run func(context.Context) (Outcome, error)) (out Outcome, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	// Guard against task panics: convert to error so one bad job can't crash the process.
	defer func() {
		if r := recover(); r != nil {
			err = NoRetry(fmt.Errorf("panic: %v", r))
			s.log.Error("task.panic", logx.String("task", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return run(ctx)
}

func (s *Service) finish(name, trigger string, start time.Time, res Result) {
	s.total.Add(1)
	item := HistoryItem{ID: res.ID, Name: name, Trigger: trigger, Started: start, Duration: res.Duration, Attempts: res.Attempts, Code: res.Code}
	ev := TaskEvent{ID: res.ID, Name: name, Trigger: trigger, Started: start, Duration: res.Duration, Attempts: res.Attempts, Code: res.Code}
	status := storage.StatusOK

	if res.Err != nil {
		s.failed.Add(1)
		status = storage.StatusFailed
		item.Error = res.Err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", name), logx.String("trigger", trigger), logx.Err(res.Err), logx.Duration("dur", res.Duration), logx.Int("attempts", res.Attempts), logx.Int("code", res.Code))
		s.publish(eventbus.TaskFailed, time.Now(), ev)
	} else {
		if res.Duration >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", name), logx.String("trigger", trigger), logx.Duration("dur", res.Duration), logx.Int("attempts", res.Attempts), logx.Int("code", res.Code))
		} else {
			s.log.Debug("task.completed", logx.String("task", name), logx.String("trigger", trigger), logx.Duration("dur", res.Duration), logx.Int("attempts", res.Attempts), logx.Int("code", res.Code))
		}
		s.publish(eventbus.TaskFinished, time.Now(), ev)
	}

	historySize := s.config().HistorySize
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()

	if s.rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	err := s.rec.AppendExecution(ctx, storage.Execution{
		ID:         res.ID,
		Job:        name,
		Trigger:    trigger,
		Started:    start,
		DurationMS: res.Duration.Milliseconds(),
		Attempts:   res.Attempts,
		Status:     status,
		Code:       res.Code,
		Error:      item.Error,
	})
	if err != nil {
		s.log.Warn("execution record failed", logx.String("task", name), logx.Err(err))
	}
}

func (s *Service) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

// History returns up to limit items for name (all names if empty), newest first.
func (s *Service) History(name string, limit int) []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, 0)
	for i := len(s.history) - 1; i >= 0; i-- {
		if name != "" && s.history[i].Name != name {
			continue
		}
		out = append(out, s.history[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (s *Service) Snapshot() Snapshot {
	cfg := s.config()
	opt := DefaultTaskOptions(cfg)
	return Snapshot{
		InFlight:       int(s.inFlight.Load()),
		Total:          s.total.Load(),
		Failed:         s.failed.Load(),
		DefaultTimeout: cfg.DefaultTimeout,
		RetryMax:       opt.RetryMax,
		RetryBase:      opt.RetryBase,
		RetryMaxDelay:  opt.RetryMaxDelay,
		RetryJitter:    opt.RetryJitter,
		History:        s.History("", 0),
	}
}
