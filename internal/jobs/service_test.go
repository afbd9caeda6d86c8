package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronrelay/internal/eventbus"
	"cronrelay/internal/task/engine"
	"cronrelay/internal/task/schedule"
	"cronrelay/internal/task/scheduler"
	logx "cronrelay/pkg/logx"
)

type call struct {
	payload string
	at      time.Time
}

type recordingInvoker struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (r *recordingInvoker) Invoke(_ context.Context, payload json.RawMessage) (engine.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{payload: string(payload), at: time.Now()})
	if r.err != nil {
		return engine.Outcome{Code: 500}, r.err
	}
	return engine.Outcome{Code: 200}, nil
}

func (r *recordingInvoker) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func (r *recordingInvoker) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

type fixture struct {
	svc *Service
	inv *recordingInvoker
	rt  *scheduler.Service
	bus eventbus.Bus
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	return newFixtureWithEngine(t, engine.Config{RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond}, opts...)
}

func newFixtureWithEngine(t *testing.T, ec engine.Config, opts ...Option) fixture {
	t.Helper()
	rt := scheduler.New(scheduler.Config{Timezone: "UTC"}, logx.Nop())
	bus := eventbus.New()
	eng := engine.New(ec, logx.Nop(), bus, nil)
	inv := &recordingInvoker{}
	res := schedule.NewResolver(schedule.WithLocation(time.UTC))
	svc := NewService(NewRegistry(rt, logx.Nop()), res, eng, inv, append([]Option{WithBus(bus)}, opts...)...)
	rt.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		rt.Stop(ctx)
		eng.Stop(ctx)
	})
	return fixture{svc: svc, inv: inv, rt: rt, bus: bus}
}

func body(v string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"url":"http://example.invalid/hook","method":"POST","data":{"v":%q}}`, v))
}

const yearly = "0 0 1 1 *"

func TestScheduleThenListTriggerGet(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.svc.ScheduleJob(ctx, "nightly", yearly, body("a"))
	require.NoError(t, err)
	assert.Equal(t, "cron", info.Kind)
	assert.NotEmpty(t, info.Next)

	items, err := f.svc.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "nightly", items[0].Name)

	_, err = f.svc.Registry().Get("nightly")
	require.NoError(t, err)
	require.NoError(t, f.svc.TriggerJob(ctx, "nightly"))

	calls := f.inv.snapshot()
	require.Len(t, calls, 1)
	assert.JSONEq(t, string(body("a")), calls[0].payload)
}

func TestScheduleDuplicateConflicts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ScheduleJob(ctx, "dup", yearly, body("a"))
	require.NoError(t, err)
	_, err = f.svc.ScheduleJob(ctx, "dup", "*/5 * * * *", body("b"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))

	// The original job is untouched.
	require.NoError(t, f.svc.TriggerJob(ctx, "dup"))
	assert.JSONEq(t, string(body("a")), f.inv.snapshot()[0].payload)
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		job     string
		spec    string
		payload json.RawMessage
		kind    error
	}{
		{name: "past timestamp", job: "p", spec: "2020-01-01T00:00:00Z", payload: body("a"), kind: ErrInvalidSchedule},
		{name: "bad cron", job: "c", spec: "every tuesday", payload: body("a"), kind: ErrInvalidSchedule},
		{name: "empty schedule", job: "e", spec: " ", payload: body("a"), kind: ErrInvalidSchedule},
		{name: "empty name", job: " ", spec: yearly, payload: body("a"), kind: ErrInvalidArgument},
		{name: "array body", job: "b", spec: yearly, payload: json.RawMessage(`[1,2]`), kind: ErrInvalidArgument},
		{name: "broken body", job: "b", spec: yearly, payload: json.RawMessage(`{"url":`), kind: ErrInvalidArgument},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.ScheduleJob(ctx, tt.job, tt.spec, tt.payload)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}

	_, err := f.svc.ListJobs(ctx)
	assert.True(t, errors.Is(err, ErrNotFound), "failed schedules must not register anything")
}

func TestPastTimestampMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.svc.ScheduleJob(context.Background(), "p", "2020-01-01T00:00:00Z", body("a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot schedule a job in the past")
	assert.NotEmpty(t, errors.GetAllHints(err))
}

func TestUpdateThenTriggerUsesNewPayload(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ScheduleJob(ctx, "job", yearly, body("old"))
	require.NoError(t, err)
	info, err := f.svc.UpdateJob(ctx, "job", "0 0 2 2 *", body("new"))
	require.NoError(t, err)
	assert.Equal(t, "0 0 2 2 *", info.Expression)

	require.NoError(t, f.svc.TriggerJob(ctx, "job"))
	calls := f.inv.snapshot()
	require.Len(t, calls, 1)
	assert.JSONEq(t, string(body("new")), calls[0].payload)

	items, err := f.svc.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "0 0 2 2 *", items[0].Expression)
}

func TestFailedUpdateKeepsOldJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ScheduleJob(ctx, "job", yearly, body("old"))
	require.NoError(t, err)

	_, err = f.svc.UpdateJob(ctx, "job", "2020-01-01T00:00:00Z", body("new"))
	require.True(t, errors.Is(err, ErrInvalidSchedule))
	_, err = f.svc.UpdateJob(ctx, "job", "nonsense cron", body("new"))
	require.True(t, errors.Is(err, ErrInvalidSchedule))

	require.NoError(t, f.svc.TriggerJob(ctx, "job"))
	assert.JSONEq(t, string(body("old")), f.inv.snapshot()[0].payload)
}

func TestDeleteThenEverythingNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ScheduleJob(ctx, "gone", yearly, body("a"))
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteJob(ctx, "gone"))

	_, err = f.svc.Registry().Get("gone")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(f.svc.TriggerJob(ctx, "gone"), ErrNotFound))
	_, err = f.svc.UpdateJob(ctx, "gone", yearly, body("b"))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(f.svc.DeleteJob(ctx, "gone"), ErrNotFound))
	assert.Contains(t, f.svc.DeleteJob(ctx, "gone").Error(), `Cron job with name "gone" not found`)
}

func TestListEmptyIsNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ListJobs(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = f.svc.ScheduleJob(ctx, "only", yearly, body("a"))
	require.NoError(t, err)
	items, err := f.svc.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "only", items[0].Name)
}

func TestTriggerPropagatesActionFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.inv.setErr(errors.New("upstream 500"))

	_, err := f.svc.ScheduleJob(ctx, "failing", yearly, body("a"))
	require.NoError(t, err)

	err = f.svc.TriggerJob(ctx, "failing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrActionFailed))
	assert.Len(t, f.inv.snapshot(), 1, "manual triggers are single-attempt")

	// The job is still registered after a failed trigger.
	_, err = f.svc.Registry().Get("failing")
	require.NoError(t, err)
}

func TestScheduledFailureKeepsRecurring(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.inv.setErr(errors.New("upstream down"))

	_, err := f.svc.ScheduleJob(context.Background(), "every-second", "* * * * * *", body("a"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.inv.snapshot()) >= 2 }, 4*time.Second, 50*time.Millisecond)
	_, err = f.svc.Registry().Get("every-second")
	require.NoError(t, err)
}

func TestRetriesStopWhenJobIsGone(t *testing.T) {
	t.Parallel()
	ec := engine.Config{RetryMax: 4, RetryBase: 300 * time.Millisecond, RetryMaxDelay: 300 * time.Millisecond, RetryJitter: 0.01}
	ctx := context.Background()

	t.Run("deleted", func(t *testing.T) {
		t.Parallel()
		f := newFixtureWithEngine(t, ec)
		f.inv.setErr(errors.New("upstream down"))
		_, err := f.svc.ScheduleJob(ctx, "flaky", "* * * * * *", body("a"))
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(f.inv.snapshot()) >= 1 }, 3*time.Second, 5*time.Millisecond)
		require.NoError(t, f.svc.DeleteJob(ctx, "flaky"))
		atDelete := len(f.inv.snapshot())

		time.Sleep(1500 * time.Millisecond)
		assert.Equal(t, atDelete, len(f.inv.snapshot()), "retries kept calling a deleted job")
	})

	t.Run("replaced", func(t *testing.T) {
		t.Parallel()
		f := newFixtureWithEngine(t, ec)
		f.inv.setErr(errors.New("upstream down"))
		_, err := f.svc.ScheduleJob(ctx, "flaky", "* * * * * *", body("old"))
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(f.inv.snapshot()) >= 1 }, 3*time.Second, 5*time.Millisecond)
		_, err = f.svc.UpdateJob(ctx, "flaky", yearly, body("new"))
		require.NoError(t, err)
		cut := len(f.inv.snapshot())

		time.Sleep(1500 * time.Millisecond)
		for _, c := range f.inv.snapshot()[cut:] {
			assert.NotEqual(t, string(body("old")), c.payload, "old payload retried after update")
		}
	})
}

func TestOneShotJobExpiresAfterFire(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	events, unsub := f.bus.Subscribe(16, "job.")
	defer unsub()

	at := time.Now().UTC().Add(2 * time.Second).Truncate(time.Second)
	info, err := f.svc.ScheduleJob(context.Background(), "once", at.Format(time.RFC3339), body("a"))
	require.NoError(t, err)
	assert.Equal(t, "once", info.Kind)

	require.Eventually(t, func() bool { return f.svc.Registry().Len() == 0 }, 5*time.Second, 50*time.Millisecond)
	calls := f.inv.snapshot()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].at.Before(at), "fired before its instant")

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Contains(t, types, eventbus.JobExpired)
}

func TestOneShotJobKeptWhenConfigured(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithKeepFiredOnce(true))

	at := time.Now().UTC().Add(2 * time.Second).Truncate(time.Second)
	_, err := f.svc.ScheduleJob(context.Background(), "once", at.Format(time.RFC3339), body("a"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.inv.snapshot()) == 1 }, 5*time.Second, 50*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, f.svc.Registry().Len())
}

func TestConcurrentUpdateDuringTicks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ScheduleJob(ctx, "hot", "* * * * * *", body("v0"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 50 * time.Millisecond)
			_, err := f.svc.UpdateJob(ctx, "hot", "* * * * * *", body(fmt.Sprintf("v%d", i)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, err = f.svc.UpdateJob(ctx, "hot", "* * * * * *", body("final"))
	require.NoError(t, err)
	cut := len(f.inv.snapshot())

	time.Sleep(2500 * time.Millisecond)
	later := f.inv.snapshot()[cut:]
	require.NotEmpty(t, later)
	stray := 0
	for _, c := range later {
		if c.payload != string(body("final")) {
			stray++
		}
	}
	assert.LessOrEqual(t, stray, 1, "old payload fired after the update returned")

	require.NoError(t, f.svc.TriggerJob(ctx, "hot"))
	all := f.inv.snapshot()
	assert.JSONEq(t, string(body("final")), all[len(all)-1].payload)
	assert.Equal(t, 1, f.svc.Registry().Len())
}

func TestHistoryFallsBackToEngine(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ScheduleJob(ctx, "h", yearly, body("a"))
	require.NoError(t, err)

	recs, err := f.svc.History(ctx, "h", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, f.svc.TriggerJob(ctx, "h"))
	recs, err = f.svc.History(ctx, "h", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "manual", recs[0].Trigger)
	assert.Equal(t, 200, recs[0].Code)

	_, err = f.svc.History(ctx, "unknown", 10)
	assert.True(t, errors.Is(err, ErrNotFound))
}
