package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "cronrelay/pkg/logx"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := New(Config{Timezone: "UTC"}, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestScheduleRejectsInvalidExpression(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	_, err := s.Schedule("bad", "definitely not cron", Options{}, func(context.Context, Trigger) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidExpression))

	_, err = s.Schedule("bad", "61 * * * *", Options{}, func(context.Context, Trigger) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidExpression))
}

func TestScheduleAcceptsSupportedForms(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	for _, expr := range []string{"*/5 * * * *", "0 30 9 * * 1-5", "@hourly", "@every 90s"} {
		e, err := s.Schedule("ok", expr, Options{}, func(context.Context, Trigger) error { return nil })
		require.NoError(t, err, expr)
		info := e.Info()
		assert.Equal(t, expr, info.Expression)
		assert.False(t, info.Next.IsZero(), "next for %q", expr)
		e.Stop()
	}
}

func TestEntryStopPreventsFurtherFires(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	var n atomic.Int32
	fired := make(chan struct{}, 16)
	e, err := s.Schedule("tick", "* * * * * *", Options{}, func(_ context.Context, tr Trigger) error {
		if tr != TriggerSchedule {
			t.Errorf("trigger = %s, want %s", tr, TriggerSchedule)
		}
		n.Add(1)
		fired <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	s.Start(context.Background())

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("entry never fired")
	}

	e.Stop()
	e.Stop() // idempotent
	assert.True(t, e.Stopped())

	after := n.Load()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, after, n.Load(), "entry fired after Stop returned")
	assert.True(t, e.Info().Next.IsZero())
}

func TestFireOnceIsSynchronousAndKeepsSchedule(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	boom := errors.New("boom")
	var got Trigger
	e, err := s.Schedule("manual", "0 0 1 1 *", Options{}, func(_ context.Context, tr Trigger) error {
		got = tr
		return boom
	})
	require.NoError(t, err)
	s.Start(context.Background())

	before := e.Info().Next
	err = e.FireOnce(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, TriggerManual, got)
	assert.False(t, e.Stopped())
	assert.Equal(t, before, e.Info().Next)
}

func TestScheduledErrorsDoNotDeregister(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	fired := make(chan struct{}, 16)
	e, err := s.Schedule("flaky", "* * * * * *", Options{}, func(context.Context, Trigger) error {
		fired <- struct{}{}
		return errors.New("downstream failed")
	})
	require.NoError(t, err)
	s.Start(context.Background())

	for i := 0; i < 2; i++ {
		select {
		case <-fired:
		case <-time.After(3 * time.Second):
			t.Fatalf("fire %d missing", i+1)
		}
	}
	assert.False(t, e.Stopped())
}

func TestOnceEntryFiresExactlyOnce(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	at := time.Now().Add(time.Second).Truncate(time.Second).Add(time.Second)
	var n atomic.Int32
	var firedAt atomic.Int64
	e, err := s.Schedule("once", "* * * * * *", Options{Once: at}, func(context.Context, Trigger) error {
		firedAt.Store(time.Now().UnixNano())
		n.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, e.Info().Once)
	s.Start(context.Background())

	time.Sleep(time.Until(at) + 2500*time.Millisecond)
	assert.Equal(t, int32(1), n.Load())
	assert.False(t, time.Unix(0, firedAt.Load()).Before(at), "fired before its instant")
}

func TestOnceScheduleNext(t *testing.T) {
	t.Parallel()
	at := time.Date(2030, 5, 1, 10, 0, 0, 0, time.UTC)
	s := onceSchedule{at: at}

	if got := s.Next(at.Add(-time.Hour)); !got.Equal(at) {
		t.Fatalf("Next before = %v, want %v", got, at)
	}
	if got := s.Next(at); !got.IsZero() {
		t.Fatalf("Next at instant = %v, want zero", got)
	}
	if got := s.Next(at.Add(time.Minute)); !got.IsZero() {
		t.Fatalf("Next after = %v, want zero", got)
	}
}

func TestInvalidTimezoneFallsBackToLocal(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "Mars/Olympus"}, logx.Nop())
	assert.Equal(t, time.Local, s.Location())
}
