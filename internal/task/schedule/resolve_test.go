package schedule

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestResolveCronPassthrough(t *testing.T) {
	t.Parallel()
	r := NewResolver()
	tests := []string{
		"* * * * *",
		"*/5 * * * *",
		"0 30 9 * * 1-5",
		"@hourly",
		"@every 5m",
		"not even cron",
	}
	for _, raw := range tests {
		raw := raw
		t.Run(raw, func(t *testing.T) {
			got, err := r.Resolve(raw)
			require.NoError(t, err)
			assert.Equal(t, KindCron, got.Kind)
			assert.Equal(t, raw, got.Expression)
			assert.True(t, got.At.IsZero())
		})
	}
}

func TestResolveEmpty(t *testing.T) {
	t.Parallel()
	_, err := NewResolver().Resolve("   ")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmpty))
}

func TestResolvePastTimestamp(t *testing.T) {
	t.Parallel()
	r := NewResolver()
	_, err := r.Resolve("2020-01-01T00:00:00Z")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInPast))
	assert.Contains(t, err.Error(), "cannot schedule a job in the past")
}

func TestResolveFutureTimestamp(t *testing.T) {
	t.Parallel()
	now := time.Date(2030, 3, 10, 8, 0, 0, 0, time.UTC)
	r := NewResolver(WithLocation(time.UTC), WithClock(fixedClock(now)))

	got, err := r.Resolve("2030-03-12T14:05:09Z")
	require.NoError(t, err)
	assert.Equal(t, KindOnce, got.Kind)
	assert.Equal(t, "9 5 14 12 3 *", got.Expression)

	want := time.Date(2030, 3, 12, 14, 5, 9, 0, time.UTC)
	assert.True(t, got.At.Equal(want), "At = %v", got.At)

	sched, err := testParser.Parse(got.Expression)
	require.NoError(t, err)
	assert.True(t, sched.Next(now).Equal(want))
	// Never before T.
	assert.False(t, sched.Next(now).Before(want))
}

func TestResolveRoundsUpToWholeSecond(t *testing.T) {
	t.Parallel()
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewResolver(WithLocation(time.UTC), WithClock(fixedClock(now)))

	got, err := r.Resolve("2030-01-01T10:00:00.250Z")
	require.NoError(t, err)
	assert.Equal(t, "1 0 10 1 1 *", got.Expression)
	assert.True(t, got.At.Equal(time.Date(2030, 1, 1, 10, 0, 1, 0, time.UTC)))
}

func TestResolveConvertsToLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*60*60)
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewResolver(WithLocation(loc), WithClock(fixedClock(now)))

	got, err := r.Resolve("2030-06-01T20:30:00Z")
	require.NoError(t, err)
	// 20:30 UTC is 03:30 next day at UTC+7.
	assert.Equal(t, "0 30 3 2 6 *", got.Expression)
}

func TestResolveZonelessLayouts(t *testing.T) {
	t.Parallel()
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewResolver(WithLocation(time.UTC), WithClock(fixedClock(now)))

	tests := []struct {
		raw  string
		want string
	}{
		{raw: "2030-02-03T04:05:06", want: "6 5 4 3 2 *"},
		{raw: "2030-02-03 04:05:06", want: "6 5 4 3 2 *"},
		{raw: "2030-02-03T04:05", want: "0 5 4 3 2 *"},
		{raw: "2030-02-03", want: "0 0 0 3 2 *"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := r.Resolve(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, KindOnce, got.Kind)
			assert.Equal(t, tt.want, got.Expression)
		})
	}
}

func TestResolveISOOffsetsAndBasicFormat(t *testing.T) {
	t.Parallel()
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewResolver(WithLocation(time.UTC), WithClock(fixedClock(now)))

	tests := []struct {
		raw  string
		want time.Time
	}{
		{raw: "2030-01-01T10:00:00+0530", want: time.Date(2030, 1, 1, 4, 30, 0, 0, time.UTC)},
		{raw: "2030-01-01T10:00:00.5-0200", want: time.Date(2030, 1, 1, 12, 0, 1, 0, time.UTC)},
		{raw: "2030-01-01T10:00:00+05", want: time.Date(2030, 1, 1, 5, 0, 0, 0, time.UTC)},
		{raw: "2030-01-01T10:00+01:00", want: time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)},
		{raw: "20300101T100000Z", want: time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)},
		{raw: "20300101T100000+0100", want: time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)},
		{raw: "20300101T100000", want: time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := r.Resolve(tt.raw)
			require.NoError(t, err)
			require.Equal(t, KindOnce, got.Kind)
			assert.True(t, got.At.Equal(tt.want), "At = %v", got.At)
			assert.Equal(t, OnceExpression(tt.want), got.Expression)
		})
	}

	_, err := r.Resolve("20200101T100000Z")
	assert.True(t, errors.Is(err, ErrInPast))
}

func TestResolveNowIsNotPast(t *testing.T) {
	t.Parallel()
	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewResolver(WithLocation(time.UTC), WithClock(fixedClock(now)))

	got, err := r.Resolve("2030-01-01T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, KindOnce, got.Kind)
}

func TestKindString(t *testing.T) {
	t.Parallel()
	if KindCron.String() != "cron" || KindOnce.String() != "once" {
		t.Fatalf("unexpected kind strings: %s %s", KindCron, KindOnce)
	}
}
