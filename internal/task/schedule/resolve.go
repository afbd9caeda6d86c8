package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Kind describes the normalized kind of a schedule string.
type Kind int

const (
	KindCron Kind = iota
	KindOnce
)

func (k Kind) String() string {
	switch k {
	case KindOnce:
		return "once"
	default:
		return "cron"
	}
}

var (
	ErrEmpty  = errors.New("schedule required")
	ErrInPast = errors.New("cannot schedule a job in the past")
)

// Resolved is the outcome of Resolve.
//
// For KindOnce, At is the (second-aligned) instant the expression pins and
// Expression is the canonical 6-field form in the resolver's location.
type Resolved struct {
	Kind       Kind
	Expression string
	At         time.Time
	Source     string // raw input, trimmed
}

// timestampLayouts are tried in order. Zone-less layouts are read in the
// resolver location.
var timestampLayouts = []struct {
	layout string
	zoned  bool
}{
	{time.RFC3339Nano, true},
	{time.RFC3339, true},
	{"2006-01-02T15:04:05.999999999Z0700", true},
	{"2006-01-02T15:04Z07:00", true},
	{"2006-01-02T15:04:05-07", true},
	{"20060102T150405Z0700", true},
	{"20060102T150405", false},
	{"2006-01-02T15:04:05.999999999", false},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02 15:04:05", false},
	{"2006-01-02T15:04", false},
	{"2006-01-02", false},
}

type Resolver struct {
	loc *time.Location
	now func() time.Time
}

type Option func(*Resolver)

// WithClock overrides the clock used for the "in the past" check.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLocation sets the location used for zone-less timestamps and for the
// emitted one-shot expression.
func WithLocation(loc *time.Location) Option {
	return func(r *Resolver) {
		if loc != nil {
			r.loc = loc
		}
	}
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{loc: time.Local, now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

func (r *Resolver) Location() *time.Location { return r.loc }

// Resolve turns raw into the expression handed to the scheduler.
func (r *Resolver) Resolve(raw string) (Resolved, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Resolved{}, ErrEmpty
	}

	at, ok := r.parseTimestamp(s)
	if !ok {
		return Resolved{Kind: KindCron, Expression: s, Source: s}, nil
	}

	now := r.now()
	if at.Before(now) {
		return Resolved{}, errors.WithDetailf(ErrInPast, "%s is before %s", at.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	// Round up so the job never fires before the requested instant.
	if at.Nanosecond() != 0 {
		at = at.Truncate(time.Second).Add(time.Second)
	}
	at = at.In(r.loc)

	return Resolved{
		Kind:       KindOnce,
		Expression: OnceExpression(at),
		At:         at,
		Source:     s,
	}, nil
}

func (r *Resolver) parseTimestamp(s string) (time.Time, bool) {
	// Cron expressions and descriptors never start with a date.
	if !looksLikeDate(s) {
		return time.Time{}, false
	}
	for _, l := range timestampLayouts {
		var (
			t   time.Time
			err error
		)
		if l.zoned {
			t, err = time.Parse(l.layout, s)
		} else {
			t, err = time.ParseInLocation(l.layout, s, r.loc)
		}
		if err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// looksLikeDate matches the extended (2006-01-02) and basic (20060102T) date prefixes.
func looksLikeDate(s string) bool {
	if len(s) < 10 {
		return false
	}
	if s[4] == '-' && isDigits(s[:4]) {
		return true
	}
	return isDigits(s[:8]) && s[8] == 'T'
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// OnceExpression pins second/minute/hour/day/month of t, weekday wildcard.
func OnceExpression(t time.Time) string {
	return fmt.Sprintf("%d %d %d %d %d *", t.Second(), t.Minute(), t.Hour(), t.Day(), int(t.Month()))
}
