// Package schedule normalizes user-supplied schedule strings.
//
// A schedule is either a cron expression (passed through untouched; the
// scheduler's parser validates it later) or an absolute timestamp, which is
// pinned into a 6-field "s m h D M *" expression that fires once at that instant.
package schedule
