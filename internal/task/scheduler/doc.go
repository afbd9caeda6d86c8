// Package scheduler is the timer engine behind every job.
//
// It wraps a single robfig/cron instance. Each registered job gets an Entry
// that can be stopped (idempotently) and fired out of band. The scheduler
// never interprets what a tick does; callers hand it a TickFunc.
package scheduler
