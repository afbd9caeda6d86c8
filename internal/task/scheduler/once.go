package scheduler

import "time"

// onceSchedule fires exactly at at and never again.
// A zero Next tells robfig/cron the entry is finished.
type onceSchedule struct {
	at time.Time
}

func (s onceSchedule) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}
