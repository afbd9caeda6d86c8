package jobs

import (
	"github.com/cockroachdb/errors"
)

// Error kinds. Use errors.Is to classify; messages come from the wrapped error.
var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrConflict        = errors.New("job already exists")
	ErrNotFound        = errors.New("job not found")
	ErrActionFailed    = errors.New("action failed")
	ErrInvalidArgument = errors.New("invalid argument")
)

const scheduleHint = "use a cron expression like '*/5 * * * *', a descriptor like '@hourly', or an ISO-8601 timestamp in the future"

func notFound(name string) error {
	return errors.Mark(errors.Newf("Cron job with name %q not found", name), ErrNotFound)
}

func conflict(name string) error {
	return errors.Mark(errors.Newf("Cron job with name %q already exists", name), ErrConflict)
}

func invalidSchedule(err error) error {
	return errors.WithHint(errors.Mark(err, ErrInvalidSchedule), scheduleHint)
}

func invalidArgument(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidArgument)
}
