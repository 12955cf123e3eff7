package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/relabs-tech/devicecloud/iot/schedule"
	"github.com/robfig/cron/v3"
)

// onceSchedule fires a single time at the given instant, or as soon as possible
// if the instant has already passed when the job is registered.
type onceSchedule struct {
	mutex  sync.Mutex
	at     time.Time
	handed bool
}

// Next implements cron.Schedule. The first call hands out the firing time. Every later
// call at or after that time comes from the run loop after the job fired, so there is
// no further occurrence.
func (o *onceSchedule) Next(t time.Time) time.Time {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if t.Before(o.at) {
		o.handed = true
		return o.at
	}
	if o.handed {
		return time.Time{}
	}
	o.handed = true
	return t
}

// windowSchedule restricts a weekday schedule to the instants between start and end,
// both inclusive. A nil end leaves the window open.
type windowSchedule struct {
	days  cron.Schedule
	start time.Time
	end   *time.Time
}

// Next implements cron.Schedule
func (w *windowSchedule) Next(t time.Time) time.Time {
	if t.Before(w.start) {
		// cron schedules return instants strictly after t
		t = w.start.Add(-time.Second)
	}
	next := w.days.Next(t)
	if next.IsZero() || (w.end != nil && next.After(*w.end)) {
		return time.Time{}
	}
	return next
}

// dayNames are the cron names of the Monday-first day tokens
var dayNames = [7]string{"MON", "TUE", "WED", "THU", "FRI", "SAT", "SUN"}

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// cronExpression returns the cron expression firing on the spec's days at the UTC
// time of day of its start
func cronExpression(spec schedule.Spec) (string, error) {
	names := make([]string, 0, len(spec.Days))
	for _, d := range spec.Days {
		if d < 0 || int(d) >= len(dayNames) {
			return "", fmt.Errorf("invalid day token %d", d)
		}
		names = append(names, dayNames[d])
	}
	start := spec.Start.UTC()
	return fmt.Sprintf("CRON_TZ=UTC %d %d %d * * %s", start.Second(), start.Minute(), start.Hour(), strings.Join(names, ",")), nil
}

// trigger builds the cron schedule for a spec
func trigger(spec schedule.Spec) (cron.Schedule, error) {
	if spec.Kind == schedule.OneShot {
		return &onceSchedule{at: spec.Start.UTC()}, nil
	}
	if len(spec.Days) == 0 {
		return nil, schedule.ErrNoDaysSelected
	}
	expr, err := cronExpression(spec)
	if err != nil {
		return nil, err
	}
	days, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cannot parse %q: %w", expr, err)
	}
	return &windowSchedule{days: days, start: spec.Start.UTC(), end: spec.End}, nil
}
