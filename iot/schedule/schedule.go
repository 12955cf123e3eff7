/*Package schedule compiles scheduled command requests into trigger specifications

A request says "switch device X on (or off) at a local time T, optionally repeating on a
set of weekdays, optionally until an end time". The compiler parses the local timestamps,
which carry an explicit UTC offset, re-expresses them in UTC, encodes the action as payload
"1" or "0" and translates the selected weekdays into day tokens of the scheduler.

Day tokens count from Monday:

	Monday=0 Tuesday=1 Wednesday=2 Thursday=3 Friday=4 Saturday=5 Sunday=6

whereas requests list the weekdays from Sunday to Saturday.
*/
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/relabs-tech/devicecloud/iot/credentials"
)

// TimestampLayout is the layout of request timestamps, e.g. "2024-06-01 10:00:00+0300"
const TimestampLayout = "2006-01-02 15:04:05-0700"

// Errors returned by the compiler
var (
	ErrMalformedTimestamp = errors.New("malformed timestamp")
	ErrNoDaysSelected     = errors.New("repeating job without weekdays")
	ErrEndBeforeStart     = errors.New("end of repeating job is before its start")
)

// Kind is the kind of trigger
type Kind int

// Trigger kinds
const (
	OneShot Kind = iota
	Recurring
)

func (k Kind) String() string {
	if k == Recurring {
		return "recurring"
	}
	return "one-shot"
}

// DayToken is a Monday-first weekday ordinal
type DayToken int

// dayTokens maps weekdays to their tokens
var dayTokens = map[time.Weekday]DayToken{
	time.Sunday:    6,
	time.Monday:    0,
	time.Tuesday:   1,
	time.Wednesday: 2,
	time.Thursday:  3,
	time.Friday:    4,
	time.Saturday:  5,
}

// Weekday returns the weekday of the token
func (d DayToken) Weekday() time.Weekday {
	return time.Weekday((int(d) + 1) % 7)
}

// TokenOf returns the token of a weekday
func TokenOf(w time.Weekday) DayToken {
	return dayTokens[w]
}

// Request is a scheduled command request
type Request struct {
	DeviceID      string `json:"device_id"`
	Topic         string `json:"topic"`
	RepeatJob     bool   `json:"repeat_job"`
	Sunday        bool   `json:"Sunday"`
	Monday        bool   `json:"Monday"`
	Tuesday       bool   `json:"Tuesday"`
	Wednesday     bool   `json:"Wednesday"`
	Thursday      bool   `json:"Thursday"`
	Friday        bool   `json:"Friday"`
	Saturday      bool   `json:"Saturday"`
	JobAction     bool   `json:"job_action"`
	StartSelected bool   `json:"start_date_time_selected"`
	StartValue    string `json:"start_date_time_values"`
	EndSelected   bool   `json:"end_date_time_selected"`
	EndValue      string `json:"end_date_time_values"`
}

// Spec is a fully resolved trigger specification
type Spec struct {
	JobID    string
	DeviceID string
	Topic    string
	Payload  string
	Kind     Kind
	// Start is the firing time of a one-shot job, and the first instant and time of day
	// of a recurring job
	Start time.Time
	// End is the last instant a recurring job may fire. Nil means no end.
	End  *time.Time
	Days []DayToken
}

// DayOfWeek returns the day tokens as comma separated list, e.g. "6,2"
func (s Spec) DayOfWeek() string {
	strs := make([]string, len(s.Days))
	for i, d := range s.Days {
		strs[i] = strconv.Itoa(int(d))
	}
	return strings.Join(strs, ",")
}

// Compiler compiles requests into specs
type Compiler struct {
	now    func() time.Time
	random func() (string, error)
}

// JobIDSuffixLength is the number of random characters appended to the device id
const JobIDSuffixLength = 16

// NewCompiler returns a new compiler
func NewCompiler() *Compiler {
	return &Compiler{
		now: time.Now,
		random: func() (string, error) {
			return credentials.RandomString(JobIDSuffixLength, credentials.UpperAlphanumeric)
		},
	}
}

// ParseTimestamp parses a timestamp in TimestampLayout and returns the same instant in UTC
func ParseTimestamp(value string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedTimestamp, value)
	}
	return t.UTC(), nil
}

// Compile resolves the request into a spec with a new job id. Job ids are the device id
// followed by random characters; they are not checked for collisions.
func (c *Compiler) Compile(req Request) (Spec, error) {
	if req.DeviceID == "" || req.Topic == "" {
		return Spec{}, errors.New("device_id and topic are required")
	}

	var start time.Time
	if req.StartSelected || req.StartValue != "" {
		var err error
		if start, err = ParseTimestamp(req.StartValue); err != nil {
			return Spec{}, err
		}
	} else {
		start = c.now().UTC().Truncate(time.Second)
	}

	var end *time.Time
	if req.EndSelected || req.EndValue != "" {
		t, err := ParseTimestamp(req.EndValue)
		if err != nil {
			return Spec{}, err
		}
		if req.EndSelected {
			end = &t
		}
	}

	spec := Spec{
		DeviceID: req.DeviceID,
		Topic:    req.Topic,
		Payload:  "0",
		Kind:     OneShot,
		Start:    start,
	}
	if req.JobAction {
		spec.Payload = "1"
	}

	if req.RepeatJob {
		selected := []struct {
			on  bool
			day time.Weekday
		}{
			{req.Sunday, time.Sunday},
			{req.Monday, time.Monday},
			{req.Tuesday, time.Tuesday},
			{req.Wednesday, time.Wednesday},
			{req.Thursday, time.Thursday},
			{req.Friday, time.Friday},
			{req.Saturday, time.Saturday},
		}
		for _, s := range selected {
			if s.on {
				spec.Days = append(spec.Days, dayTokens[s.day])
			}
		}
		if len(spec.Days) == 0 {
			return Spec{}, ErrNoDaysSelected
		}
		if end != nil && end.Before(start) {
			return Spec{}, ErrEndBeforeStart
		}
		spec.Kind = Recurring
		spec.End = end
	}

	suffix, err := c.random()
	if err != nil {
		return Spec{}, err
	}
	spec.JobID = req.DeviceID + suffix
	return spec, nil
}
