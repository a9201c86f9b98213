package engine

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sosodev/duration"

	"github.com/tokenflow/tokenflow/pkg/model"
)

// Job is a scheduled timer. The engine only decides which jobs exist; firing
// them is left to a worker calling FireTimer.
type Job struct {
	// ID uniquely identifies the job.
	ID string `json:"id"`

	ProcessInstanceID   string `json:"process_instance_id"`
	ProcessDefinitionID string `json:"process_definition_id"`

	// ExecutionID is the execution the timer belongs to. For a boundary timer this
	// is the execution of the activity it is attached to.
	ExecutionID string `json:"execution_id"`

	// ActivityID is the activity of origin: the boundary event or the intermediate catch event.
	ActivityID string `json:"activity_id"`

	// AttachedActivityID is set for boundary timers.
	AttachedActivityID string `json:"attached_activity_id,omitempty"`

	// Interrupting is set for interrupting boundary timers.
	Interrupting bool `json:"interrupting,omitempty"`

	DueDate time.Time `json:"due_date"`

	// Cycle is the cron expression of a repeating timer.
	Cycle string `json:"cycle,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsBoundary reports whether the job belongs to a boundary event.
func (j *Job) IsBoundary() bool {
	return j.AttachedActivityID != ""
}

// Clone returns a copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	return &c
}

// DueDate computes when a timer fires, relative to now.
// Durations accept Go syntax ("90s", "1h30m") and ISO-8601 periods ("PT10M", "P1M2DT2H").
// Dates are RFC 3339. Cycles are standard cron expressions or descriptors such as "@every 1h".
func DueDate(timer *model.TimerDefinition, now time.Time) (time.Time, error) {
	switch {
	case timer == nil:
		return time.Time{}, fmt.Errorf("no timer definition")
	case timer.Duration != "":
		if d, err := time.ParseDuration(timer.Duration); err == nil {
			return now.Add(d), nil
		}
		p, err := parsePeriod(timer.Duration)
		if err != nil {
			return time.Time{}, err
		}
		if p.Years != math.Trunc(p.Years) || p.Months != math.Trunc(p.Months) {
			return time.Time{}, fmt.Errorf("invalid timer duration %q: fractional years and months are not supported", timer.Duration)
		}
		d, err := clockDuration(timer.Duration, p, 0)
		if err != nil {
			return time.Time{}, err
		}
		return now.AddDate(int(p.Years), int(p.Months), 0).Add(d), nil
	case timer.Date != "":
		t, err := time.Parse(time.RFC3339, timer.Date)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timer date %q: %w", timer.Date, err)
		}
		return t.UTC(), nil
	case timer.Cycle != "":
		return NextCycle(timer.Cycle, now)
	default:
		return time.Time{}, fmt.Errorf("timer definition sets neither duration, date nor cycle")
	}
}

// NextCycle returns the next activation of a cron cycle after now.
func NextCycle(cycle string, now time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(cycle)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timer cycle %q: %w", cycle, err)
	}
	return schedule.Next(now).UTC(), nil
}

// ParseDuration parses a Go duration or an ISO-8601 period. Years and months
// count as 365 and 30 days; DueDate applies them on the calendar instead.
func ParseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	p, err := parsePeriod(s)
	if err != nil {
		return 0, err
	}
	return clockDuration(s, p, p.Years*365+p.Months*30)
}

func parsePeriod(s string) (*duration.Duration, error) {
	// The parser accepts a dangling designator or number, as in "P", "P1DT" or "P5".
	if len(s) < 3 || !strings.ContainsRune("YMWDHS", rune(s[len(s)-1])) {
		return nil, fmt.Errorf("invalid timer duration %q", s)
	}
	p, err := duration.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid timer duration %q: %w", s, err)
	}
	if p.Negative {
		return nil, fmt.Errorf("invalid timer duration %q: negative periods are not supported", s)
	}
	return p, nil
}

var maxDurationSeconds = float64(math.MaxInt64) / float64(time.Second)

// clockDuration converts the weeks and smaller units of p, plus extraDays, to a duration.
func clockDuration(s string, p *duration.Duration, extraDays float64) (time.Duration, error) {
	secs := ((p.Weeks*7+p.Days+extraDays)*24+p.Hours)*3600 + p.Minutes*60 + p.Seconds
	if secs >= maxDurationSeconds {
		return 0, fmt.Errorf("invalid timer duration %q: out of range", s)
	}
	return time.Duration(math.Round(secs * float64(time.Second))), nil
}
