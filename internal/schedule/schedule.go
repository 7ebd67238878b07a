// Package schedule computes occurrences and fire windows for schedule
// entries. It does no I/O; every computation happens in the fixed
// location passed by the caller, never in the host's local zone.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hray3182/titanbot/internal/models"
	"github.com/hray3182/titanbot/internal/rrule"
)

var ErrInvalid = errors.New("invalid schedule")

const (
	dateLayout = "2006-01-02"
	keyLayout  = "20060102T1504"

	// upper bound on occurrences inspected by one window search
	maxScan = 1000
)

// Window is an occurrence whose notification moment has arrived.
type Window struct {
	Key        string
	Occurrence time.Time
	FireAt     time.Time
}

// OccurrenceKey encodes an occurrence instant as its wall-clock minute in loc.
func OccurrenceKey(o time.Time, loc *time.Location) string {
	return o.In(loc).Format(keyLayout)
}

// ParseOccurrenceKey is the inverse of OccurrenceKey.
func ParseOccurrenceKey(key string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(keyLayout, key, loc)
}

// NextOccurrence returns the first occurrence of the underlying event at or
// after ref. ok is false when the entry has no more occurrences.
func NextOccurrence(e *models.ScheduleEntry, ref time.Time, loc *time.Location) (time.Time, bool, error) {
	next, err := iterate(e, ref, loc)
	if err != nil {
		return time.Time{}, false, err
	}
	o, ok := next()
	return o, ok, nil
}

// DueNotificationWindow returns the earliest occurrence o of e such that
// o - leadOffset <= ref and o is not covered by lastFiredAt, or nil.
// Occurrences earlier than ref - catchUp are no longer announced.
func DueNotificationWindow(e *models.ScheduleEntry, ref time.Time, loc *time.Location, catchUp time.Duration) (*Window, error) {
	from := ref.Add(-catchUp)
	if e.LastFiredAt != nil && e.LastFiredAt.After(from) {
		from = *e.LastFiredAt
	}
	next, err := iterate(e, from, loc)
	if err != nil {
		return nil, err
	}
	lead := e.LeadOffset.Std()
	for i := 0; i < maxScan; i++ {
		o, ok := next()
		if !ok {
			return nil, nil
		}
		fireAt := o.Add(-lead)
		if fireAt.After(ref) {
			return nil, nil
		}
		if e.Covers(o) {
			continue
		}
		return &Window{Key: OccurrenceKey(o, loc), Occurrence: o, FireAt: fireAt}, nil
	}
	return nil, nil
}

// Upcoming lists up to n occurrences at or after ref.
func Upcoming(e *models.ScheduleEntry, ref time.Time, loc *time.Location, n int) ([]time.Time, error) {
	next, err := iterate(e, ref, loc)
	if err != nil {
		return nil, err
	}
	var out []time.Time
	for len(out) < n {
		o, ok := next()
		if !ok {
			break
		}
		out = append(out, o)
	}
	return out, nil
}

// iterate yields occurrences at or after from in ascending order.
func iterate(e *models.ScheduleEntry, from time.Time, loc *time.Location) (func() (time.Time, bool), error) {
	r := e.Recurrence
	switch r.Kind {
	case models.RecurrenceOnce:
		if r.At == nil {
			return nil, fmt.Errorf("%w: one-shot entry has no instant", ErrInvalid)
		}
		done := r.At.Before(from)
		at := r.At.In(loc)
		return func() (time.Time, bool) {
			if done {
				return time.Time{}, false
			}
			done = true
			return at, true
		}, nil

	case models.RecurrenceWeekly:
		start := startOfDay(from, loc)
		if r.ValidFrom != "" {
			vf, err := time.ParseInLocation(dateLayout, r.ValidFrom, loc)
			if err != nil {
				return nil, fmt.Errorf("%w: validFrom: %v", ErrInvalid, err)
			}
			if vf.After(start) {
				start = vf
			}
		}
		var until *time.Time
		if r.ValidUntil != "" {
			vu, err := time.ParseInLocation(dateLayout, r.ValidUntil, loc)
			if err != nil {
				return nil, fmt.Errorf("%w: validUntil: %v", ErrInvalid, err)
			}
			end := vu.AddDate(0, 0, 1).Add(-time.Second)
			until = &end
		}
		rule, err := rrule.Weekly(r.Slots, loc, start, until)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		cur, inc := from, true
		return func() (time.Time, bool) {
			o := rule.After(cur, inc)
			if o.IsZero() {
				return time.Time{}, false
			}
			cur, inc = o, false
			return o, true
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown recurrence kind %q", ErrInvalid, r.Kind)
	}
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// Validate checks an entry's rule and content before it is stored.
func Validate(e *models.ScheduleEntry) error {
	if strings.TrimSpace(e.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalid)
	}
	if e.LeadOffset < 0 {
		return fmt.Errorf("%w: lead offset cannot be negative", ErrInvalid)
	}
	switch e.MessageMode {
	case models.MessageTemplate, models.MessageAI:
	case models.MessageManual:
		if strings.TrimSpace(e.Message) == "" {
			return fmt.Errorf("%w: manual mode needs a message", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown message mode %q", ErrInvalid, e.MessageMode)
	}

	r := e.Recurrence
	switch r.Kind {
	case models.RecurrenceOnce:
		if r.At == nil || r.At.IsZero() {
			return fmt.Errorf("%w: one-shot entry needs a date and time", ErrInvalid)
		}
		if len(r.Slots) > 0 || r.ValidFrom != "" || r.ValidUntil != "" {
			return fmt.Errorf("%w: one-shot entry cannot have weekly fields", ErrInvalid)
		}
	case models.RecurrenceWeekly:
		if len(r.Slots) == 0 {
			return fmt.Errorf("%w: weekly entry needs at least one day and time", ErrInvalid)
		}
		seen := make(map[models.Slot]bool)
		for _, s := range r.Slots {
			if s.Weekday < time.Sunday || s.Weekday > time.Saturday {
				return fmt.Errorf("%w: invalid weekday %d", ErrInvalid, s.Weekday)
			}
			if _, _, err := rrule.ParseClock(s.Time); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalid, err)
			}
			if seen[s] {
				return fmt.Errorf("%w: duplicate slot %s %s", ErrInvalid, s.Weekday, s.Time)
			}
			seen[s] = true
		}
		var from, until time.Time
		var err error
		if r.ValidFrom != "" {
			if from, err = time.Parse(dateLayout, r.ValidFrom); err != nil {
				return fmt.Errorf("%w: start date must be YYYY-MM-DD", ErrInvalid)
			}
		}
		if r.ValidUntil != "" {
			if until, err = time.Parse(dateLayout, r.ValidUntil); err != nil {
				return fmt.Errorf("%w: end date must be YYYY-MM-DD", ErrInvalid)
			}
		}
		if !from.IsZero() && !until.IsZero() && until.Before(from) {
			return fmt.Errorf("%w: end date is before start date", ErrInvalid)
		}
		if r.At != nil {
			return fmt.Errorf("%w: weekly entry cannot have a fixed instant", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown recurrence kind %q", ErrInvalid, r.Kind)
	}
	return nil
}

// Slots builds weekly slots for every day in days at the same clock time.
func Slots(days []time.Weekday, clock string) ([]models.Slot, error) {
	h, m, err := rrule.ParseClock(clock)
	if err != nil {
		return nil, err
	}
	norm := fmt.Sprintf("%02d:%02d", h, m)
	out := make([]models.Slot, len(days))
	for i, d := range days {
		out[i] = models.Slot{Weekday: d, Time: norm}
	}
	return out, nil
}

// ParseSlots parses "Tue,Thu" and "10:00" into slots.
func ParseSlots(days, clock string) ([]models.Slot, error) {
	wd, err := rrule.ParseWeekdays(days)
	if err != nil {
		return nil, err
	}
	return Slots(wd, clock)
}

// ParseInstant parses a date and clock time in loc.
func ParseInstant(date, clock string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout+" 15:04", date+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date/time %q %q, expected YYYY-MM-DD HH:MM", date, clock)
	}
	return t, nil
}

// Describe renders the recurrence for people, e.g. "Tue, Thu 10:00".
func Describe(e *models.ScheduleEntry, loc *time.Location) string {
	r := e.Recurrence
	switch r.Kind {
	case models.RecurrenceOnce:
		if r.At == nil {
			return "once"
		}
		return "once on " + r.At.In(loc).Format("Mon 02 Jan 2006 15:04")
	case models.RecurrenceWeekly:
		s := rrule.HumanReadable(r.Slots)
		switch {
		case r.ValidFrom != "" && r.ValidUntil != "":
			s += fmt.Sprintf(" (%s to %s)", r.ValidFrom, r.ValidUntil)
		case r.ValidFrom != "":
			s += " (from " + r.ValidFrom + ")"
		case r.ValidUntil != "":
			s += " (until " + r.ValidUntil + ")"
		}
		return s
	}
	return string(r.Kind)
}
