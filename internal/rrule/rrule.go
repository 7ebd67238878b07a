package rrule

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hray3182/titanbot/internal/models"
	"github.com/teambition/rrule-go"
)

// Weekday constants
var weekdayMap = map[time.Weekday]rrule.Weekday{
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
	time.Sunday:    rrule.SU,
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseClock parses a 24h "HH:MM" wall-clock time.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

// ParseWeekday accepts short or long English day names, case-insensitive.
func ParseWeekday(s string) (time.Weekday, error) {
	d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
	return d, nil
}

// ParseWeekdays parses "Mon,Wed,Fri" or a range such as "Mon-Fri".
// The result is sorted Monday first and has no duplicates.
func ParseWeekdays(s string) ([]time.Weekday, error) {
	seen := make(map[time.Weekday]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if from, to, ok := strings.Cut(part, "-"); ok {
			start, err := ParseWeekday(from)
			if err != nil {
				return nil, err
			}
			end, err := ParseWeekday(to)
			if err != nil {
				return nil, err
			}
			for d := start; ; d = (d + 1) % 7 {
				seen[d] = true
				if d == end {
					break
				}
			}
			continue
		}
		d, err := ParseWeekday(part)
		if err != nil {
			return nil, err
		}
		seen[d] = true
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("no weekdays given")
	}
	days := make([]time.Weekday, 0, len(seen))
	for d := range seen {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return mondayFirst(days[i]) < mondayFirst(days[j]) })
	return days, nil
}

func mondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// WeeklyRule is the union of one WEEKLY rrule per distinct clock time.
// A single rule with several BYHOUR/BYMINUTE values would fire on every
// combination of them, and rrule-go sets carry only one RRULE.
type WeeklyRule struct {
	rules []*rrule.RRule
}

// Weekly builds the rule for a list of weekly slots in loc. Occurrences are
// generated from dtstart and, when until is non-nil, end at or before it.
func Weekly(slots []models.Slot, loc *time.Location, dtstart time.Time, until *time.Time) (*WeeklyRule, error) {
	if len(slots) == 0 {
		return nil, fmt.Errorf("weekly recurrence needs at least one slot")
	}
	byTime := make(map[string][]rrule.Weekday)
	var times []string
	for _, s := range slots {
		wd, ok := weekdayMap[s.Weekday]
		if !ok {
			return nil, fmt.Errorf("invalid weekday %d", s.Weekday)
		}
		if _, ok := byTime[s.Time]; !ok {
			times = append(times, s.Time)
		}
		byTime[s.Time] = append(byTime[s.Time], wd)
	}
	sort.Strings(times)

	dtstart = dtstart.In(loc)
	w := &WeeklyRule{}
	for _, clock := range times {
		hour, minute, err := ParseClock(clock)
		if err != nil {
			return nil, err
		}
		opt := rrule.ROption{
			Freq:      rrule.WEEKLY,
			Dtstart:   dtstart,
			Byweekday: byTime[clock],
			Byhour:    []int{hour},
			Byminute:  []int{minute},
			Bysecond:  []int{0},
		}
		if until != nil {
			opt.Until = until.In(loc)
		}
		rule, err := rrule.NewRRule(opt)
		if err != nil {
			return nil, fmt.Errorf("failed to build rule for %s: %w", clock, err)
		}
		w.rules = append(w.rules, rule)
	}
	return w, nil
}

// After returns the earliest occurrence after t (or at t when inc is set).
// The zero time means there are no more occurrences.
func (w *WeeklyRule) After(t time.Time, inc bool) time.Time {
	var next time.Time
	for _, r := range w.rules {
		o := r.After(t, inc)
		if o.IsZero() {
			continue
		}
		if next.IsZero() || o.Before(next) {
			next = o
		}
	}
	return next
}

// String returns the RFC 5545 form of every rule, one per line.
func (w *WeeklyRule) String() string {
	out := make([]string, len(w.rules))
	for i, r := range w.rules {
		out[i] = "RRULE:" + r.OrigOptions.RRuleString()
	}
	return strings.Join(out, "\n")
}

// HumanReadable describes slots as "Tue, Thu 10:00; Fri 14:30".
func HumanReadable(slots []models.Slot) string {
	byTime := make(map[string][]time.Weekday)
	var times []string
	for _, s := range slots {
		if _, ok := byTime[s.Time]; !ok {
			times = append(times, s.Time)
		}
		byTime[s.Time] = append(byTime[s.Time], s.Weekday)
	}
	sort.Strings(times)

	parts := make([]string, 0, len(times))
	for _, clock := range times {
		days := byTime[clock]
		sort.Slice(days, func(i, j int) bool { return mondayFirst(days[i]) < mondayFirst(days[j]) })
		names := make([]string, len(days))
		for i, d := range days {
			names[i] = d.String()[:3]
		}
		parts = append(parts, strings.Join(names, ", ")+" "+clock)
	}
	if len(parts) == 0 {
		return "never"
	}
	return strings.Join(parts, "; ")
}
