package handlers

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hray3182/titanbot/internal/config"
	"github.com/hray3182/titanbot/internal/governance"
	"github.com/hray3182/titanbot/internal/models"
	"github.com/hray3182/titanbot/internal/rrule"
	"github.com/hray3182/titanbot/internal/schedule"
)

const (
	addUsage       = "/add <days> <HH:MM> [lead] [#batch] <subject> [| link] [| message]\ne.g. /add Tue,Thu 10:00 15m #CSDA Maths | https://meet.example/abc"
	onceUsage      = "/once <YYYY-MM-DD> <HH:MM> [lead] [#batch] <subject> [| link] [| message]\ne.g. /once 2026-11-02 18:00 1h Project deadline"
	subjectUsage   = "/addsubject [#batch] <subject>\ne.g. /addsubject #CSDA Maths"
	timetableUsage = "send a timetable photo with the caption /timetable [lead]\ne.g. /timetable 10m"
	editUsage      = "/edit <id> <field> <value>\nfields: subject, batch, lead, time, days, date, link, message, mode, from, until\nuse - to clear link, message, batch, from or until"
)

var errUsage = errors.New("usage")

// draftTail holds what follows the schedule part of /add and /once.
type draftTail struct {
	lead    time.Duration
	batch   string
	subject string
	link    string
	message string
}

// parseTail reads "[lead] [#batch] <subject> [| link] [| message]".
func parseTail(fields []string, rest string) (draftTail, error) {
	var t draftTail
	if len(fields) > 0 {
		if d, ok := parseLead(fields[0]); ok {
			t.lead = d
			fields = fields[1:]
		}
	}
	if len(fields) > 0 && strings.HasPrefix(fields[0], "#") && len(fields[0]) > 1 {
		t.batch = strings.ToUpper(fields[0][1:])
		fields = fields[1:]
	}

	head := strings.Join(fields, " ")
	sections := []string{head}
	if rest != "" {
		sections = append(sections, strings.Split(rest, "|")...)
	}
	t.subject = strings.TrimSpace(sections[0])
	if len(sections) > 1 {
		t.link = strings.TrimSpace(sections[1])
	}
	if len(sections) > 2 {
		t.message = strings.TrimSpace(strings.Join(sections[2:], "|"))
	}
	if t.subject == "" {
		return t, fmt.Errorf("%w: subject is missing", errUsage)
	}
	return t, nil
}

// parseSubjectArgs reads "[#batch] <subject>".
func parseSubjectArgs(args string) (batch, subject string, err error) {
	fields := strings.Fields(args)
	if len(fields) > 0 && strings.HasPrefix(fields[0], "#") {
		batch = strings.ToUpper(fields[0][1:])
		fields = fields[1:]
	}
	subject = strings.Join(fields, " ")
	if subject == "" {
		return "", "", fmt.Errorf("%w: subject is missing", errUsage)
	}
	return batch, subject, nil
}

// parseLead accepts Go durations ("15m", "1h30m") and bare minutes ("15").
func parseLead(s string) (time.Duration, bool) {
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d, true
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return time.Duration(n) * time.Minute, true
	}
	return 0, false
}

// splitArgs separates the whitespace fields before the first "|" from the
// raw text after it.
func splitArgs(args string) (fields []string, rest string) {
	head, rest, _ := strings.Cut(args, "|")
	return strings.Fields(head), rest
}

func (t draftTail) draft(rec models.Recurrence) governance.Draft {
	d := governance.Draft{
		Subject:     t.subject,
		Batch:       t.batch,
		Link:        t.link,
		Message:     t.message,
		MessageMode: models.MessageTemplate,
		Recurrence:  rec,
		LeadOffset:  t.lead,
	}
	if t.message != "" {
		d.MessageMode = models.MessageManual
	}
	return d
}

// parseAdd parses the arguments of /add into a weekly draft.
func parseAdd(args string) (governance.Draft, error) {
	fields, rest := splitArgs(args)
	if len(fields) < 3 {
		return governance.Draft{}, errUsage
	}
	slots, err := schedule.ParseSlots(fields[0], fields[1])
	if err != nil {
		return governance.Draft{}, err
	}
	tail, err := parseTail(fields[2:], rest)
	if err != nil {
		return governance.Draft{}, err
	}
	return tail.draft(models.Recurrence{Kind: models.RecurrenceWeekly, Slots: slots}), nil
}

// parseOnce parses the arguments of /once into a one-shot draft.
func parseOnce(args string, loc *time.Location) (governance.Draft, error) {
	fields, rest := splitArgs(args)
	if len(fields) < 3 {
		return governance.Draft{}, errUsage
	}
	at, err := schedule.ParseInstant(fields[0], fields[1], loc)
	if err != nil {
		return governance.Draft{}, err
	}
	tail, err := parseTail(fields[2:], rest)
	if err != nil {
		return governance.Draft{}, err
	}
	return tail.draft(models.Recurrence{Kind: models.RecurrenceOnce, At: &at}), nil
}

// parseEdit splits "/edit <id> <field> <value>".
func parseEdit(args string) (id, field, value string, err error) {
	parts := strings.SplitN(strings.TrimSpace(args), " ", 3)
	if len(parts) < 3 || strings.TrimSpace(parts[2]) == "" {
		return "", "", "", errUsage
	}
	return parts[0], strings.ToLower(parts[1]), strings.TrimSpace(parts[2]), nil
}

func cleared(v string) bool {
	return v == "-" || strings.EqualFold(v, "none")
}

// buildPatch turns one edited field into a patch against the current entry.
func buildPatch(cur *models.ScheduleEntry, field, value string, loc *time.Location) (governance.Patch, error) {
	var p governance.Patch
	switch field {
	case "subject", "name":
		p.Subject = &value
	case "batch":
		b := strings.ToUpper(strings.TrimPrefix(value, "#"))
		if cleared(value) {
			b = ""
		}
		p.Batch = &b
	case "link":
		if cleared(value) {
			value = ""
		}
		p.Link = &value
	case "message", "msg":
		mode := models.MessageManual
		if cleared(value) {
			value = ""
			mode = models.MessageTemplate
		}
		p.Message = &value
		p.MessageMode = &mode
	case "mode":
		mode := models.MessageMode(strings.ToLower(value))
		switch mode {
		case models.MessageTemplate, models.MessageManual, models.MessageAI:
		default:
			return p, fmt.Errorf("mode must be template, manual or ai")
		}
		p.MessageMode = &mode
	case "lead", "offset":
		d, ok := parseLead(value)
		if !ok {
			return p, fmt.Errorf("invalid lead %q, e.g. 15m or 1h", value)
		}
		p.LeadOffset = &d
	case "time":
		rec, err := withTime(cur.Recurrence, value, loc)
		if err != nil {
			return p, err
		}
		p.Recurrence = &rec
	case "days":
		if cur.Recurrence.Kind != models.RecurrenceWeekly {
			return p, fmt.Errorf("days only apply to weekly entries")
		}
		clock := "00:00"
		for i, sl := range cur.Recurrence.Slots {
			if i == 0 {
				clock = sl.Time
			} else if sl.Time != clock {
				return p, fmt.Errorf("entry has classes at more than one time, create a new entry instead")
			}
		}
		slots, err := schedule.ParseSlots(value, clock)
		if err != nil {
			return p, err
		}
		rec := cur.Recurrence
		rec.Slots = slots
		p.Recurrence = &rec
	case "date":
		if cur.Recurrence.Kind != models.RecurrenceOnce || cur.Recurrence.At == nil {
			return p, fmt.Errorf("date only applies to one-shot entries")
		}
		at, err := schedule.ParseInstant(value, cur.Recurrence.At.In(loc).Format("15:04"), loc)
		if err != nil {
			return p, err
		}
		rec := cur.Recurrence
		rec.At = &at
		p.Recurrence = &rec
	case "from", "until":
		if cur.Recurrence.Kind != models.RecurrenceWeekly {
			return p, fmt.Errorf("%s only applies to weekly entries", field)
		}
		if cleared(value) {
			value = ""
		}
		rec := cur.Recurrence
		if field == "from" {
			rec.ValidFrom = value
		} else {
			rec.ValidUntil = value
		}
		p.Recurrence = &rec
	default:
		return p, fmt.Errorf("unknown field %q", field)
	}
	return p, nil
}

// withTime moves every slot (or the one-shot instant) to clock.
func withTime(rec models.Recurrence, clock string, loc *time.Location) (models.Recurrence, error) {
	h, m, err := rrule.ParseClock(clock)
	if err != nil {
		return rec, err
	}
	norm := fmt.Sprintf("%02d:%02d", h, m)
	switch rec.Kind {
	case models.RecurrenceWeekly:
		slots := make([]models.Slot, len(rec.Slots))
		for i, s := range rec.Slots {
			slots[i] = models.Slot{Weekday: s.Weekday, Time: norm}
		}
		rec.Slots = dedupeSlots(slots)
	case models.RecurrenceOnce:
		if rec.At == nil {
			return rec, fmt.Errorf("entry has no date")
		}
		at, err := schedule.ParseInstant(rec.At.In(loc).Format("2006-01-02"), norm, loc)
		if err != nil {
			return rec, err
		}
		rec.At = &at
	}
	return rec, nil
}

func dedupeSlots(in []models.Slot) []models.Slot {
	seen := make(map[models.Slot]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// parseAdminArgs parses "@user [owner|admin]".
func parseAdminArgs(args string) (string, models.Role, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 || config.NormalizeUsername(fields[0]) == "" {
		return "", "", errUsage
	}
	role := models.RoleAdmin
	if len(fields) > 1 {
		role = models.Role(strings.ToLower(fields[1]))
		if !role.Valid() {
			return "", "", fmt.Errorf("role must be owner or admin")
		}
	}
	return config.NormalizeUsername(fields[0]), role, nil
}
