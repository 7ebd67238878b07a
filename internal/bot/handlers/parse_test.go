package handlers

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hray3182/titanbot/internal/governance"
	"github.com/hray3182/titanbot/internal/models"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func TestParseAdd(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		wantErr bool
		check   func(t *testing.T, d draftCheck)
	}{
		{
			name: "full",
			args: "Tue,Thu 10:00 15m #csda Maths & Stats | https://meet.example/abc | Bring calculators",
			check: func(t *testing.T, d draftCheck) {
				d.expect(t, "Maths & Stats", "CSDA", "https://meet.example/abc", "Bring calculators", 15*time.Minute, models.MessageManual)
				if len(d.Recurrence.Slots) != 2 || d.Recurrence.Slots[0].Weekday != time.Tuesday || d.Recurrence.Slots[1].Time != "10:00" {
					t.Fatalf("slots = %+v", d.Recurrence.Slots)
				}
			},
		},
		{
			name: "no lead no batch",
			args: "Mon-Fri 9:05 Standup",
			check: func(t *testing.T, d draftCheck) {
				d.expect(t, "Standup", "", "", "", 0, models.MessageTemplate)
				if len(d.Recurrence.Slots) != 5 || d.Recurrence.Slots[0].Time != "09:05" {
					t.Fatalf("slots = %+v", d.Recurrence.Slots)
				}
			},
		},
		{
			name: "bare minutes lead",
			args: "Wed 14:30 10 Physics Lab",
			check: func(t *testing.T, d draftCheck) {
				d.expect(t, "Physics Lab", "", "", "", 10*time.Minute, models.MessageTemplate)
			},
		},
		{
			name: "subject starting with a digit",
			args: "Wed 14:30 2nd year meetup",
			check: func(t *testing.T, d draftCheck) {
				d.expect(t, "2nd year meetup", "", "", "", 0, models.MessageTemplate)
			},
		},
		{name: "missing subject", args: "Tue 10:00 15m", wantErr: true},
		{name: "too short", args: "Tue 10:00", wantErr: true},
		{name: "bad day", args: "Someday 10:00 Maths", wantErr: true},
		{name: "bad time", args: "Tue 25:00 Maths", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := parseAdd(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseAdd(%q) succeeded: %+v", tt.args, d)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAdd(%q): %v", tt.args, err)
			}
			if d.Recurrence.Kind != models.RecurrenceWeekly {
				t.Fatalf("kind = %q", d.Recurrence.Kind)
			}
			tt.check(t, draftCheck{d})
		})
	}
}

func TestParseOnce(t *testing.T) {
	d, err := parseOnce("2026-11-02 18:00 1h Project deadline | | Submit on the portal", ist)
	if err != nil {
		t.Fatalf("parseOnce: %v", err)
	}
	want := time.Date(2026, 11, 2, 18, 0, 0, 0, ist)
	if d.Recurrence.Kind != models.RecurrenceOnce || !d.Recurrence.At.Equal(want) {
		t.Fatalf("recurrence = %+v", d.Recurrence)
	}
	draftCheck{d}.expect(t, "Project deadline", "", "", "Submit on the portal", time.Hour, models.MessageManual)

	if _, err := parseOnce("02-11-2026 18:00 Exam", ist); err == nil {
		t.Fatal("DD-MM-YYYY accepted")
	}
	if _, err := parseOnce("2026-11-02", ist); !errors.Is(err, errUsage) {
		t.Fatalf("short args err = %v", err)
	}
}

func TestParseEdit(t *testing.T) {
	id, field, value, err := parseEdit("abcd1234 Subject  Linear Algebra ")
	if err != nil || id != "abcd1234" || field != "subject" || value != "Linear Algebra" {
		t.Fatalf("parseEdit = %q %q %q %v", id, field, value, err)
	}
	if _, _, _, err := parseEdit("abcd1234 subject"); err == nil {
		t.Fatal("missing value accepted")
	}
}

func TestBuildPatch(t *testing.T) {
	at := time.Date(2026, 11, 2, 18, 0, 0, 0, ist)
	weekly := &models.ScheduleEntry{Recurrence: models.Recurrence{
		Kind: models.RecurrenceWeekly,
		Slots: []models.Slot{
			{Weekday: time.Tuesday, Time: "10:00"},
			{Weekday: time.Friday, Time: "14:30"},
		},
	}}
	once := &models.ScheduleEntry{Recurrence: models.Recurrence{Kind: models.RecurrenceOnce, At: &at}}

	t.Run("time moves every slot", func(t *testing.T) {
		p, err := buildPatch(weekly, "time", "9:15", ist)
		if err != nil {
			t.Fatal(err)
		}
		for _, s := range p.Recurrence.Slots {
			if s.Time != "09:15" {
				t.Fatalf("slots = %+v", p.Recurrence.Slots)
			}
		}
		if weekly.Recurrence.Slots[0].Time != "10:00" {
			t.Fatal("patch mutated the current entry")
		}
	})
	t.Run("time on once keeps the date", func(t *testing.T) {
		p, err := buildPatch(once, "time", "08:00", ist)
		if err != nil {
			t.Fatal(err)
		}
		if want := time.Date(2026, 11, 2, 8, 0, 0, 0, ist); !p.Recurrence.At.Equal(want) {
			t.Fatalf("at = %v", p.Recurrence.At)
		}
	})
	t.Run("days keeps the time", func(t *testing.T) {
		single := &models.ScheduleEntry{Recurrence: models.Recurrence{
			Kind:  models.RecurrenceWeekly,
			Slots: []models.Slot{{Weekday: time.Tuesday, Time: "10:00"}},
		}}
		p, err := buildPatch(single, "days", "Mon,Wed", ist)
		if err != nil {
			t.Fatal(err)
		}
		if len(p.Recurrence.Slots) != 2 || p.Recurrence.Slots[1].Weekday != time.Wednesday || p.Recurrence.Slots[1].Time != "10:00" {
			t.Fatalf("slots = %+v", p.Recurrence.Slots)
		}
	})
	t.Run("days rejected with mixed times", func(t *testing.T) {
		if _, err := buildPatch(weekly, "days", "Mon,Wed", ist); err == nil || !strings.Contains(err.Error(), "more than one time") {
			t.Fatalf("buildPatch = %v, want a mixed time error", err)
		}
	})
	t.Run("date on once keeps the time", func(t *testing.T) {
		p, err := buildPatch(once, "date", "2026-11-05", ist)
		if err != nil {
			t.Fatal(err)
		}
		if want := time.Date(2026, 11, 5, 18, 0, 0, 0, ist); !p.Recurrence.At.Equal(want) {
			t.Fatalf("at = %v", p.Recurrence.At)
		}
	})
	t.Run("clearing message restores template", func(t *testing.T) {
		p, err := buildPatch(weekly, "message", "-", ist)
		if err != nil {
			t.Fatal(err)
		}
		if *p.Message != "" || *p.MessageMode != models.MessageTemplate {
			t.Fatalf("patch = %+v", p)
		}
	})
	t.Run("lead", func(t *testing.T) {
		p, err := buildPatch(weekly, "lead", "1h30m", ist)
		if err != nil || *p.LeadOffset != 90*time.Minute {
			t.Fatalf("patch = %+v err %v", p, err)
		}
	})
	t.Run("until", func(t *testing.T) {
		p, err := buildPatch(weekly, "until", "2026-12-31", ist)
		if err != nil || p.Recurrence.ValidUntil != "2026-12-31" {
			t.Fatalf("patch = %+v err %v", p, err)
		}
	})

	bad := []struct {
		cur   *models.ScheduleEntry
		field string
		value string
	}{
		{weekly, "colour", "red"},
		{weekly, "mode", "loud"},
		{weekly, "lead", "soon"},
		{weekly, "date", "2026-11-05"},
		{once, "days", "Mon"},
		{once, "until", "2026-12-31"},
		{weekly, "time", "noon"},
	}
	for _, b := range bad {
		if _, err := buildPatch(b.cur, b.field, b.value, ist); err == nil {
			t.Errorf("buildPatch(%s=%q) accepted", b.field, b.value)
		}
	}
}

func TestParseAdminArgs(t *testing.T) {
	name, role, err := parseAdminArgs("@Carol owner")
	if err != nil || name != "carol" || role != models.RoleOwner {
		t.Fatalf("parseAdminArgs = %q %q %v", name, role, err)
	}
	if name, role, _ := parseAdminArgs("dave"); name != "dave" || role != models.RoleAdmin {
		t.Fatalf("default role = %q %q", name, role)
	}
	for _, bad := range []string{"", "@", "eve superuser"} {
		if _, _, err := parseAdminArgs(bad); err == nil {
			t.Errorf("parseAdminArgs(%q) accepted", bad)
		}
	}
}

func TestFormatLead(t *testing.T) {
	for d, want := range map[time.Duration]string{
		15 * time.Minute: "15m",
		time.Hour:        "1h",
		90 * time.Minute: "1h30m",
		30 * time.Second: "30s",
	} {
		if got := formatLead(d); got != want {
			t.Errorf("formatLead(%v) = %q, want %q", d, got, want)
		}
	}
}

type draftCheck struct {
	governance.Draft
}

func (d draftCheck) expect(t *testing.T, subject, batch, link, message string, lead time.Duration, mode models.MessageMode) {
	t.Helper()
	if d.Subject != subject || d.Batch != batch || d.Link != link || d.Message != message || d.LeadOffset != lead || d.MessageMode != mode {
		t.Fatalf("draft = %+v", d.Draft)
	}
}
