package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type RecurrenceKind string

const (
	RecurrenceWeekly RecurrenceKind = "weekly"
	RecurrenceOnce   RecurrenceKind = "once"
)

type MessageMode string

const (
	MessageTemplate MessageMode = "template"
	MessageManual   MessageMode = "manual"
	MessageAI       MessageMode = "ai"
)

// Slot is one weekday + wall-clock time in the group's timezone.
type Slot struct {
	Weekday time.Weekday `json:"weekday"`
	Time    string       `json:"time"` // HH:MM
}

type Recurrence struct {
	Kind  RecurrenceKind `json:"kind"`
	Slots []Slot         `json:"slots,omitempty"`
	At    *time.Time     `json:"at,omitempty"` // once only
	// Optional inclusive date bounds (YYYY-MM-DD, group timezone) for weekly rules.
	ValidFrom  string `json:"validFrom,omitempty"`
	ValidUntil string `json:"validUntil,omitempty"`
}

// Duration marshals as a Go duration string ("15m") so stored documents
// stay readable in the database console.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Older documents stored plain nanoseconds.
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("duration must be a string or integer: %w", err)
		}
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type ScheduleEntry struct {
	ID          string      `json:"id"`
	Subject     string      `json:"subject"`
	Batch       string      `json:"batch,omitempty"`
	Link        string      `json:"link,omitempty"`
	Message     string      `json:"message,omitempty"`
	MessageMode MessageMode `json:"messageMode"`
	ChannelID   int64       `json:"channelId"`
	Recurrence  Recurrence  `json:"recurrence"`
	LeadOffset  Duration    `json:"leadOffset"`
	Active      bool        `json:"active"`
	Suspended   bool        `json:"suspended"`
	LastError   string      `json:"lastError,omitempty"`
	LastFiredAt *time.Time  `json:"lastFiredAt"` // occurrence instant last committed as fired
	LastSentAt  *time.Time  `json:"lastSentAt,omitempty"`
	CreatedBy   string      `json:"createdBy"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedBy   string      `json:"updatedBy,omitempty"`
	UpdatedAt   time.Time   `json:"updatedAt"`

	// Version is the store version this copy was read at.
	Version int64 `json:"-"`
}

// IsRecurring returns true if this entry repeats weekly
func (e *ScheduleEntry) IsRecurring() bool {
	return e.Recurrence.Kind == RecurrenceWeekly
}

// Covers reports whether the occurrence at occ has already been committed.
func (e *ScheduleEntry) Covers(occ time.Time) bool {
	return e.LastFiredAt != nil && !occ.After(*e.LastFiredAt)
}

// Eligible reports whether the scheduler should evaluate the entry at all.
func (e *ScheduleEntry) Eligible() bool {
	return e.Active && !e.Suspended
}

func (e *ScheduleEntry) Label() string {
	if e.Batch != "" {
		return e.Batch + " " + e.Subject
	}
	return e.Subject
}
