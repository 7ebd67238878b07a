// Package backup exports the schedule and admin roster as a YAML document
// and restores one through the governance gateway.
package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"github.com/hray3182/titanbot/internal/governance"
	"github.com/hray3182/titanbot/internal/models"
	"github.com/hray3182/titanbot/internal/rrule"
)

// ErrInvalidBackup marks an uploaded document that cannot be read.
var ErrInvalidBackup = errors.New("invalid backup")

const (
	formatVersion = 1
	instantLayout = "2006-01-02 15:04"
)

type Document struct {
	Version    int       `yaml:"version"`
	ExportedAt time.Time `yaml:"exportedAt"`
	Timezone   string    `yaml:"timezone"`
	Admins     []Admin   `yaml:"admins"`
	Entries    []Entry   `yaml:"entries"`
}

type Admin struct {
	Username string `yaml:"username"`
	Role     string `yaml:"role"`
}

// Entry is the hand-editable form of a schedule entry. Fire history is
// not exported.
type Entry struct {
	ID         string   `yaml:"id,omitempty"`
	Subject    string   `yaml:"subject"`
	Batch      string   `yaml:"batch,omitempty"`
	Link       string   `yaml:"link,omitempty"`
	Mode       string   `yaml:"mode,omitempty"`
	Message    string   `yaml:"message,omitempty"`
	ChannelID  int64    `yaml:"channelId,omitempty"`
	Kind       string   `yaml:"kind"`
	Slots      []string `yaml:"slots,omitempty"` // "Tue 10:00"
	At         string   `yaml:"at,omitempty"`    // "2006-01-02 15:04" in Timezone
	ValidFrom  string   `yaml:"validFrom,omitempty"`
	ValidUntil string   `yaml:"validUntil,omitempty"`
	Lead       string   `yaml:"lead"`
	Active     *bool    `yaml:"active,omitempty"` // absent means active
}

// Service reads and writes backups through governance so imports obey
// the same authorization and validation as interactive edits.
type Service struct {
	gov *governance.Service
	loc *time.Location
	now func() time.Time
}

func New(gov *governance.Service, loc *time.Location, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{gov: gov, loc: loc, now: now}
}

// Export renders every entry, inactive ones included, and the roster.
func (s *Service) Export(ctx context.Context) ([]byte, error) {
	entries, err := s.gov.ListEntries(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	admins, err := s.gov.ListAdmins(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list admins: %w", err)
	}

	doc := Document{
		Version:    formatVersion,
		ExportedAt: s.now().In(s.loc),
		Timezone:   s.loc.String(),
	}
	for _, a := range admins {
		doc.Admins = append(doc.Admins, Admin{Username: a.Username, Role: string(a.Role)})
	}
	for _, e := range entries {
		doc.Entries = append(doc.Entries, s.fromEntry(e))
	}
	return yaml.Marshal(&doc)
}

func (s *Service) fromEntry(e *models.ScheduleEntry) Entry {
	active := e.Active
	out := Entry{
		ID:         e.ID,
		Subject:    e.Subject,
		Batch:      e.Batch,
		Link:       e.Link,
		Mode:       string(e.MessageMode),
		Message:    e.Message,
		ChannelID:  e.ChannelID,
		Kind:       string(e.Recurrence.Kind),
		ValidFrom:  e.Recurrence.ValidFrom,
		ValidUntil: e.Recurrence.ValidUntil,
		Lead:       e.LeadOffset.String(),
		Active:     &active,
	}
	for _, sl := range e.Recurrence.Slots {
		out.Slots = append(out.Slots, sl.Weekday.String()[:3]+" "+sl.Time)
	}
	if e.Recurrence.At != nil {
		out.At = e.Recurrence.At.In(s.loc).Format(instantLayout)
	}
	return out
}

// Result lists what an import did, by entry id or username.
type Result struct {
	Created       []string
	Skipped       []string
	AdminsAdded   []string
	AdminsSkipped []string
	Failed        []string
}

func (r Result) String() string {
	return fmt.Sprintf("%d created, %d skipped, %d admins added, %d failed",
		len(r.Created), len(r.Skipped), len(r.AdminsAdded), len(r.Failed))
}

func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if doc.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidBackup, doc.Version)
	}
	return &doc, nil
}

// Import creates every entry that does not exist yet. Existing ids are
// skipped, never overwritten. Admins are added only when the caller is
// an owner; a non-owner import restores entries and skips the roster.
func (s *Service) Import(ctx context.Context, c governance.Caller, data []byte) (Result, error) {
	var res Result
	doc, err := Parse(data)
	if err != nil {
		return res, err
	}
	loc := s.loc
	if doc.Timezone != "" && doc.Timezone != loc.String() {
		if loc, err = time.LoadLocation(doc.Timezone); err != nil {
			return res, fmt.Errorf("%w: timezone: %v", ErrInvalidBackup, err)
		}
	}

	for i, in := range doc.Entries {
		d, err := toDraft(in, loc, s.now())
		if err != nil {
			res.Failed = append(res.Failed, fmt.Sprintf("#%d %s: %v", i+1, in.Subject, err))
			continue
		}
		e, err := s.gov.CreateEntry(ctx, c, d)
		switch {
		case errors.Is(err, governance.ErrDuplicateEntry):
			res.Skipped = append(res.Skipped, in.ID)
		case errors.Is(err, governance.ErrUnauthorized), errors.Is(err, governance.ErrUnauthenticated):
			return res, err
		case err != nil:
			res.Failed = append(res.Failed, fmt.Sprintf("#%d %s: %v", i+1, in.Subject, err))
		default:
			res.Created = append(res.Created, e.ID)
		}
	}

	role, ok, err := s.gov.Role(ctx, c)
	if err != nil {
		return res, err
	}
	if !ok || role != models.RoleOwner {
		for _, a := range doc.Admins {
			res.AdminsSkipped = append(res.AdminsSkipped, a.Username)
		}
		return res, nil
	}
	for _, a := range doc.Admins {
		err := s.gov.AddAdmin(ctx, c, a.Username, models.Role(a.Role))
		switch {
		case err == nil:
			res.AdminsAdded = append(res.AdminsAdded, a.Username)
		case errors.Is(err, governance.ErrDuplicateAdmin):
			res.AdminsSkipped = append(res.AdminsSkipped, a.Username)
		default:
			res.Failed = append(res.Failed, fmt.Sprintf("admin %s: %v", a.Username, err))
		}
	}
	return res, nil
}

func toDraft(in Entry, loc *time.Location, now time.Time) (governance.Draft, error) {
	d := governance.Draft{
		ID:          in.ID,
		Subject:     in.Subject,
		Batch:       in.Batch,
		Link:        in.Link,
		Message:     in.Message,
		MessageMode: models.MessageMode(in.Mode),
		ChannelID:   in.ChannelID,
		Recurrence: models.Recurrence{
			Kind:       models.RecurrenceKind(in.Kind),
			ValidFrom:  in.ValidFrom,
			ValidUntil: in.ValidUntil,
		},
	}
	if in.Lead != "" {
		lead, err := time.ParseDuration(in.Lead)
		if err != nil {
			return d, fmt.Errorf("invalid lead %q", in.Lead)
		}
		d.LeadOffset = lead
	}
	for _, raw := range in.Slots {
		day, clock, ok := strings.Cut(strings.TrimSpace(raw), " ")
		if !ok {
			return d, fmt.Errorf("invalid slot %q, expected \"Tue 10:00\"", raw)
		}
		wd, err := rrule.ParseWeekday(day)
		if err != nil {
			return d, err
		}
		h, m, err := rrule.ParseClock(clock)
		if err != nil {
			return d, err
		}
		d.Recurrence.Slots = append(d.Recurrence.Slots, models.Slot{Weekday: wd, Time: fmt.Sprintf("%02d:%02d", h, m)})
	}
	if in.At != "" {
		at, err := time.ParseInLocation(instantLayout, in.At, loc)
		if err != nil {
			return d, fmt.Errorf("invalid instant %q", in.At)
		}
		d.Recurrence.At = &at
	}

	active := in.Active == nil || *in.Active
	// A one-shot entry that already happened is kept for the record only.
	if d.Recurrence.At != nil && d.Recurrence.At.Before(now) {
		active = false
	}
	d.Active = &active
	return d, nil
}
