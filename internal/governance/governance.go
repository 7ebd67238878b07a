// Package governance authorizes and applies every mutation of schedule
// entries and the admin roster. Each operation is one conditional write.
package governance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hray3182/titanbot/internal/config"
	"github.com/hray3182/titanbot/internal/metrics"
	"github.com/hray3182/titanbot/internal/models"
	"github.com/hray3182/titanbot/internal/repository"
	"github.com/hray3182/titanbot/internal/schedule"
	"github.com/hray3182/titanbot/internal/store"
)

const maxIDAttempts = 5

// Caller is the identity resolved by the chat layer.
type Caller struct {
	UserID   int64
	Username string
}

func (c Caller) name() string {
	return config.NormalizeUsername(c.Username)
}

type Options struct {
	// DefaultChannel is used when no group has been linked.
	DefaultChannel int64
	Location       *time.Location
	Now            func() time.Time
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
}

type Service struct {
	entries *repository.EntryRepository
	gov     *repository.GovernanceRepository

	defaultChannel int64
	loc            *time.Location
	now            func() time.Time
	metrics        *metrics.Metrics
	log            zerolog.Logger
}

func New(entries *repository.EntryRepository, gov *repository.GovernanceRepository, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Service{
		entries:        entries,
		gov:            gov,
		defaultChannel: opts.DefaultChannel,
		loc:            opts.Location,
		now:            opts.Now,
		metrics:        opts.Metrics,
		log:            opts.Logger,
	}
}

// Bootstrap seeds the roster with the configured owners if no roster exists
// yet. An existing roster is never overwritten.
func (s *Service) Bootstrap(ctx context.Context, owners []string) error {
	roster, err := s.gov.GetRoster(ctx)
	if err != nil {
		return fmt.Errorf("failed to read admin roster: %w", err)
	}
	if roster.Version != store.MustNotExist {
		s.log.Debug().Int("admins", len(roster.Admins)).Msg("admin roster already present")
		return nil
	}
	now := s.now()
	seen := make(map[string]bool)
	for _, o := range owners {
		name := config.NormalizeUsername(o)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		roster.Admins = append(roster.Admins, models.AdminRecord{
			Username: name,
			Role:     models.RoleOwner,
			AddedBy:  "bootstrap",
			AddedAt:  now,
		})
	}
	if len(roster.Admins) == 0 {
		return fmt.Errorf("bootstrap needs at least one owner")
	}
	err = s.gov.SaveRoster(ctx, roster)
	if errors.Is(err, store.ErrVersionConflict) {
		// another instance bootstrapped first
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to seed admin roster: %w", err)
	}
	s.log.Info().Int("owners", len(roster.Admins)).Msg("admin roster bootstrapped")
	return nil
}

// Role returns the caller's role, or ok=false if the caller is not an admin.
func (s *Service) Role(ctx context.Context, c Caller) (models.Role, bool, error) {
	name := c.name()
	if name == "" {
		return "", false, nil
	}
	roster, err := s.gov.GetRoster(ctx)
	if err != nil {
		return "", false, err
	}
	rec, ok := roster.Find(name)
	return rec.Role, ok, nil
}

// authorize loads the roster and checks that c holds at least role need.
func (s *Service) authorize(ctx context.Context, op string, c Caller, need models.Role) (*models.Roster, error) {
	name := c.name()
	if name == "" {
		return nil, reject(op, ErrUnauthenticated, "set a Telegram username to use admin commands")
	}
	roster, err := s.gov.GetRoster(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read admin roster: %w", err)
	}
	rec, ok := roster.Find(name)
	if !ok {
		return nil, reject(op, ErrUnauthorized, "@"+name+" is not an admin")
	}
	if need == models.RoleOwner && rec.Role != models.RoleOwner {
		return nil, reject(op, ErrUnauthorized, "only owners can change the admin list")
	}
	return roster, nil
}

// RequireAdmin rejects callers who are not admins, for operations that do
// expensive work before their first governed write.
func (s *Service) RequireAdmin(ctx context.Context, op string, c Caller) error {
	_, err := s.authorize(ctx, op, c, models.RoleAdmin)
	if err != nil {
		s.observe(op, err)
	}
	return err
}

func (s *Service) observe(op string, err error) {
	s.metrics.GovernanceOp(op, err)
	if err != nil && IsRejection(err) {
		s.log.Info().Str("op", op).Err(err).Msg("governance rejected")
	}
}

// ==================== Schedule entries ====================

// Draft holds the admin-supplied fields of a new entry.
type Draft struct {
	// ID is only set when restoring a backup.
	ID          string
	Subject     string
	Batch       string
	Link        string
	Message     string
	MessageMode models.MessageMode
	ChannelID   int64
	Recurrence  models.Recurrence
	LeadOffset  time.Duration
	Active      *bool
}

func (s *Service) CreateEntry(ctx context.Context, c Caller, d Draft) (e *models.ScheduleEntry, err error) {
	const op = "create_entry"
	defer func() { s.observe(op, err) }()

	if _, err := s.authorize(ctx, op, c, models.RoleAdmin); err != nil {
		return nil, err
	}
	if d.ChannelID == 0 {
		ch, err := s.DefaultChannel(ctx)
		if err != nil {
			return nil, err
		}
		d.ChannelID = ch
	}
	if d.MessageMode == "" {
		d.MessageMode = models.MessageTemplate
	}
	now := s.now()
	e = &models.ScheduleEntry{
		Subject:     strings.TrimSpace(d.Subject),
		Batch:       strings.TrimSpace(d.Batch),
		Link:        strings.TrimSpace(d.Link),
		Message:     strings.TrimSpace(d.Message),
		MessageMode: d.MessageMode,
		ChannelID:   d.ChannelID,
		Recurrence:  d.Recurrence,
		LeadOffset:  models.Duration(d.LeadOffset),
		Active:      true,
		CreatedBy:   c.name(),
		CreatedAt:   now,
		UpdatedBy:   c.name(),
		UpdatedAt:   now,
	}
	if d.Active != nil {
		e.Active = *d.Active
	}
	if err := schedule.Validate(e); err != nil {
		return nil, reject(op, ErrInvalidEntry, err.Error())
	}
	if e.Recurrence.Kind == models.RecurrenceOnce && e.Active && e.Recurrence.At.Before(now) {
		return nil, reject(op, ErrPastInstant, e.Recurrence.At.In(s.loc).Format("2006-01-02 15:04"))
	}

	if d.ID != "" {
		e.ID = d.ID
		err = s.entries.Create(ctx, e)
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, reject(op, ErrDuplicateEntry, d.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create entry: %w", err)
		}
		return e, nil
	}
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		e.ID = NewEntryID()
		err = s.entries.Create(ctx, e)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create entry: %w", err)
		}
		s.log.Info().Str("entry_id", e.ID).Str("by", e.CreatedBy).Msg("entry created")
		return e, nil
	}
	return nil, fmt.Errorf("failed to allocate entry id: %w", err)
}

// NewEntryID returns 8 hex characters derived from a random UUID.
func NewEntryID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Patch lists the fields an edit may change. Nil fields are left alone.
// Fire history is not editable.
type Patch struct {
	Subject     *string
	Batch       *string
	Link        *string
	Message     *string
	MessageMode *models.MessageMode
	ChannelID   *int64
	Recurrence  *models.Recurrence
	LeadOffset  *time.Duration
}

func (p Patch) apply(e *models.ScheduleEntry) {
	if p.Subject != nil {
		e.Subject = strings.TrimSpace(*p.Subject)
	}
	if p.Batch != nil {
		e.Batch = strings.TrimSpace(*p.Batch)
	}
	if p.Link != nil {
		e.Link = strings.TrimSpace(*p.Link)
	}
	if p.Message != nil {
		e.Message = strings.TrimSpace(*p.Message)
	}
	if p.MessageMode != nil {
		e.MessageMode = *p.MessageMode
	}
	if p.ChannelID != nil {
		e.ChannelID = *p.ChannelID
	}
	if p.Recurrence != nil {
		e.Recurrence = *p.Recurrence
	}
	if p.LeadOffset != nil {
		e.LeadOffset = models.Duration(*p.LeadOffset)
	}
}

// EditEntry applies p to the entry if its stored version is still
// expectedVersion. A stale version returns store.ErrVersionConflict and
// nothing is written. expectedVersion 0 means "whatever is current".
func (s *Service) EditEntry(ctx context.Context, c Caller, id string, expectedVersion int64, p Patch) (e *models.ScheduleEntry, err error) {
	const op = "edit_entry"
	defer func() { s.observe(op, err) }()

	return s.mutateEntry(ctx, op, c, id, expectedVersion, func(e *models.ScheduleEntry) error {
		p.apply(e)
		if err := schedule.Validate(e); err != nil {
			return reject(op, ErrInvalidEntry, err.Error())
		}
		return nil
	})
}

// DeactivateEntry soft-deletes the entry. It stays in the store for audit.
func (s *Service) DeactivateEntry(ctx context.Context, c Caller, id string, expectedVersion int64) (e *models.ScheduleEntry, err error) {
	const op = "deactivate_entry"
	defer func() { s.observe(op, err) }()

	return s.mutateEntry(ctx, op, c, id, expectedVersion, func(e *models.ScheduleEntry) error {
		e.Active = false
		return nil
	})
}

// ResumeEntry reactivates the entry and clears a dispatch suspension.
func (s *Service) ResumeEntry(ctx context.Context, c Caller, id string, expectedVersion int64) (e *models.ScheduleEntry, err error) {
	const op = "resume_entry"
	defer func() { s.observe(op, err) }()

	return s.mutateEntry(ctx, op, c, id, expectedVersion, func(e *models.ScheduleEntry) error {
		e.Active = true
		e.Suspended = false
		e.LastError = ""
		return nil
	})
}

func (s *Service) mutateEntry(ctx context.Context, op string, c Caller, id string, expectedVersion int64, mutate func(*models.ScheduleEntry) error) (*models.ScheduleEntry, error) {
	if _, err := s.authorize(ctx, op, c, models.RoleAdmin); err != nil {
		return nil, err
	}
	e, err := s.entries.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load entry %s: %w", id, err)
	}
	if expectedVersion > 0 && e.Version != expectedVersion {
		return nil, fmt.Errorf("entry %s changed since it was read: %w", id, store.ErrVersionConflict)
	}
	lastFired, lastSent := e.LastFiredAt, e.LastSentAt
	if err := mutate(e); err != nil {
		return nil, err
	}
	e.LastFiredAt, e.LastSentAt = lastFired, lastSent
	e.UpdatedBy = c.name()
	e.UpdatedAt = s.now()
	if err := s.entries.Update(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to update entry %s: %w", id, err)
	}
	s.log.Info().Str("entry_id", id).Str("op", op).Str("by", e.UpdatedBy).Int64("version", e.Version).Msg("entry updated")
	return e, nil
}

func (s *Service) GetEntry(ctx context.Context, id string) (*models.ScheduleEntry, error) {
	return s.entries.GetByID(ctx, id)
}

func (s *Service) ListEntries(ctx context.Context, includeInactive bool) ([]*models.ScheduleEntry, error) {
	if includeInactive {
		return s.entries.GetAll(ctx)
	}
	return s.entries.GetActive(ctx)
}

// ==================== Admin roster ====================

func (s *Service) AddAdmin(ctx context.Context, c Caller, username string, role models.Role) (err error) {
	const op = "add_admin"
	defer func() { s.observe(op, err) }()

	roster, err := s.authorize(ctx, op, c, models.RoleOwner)
	if err != nil {
		return err
	}
	name := config.NormalizeUsername(username)
	if name == "" {
		return reject(op, ErrUnknownAdmin, "username is empty")
	}
	if role == "" {
		role = models.RoleAdmin
	}
	if !role.Valid() {
		return reject(op, ErrInvalidRole, "unknown role "+string(role))
	}
	if _, ok := roster.Find(name); ok {
		return reject(op, ErrDuplicateAdmin, "@"+name)
	}
	roster.Admins = append(roster.Admins, models.AdminRecord{
		Username: name,
		Role:     role,
		AddedBy:  c.name(),
		AddedAt:  s.now(),
	})
	if err := s.gov.SaveRoster(ctx, roster); err != nil {
		return fmt.Errorf("failed to save admin roster: %w", err)
	}
	s.log.Info().Str("username", name).Str("role", string(role)).Str("by", c.name()).Msg("admin added")
	return nil
}

// RemoveAdmin removes username. Removing the only remaining owner is
// rejected with ErrLastOwner and the roster is left unchanged.
func (s *Service) RemoveAdmin(ctx context.Context, c Caller, username string) (err error) {
	const op = "remove_admin"
	defer func() { s.observe(op, err) }()

	roster, err := s.authorize(ctx, op, c, models.RoleOwner)
	if err != nil {
		return err
	}
	name := config.NormalizeUsername(username)
	rec, ok := roster.Find(name)
	if !ok {
		return reject(op, ErrUnknownAdmin, "@"+name)
	}
	if rec.Role == models.RoleOwner && roster.Owners() <= 1 {
		return reject(op, ErrLastOwner, "@"+name)
	}
	roster.Admins = roster.Without(name)
	if err := s.gov.SaveRoster(ctx, roster); err != nil {
		return fmt.Errorf("failed to save admin roster: %w", err)
	}
	s.log.Info().Str("username", name).Str("by", c.name()).Msg("admin removed")
	return nil
}

func (s *Service) ListAdmins(ctx context.Context) ([]models.AdminRecord, error) {
	roster, err := s.gov.GetRoster(ctx)
	if err != nil {
		return nil, err
	}
	return roster.Admins, nil
}

// ==================== Linked group ====================

func (s *Service) LinkGroup(ctx context.Context, c Caller, chatID int64, title string) (err error) {
	const op = "link_group"
	defer func() { s.observe(op, err) }()

	if _, err := s.authorize(ctx, op, c, models.RoleAdmin); err != nil {
		return err
	}
	g := &models.LinkedGroup{ChatID: chatID, Title: title, LinkedBy: c.name(), LinkedAt: s.now()}
	if err := s.gov.SetLinkedGroup(ctx, g); err != nil {
		return fmt.Errorf("failed to link group: %w", err)
	}
	s.log.Info().Int64("chat_id", chatID).Str("title", title).Msg("group linked")
	return nil
}

// LinkedGroup returns nil when no group was linked.
func (s *Service) LinkedGroup(ctx context.Context) (*models.LinkedGroup, error) {
	g, err := s.gov.GetLinkedGroup(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return g, err
}

// DefaultChannel is the linked group, or the configured chat if none.
func (s *Service) DefaultChannel(ctx context.Context) (int64, error) {
	g, err := s.LinkedGroup(ctx)
	if err != nil {
		return 0, err
	}
	if g != nil && g.ChatID != 0 {
		return g.ChatID, nil
	}
	if s.defaultChannel != 0 {
		return s.defaultChannel, nil
	}
	return 0, reject("default_channel", ErrNoChannel, "")
}

// ==================== Subject catalogue ====================

const maxCatalogueAttempts = 5

// Subject is one catalogue item.
type Subject struct {
	Batch string
	Name  string
}

// NormalizeBatch upper-cases a batch tag and drops a leading '#'.
func NormalizeBatch(b string) string {
	return strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(b), "#"))
}

// AddSubjects records subjects in the catalogue and returns the ones that
// were not known yet. All of them are written in one conditional save.
func (s *Service) AddSubjects(ctx context.Context, c Caller, subjects ...Subject) (added []Subject, err error) {
	const op = "add_subject"
	defer func() { s.observe(op, err) }()

	if _, err := s.authorize(ctx, op, c, models.RoleAdmin); err != nil {
		return nil, err
	}
	clean := make([]Subject, 0, len(subjects))
	for _, sub := range subjects {
		name := strings.TrimSpace(sub.Name)
		if name == "" {
			return nil, reject(op, ErrInvalidEntry, "subject is empty")
		}
		clean = append(clean, Subject{Batch: NormalizeBatch(sub.Batch), Name: name})
	}

	err = RetryOnConflict(ctx, maxCatalogueAttempts, func() error {
		added = added[:0]
		cat, err := s.gov.GetSubjects(ctx)
		if err != nil {
			return err
		}
		for _, sub := range clean {
			if cat.Add(sub.Batch, sub.Name) {
				added = append(added, sub)
			}
		}
		if len(added) == 0 {
			return nil
		}
		return s.gov.SaveSubjects(ctx, cat)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save subject catalogue: %w", err)
	}
	if len(added) > 0 {
		s.log.Info().Int("added", len(added)).Str("by", c.name()).Msg("subjects added")
	}
	return added, nil
}

func (s *Service) Subjects(ctx context.Context) (*models.SubjectCatalogue, error) {
	return s.gov.GetSubjects(ctx)
}

// RetryOnConflict runs fn until it stops failing with a version conflict or
// attempts are used up. fn must re-read whatever it writes.
func RetryOnConflict(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}
