package governance

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hray3182/titanbot/internal/models"
	"github.com/hray3182/titanbot/internal/repository"
	"github.com/hray3182/titanbot/internal/store"
	"github.com/hray3182/titanbot/internal/store/sqlite"
)

var (
	owner    = Caller{UserID: 1, Username: "@Alice"}
	admin    = Caller{UserID: 2, Username: "bob"}
	stranger = Caller{UserID: 3, Username: "eve"}
	anon     = Caller{UserID: 4}
)

type fixture struct {
	svc     *Service
	entries *repository.EntryRepository
	gov     *repository.GovernanceRepository
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "gov.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		entries: repository.NewEntryRepository(s),
		gov:     repository.NewGovernanceRepository(s),
		now:     time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
	}
	f.svc = New(f.entries, f.gov, Options{
		DefaultChannel: -1001,
		Location:       time.UTC,
		Now:            func() time.Time { return f.now },
		Logger:         zerolog.Nop(),
	})
	ctx := context.Background()
	if err := f.svc.Bootstrap(ctx, []string{"alice"}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if err := f.svc.AddAdmin(ctx, owner, "@bob", models.RoleAdmin); err != nil {
		t.Fatalf("AddAdmin: %v", err)
	}
	return f
}

func weeklyDraft() Draft {
	return Draft{
		Subject: "Maths",
		Recurrence: models.Recurrence{
			Kind:  models.RecurrenceWeekly,
			Slots: []models.Slot{{Weekday: time.Tuesday, Time: "10:00"}},
		},
		LeadOffset: 15 * time.Minute,
	}
}

func TestBootstrapDoesNotOverwrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Bootstrap(ctx, []string{"mallory"}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	admins, err := f.svc.ListAdmins(ctx)
	if err != nil {
		t.Fatalf("ListAdmins: %v", err)
	}
	if len(admins) != 2 || admins[0].Username != "alice" || admins[1].Username != "bob" {
		t.Fatalf("roster changed by second bootstrap: %+v", admins)
	}
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"anonymous create", func() error { _, err := f.svc.CreateEntry(ctx, anon, weeklyDraft()); return err }, ErrUnauthenticated},
		{"stranger create", func() error { _, err := f.svc.CreateEntry(ctx, stranger, weeklyDraft()); return err }, ErrUnauthorized},
		{"admin adds admin", func() error { return f.svc.AddAdmin(ctx, admin, "carol", models.RoleAdmin) }, ErrUnauthorized},
		{"admin removes owner", func() error { return f.svc.RemoveAdmin(ctx, admin, "alice") }, ErrUnauthorized},
		{"stranger links group", func() error { return f.svc.LinkGroup(ctx, stranger, -5, "x") }, ErrUnauthorized},
		{"duplicate admin", func() error { return f.svc.AddAdmin(ctx, owner, "BOB", models.RoleOwner) }, ErrDuplicateAdmin},
		{"remove unknown", func() error { return f.svc.RemoveAdmin(ctx, owner, "zed") }, ErrUnknownAdmin},
		{"unknown role", func() error { return f.svc.AddAdmin(ctx, owner, "carol", models.Role("superuser")) }, ErrInvalidRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if !IsRejection(err) {
				t.Fatalf("err %v should be a governance rejection", err)
			}
		})
	}

	if _, err := f.svc.CreateEntry(ctx, admin, weeklyDraft()); err != nil {
		t.Fatalf("admin should be able to create entries: %v", err)
	}
}

func TestOwnerFloor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before, _ := f.gov.GetRoster(ctx)
	err := f.svc.RemoveAdmin(ctx, owner, "alice")
	if !errors.Is(err, ErrLastOwner) {
		t.Fatalf("err = %v, want ErrLastOwner", err)
	}
	after, _ := f.gov.GetRoster(ctx)
	if after.Version != before.Version || len(after.Admins) != len(before.Admins) {
		t.Fatalf("roster changed: before %+v after %+v", before, after)
	}

	// With a second owner, one of them may leave.
	if err := f.svc.AddAdmin(ctx, owner, "carol", models.RoleOwner); err != nil {
		t.Fatalf("AddAdmin: %v", err)
	}
	if err := f.svc.RemoveAdmin(ctx, owner, "alice"); err != nil {
		t.Fatalf("RemoveAdmin: %v", err)
	}
	carol := Caller{Username: "carol"}
	if err := f.svc.RemoveAdmin(ctx, carol, "carol"); !errors.Is(err, ErrLastOwner) {
		t.Fatalf("err = %v, want ErrLastOwner", err)
	}
}

func TestConcurrentOwnerRemovalKeepsAnOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.svc.AddAdmin(ctx, owner, "carol", models.RoleOwner); err != nil {
		t.Fatalf("AddAdmin: %v", err)
	}
	carol := Caller{Username: "carol"}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, pair := range [][2]any{{owner, "carol"}, {carol, "alice"}} {
		wg.Add(1)
		go func(i int, c Caller, target string) {
			defer wg.Done()
			errs[i] = RetryOnConflict(ctx, 5, func() error {
				return f.svc.RemoveAdmin(ctx, c, target)
			})
		}(i, pair[0].(Caller), pair[1].(string))
	}
	wg.Wait()

	roster, err := f.gov.GetRoster(ctx)
	if err != nil {
		t.Fatalf("GetRoster: %v", err)
	}
	if roster.Owners() != 1 {
		t.Fatalf("owners = %d, want exactly 1 (errs %v)", roster.Owners(), errs)
	}
	if (errs[0] == nil) == (errs[1] == nil) {
		t.Fatalf("exactly one removal should succeed, got %v", errs)
	}
}

func TestConcurrentEditsSameEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.svc.CreateEntry(ctx, owner, weeklyDraft())
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	read := e.Version

	lead20, lead30 := 20*time.Minute, 30*time.Minute
	if _, err := f.svc.EditEntry(ctx, owner, e.ID, read, Patch{LeadOffset: &lead20}); err != nil {
		t.Fatalf("first edit: %v", err)
	}
	_, err = f.svc.EditEntry(ctx, admin, e.ID, read, Patch{LeadOffset: &lead30})
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("stale edit err = %v, want ErrVersionConflict", err)
	}

	// Re-fetching first succeeds cleanly.
	fresh, err := f.svc.GetEntry(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	got, err := f.svc.EditEntry(ctx, admin, e.ID, fresh.Version, Patch{LeadOffset: &lead30})
	if err != nil {
		t.Fatalf("edit after re-fetch: %v", err)
	}
	if got.LeadOffset.Std() != lead30 || got.UpdatedBy != "bob" {
		t.Fatalf("entry = %+v", got)
	}
}

func TestEditKeepsFireHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.svc.CreateEntry(ctx, owner, weeklyDraft())
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	fired := time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC)
	e.LastFiredAt = &fired
	if err := f.entries.Update(ctx, e); err != nil {
		t.Fatalf("Update: %v", err)
	}

	rec := models.Recurrence{Kind: models.RecurrenceWeekly, Slots: []models.Slot{{Weekday: time.Wednesday, Time: "11:00"}}}
	got, err := f.svc.EditEntry(ctx, owner, e.ID, 0, Patch{Recurrence: &rec})
	if err != nil {
		t.Fatalf("EditEntry: %v", err)
	}
	if got.LastFiredAt == nil || !got.LastFiredAt.Equal(fired) {
		t.Fatalf("edit changed lastFiredAt: %v", got.LastFiredAt)
	}

	got, err = f.svc.DeactivateEntry(ctx, owner, e.ID, 0)
	if err != nil || got.Active {
		t.Fatalf("DeactivateEntry = %+v, %v", got, err)
	}
	active, _ := f.svc.ListEntries(ctx, false)
	all, _ := f.svc.ListEntries(ctx, true)
	if len(active) != 0 || len(all) != 1 {
		t.Fatalf("active=%d all=%d", len(active), len(all))
	}
}

func TestCreateEntryValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := weeklyDraft()
	d.Subject = ""
	if _, err := f.svc.CreateEntry(ctx, owner, d); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("err = %v, want ErrInvalidEntry", err)
	}

	past := f.now.Add(-time.Hour)
	d = Draft{Subject: "Deadline", Recurrence: models.Recurrence{Kind: models.RecurrenceOnce, At: &past}}
	if _, err := f.svc.CreateEntry(ctx, owner, d); !errors.Is(err, ErrPastInstant) {
		t.Fatalf("err = %v, want ErrPastInstant", err)
	}

	e, err := f.svc.CreateEntry(ctx, owner, weeklyDraft())
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if len(e.ID) != 8 || e.ChannelID != -1001 || e.MessageMode != models.MessageTemplate || e.CreatedBy != "alice" {
		t.Fatalf("entry = %+v", e)
	}

	d = weeklyDraft()
	d.ID = e.ID
	if _, err := f.svc.CreateEntry(ctx, owner, d); !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("err = %v, want ErrDuplicateEntry", err)
	}
}

func TestLinkedGroupIsDefaultChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if g, err := f.svc.LinkedGroup(ctx); err != nil || g != nil {
		t.Fatalf("LinkedGroup = %+v, %v", g, err)
	}
	if err := f.svc.LinkGroup(ctx, admin, -2002, "Batch 2026"); err != nil {
		t.Fatalf("LinkGroup: %v", err)
	}
	ch, err := f.svc.DefaultChannel(ctx)
	if err != nil || ch != -2002 {
		t.Fatalf("DefaultChannel = %d, %v", ch, err)
	}
	e, err := f.svc.CreateEntry(ctx, admin, weeklyDraft())
	if err != nil || e.ChannelID != -2002 {
		t.Fatalf("entry channel = %d, %v", e.ChannelID, err)
	}
}

func TestAddSubjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	added, err := f.svc.AddSubjects(ctx, admin, Subject{Batch: "#csda", Name: " Maths "}, Subject{Batch: "CSDA", Name: "maths"})
	if err != nil || len(added) != 1 || added[0] != (Subject{Batch: "CSDA", Name: "Maths"}) {
		t.Fatalf("AddSubjects = %+v, %v", added, err)
	}
	if added, err := f.svc.AddSubjects(ctx, admin, Subject{Batch: "CSDA", Name: "MATHS"}); err != nil || len(added) != 0 {
		t.Fatalf("re-adding = %+v, %v", added, err)
	}
	if _, err := f.svc.AddSubjects(ctx, stranger, Subject{Name: "Art"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger err = %v", err)
	}
	if _, err := f.svc.AddSubjects(ctx, admin, Subject{Batch: "CSDA", Name: "  "}); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("empty subject err = %v", err)
	}
}

func TestConcurrentAddSubjectsKeepsBoth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, name := range []string{"Physics", "Chemistry"} {
		i, name := i, name
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.AddSubjects(ctx, admin, Subject{Batch: "AICS", Name: name})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatalf("AddSubjects: %v", err)
		}
	}
	cat, err := f.svc.Subjects(ctx)
	if err != nil || len(cat.Batches["AICS"]) != 2 {
		t.Fatalf("catalogue = %+v, %v", cat, err)
	}
}

func TestRetryOnConflict(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return store.ErrVersionConflict
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}

	calls = 0
	err = RetryOnConflict(context.Background(), 2, func() error {
		calls++
		return store.ErrVersionConflict
	})
	if !errors.Is(err, store.ErrVersionConflict) || calls != 2 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}
