package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/hray3182/titanbot/internal/ai"
	"github.com/hray3182/titanbot/internal/backup"
	"github.com/hray3182/titanbot/internal/governance"
	"github.com/hray3182/titanbot/internal/models"
	"github.com/hray3182/titanbot/internal/render"
	"github.com/hray3182/titanbot/internal/repository"
	"github.com/hray3182/titanbot/internal/schedule"
	"github.com/hray3182/titanbot/internal/store/sqlite"
	"github.com/hray3182/titanbot/internal/timetable"
)

const alertChat = -999

var (
	alice = &tgbotapi.User{ID: 1, UserName: "alice", FirstName: "Alice"}
	bob   = &tgbotapi.User{ID: 2, UserName: "bob", FirstName: "Bob"}
	eve   = &tgbotapi.User{ID: 3, UserName: "eve", FirstName: "Eve"}
	carol = &tgbotapi.User{ID: 4, UserName: "carol", FirstName: "Carol"}
)

// fakeAPI records everything the handlers send.
type fakeAPI struct {
	mu      sync.Mutex
	sent    []tgbotapi.Chattable
	fileURL string
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetFileDirectURL(fileID string) (string, error) {
	return f.fileURL + "/file/" + fileID, nil
}

// messages returns the texts sent to chatID.
func (f *fakeAPI) messages(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok && m.ChatID == chatID {
			out = append(out, m.Text)
		}
	}
	return out
}

func (f *fakeAPI) last(t *testing.T, chatID int64) string {
	t.Helper()
	msgs := f.messages(chatID)
	if len(msgs) == 0 {
		t.Fatalf("nothing sent to %d", chatID)
	}
	return msgs[len(msgs)-1]
}

func (f *fakeAPI) callbacks() []tgbotapi.CallbackConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.CallbackConfig
	for _, c := range f.sent {
		if cb, ok := c.(tgbotapi.CallbackConfig); ok {
			out = append(out, cb)
		}
	}
	return out
}

// stubReader stands in for the vision model.
type stubReader struct {
	slots []ai.TimetableSlot
	image []byte
}

func (s *stubReader) ReadTimetable(ctx context.Context, image []byte) ([]ai.TimetableSlot, error) {
	s.image = image
	return s.slots, nil
}

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Notify() { c.n.Add(1) }

type env struct {
	h        *Handlers
	api      *fakeAPI
	gov      *governance.Service
	feedback *repository.FeedbackRepository
	notifier *countingNotifier
	reader   *stubReader
	now      time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "handlers.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	e := &env{
		api:      &fakeAPI{},
		feedback: repository.NewFeedbackRepository(s),
		notifier: &countingNotifier{},
		reader:   &stubReader{},
		now:      time.Date(2026, 10, 19, 12, 0, 0, 0, ist),
	}
	now := func() time.Time { return e.now }
	e.gov = governance.New(repository.NewEntryRepository(s), repository.NewGovernanceRepository(s), governance.Options{
		DefaultChannel: -100,
		Location:       ist,
		Now:            now,
		Logger:         zerolog.Nop(),
	})
	ctx := context.Background()
	if err := e.gov.Bootstrap(ctx, []string{"alice"}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if err := e.gov.AddAdmin(ctx, caller(alice), "bob", models.RoleAdmin); err != nil {
		t.Fatalf("AddAdmin: %v", err)
	}

	e.h = New(e.api, Deps{
		Governance:  e.gov,
		Attendance:  repository.NewAttendanceRepository(s),
		Feedback:    e.feedback,
		Backup:      backup.New(e.gov, ist, now),
		Timetable:   timetable.New(e.gov, e.reader, zerolog.Nop()),
		Scheduler:   e.notifier,
		AlertChatID: alertChat,
		StoreDriver: "sqlite",
		Location:    ist,
		Now:         now,
		Logger:      zerolog.Nop(),
	})
	return e
}

// command builds a private-chat command message from u.
func command(u *tgbotapi.User, text string) *tgbotapi.Message {
	cmd, _, _ := strings.Cut(text, " ")
	return &tgbotapi.Message{
		From: u,
		Chat: &tgbotapi.Chat{ID: u.ID, Type: "private"},
		Text: text,
		Entities: []tgbotapi.MessageEntity{
			{Type: "bot_command", Offset: 0, Length: len(cmd)},
		},
	}
}

func (e *env) run(u *tgbotapi.User, text string) {
	e.h.HandleCommand(context.Background(), command(u, text))
}

func (e *env) createWeekly(t *testing.T) *models.ScheduleEntry {
	t.Helper()
	entry, err := e.gov.CreateEntry(context.Background(), caller(alice), governance.Draft{
		Subject: "Maths",
		Recurrence: models.Recurrence{
			Kind:  models.RecurrenceWeekly,
			Slots: []models.Slot{{Weekday: time.Tuesday, Time: "10:00"}},
		},
		LeadOffset: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	return entry
}

func TestAddByAdmin(t *testing.T) {
	e := newEnv(t)
	e.run(bob, "/add Tue,Thu 10:00 15m #csda Maths | https://meet.example/m")

	if got := e.api.last(t, bob.ID); !strings.Contains(got, "Scheduled") || !strings.Contains(got, "CSDA Maths") {
		t.Fatalf("reply = %q", got)
	}
	entries, err := e.gov.ListEntries(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	got := entries[0]
	if got.ChannelID != -100 || got.Link != "https://meet.example/m" || got.LeadOffset.Std() != 15*time.Minute || got.CreatedBy != "bob" {
		t.Fatalf("entry = %+v", got)
	}
	if n := e.notifier.n.Load(); n != 1 {
		t.Fatalf("scheduler notified %d times, want 1", n)
	}
}

func TestAddRejectsStranger(t *testing.T) {
	e := newEnv(t)
	e.run(eve, "/add Tue 10:00 Maths")

	if got := e.api.last(t, eve.ID); !strings.HasPrefix(got, "❌") {
		t.Fatalf("reply = %q", got)
	}
	entries, _ := e.gov.ListEntries(context.Background(), true)
	if len(entries) != 0 {
		t.Fatalf("stranger created %d entries", len(entries))
	}
	if n := e.notifier.n.Load(); n != 0 {
		t.Fatalf("scheduler notified %d times", n)
	}
}

func TestAddShowsUsage(t *testing.T) {
	e := newEnv(t)
	e.run(alice, "/add Tue")

	if got := e.api.last(t, alice.ID); !strings.Contains(got, "Usage") {
		t.Fatalf("reply = %q", got)
	}
}

func TestEditEntry(t *testing.T) {
	e := newEnv(t)
	entry := e.createWeekly(t)

	e.run(bob, "/edit "+entry.ID+" subject Physics")
	if got := e.api.last(t, bob.ID); !strings.Contains(got, "Updated") {
		t.Fatalf("reply = %q", got)
	}
	got, err := e.gov.GetEntry(context.Background(), entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Subject != "Physics" || got.Version <= entry.Version || got.UpdatedBy != "bob" {
		t.Fatalf("entry = %+v", got)
	}

	e.run(bob, "/edit "+entry.ID+" colour red")
	if reply := e.api.last(t, bob.ID); !strings.Contains(reply, "Usage") || !strings.Contains(reply, "colour") {
		t.Fatalf("reply = %q", reply)
	}

	e.run(bob, "/edit nosuch subject Physics")
	if reply := e.api.last(t, bob.ID); !strings.Contains(reply, "No such entry") {
		t.Fatalf("reply = %q", reply)
	}
}

func TestDeactivateAndResume(t *testing.T) {
	e := newEnv(t)
	entry := e.createWeekly(t)
	ctx := context.Background()

	e.run(alice, "/deactivate "+entry.ID)
	got, _ := e.gov.GetEntry(ctx, entry.ID)
	if got.Active {
		t.Fatal("entry still active")
	}
	active, _ := e.gov.ListEntries(ctx, false)
	if len(active) != 0 {
		t.Fatalf("active entries = %d", len(active))
	}

	e.run(alice, "/resume "+entry.ID)
	got, _ = e.gov.GetEntry(ctx, entry.ID)
	if !got.Active {
		t.Fatal("entry not resumed")
	}
}

func TestRemoveLastOwnerRejected(t *testing.T) {
	e := newEnv(t)
	e.run(alice, "/removeadmin @alice")

	if got := e.api.last(t, alice.ID); !strings.Contains(got, governance.ErrLastOwner.Error()) {
		t.Fatalf("reply = %q", got)
	}
	if role, ok, _ := e.gov.Role(context.Background(), caller(alice)); !ok || role != models.RoleOwner {
		t.Fatalf("alice role = %q %v", role, ok)
	}
}

func TestAdminCannotAddAdmins(t *testing.T) {
	e := newEnv(t)
	e.run(bob, "/addadmin @carol")

	if got := e.api.last(t, bob.ID); !strings.HasPrefix(got, "❌") {
		t.Fatalf("reply = %q", got)
	}
	if _, ok, _ := e.gov.Role(context.Background(), caller(carol)); ok {
		t.Fatal("carol became an admin")
	}

	e.run(alice, "/addadmin @Carol")
	if _, ok, _ := e.gov.Role(context.Background(), caller(carol)); !ok {
		t.Fatal("owner could not add carol")
	}
}

func TestAttendanceCallback(t *testing.T) {
	e := newEnv(t)
	entry := e.createWeekly(t)
	occ := time.Date(2026, 10, 20, 10, 0, 0, 0, ist)
	cb := &tgbotapi.CallbackQuery{
		ID:   "cb1",
		From: carol,
		Data: render.AttendanceData(entry.ID, schedule.OccurrenceKey(occ, ist)),
	}
	ctx := context.Background()

	e.h.HandleCallbackQuery(ctx, cb)
	e.h.HandleCallbackQuery(ctx, cb)

	answers := e.api.callbacks()
	if len(answers) != 2 {
		t.Fatalf("answers = %d, want 2", len(answers))
	}
	if answers[0].Text != "✅ Present: @carol" || answers[0].ShowAlert {
		t.Fatalf("first answer = %+v", answers[0])
	}
	if answers[1].Text != "⚠️ Already marked!" || !answers[1].ShowAlert {
		t.Fatalf("second answer = %+v", answers[1])
	}

	e.run(alice, "/attendance")
	if got := e.api.last(t, alice.ID); !strings.Contains(got, "Maths: 1 present") {
		t.Fatalf("attendance = %q", got)
	}
}

func TestUnknownCallbackExpires(t *testing.T) {
	e := newEnv(t)
	e.h.HandleCallbackQuery(context.Background(), &tgbotapi.CallbackQuery{ID: "cb", From: carol, Data: "todo_done_7"})

	answers := e.api.callbacks()
	if len(answers) != 1 || answers[0].Text != "⚠️ Expired." {
		t.Fatalf("answers = %+v", answers)
	}
}

func TestFeedbackForwarded(t *testing.T) {
	e := newEnv(t)
	e.run(carol, "/feedback the link for Maths is broken")

	if got := e.api.last(t, carol.ID); got != "✅ Feedback sent." {
		t.Fatalf("reply = %q", got)
	}
	if got := e.api.last(t, alertChat); !strings.Contains(got, "@carol") || !strings.Contains(got, "the link for Maths is broken") {
		t.Fatalf("forwarded = %q", got)
	}
	all, err := e.feedback.GetAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].ID == "" || all[0].UserID != carol.ID {
		t.Fatalf("stored feedback = %+v", all)
	}
}

func TestUnknownCommandSilentInGroup(t *testing.T) {
	e := newEnv(t)
	msg := command(eve, "/dance")
	msg.Chat = &tgbotapi.Chat{ID: -100, Type: "supergroup"}
	e.h.HandleCommand(context.Background(), msg)

	if got := e.api.messages(-100); len(got) != 0 {
		t.Fatalf("group got %q", got)
	}

	e.run(eve, "/dance")
	if got := e.api.last(t, eve.ID); !strings.Contains(got, "/help") {
		t.Fatalf("reply = %q", got)
	}
}

func TestLinkFromGroup(t *testing.T) {
	e := newEnv(t)
	msg := command(alice, "/link")
	msg.Chat = &tgbotapi.Chat{ID: -2002, Type: "supergroup", Title: "Titans 2026"}
	e.h.HandleCommand(context.Background(), msg)

	g, err := e.gov.LinkedGroup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if g == nil || g.ChatID != -2002 || g.Title != "Titans 2026" {
		t.Fatalf("linked group = %+v", g)
	}
	ch, _ := e.gov.DefaultChannel(context.Background())
	if ch != -2002 {
		t.Fatalf("default channel = %d", ch)
	}
}

const importDoc = `version: 1
admins:
  - username: dave
    role: admin
entries:
  - id: abcd0001
    subject: Chemistry
    batch: CSDA
    kind: weekly
    slots: ["Wed 09:00", "Fri 09:00"]
    lead: 10m
    active: true
`

func TestImportFromDocument(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/file/doc1" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(importDoc))
	}))
	defer srv.Close()
	e.api.fileURL = srv.URL

	msg := &tgbotapi.Message{
		From:     alice,
		Chat:     &tgbotapi.Chat{ID: alice.ID, Type: "private"},
		Caption:  "/import",
		Document: &tgbotapi.Document{FileID: "doc1", FileName: "backup.yaml", FileSize: len(importDoc)},
	}
	if !IsImport(msg) {
		t.Fatal("IsImport = false")
	}
	e.h.HandleImport(context.Background(), msg)

	if got := e.api.last(t, alice.ID); !strings.Contains(got, "Import finished") {
		t.Fatalf("reply = %q", got)
	}
	entry, err := e.gov.GetEntry(context.Background(), "abcd0001")
	if err != nil {
		t.Fatalf("imported entry: %v", err)
	}
	if entry.Label() != "CSDA Chemistry" || len(entry.Recurrence.Slots) != 2 || entry.LastFiredAt != nil {
		t.Fatalf("entry = %+v", entry)
	}
	if _, ok, _ := e.gov.Role(context.Background(), governance.Caller{Username: "dave"}); !ok {
		t.Fatal("owner import did not add dave")
	}
	if n := e.notifier.n.Load(); n != 1 {
		t.Fatalf("scheduler notified %d times, want 1", n)
	}
}

func TestImportRejectsOversizedDownload(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("# padding\n"), maxBackupSize/10+1))
	}))
	defer srv.Close()
	e.api.fileURL = srv.URL

	e.h.HandleImport(context.Background(), &tgbotapi.Message{
		From:     alice,
		Chat:     &tgbotapi.Chat{ID: alice.ID, Type: "private"},
		Caption:  "/import",
		Document: &tgbotapi.Document{FileID: "big", FileName: "backup.yaml", FileSize: 100},
	})
	if got := e.api.last(t, alice.ID); !strings.Contains(got, "too large") {
		t.Fatalf("reply = %q", got)
	}
}

func TestImportIgnoresOtherCaptions(t *testing.T) {
	for _, caption := range []string{"", "homework", "/importx", "import"} {
		msg := &tgbotapi.Message{Caption: caption, Document: &tgbotapi.Document{FileID: "x"}}
		if IsImport(msg) {
			t.Errorf("IsImport(%q) = true", caption)
		}
	}
	if !IsImport(&tgbotapi.Message{Caption: "/import@titan_bot", Document: &tgbotapi.Document{FileID: "x"}}) {
		t.Error("IsImport with bot mention = false")
	}
}

func TestSubjectCatalogueCommands(t *testing.T) {
	e := newEnv(t)

	e.run(eve, "/addsubject #CSDA Maths")
	if got := e.api.last(t, eve.ID); !strings.Contains(got, "not allowed") {
		t.Fatalf("stranger reply = %q", got)
	}
	e.run(bob, "/addsubject")
	if got := e.api.last(t, bob.ID); !strings.Contains(got, "Usage") {
		t.Fatalf("usage reply = %q", got)
	}
	e.run(bob, "/addsubject #csda Data Structures")
	if got := e.api.last(t, bob.ID); !strings.Contains(got, "Added CSDA Data Structures") {
		t.Fatalf("add reply = %q", got)
	}
	e.run(bob, "/addsubject #CSDA data structures")
	if got := e.api.last(t, bob.ID); !strings.Contains(got, "Already") {
		t.Fatalf("duplicate reply = %q", got)
	}

	e.run(eve, "/subjects")
	if got := e.api.last(t, eve.ID); !strings.Contains(got, "CSDA") || !strings.Contains(got, "Data Structures") {
		t.Fatalf("subjects reply = %q", got)
	}
}

func timetablePhoto(u *tgbotapi.User, caption string) *tgbotapi.Message {
	return &tgbotapi.Message{
		From:    u,
		Chat:    &tgbotapi.Chat{ID: u.ID, Type: "private"},
		Caption: caption,
		Photo: []tgbotapi.PhotoSize{
			{FileID: "thumb", Width: 90, Height: 90, FileSize: 100},
			{FileID: "full", Width: 1280, Height: 960, FileSize: 2000},
		},
	}
}

func TestTimetablePhoto(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.TrimPrefix(r.URL.Path, "/file/")))
	}))
	defer srv.Close()
	e.api.fileURL = srv.URL
	e.reader.slots = []ai.TimetableSlot{
		{Day: "Mon", Time: "10:00", Subject: "Maths", Batch: "CSDA"},
		{Day: "Thu", Time: "10:00", Subject: "Maths", Batch: "CSDA"},
		{Day: "Tue", Time: "11:30", Subject: "Physics", Batch: "AICS"},
	}

	msg := timetablePhoto(bob, "/timetable 10m")
	if !IsTimetable(msg) {
		t.Fatal("IsTimetable = false")
	}
	e.h.HandleTimetable(context.Background(), msg)

	if got := e.api.last(t, bob.ID); !strings.Contains(got, "Scheduled 2 classes") {
		t.Fatalf("reply = %q", got)
	}
	if string(e.reader.image) != "full" {
		t.Fatalf("read %q, want the largest photo", e.reader.image)
	}
	entries, err := e.gov.ListEntries(context.Background(), false)
	if err != nil || len(entries) != 2 {
		t.Fatalf("entries = %d, %v", len(entries), err)
	}
	for _, en := range entries {
		if en.MessageMode != models.MessageAI || en.LeadOffset.Std() != 10*time.Minute || en.CreatedBy != "bob" {
			t.Fatalf("entry = %+v", en)
		}
	}
	if n := e.notifier.n.Load(); n != 1 {
		t.Fatalf("scheduler notified %d times, want 1", n)
	}
}

func TestTimetablePhotoRejections(t *testing.T) {
	e := newEnv(t)
	e.reader.slots = []ai.TimetableSlot{{Day: "Mon", Time: "10:00", Subject: "Maths"}}

	e.h.HandleTimetable(context.Background(), timetablePhoto(eve, "/timetable"))
	if got := e.api.last(t, eve.ID); !strings.Contains(got, "Admins only") {
		t.Fatalf("stranger reply = %q", got)
	}
	e.h.HandleTimetable(context.Background(), timetablePhoto(bob, "/timetable soon"))
	if got := e.api.last(t, bob.ID); !strings.Contains(got, "invalid lead") {
		t.Fatalf("bad lead reply = %q", got)
	}
	if e.reader.image != nil {
		t.Fatal("model called for a rejected photo")
	}

	for _, caption := range []string{"", "our timetable", "/timetables"} {
		if IsTimetable(timetablePhoto(bob, caption)) {
			t.Errorf("IsTimetable(%q) = true", caption)
		}
	}
}
