// Package render turns a due occurrence into the Telegram HTML message
// the dispatcher sends.
package render

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hray3182/titanbot/internal/ai"
	"github.com/hray3182/titanbot/internal/dispatch"
	"github.com/hray3182/titanbot/internal/models"
)

const (
	defaultAITimeout = 10 * time.Second

	AttendancePrefix = "att:"
	PresentButton    = "🙋 I am Present"
)

// Generator writes announcement text. *ai.Client implements it.
type Generator interface {
	GenerateAnnouncement(ctx context.Context, a ai.Announcement) (string, error)
}

type Renderer struct {
	loc       *time.Location
	gen       Generator
	aiTimeout time.Duration
	log       zerolog.Logger
}

// New returns a renderer for loc. gen may be nil, in which case AI mode
// entries use the template.
func New(loc *time.Location, gen Generator, log zerolog.Logger) *Renderer {
	return &Renderer{loc: loc, gen: gen, aiTimeout: defaultAITimeout, log: log}
}

// Notification renders e's occurrence at occ with its attendance button.
func (r *Renderer) Notification(ctx context.Context, e *models.ScheduleEntry, occ time.Time, key string) dispatch.Notification {
	var body string
	switch e.MessageMode {
	case models.MessageManual:
		body = html.EscapeString(e.Message) + "\n⏰ " + r.When(occ)
	case models.MessageAI:
		body = r.aiBody(ctx, e, occ)
	default:
		body = r.template(e, occ)
	}

	var b strings.Builder
	b.WriteString(body)
	if e.Link != "" {
		fmt.Fprintf(&b, "\n🔗 <a href=\"%s\">JOIN CLASS</a>", html.EscapeString(e.Link))
	}
	b.WriteString("\n\n👇 <i>Mark attendance:</i>")

	return dispatch.Notification{
		ChannelID: e.ChannelID,
		Text:      b.String(),
		Buttons:   []dispatch.Button{{Text: PresentButton, Data: AttendanceData(e.ID, key)}},
	}
}

func (r *Renderer) template(e *models.ScheduleEntry, occ time.Time) string {
	head := "CLASS: " + e.Subject
	if e.Batch != "" {
		head = e.Batch + " " + head
	}
	return "<b>🔔 " + html.EscapeString(head) + "</b>\n⏰ " + r.When(occ)
}

func (r *Renderer) aiBody(ctx context.Context, e *models.ScheduleEntry, occ time.Time) string {
	if r.gen == nil {
		return r.template(e, occ)
	}
	ctx, cancel := context.WithTimeout(ctx, r.aiTimeout)
	defer cancel()

	text, err := r.gen.GenerateAnnouncement(ctx, ai.Announcement{
		Batch:   e.Batch,
		Subject: e.Subject,
		When:    occ.In(r.loc).Format("Monday, 02 January at 15:04"),
		Link:    e.Link,
	})
	if err != nil {
		r.log.Warn().Err(err).Str("entry_id", e.ID).Msg("AI announcement failed, using template")
		return r.template(e, occ)
	}
	return html.EscapeString(text) + "\n⏰ " + r.When(occ)
}

// When formats an occurrence in the group's timezone.
func (r *Renderer) When(t time.Time) string {
	return t.In(r.loc).Format("Mon 02 Jan, 15:04")
}

// Alert is the admin notice for an entry suspended after a permanent failure.
func (r *Renderer) Alert(e *models.ScheduleEntry, occ time.Time, cause error) string {
	return fmt.Sprintf("⚠️ <b>Reminder suspended</b>\n<code>%s</code> %s (%s)\nChat: <code>%d</code>\nError: %s\n\nFix the chat, then /resume %s",
		html.EscapeString(e.ID),
		html.EscapeString(e.Label()),
		r.When(occ),
		e.ChannelID,
		html.EscapeString(cause.Error()),
		html.EscapeString(e.ID),
	)
}

func AttendanceData(entryID, key string) string {
	return AttendancePrefix + entryID + ":" + key
}

// ParseAttendanceData splits callback data produced by AttendanceData.
func ParseAttendanceData(data string) (entryID, key string, ok bool) {
	rest, found := strings.CutPrefix(data, AttendancePrefix)
	if !found {
		return "", "", false
	}
	entryID, key, ok = strings.Cut(rest, ":")
	if !ok || entryID == "" || key == "" {
		return "", "", false
	}
	return entryID, key, true
}
