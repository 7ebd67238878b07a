package handlers

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hray3182/titanbot/internal/governance"
	"github.com/hray3182/titanbot/internal/timetable"
)

// Telegram caps photos at 10 MB.
const maxPhotoSize = 10 << 20

func (h *Handlers) handleSubjects(ctx context.Context, msg *tgbotapi.Message) {
	cat, err := h.deps.Governance.Subjects(ctx)
	if err != nil {
		h.replyError(msg.Chat.ID, "subjects", err)
		return
	}
	if len(cat.Batches) == 0 {
		h.sendMessage(msg.Chat.ID, "📚 No subjects yet. Admins can use /addsubject.")
		return
	}
	var sb strings.Builder
	sb.WriteString("<b>📚 SUBJECTS</b>\n")
	for _, b := range cat.BatchNames() {
		name := b
		if name == "" {
			name = "General"
		}
		fmt.Fprintf(&sb, "\n<b>%s</b>\n", html.EscapeString(name))
		for _, s := range cat.Batches[b] {
			sb.WriteString("• " + html.EscapeString(s) + "\n")
		}
	}
	h.sendMessage(msg.Chat.ID, sb.String())
}

func (h *Handlers) handleAddSubject(ctx context.Context, msg *tgbotapi.Message) {
	batch, subject, err := parseSubjectArgs(msg.CommandArguments())
	if err != nil {
		h.usage(msg.Chat.ID, subjectUsage, err)
		return
	}
	added, err := h.deps.Governance.AddSubjects(ctx, caller(msg.From), governance.Subject{Batch: batch, Name: subject})
	if err != nil {
		h.replyError(msg.Chat.ID, "add_subject", err)
		return
	}
	if len(added) == 0 {
		h.sendMessage(msg.Chat.ID, "ℹ️ Already in the list.")
		return
	}
	label := added[0].Name
	if added[0].Batch != "" {
		label = added[0].Batch + " " + label
	}
	h.sendMessage(msg.Chat.ID, "✅ Added "+html.EscapeString(label)+".")
}

// IsTimetable reports whether msg is a timetable photo.
func IsTimetable(msg *tgbotapi.Message) bool {
	if msg == nil || len(msg.Photo) == 0 {
		return false
	}
	cmd, _, _ := strings.Cut(strings.TrimSpace(msg.Caption), " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return cmd == "/timetable"
}

// HandleTimetable schedules every class an AI model reads off the photo.
func (h *Handlers) HandleTimetable(ctx context.Context, msg *tgbotapi.Message) {
	if !h.requireAdmin(ctx, msg) {
		return
	}
	if h.deps.Timetable == nil {
		h.sendMessage(msg.Chat.ID, "❌ AI is not configured, timetable photos cannot be read.")
		return
	}
	var lead time.Duration
	if _, arg, _ := strings.Cut(strings.TrimSpace(msg.Caption), " "); strings.TrimSpace(arg) != "" {
		d, ok := parseLead(strings.TrimSpace(arg))
		if !ok {
			h.usage(msg.Chat.ID, timetableUsage, fmt.Errorf("invalid lead %q", arg))
			return
		}
		lead = d
	}

	photo := msg.Photo[len(msg.Photo)-1]
	if photo.FileSize > maxPhotoSize {
		h.sendMessage(msg.Chat.ID, "❌ Photo is too large.")
		return
	}
	data, err := h.download(ctx, photo.FileID, maxPhotoSize)
	if errors.Is(err, errTooLarge) {
		h.sendMessage(msg.Chat.ID, "❌ Photo is too large.")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("failed to download timetable photo")
		h.sendMessage(msg.Chat.ID, "⚠️ Could not download the photo, try again.")
		return
	}

	h.sendMessage(msg.Chat.ID, "📸 <b>Reading the timetable...</b>")
	res, err := h.deps.Timetable.Import(ctx, caller(msg.From), data, lead)
	switch {
	case errors.Is(err, timetable.ErrNoClasses):
		h.sendMessage(msg.Chat.ID, "❌ No classes found in the photo.")
		return
	case err != nil && governance.IsRejection(err):
		h.replyError(msg.Chat.ID, "import_timetable", err)
		return
	case err != nil:
		h.log.Error().Err(err).Msg("timetable import failed")
		h.sendMessage(msg.Chat.ID, "❌ Could not read the timetable, try a clearer photo.")
		return
	}
	if len(res.Created) > 0 {
		h.notifyScheduler()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "✅ <b>Scheduled %d classes.</b> %d new subjects. Check /list.", len(res.Created), res.Subjects)
	for _, f := range res.Failed {
		sb.WriteString("\n• " + html.EscapeString(f))
	}
	h.sendMessage(msg.Chat.ID, sb.String())
}
