package handlers

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hray3182/titanbot/internal/models"
	"github.com/hray3182/titanbot/internal/schedule"
	"github.com/hray3182/titanbot/internal/store"
)

const attendanceWindow = 7 * 24 * time.Hour

func (h *Handlers) handleAttendanceCallback(ctx context.Context, callback *tgbotapi.CallbackQuery, entryID, key string) {
	user := displayName(callback.From)
	if user == "" {
		h.answerCallback(callback.ID, "")
		return
	}
	occ, err := schedule.ParseOccurrenceKey(key, h.deps.Location)
	if err != nil {
		h.answerCallbackWithAlert(callback.ID, "⚠️ Expired.")
		return
	}
	rec := models.AttendanceRecord{EntryID: entryID, OccurrenceKey: key, OccurrenceAt: occ}
	e, err := h.deps.Governance.GetEntry(ctx, entryID)
	switch {
	case err == nil:
		rec.Subject = e.Label()
	case errors.Is(err, store.ErrNotFound):
		rec.Subject = entryID
	default:
		h.log.Error().Err(err).Str("entry_id", entryID).Msg("failed to load entry for attendance")
		h.answerCallbackWithAlert(callback.ID, "⚠️ Try again in a minute.")
		return
	}

	_, added, err := h.deps.Attendance.MarkPresent(ctx, rec, user)
	if err != nil {
		h.log.Error().Err(err).Str("entry_id", entryID).Str("occurrence", key).Msg("failed to mark attendance")
		h.answerCallbackWithAlert(callback.ID, "⚠️ Try again in a minute.")
		return
	}
	if !added {
		h.answerCallbackWithAlert(callback.ID, "⚠️ Already marked!")
		return
	}
	h.answerCallback(callback.ID, "✅ Present: "+user)
}

func (h *Handlers) handleAttendance(ctx context.Context, msg *tgbotapi.Message) {
	if !h.requireAdmin(ctx, msg) {
		return
	}
	recs, err := h.deps.Attendance.Since(ctx, h.deps.Now().Add(-attendanceWindow))
	if err != nil {
		h.replyError(msg.Chat.ID, "attendance", err)
		return
	}
	h.sendMessage(msg.Chat.ID, formatAttendance(recs, h.deps.Location))
}

func formatAttendance(recs []*models.AttendanceRecord, loc *time.Location) string {
	if len(recs) == 0 {
		return "📊 No attendance in the last 7 days."
	}
	var sb strings.Builder
	sb.WriteString("<b>📊 RECENT ATTENDANCE:</b>\n")
	for _, r := range recs {
		fmt.Fprintf(&sb, "%s %s: %d present\n",
			r.OccurrenceAt.In(loc).Format("Mon 02 Jan 15:04"), html.EscapeString(r.Subject), len(r.Present))
	}
	return sb.String()
}
