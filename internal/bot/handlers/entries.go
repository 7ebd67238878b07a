package handlers

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hray3182/titanbot/internal/governance"
	"github.com/hray3182/titanbot/internal/models"
	"github.com/hray3182/titanbot/internal/schedule"
)

const editAttempts = 3

func (h *Handlers) handleAdd(ctx context.Context, msg *tgbotapi.Message) {
	d, err := parseAdd(msg.CommandArguments())
	if err != nil {
		h.usage(msg.Chat.ID, addUsage, err)
		return
	}
	h.createEntry(ctx, msg, d)
}

func (h *Handlers) handleOnce(ctx context.Context, msg *tgbotapi.Message) {
	d, err := parseOnce(msg.CommandArguments(), h.deps.Location)
	if err != nil {
		h.usage(msg.Chat.ID, onceUsage, err)
		return
	}
	h.createEntry(ctx, msg, d)
}

func (h *Handlers) createEntry(ctx context.Context, msg *tgbotapi.Message, d governance.Draft) {
	e, err := h.deps.Governance.CreateEntry(ctx, caller(msg.From), d)
	if err != nil {
		h.replyError(msg.Chat.ID, "create_entry", err)
		return
	}
	h.notifyScheduler()
	h.sendMessage(msg.Chat.ID, "✅ <b>Scheduled</b>\n"+h.formatEntry(e, h.deps.Now()))
}

func (h *Handlers) handleList(ctx context.Context, msg *tgbotapi.Message) {
	all := strings.TrimSpace(msg.CommandArguments()) == "all"
	entries, err := h.deps.Governance.ListEntries(ctx, all)
	if err != nil {
		h.replyError(msg.Chat.ID, "list", err)
		return
	}
	if len(entries) == 0 {
		h.sendMessage(msg.Chat.ID, "📭 No classes.")
		return
	}

	now := h.deps.Now()
	var sb strings.Builder
	sb.WriteString("<b>🗓 UPCOMING:</b>\n\n")
	for _, e := range entries {
		sb.WriteString(h.formatEntry(e, now))
		sb.WriteString("\n")
	}
	if !all {
		sb.WriteString("<i>/list all includes inactive entries</i>")
	}
	h.sendMessage(msg.Chat.ID, sb.String())
}

func (h *Handlers) handleShow(ctx context.Context, msg *tgbotapi.Message) {
	id := strings.TrimSpace(msg.CommandArguments())
	if id == "" {
		h.sendMessage(msg.Chat.ID, "Usage: <code>/show &lt;id&gt;</code>")
		return
	}
	e, err := h.deps.Governance.GetEntry(ctx, id)
	if err != nil {
		h.replyError(msg.Chat.ID, "show", err)
		return
	}
	h.sendMessage(msg.Chat.ID, h.formatDetail(e, h.deps.Now()))
}

func (h *Handlers) handleEdit(ctx context.Context, msg *tgbotapi.Message) {
	id, field, value, err := parseEdit(msg.CommandArguments())
	if err != nil {
		h.usage(msg.Chat.ID, editUsage, err)
		return
	}

	var updated *models.ScheduleEntry
	var patchErr error
	err = governance.RetryOnConflict(ctx, editAttempts, func() error {
		cur, err := h.deps.Governance.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		p, err := buildPatch(cur, field, value, h.deps.Location)
		if err != nil {
			patchErr = err
			return nil
		}
		updated, err = h.deps.Governance.EditEntry(ctx, caller(msg.From), id, cur.Version, p)
		return err
	})
	if patchErr != nil {
		h.usage(msg.Chat.ID, editUsage, patchErr)
		return
	}
	if err != nil {
		h.replyError(msg.Chat.ID, "edit_entry", err)
		return
	}
	h.notifyScheduler()
	h.sendMessage(msg.Chat.ID, "✅ <b>Updated!</b>\n"+h.formatEntry(updated, h.deps.Now()))
}

func (h *Handlers) handleDeactivate(ctx context.Context, msg *tgbotapi.Message) {
	h.toggle(ctx, msg, "deactivate", h.deps.Governance.DeactivateEntry, "🛑 <b>Deactivated</b>")
}

func (h *Handlers) handleResume(ctx context.Context, msg *tgbotapi.Message) {
	h.toggle(ctx, msg, "resume", h.deps.Governance.ResumeEntry, "▶️ <b>Resumed</b>")
}

type entryOp func(ctx context.Context, c governance.Caller, id string, expectedVersion int64) (*models.ScheduleEntry, error)

func (h *Handlers) toggle(ctx context.Context, msg *tgbotapi.Message, name string, op entryOp, done string) {
	id := strings.TrimSpace(msg.CommandArguments())
	if id == "" {
		h.sendMessage(msg.Chat.ID, fmt.Sprintf("Usage: <code>/%s &lt;id&gt;</code>", name))
		return
	}
	var e *models.ScheduleEntry
	err := governance.RetryOnConflict(ctx, editAttempts, func() error {
		var err error
		e, err = op(ctx, caller(msg.From), id, 0)
		return err
	})
	if err != nil {
		h.replyError(msg.Chat.ID, name, err)
		return
	}
	h.notifyScheduler()
	h.sendMessage(msg.Chat.ID, done+"\n"+h.formatEntry(e, h.deps.Now()))
}

// formatEntry is the one-block summary used in listings.
func (h *Handlers) formatEntry(e *models.ScheduleEntry, now time.Time) string {
	loc := h.deps.Location
	status := "🟢"
	switch {
	case !e.Active:
		status = "⚪️"
	case e.Suspended:
		status = "⚠️"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s <code>%s</code> <b>%s</b>\n", status, html.EscapeString(e.ID), html.EscapeString(e.Label()))
	fmt.Fprintf(&sb, "   📅 %s", html.EscapeString(schedule.Describe(e, loc)))
	if lead := e.LeadOffset.Std(); lead > 0 {
		fmt.Fprintf(&sb, ", %s before", formatLead(lead))
	}
	sb.WriteString("\n")
	if e.Eligible() {
		next, ok, err := schedule.NextOccurrence(e, now, loc)
		if err == nil && ok {
			fmt.Fprintf(&sb, "   ⏭ %s (%s)\n", next.In(loc).Format("Mon 02 Jan 15:04"), humanize.RelTime(next, now, "ago", "from now"))
		}
	}
	return sb.String()
}

func (h *Handlers) formatDetail(e *models.ScheduleEntry, now time.Time) string {
	loc := h.deps.Location
	var sb strings.Builder
	sb.WriteString(h.formatEntry(e, now))
	if e.Link != "" {
		fmt.Fprintf(&sb, "🔗 %s\n", html.EscapeString(e.Link))
	}
	fmt.Fprintf(&sb, "✉️ Mode: %s\n", e.MessageMode)
	if e.Message != "" {
		fmt.Fprintf(&sb, "💬 %s\n", html.EscapeString(e.Message))
	}
	fmt.Fprintf(&sb, "💭 Chat: <code>%d</code>\n", e.ChannelID)
	if e.Suspended {
		fmt.Fprintf(&sb, "⚠️ Suspended: %s\n", html.EscapeString(e.LastError))
	}
	if e.LastSentAt != nil {
		fmt.Fprintf(&sb, "📨 Last sent %s\n", humanize.RelTime(*e.LastSentAt, now, "ago", "from now"))
	}
	if e.Eligible() {
		if upcoming, err := schedule.Upcoming(e, now, loc, 3); err == nil && len(upcoming) > 0 {
			sb.WriteString("🔜 Next:")
			for _, o := range upcoming {
				sb.WriteString(" " + o.In(loc).Format("Mon 02 Jan 15:04") + ";")
			}
			sb.WriteString("\n")
		}
	}
	fmt.Fprintf(&sb, "👤 Created by @%s %s\n", html.EscapeString(e.CreatedBy), humanize.RelTime(e.CreatedAt, now, "ago", "from now"))
	if e.UpdatedBy != "" && !e.UpdatedAt.Equal(e.CreatedAt) {
		fmt.Fprintf(&sb, "✏️ Edited by @%s %s\n", html.EscapeString(e.UpdatedBy), humanize.RelTime(e.UpdatedAt, now, "ago", "from now"))
	}
	fmt.Fprintf(&sb, "<i>version %d</i>", e.Version)
	return sb.String()
}

// formatLead drops the zero tails of Duration.String: "15m", "1h30m", "2h".
func formatLead(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = s[:len(s)-2]
	}
	if strings.HasSuffix(s, "h0m") {
		s = s[:len(s)-2]
	}
	return s
}
