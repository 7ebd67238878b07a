package handlers

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hray3182/titanbot/internal/models"
)

func (h *Handlers) handleAdmins(ctx context.Context, msg *tgbotapi.Message) {
	if !h.requireAdmin(ctx, msg) {
		return
	}
	admins, err := h.deps.Governance.ListAdmins(ctx)
	if err != nil {
		h.replyError(msg.Chat.ID, "list_admins", err)
		return
	}
	now := h.deps.Now()
	var sb strings.Builder
	sb.WriteString("<b>👥 ADMINS</b>\n\n")
	for _, a := range admins {
		icon := "🛡"
		if a.Role == models.RoleOwner {
			icon = "👑"
		}
		fmt.Fprintf(&sb, "%s @%s (%s), added by %s %s\n",
			icon, html.EscapeString(a.Username), a.Role, html.EscapeString(a.AddedBy),
			humanize.RelTime(a.AddedAt, now, "ago", "from now"))
	}
	h.sendMessage(msg.Chat.ID, sb.String())
}

func (h *Handlers) handleAddAdmin(ctx context.Context, msg *tgbotapi.Message) {
	username, role, err := parseAdminArgs(msg.CommandArguments())
	if err != nil {
		h.usage(msg.Chat.ID, "/addadmin @user [owner|admin]", err)
		return
	}
	if err := h.deps.Governance.AddAdmin(ctx, caller(msg.From), username, role); err != nil {
		h.replyError(msg.Chat.ID, "add_admin", err)
		return
	}
	h.sendMessage(msg.Chat.ID, fmt.Sprintf("✅ @%s is now %s.", html.EscapeString(username), role))
}

func (h *Handlers) handleRemoveAdmin(ctx context.Context, msg *tgbotapi.Message) {
	username, _, err := parseAdminArgs(msg.CommandArguments())
	if err != nil {
		h.usage(msg.Chat.ID, "/removeadmin @user", err)
		return
	}
	if err := h.deps.Governance.RemoveAdmin(ctx, caller(msg.From), username); err != nil {
		h.replyError(msg.Chat.ID, "remove_admin", err)
		return
	}
	h.sendMessage(msg.Chat.ID, fmt.Sprintf("✅ @%s removed.", html.EscapeString(username)))
}

func (h *Handlers) handleLink(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat.IsGroup() || msg.Chat.IsSuperGroup() {
		h.linkChat(ctx, msg)
		return
	}
	g, err := h.deps.Governance.LinkedGroup(ctx)
	if err != nil {
		h.replyError(msg.Chat.ID, "link", err)
		return
	}
	if g == nil {
		h.sendMessage(msg.Chat.ID, "❌ No Group Linked! Send /link inside the group.")
		return
	}
	h.sendMessage(msg.Chat.ID, fmt.Sprintf("🔗 <b>Linked group:</b> %s\nID: <code>%d</code>\nLinked by @%s",
		html.EscapeString(g.Title), g.ChatID, html.EscapeString(g.LinkedBy)))
}

func (h *Handlers) linkChat(ctx context.Context, msg *tgbotapi.Message) {
	if err := h.deps.Governance.LinkGroup(ctx, caller(msg.From), msg.Chat.ID, msg.Chat.Title); err != nil {
		h.replyError(msg.Chat.ID, "link_group", err)
		return
	}
	h.notifyScheduler()
	h.sendMessage(msg.Chat.ID, "✅ <b>Group Linked!</b>")
}
