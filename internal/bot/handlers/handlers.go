package handlers

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/hray3182/titanbot/internal/backup"
	"github.com/hray3182/titanbot/internal/governance"
	"github.com/hray3182/titanbot/internal/models"
	"github.com/hray3182/titanbot/internal/render"
	"github.com/hray3182/titanbot/internal/repository"
	"github.com/hray3182/titanbot/internal/store"
	"github.com/hray3182/titanbot/internal/timetable"
)

// API is the part of *tgbotapi.BotAPI the handlers use.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Notifier asks the scheduler for an immediate tick.
type Notifier interface {
	Notify()
}

type Deps struct {
	Governance *governance.Service
	Attendance *repository.AttendanceRepository
	Feedback   *repository.FeedbackRepository
	Backup     *backup.Service
	// Timetable is nil when no AI model is configured.
	Timetable *timetable.Service
	Scheduler Notifier
	// AlertChatID also receives user feedback. 0 keeps feedback in the store only.
	AlertChatID int64
	StoreDriver string
	Location    *time.Location
	Now         func() time.Time
	HTTPClient  *http.Client
	Logger      zerolog.Logger
}

type Handlers struct {
	api  API
	deps Deps
	log  zerolog.Logger
}

func New(api API, deps Deps) *Handlers {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Handlers{api: api, deps: deps, log: deps.Logger}
}

func caller(u *tgbotapi.User) governance.Caller {
	if u == nil {
		return governance.Caller{}
	}
	return governance.Caller{UserID: u.ID, Username: u.UserName}
}

func (h *Handlers) HandleCommand(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	log := h.log.With().Str("command", msg.Command()).Int64("user_id", msg.From.ID).Logger()
	log.Debug().Msg("command received")

	switch msg.Command() {
	case "start":
		h.handleStart(ctx, msg)
	case "help":
		h.handleHelp(ctx, msg)
	case "add":
		h.handleAdd(ctx, msg)
	case "once":
		h.handleOnce(ctx, msg)
	case "list":
		h.handleList(ctx, msg)
	case "show":
		h.handleShow(ctx, msg)
	case "edit":
		h.handleEdit(ctx, msg)
	case "deactivate", "delete":
		h.handleDeactivate(ctx, msg)
	case "resume":
		h.handleResume(ctx, msg)
	case "admins":
		h.handleAdmins(ctx, msg)
	case "addadmin":
		h.handleAddAdmin(ctx, msg)
	case "removeadmin":
		h.handleRemoveAdmin(ctx, msg)
	case "link":
		h.handleLink(ctx, msg)
	case "export":
		h.handleExport(ctx, msg)
	case "import":
		h.sendMessage(msg.Chat.ID, "📥 Send the backup .yaml file with the caption <code>/import</code>.")
	case "timetable":
		h.sendMessage(msg.Chat.ID, "📸 Send a timetable photo with the caption <code>/timetable</code>, optionally followed by a lead such as <code>10m</code>.")
	case "subjects":
		h.handleSubjects(ctx, msg)
	case "addsubject":
		h.handleAddSubject(ctx, msg)
	case "attendance":
		h.handleAttendance(ctx, msg)
	case "feedback":
		h.handleFeedback(ctx, msg)
	default:
		if msg.Chat.IsPrivate() {
			h.sendMessage(msg.Chat.ID, "Unknown command, see /help")
		}
	}
}

func (h *Handlers) HandleCallbackQuery(ctx context.Context, callback *tgbotapi.CallbackQuery) {
	if entryID, key, ok := render.ParseAttendanceData(callback.Data); ok {
		h.handleAttendanceCallback(ctx, callback, entryID, key)
		return
	}
	h.answerCallbackWithAlert(callback.ID, "⚠️ Expired.")
}

// HandleChatMember links a group when an admin adds the bot to it.
func (h *Handlers) HandleChatMember(ctx context.Context, upd *tgbotapi.ChatMemberUpdated) {
	if upd == nil || !(upd.Chat.IsGroup() || upd.Chat.IsSuperGroup()) {
		return
	}
	switch upd.NewChatMember.Status {
	case "member", "administrator":
	default:
		return
	}
	c := caller(&upd.From)
	if err := h.deps.Governance.LinkGroup(ctx, c, upd.Chat.ID, upd.Chat.Title); err != nil {
		if !governance.IsRejection(err) {
			h.log.Error().Err(err).Int64("chat_id", upd.Chat.ID).Msg("failed to link group")
		}
		return
	}
	h.sendMessage(upd.Chat.ID, fmt.Sprintf("🤖 <b>TITAN CONNECTED</b>\nID: <code>%d</code>", upd.Chat.ID))
}

func (h *Handlers) answerCallback(callbackID, text string) {
	if _, err := h.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		h.log.Warn().Err(err).Msg("failed to answer callback")
	}
}

func (h *Handlers) answerCallbackWithAlert(callbackID string, text string) {
	if _, err := h.api.Request(tgbotapi.NewCallbackWithAlert(callbackID, text)); err != nil {
		h.log.Warn().Err(err).Msg("failed to answer callback with alert")
	}
}

func (h *Handlers) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := h.api.Send(msg); err != nil {
		h.log.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to send message")
	}
}

// replyError tells the user why an operation did not happen. Rejections
// and conflicts are explained; anything else is logged.
func (h *Handlers) replyError(chatID int64, op string, err error) {
	var ge *governance.Error
	switch {
	case errors.As(err, &ge):
		text := "❌ " + html.EscapeString(ge.Reason.Error())
		if ge.Detail != "" {
			text += "\n" + html.EscapeString(ge.Detail)
		}
		h.sendMessage(chatID, text)
	case errors.Is(err, store.ErrVersionConflict):
		h.sendMessage(chatID, "⚠️ Someone else changed this at the same time. Check /show and try again.")
	case errors.Is(err, store.ErrNotFound):
		h.sendMessage(chatID, "❌ No such entry. See /list.")
	case errors.Is(err, store.ErrUnavailable):
		h.log.Error().Err(err).Str("op", op).Msg("store unavailable")
		h.sendMessage(chatID, "⚠️ The database is unreachable right now, try again in a minute.")
	default:
		h.log.Error().Err(err).Str("op", op).Msg("operation failed")
		h.sendMessage(chatID, "⚠️ Something went wrong, try again later.")
	}
}

func (h *Handlers) usage(chatID int64, usage string, err error) {
	text := "Usage:\n<code>" + html.EscapeString(usage) + "</code>"
	if err != nil && !errors.Is(err, errUsage) {
		text = "❌ " + html.EscapeString(err.Error()) + "\n\n" + text
	}
	h.sendMessage(chatID, text)
}

// requireAdmin replies and returns false when the sender is not an admin.
func (h *Handlers) requireAdmin(ctx context.Context, msg *tgbotapi.Message) bool {
	_, ok, err := h.deps.Governance.Role(ctx, caller(msg.From))
	if err != nil {
		h.replyError(msg.Chat.ID, "role", err)
		return false
	}
	if !ok {
		h.sendMessage(msg.Chat.ID, "❌ Admins only.")
		return false
	}
	return true
}

func (h *Handlers) notifyScheduler() {
	if h.deps.Scheduler != nil {
		h.deps.Scheduler.Notify()
	}
}

func (h *Handlers) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat.IsGroup() || msg.Chat.IsSuperGroup() {
		// an admin's /start in a group links it, like /link; others are ignored
		if _, ok, err := h.deps.Governance.Role(ctx, caller(msg.From)); err == nil && ok {
			h.linkChat(ctx, msg)
		}
		return
	}

	role, ok, err := h.deps.Governance.Role(ctx, caller(msg.From))
	if err != nil {
		h.replyError(msg.Chat.ID, "start", err)
		return
	}
	if !ok {
		h.sendMessage(msg.Chat.ID, fmt.Sprintf("👋 Hi %s!\nI post class reminders in the group. Use /list to see the schedule or /feedback to reach the admins.",
			html.EscapeString(msg.From.FirstName)))
		return
	}

	group := "not linked, use /link in the group"
	if g, err := h.deps.Governance.LinkedGroup(ctx); err != nil {
		h.replyError(msg.Chat.ID, "start", err)
		return
	} else if g != nil {
		group = html.EscapeString(g.Title)
	}
	h.sendMessage(msg.Chat.ID, fmt.Sprintf("<b>⚡ TITAN DASHBOARD</b>\n🔗 <b>Group:</b> %s\n💾 <b>DB:</b> %s\n👤 <b>Role:</b> %s\n\nSee /help for commands.",
		group, html.EscapeString(h.deps.StoreDriver), role))
}

func (h *Handlers) handleHelp(ctx context.Context, msg *tgbotapi.Message) {
	text := `📖 <b>Commands</b>

<b>Schedule</b>
/list - active reminders
/show &lt;id&gt; - details and next runs
/add &lt;days&gt; &lt;HH:MM&gt; [lead] [#batch] &lt;subject&gt; [| link] [| message]
/once &lt;YYYY-MM-DD&gt; &lt;HH:MM&gt; [lead] [#batch] &lt;subject&gt; [| link] [| message]
/edit &lt;id&gt; &lt;field&gt; &lt;value&gt;
/deactivate &lt;id&gt; - stop a reminder
/resume &lt;id&gt; - reactivate or unsuspend

<b>Admins</b>
/admins - list admins
/addadmin @user [owner|admin]
/removeadmin @user
/link - run in the group to post there
/subjects - subjects per batch
/addsubject [#batch] &lt;subject&gt;

<b>Data</b>
/export - YAML backup
/import - send a backup file with this caption
/timetable [lead] - send a timetable photo with this caption
/attendance - last 7 days

/feedback &lt;text&gt; - message the admins

Days: <code>Mon,Wed</code> or <code>Mon-Fri</code>. Lead: <code>15m</code>, <code>1h</code>.`
	h.sendMessage(msg.Chat.ID, text)
}

// Sender name used for attendance and feedback.
func displayName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	if u.UserName != "" {
		return "@" + u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func (h *Handlers) handleFeedback(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.CommandArguments())
	if text == "" {
		h.sendMessage(msg.Chat.ID, "Usage: <code>/feedback your message</code>")
		return
	}
	f := &models.Feedback{
		UserID: msg.From.ID,
		From:   displayName(msg.From),
		Text:   text,
		At:     h.deps.Now(),
	}
	if err := h.deps.Feedback.Create(ctx, f); err != nil {
		h.replyError(msg.Chat.ID, "feedback", err)
		return
	}
	if h.deps.AlertChatID != 0 {
		h.sendMessage(h.deps.AlertChatID, fmt.Sprintf("💬 <b>Feedback</b> from %s\n%s",
			html.EscapeString(f.From), html.EscapeString(f.Text)))
	}
	h.sendMessage(msg.Chat.ID, "✅ Feedback sent.")
}
