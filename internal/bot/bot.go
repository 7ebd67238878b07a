package bot

import (
	"context"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/hray3182/titanbot/internal/bot/handlers"
)

var commands = []tgbotapi.BotCommand{
	{Command: "start", Description: "Panel"},
	{Command: "help", Description: "Commands"},
	{Command: "list", Description: "Upcoming classes"},
	{Command: "feedback", Description: "Contact Admin"},
}

type Bot struct {
	api      *tgbotapi.BotAPI
	handlers *handlers.Handlers
	log      zerolog.Logger
}

func New(api *tgbotapi.BotAPI, h *handlers.Handlers, log zerolog.Logger) *Bot {
	return &Bot{api: api, handlers: h, log: log}
}

// Start long-polls for updates until ctx is cancelled. Updates already
// being handled finish before Start returns.
func (b *Bot) Start(ctx context.Context) error {
	b.log.Info().Str("account", b.api.Self.UserName).Msg("authorized")

	if _, err := b.api.Request(tgbotapi.NewSetMyCommands(commands...)); err != nil {
		b.log.Warn().Err(err).Msg("failed to register bot commands")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = []string{"message", "callback_query", "my_chat_member"}

	updates := b.api.GetUpdatesChan(u)

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.log.Info().Msg("bot stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.handleUpdate(ctx, update)
			}()
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Int("update_id", update.UpdateID).Msg("update handler panicked")
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		b.handlers.HandleCallbackQuery(ctx, update.CallbackQuery)
	case update.MyChatMember != nil:
		b.handlers.HandleChatMember(ctx, update.MyChatMember)
	case update.Message != nil:
		msg := update.Message
		switch {
		case msg.IsCommand():
			b.handlers.HandleCommand(ctx, msg)
		case handlers.IsImport(msg):
			b.handlers.HandleImport(ctx, msg)
		case handlers.IsTimetable(msg):
			b.handlers.HandleTimetable(ctx, msg)
		}
	}
}
