package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Telegram struct {
	api     *tgbotapi.BotAPI
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewTelegram sends through api at no more than perSecond messages per
// second. perSecond <= 0 disables the limit.
func NewTelegram(api *tgbotapi.BotAPI, perSecond float64, log zerolog.Logger) *Telegram {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Telegram{
		api:     api,
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
	}
}

func (t *Telegram) Send(ctx context.Context, n Notification) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait: %v", ErrTransient, err)
	}

	msg := tgbotapi.NewMessage(n.ChannelID, n.Text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if len(n.Buttons) > 0 {
		row := make([]tgbotapi.InlineKeyboardButton, len(n.Buttons))
		for i, b := range n.Buttons {
			row[i] = tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data)
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(row)
	}

	// BotAPI requests carry no context, so bind this call's requests to ctx
	// through a shallow copy with a wrapped client.
	api := *t.api
	api.Client = ctxClient{ctx: ctx, next: t.api.Client}

	sent, err := api.Send(msg)
	if err != nil {
		err = Classify(err)
		t.log.Warn().Err(err).Int64("chat_id", n.ChannelID).Msg("send failed")
		return err
	}
	t.log.Debug().Int64("chat_id", n.ChannelID).Int("msg_id", sent.MessageID).Msg("notification sent")
	return nil
}

type ctxClient struct {
	ctx  context.Context
	next tgbotapi.HTTPClient
}

func (c ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.next.Do(req.WithContext(c.ctx))
}

// Classify maps a Telegram send error onto ErrTransient or ErrPermanent.
// Rate limits, server errors and network failures are transient; errors
// that will repeat verbatim on every retry are permanent.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrPermanent) {
		return err
	}
	apiErr := asAPIError(err)
	if apiErr == nil {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	if apiErr.MigrateToChatID != 0 {
		return fmt.Errorf("%w: group moved to chat %d: %w", ErrPermanent, apiErr.MigrateToChatID, err)
	}
	switch {
	case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= 500:
		return fmt.Errorf("%w: telegram %d: %w", ErrTransient, apiErr.Code, err)
	case apiErr.Code == http.StatusForbidden, apiErr.Code == http.StatusNotFound:
		// kicked, blocked, chat gone
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	case apiErr.Code == http.StatusBadRequest:
		// "chat not found" and malformed requests fail the same way every tick
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	return fmt.Errorf("%w: telegram %d: %w", ErrTransient, apiErr.Code, err)
}

// RetryAfter returns the flood-wait Telegram asked for, if any.
func RetryAfter(err error) time.Duration {
	if apiErr := asAPIError(err); apiErr != nil {
		return time.Duration(apiErr.RetryAfter) * time.Second
	}
	return 0
}

func asAPIError(err error) *tgbotapi.Error {
	var p *tgbotapi.Error
	if errors.As(err, &p) {
		return p
	}
	var v tgbotapi.Error
	if errors.As(err, &v) {
		return &v
	}
	return nil
}
