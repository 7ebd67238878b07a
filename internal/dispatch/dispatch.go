// Package dispatch delivers rendered notifications to a chat and sorts
// failures into retryable and non-retryable ones.
package dispatch

import (
	"context"
	"errors"
)

var (
	// ErrTransient failures leave the occurrence due for the next tick.
	ErrTransient = errors.New("transient dispatch failure")
	// ErrPermanent failures suspend the entry until an admin resumes it.
	ErrPermanent = errors.New("permanent dispatch failure")
)

type Button struct {
	Text string
	Data string
}

type Notification struct {
	ChannelID int64
	// Text is Telegram HTML.
	Text    string
	Buttons []Button
}

type Dispatcher interface {
	Send(ctx context.Context, n Notification) error
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
