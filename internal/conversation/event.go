// Package conversation turns inbound chat events into replies, one sender at
// a time.
package conversation

import (
	"context"
	"strings"
	"time"
)

type Kind string

const (
	KindText        Kind = "text"
	KindInteractive Kind = "interactive"
	KindAudio       Kind = "audio"
	KindImage       Kind = "image"
	KindDocument    Kind = "document"
	KindVideo       Kind = "video"
	KindOther       Kind = "other"
)

// TelegramPrefix marks sender keys that belong to the Telegram channel.
const TelegramPrefix = "tg:"

// Event is one inbound message, already parsed from its channel payload.
type Event struct {
	ID          string
	Sender      string
	Kind        Kind
	Text        string
	OptionID    string
	ProfileName string
	ReceivedAt  time.Time
}

func (e Event) HasText() bool {
	return strings.TrimSpace(e.Text) != ""
}

// Channel reports which transport the sender key belongs to.
func Channel(key string) string {
	if strings.HasPrefix(key, TelegramPrefix) {
		return "telegram"
	}
	return "whatsapp"
}

// Sender delivers text to a sender key.
type Sender interface {
	Send(ctx context.Context, to, text string) error
}

// ReadMarker is implemented by senders whose channel has read receipts.
type ReadMarker interface {
	MarkRead(ctx context.Context, to, messageID string) error
}

// Classified errors carry a short reason used as a metrics label.
type Classified interface {
	Reason() string
}
