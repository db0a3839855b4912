// Package outbound picks the channel client for a sender key.
package outbound

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"visa-chatter/internal/conversation"
)

var ErrNoChannel = errors.New("outbound: no channel for recipient")

// Mux routes keys with the Telegram prefix to the Telegram sender and
// everything else to WhatsApp. Either side may be nil when that channel is
// disabled.
type Mux struct {
	WhatsApp conversation.Sender
	Telegram conversation.Sender
}

func (m *Mux) pick(to string) (conversation.Sender, string, error) {
	if strings.HasPrefix(to, conversation.TelegramPrefix) {
		if m.Telegram == nil {
			return nil, "", errors.Wrapf(ErrNoChannel, "telegram disabled for %s", to)
		}
		return m.Telegram, strings.TrimPrefix(to, conversation.TelegramPrefix), nil
	}
	if m.WhatsApp == nil {
		return nil, "", errors.Wrapf(ErrNoChannel, "whatsapp disabled for %s", to)
	}
	return m.WhatsApp, to, nil
}

func (m *Mux) Send(ctx context.Context, to, text string) error {
	s, addr, err := m.pick(to)
	if err != nil {
		return err
	}
	return s.Send(ctx, addr, text)
}

// MarkRead forwards to channels with read receipts and is a no-op otherwise.
func (m *Mux) MarkRead(ctx context.Context, to, messageID string) error {
	s, addr, err := m.pick(to)
	if err != nil {
		return err
	}
	rm, ok := s.(conversation.ReadMarker)
	if !ok {
		return nil
	}
	return rm.MarkRead(ctx, addr, messageID)
}
