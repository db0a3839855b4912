// Package telegram runs the Telegram channel: customer chats feed the
// conversation pipeline and allowlisted operators answer escalations.
package telegram

import (
	"context"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"visa-chatter/internal/auth"
	"visa-chatter/internal/conversation"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, ev conversation.Event)
}

// HandoffDesk is the operator side of the handoff broker.
type HandoffDesk interface {
	ListPending() map[string]int
	SubmitHumanReply(key, text string) bool
}

type Bot struct {
	api        *tgbotapi.BotAPI
	s          sender
	operators  *auth.Service
	desk       HandoffDesk
	dispatcher Dispatcher
}

func New(botToken string, operators *auth.Service, desk HandoffDesk) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, errors.Wrap(err, "telegram: connect")
	}
	return &Bot{
		api:       api,
		s:         botAPISender{api: api},
		operators: operators,
		desk:      desk,
	}, nil
}

// SetDispatcher wires the conversation pipeline. The bot is also the
// pipeline's Telegram sender, so it is built first.
func (b *Bot) SetDispatcher(d Dispatcher) {
	b.dispatcher = d
}

// Start long-polls for updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	log.Info().Str("bot", b.api.Self.UserName).Msg("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}
	if b.operators.IsOperator(msg.From.ID) {
		b.sendMessage(msg.Chat.ID, operatorHelp)
		return
	}
	b.dispatch(ctx, msg, "")
}

func (b *Bot) dispatch(ctx context.Context, msg *tgbotapi.Message, text string) {
	if b.dispatcher == nil {
		return
	}
	ev := toEvent(msg)
	if text != "" {
		ev.Text = text
	}
	b.dispatcher.Dispatch(ctx, ev)
}

// Send delivers text to a chat id, with or without the channel prefix.
func (b *Bot) Send(_ context.Context, to, text string) error {
	chatID, err := strconv.ParseInt(strings.TrimPrefix(to, conversation.TelegramPrefix), 10, 64)
	if err != nil {
		return errors.Wrapf(err, "telegram: bad chat id %q", to)
	}
	if _, err := b.s.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return errors.Wrap(err, "telegram: send")
	}
	return nil
}

func (b *Bot) sendMessage(chatID int64, text string) {
	if _, err := b.s.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("failed to send telegram message")
	}
}

func toEvent(msg *tgbotapi.Message) conversation.Event {
	chat := strconv.FormatInt(msg.Chat.ID, 10)
	ev := conversation.Event{
		ID:          conversation.TelegramPrefix + chat + ":" + strconv.Itoa(msg.MessageID),
		Sender:      conversation.TelegramPrefix + chat,
		Kind:        conversation.KindText,
		Text:        msg.Text,
		ProfileName: strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		ReceivedAt:  msg.Time().UTC(),
	}
	switch {
	case msg.Voice != nil || msg.Audio != nil:
		ev.Kind = conversation.KindAudio
	case len(msg.Photo) > 0 || msg.Sticker != nil:
		ev.Kind = conversation.KindImage
	case msg.Document != nil:
		ev.Kind = conversation.KindDocument
	case msg.Video != nil:
		ev.Kind = conversation.KindVideo
	}
	if ev.Kind != conversation.KindText && ev.Text == "" {
		ev.Text = msg.Caption
	}
	return ev
}
