// Package whatsapp speaks the WhatsApp Cloud API: webhook payload parsing,
// signature checks and the Graph messages endpoint.
package whatsapp

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"visa-chatter/internal/conversation"
)

const businessAccountObject = "whatsapp_business_account"

type Webhook struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

type Value struct {
	Contacts []Contact `json:"contacts"`
	Messages []Message `json:"messages"`
	Statuses []Status  `json:"statuses"`
}

type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *Reply `json:"button_reply,omitempty"`
		ListReply   *Reply `json:"list_reply,omitempty"`
	} `json:"interactive,omitempty"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button,omitempty"`
}

// Reply is a tapped button or list row.
type Reply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Status is a delivery receipt for a message we sent.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors,omitempty"`
}

// ParseEvents flattens a webhook body into conversation events and delivery
// statuses. Payloads for other Graph objects yield nothing.
func ParseEvents(body []byte) ([]conversation.Event, []Status, error) {
	var wh Webhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, nil, errors.Wrap(err, "whatsapp: decode webhook")
	}
	if wh.Object != businessAccountObject {
		return nil, nil, nil
	}

	var (
		events   []conversation.Event
		statuses []Status
	)
	for _, entry := range wh.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			statuses = append(statuses, v.Statuses...)
			for _, m := range v.Messages {
				events = append(events, toEvent(m, profileName(v.Contacts, m.From)))
			}
		}
	}
	return events, statuses, nil
}

func toEvent(m Message, profile string) conversation.Event {
	ev := conversation.Event{
		ID:          m.ID,
		Sender:      m.From,
		Kind:        kindOf(m.Type),
		ProfileName: profile,
		ReceivedAt:  parseTimestamp(m.Timestamp),
	}
	switch {
	case m.Type == "text" && m.Text != nil:
		ev.Text = m.Text.Body
	case m.Type == "interactive" && m.Interactive != nil:
		r := m.Interactive.ButtonReply
		if r == nil {
			r = m.Interactive.ListReply
		}
		if r != nil {
			ev.Text, ev.OptionID = r.Title, r.ID
			if ev.Text == "" {
				ev.Text = r.ID
			}
		}
	case m.Type == "button" && m.Button != nil:
		ev.Text, ev.OptionID = m.Button.Text, m.Button.Payload
	}
	return ev
}

func kindOf(t string) conversation.Kind {
	switch t {
	case "text":
		return conversation.KindText
	case "interactive", "button":
		return conversation.KindInteractive
	case "audio", "voice":
		return conversation.KindAudio
	case "image", "sticker":
		return conversation.KindImage
	case "document":
		return conversation.KindDocument
	case "video":
		return conversation.KindVideo
	}
	return conversation.KindOther
}

func profileName(contacts []Contact, from string) string {
	for _, c := range contacts {
		if c.WaID == from {
			return c.Profile.Name
		}
	}
	if len(contacts) > 0 {
		return contacts[0].Profile.Name
	}
	return ""
}

func parseTimestamp(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
