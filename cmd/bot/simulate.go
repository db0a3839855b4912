package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"visa-chatter/internal/whatsapp"
)

var defaultScript = []string{
	"Hola",
	"Soy Karla",
	"Quiero renovar",
	"Venció en febrero de 2023",
}

type simulateFlags struct {
	url    string
	waID   string
	name   string
	secret string
	gap    time.Duration
}

func newSimulateCmd() *cobra.Command {
	f := simulateFlags{}
	cmd := &cobra.Command{
		Use:   "simulate [message...]",
		Short: "Replay a short customer conversation against a running webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging("info", "console")
			script := args
			if len(script) == 0 {
				script = defaultScript
			}
			return simulate(cmd.Context(), f, script)
		},
	}
	cmd.Flags().StringVar(&f.url, "url", "http://127.0.0.1:3000/webhook", "webhook URL")
	cmd.Flags().StringVar(&f.waID, "wa-id", "5218128793882", "sender wa_id")
	cmd.Flags().StringVar(&f.name, "name", "Cliente Demo", "sender profile name")
	cmd.Flags().StringVar(&f.secret, "secret", "", "app secret used to sign deliveries")
	cmd.Flags().DurationVar(&f.gap, "gap", 600*time.Millisecond, "pause between messages")
	return cmd
}

func simulate(ctx context.Context, f simulateFlags, script []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	for i, text := range script {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.gap):
			}
		}
		body, err := json.Marshal(textDelivery(f.waID, f.name, text))
		if err != nil {
			return errors.Wrap(err, "encode delivery")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
		if err != nil {
			return errors.Wrap(err, "build request")
		}
		req.Header.Set("Content-Type", "application/json")
		if f.secret != "" {
			req.Header.Set(whatsapp.SignatureHeader, whatsapp.Sign(f.secret, body))
		}
		resp, err := client.Do(req)
		if err != nil {
			return errors.Wrapf(err, "post %q", text)
		}
		out, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		resp.Body.Close()
		log.Info().Int("status", resp.StatusCode).Str("text", text).Str("response", string(out)).Msg("POST")
	}
	return nil
}

func textDelivery(waID, name, text string) whatsapp.Webhook {
	msg := whatsapp.Message{
		ID:        "wamid.SIM." + uuid.NewString(),
		From:      waID,
		Timestamp: strconv.FormatInt(time.Now().Unix(), 10),
		Type:      "text",
	}
	msg.Text = &struct {
		Body string `json:"body"`
	}{Body: text}

	contact := whatsapp.Contact{WaID: waID}
	contact.Profile.Name = name

	return whatsapp.Webhook{
		Object: "whatsapp_business_account",
		Entry: []whatsapp.Entry{{
			ID: "SIM",
			Changes: []whatsapp.Change{{
				Field: "messages",
				Value: whatsapp.Value{
					Contacts: []whatsapp.Contact{contact},
					Messages: []whatsapp.Message{msg},
				},
			}},
		}},
	}
}
