package server

import (
	"context"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"visa-chatter/internal/whatsapp"
)

const webhookMaxBodyBytes int64 = 1 << 20

// verifyWebhook answers Meta's subscription handshake.
func (s *Server) verifyWebhook(c echo.Context) error {
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	if mode == "subscribe" && token != "" && token == s.opts.VerifyToken {
		return c.String(http.StatusOK, c.QueryParam("hub.challenge"))
	}
	log.Warn().Str("mode", mode).Msg("webhook verification failed")
	return echo.NewHTTPError(http.StatusForbidden, "verify failed")
}

// receiveWebhook acknowledges immediately and hands events to the
// dispatcher, which outlives the request.
func (s *Server) receiveWebhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		s.deps.Metrics.WebhookRequest("bad_payload")
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}
	if int64(len(body)) > webhookMaxBodyBytes {
		s.deps.Metrics.WebhookRequest("bad_payload")
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}
	if s.opts.VerifySignature && !whatsapp.VerifySignature(s.opts.AppSecret, body, c.Request().Header.Get(whatsapp.SignatureHeader)) {
		s.deps.Metrics.WebhookRequest("bad_signature")
		return echo.NewHTTPError(http.StatusForbidden, "bad signature")
	}

	events, statuses, err := whatsapp.ParseEvents(body)
	if err != nil {
		s.deps.Metrics.WebhookRequest("bad_payload")
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	s.deps.Metrics.WebhookRequest("ok")

	for _, st := range statuses {
		ev := log.Debug()
		if len(st.Errors) > 0 {
			ev = log.Warn().Int("code", st.Errors[0].Code).Str("title", st.Errors[0].Title)
		}
		ev.Str("message_id", st.ID).Str("status", st.Status).Str("recipient", st.RecipientID).Msg("delivery status")
	}

	ctx := context.WithoutCancel(c.Request().Context())
	for _, ev := range events {
		if s.deps.Dispatcher != nil {
			s.deps.Dispatcher.Dispatch(ctx, ev)
		}
	}
	return c.JSON(http.StatusOK, okResponse{OK: true})
}
