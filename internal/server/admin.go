package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"visa-chatter/internal/agent"
	"visa-chatter/internal/session"
)

type replyRequest struct {
	WaID string `json:"wa_id"`
	Text string `json:"text"`
}

type mergeRequest struct {
	Data map[string]any `json:"data"`
}

type sendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type inferRequest struct {
	WaID  string         `json:"wa_id"`
	Text  string         `json:"text"`
	Slots map[string]any `json:"slots,omitempty"`
}

func (s *Server) registerAdmin(e *echo.Echo, auth echo.MiddlewareFunc) {
	e.GET("/admin/pending", s.listPending, auth)
	e.POST("/admin/reply", s.submitReply, auth)
	e.GET("/memory/:wa_id", s.getSlots, auth)
	e.PUT("/memory/:wa_id", s.putSlots, auth)
	e.POST("/messages/send", s.sendMessage, auth)
	e.POST("/agent/infer", s.infer, auth)
}

func (s *Server) listPending(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Desk.ListPending())
}

// submitReply reports a missing or expired handoff in the body with 200, the
// way operator tooling expects it.
func (s *Server) submitReply(c echo.Context) error {
	var req replyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.WaID == "" || strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "wa_id and text are required")
	}
	if !s.deps.Desk.SubmitHumanReply(req.WaID, req.Text) {
		return c.JSON(http.StatusOK, okResponse{OK: false, Error: "no pending/expired"})
	}
	log.Info().Str("sender", req.WaID).Msg("human reply submitted over http")
	return c.JSON(http.StatusOK, okResponse{OK: true})
}

func (s *Server) getSlots(c echo.Context) error {
	sess := s.deps.Store.Load(c.Request().Context(), c.Param("wa_id"))
	return c.JSON(http.StatusOK, sess.Slots)
}

func (s *Server) putSlots(c echo.Context) error {
	var req mergeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	sess, err := s.deps.Store.Merge(c.Request().Context(), c.Param("wa_id"), session.Delta(req.Data))
	if err != nil {
		log.Error().Err(err).Str("sender", c.Param("wa_id")).Msg("admin merge failed")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
	}
	return c.JSON(http.StatusOK, sess.Slots)
}

func (s *Server) sendMessage(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.To == "" || req.Body == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "to and body are required")
	}
	if err := s.deps.Sender.Send(c.Request().Context(), req.To, req.Body); err != nil {
		log.Error().Err(err).Str("to", req.To).Msg("admin send failed")
		return c.JSON(http.StatusBadGateway, okResponse{OK: false, Error: err.Error()})
	}
	return c.JSON(http.StatusOK, okResponse{OK: true})
}

// infer runs the generative fallback for a sender without sending anything.
// Slot deltas from a successful call are persisted.
func (s *Server) infer(c echo.Context) error {
	var req inferRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.WaID == "" || req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "wa_id and text are required")
	}
	ctx := c.Request().Context()
	slots := s.deps.Store.Load(ctx, req.WaID).Slots
	if len(req.Slots) > 0 {
		slots, _ = slots.Merge(session.Delta(req.Slots))
	}
	turns := s.deps.Store.RecentTurns(ctx, req.WaID, agent.DefaultHistory)

	if s.deps.Agent == nil {
		return c.JSON(http.StatusOK, agent.SafeOutput())
	}
	out, err := s.deps.Agent.Infer(ctx, req.WaID, req.Text, slots, turns)
	if err != nil {
		log.Warn().Err(err).Str("sender", req.WaID).Msg("admin infer fell back")
		return c.JSON(http.StatusOK, out)
	}
	if len(out.Slots) > 0 {
		if _, err := s.deps.Store.Merge(ctx, req.WaID, session.Delta(out.Slots)); err != nil {
			log.Warn().Err(err).Str("sender", req.WaID).Msg("merge inferred slots")
		}
	}
	return c.JSON(http.StatusOK, out)
}
