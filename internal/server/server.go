// Package server exposes the WhatsApp webhook, the admin API and the MCP
// endpoint over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"visa-chatter/internal/conversation"
	"visa-chatter/internal/metrics"
	"visa-chatter/internal/session"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, ev conversation.Event)
}

// HandoffDesk is the operator side of the handoff broker.
type HandoffDesk interface {
	ListPending() map[string]int
	SubmitHumanReply(key, text string) bool
}

type Options struct {
	VerifyToken     string
	VerifySignature bool
	AppSecret       string
	AdminToken      string
}

type Deps struct {
	Dispatcher Dispatcher
	Store      *session.Store
	Desk       HandoffDesk
	Sender     conversation.Sender
	Agent      conversation.Inferer
	Metrics    *metrics.Metrics
}

type Server struct {
	echo *echo.Echo
	addr string
	opts Options
	deps Deps
}

func New(addr string, opts Options, deps Deps) *Server {
	if addr == "" {
		addr = ":3000"
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, addr: addr, opts: opts, deps: deps}

	e.GET("/", func(c echo.Context) error { return c.String(http.StatusOK, "OK") })
	e.GET("/healthz", func(c echo.Context) error { return c.JSON(http.StatusOK, okResponse{OK: true}) })
	e.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))
	e.GET("/webhook", s.verifyWebhook)
	e.POST("/webhook", s.receiveWebhook)

	auth := s.adminAuth()
	s.registerAdmin(e, auth)
	e.Any("/mcp", echo.WrapHandler(newMCPHandler(deps.Desk)), auth)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("http server listening")
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server")
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// adminAuth requires "Authorization: Bearer <ADMIN_TOKEN>" when a token is
// configured.
func (s *Server) adminAuth() echo.MiddlewareFunc {
	token := []byte(s.opts.AdminToken)
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		Skipper: func(echo.Context) bool { return len(token) == 0 },
		Validator: func(key string, _ echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), token) == 1, nil
		},
		ErrorHandler: func(error, echo.Context) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		},
	})
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			ev := log.Debug()
			if v.Error != nil || v.Status >= 500 {
				ev = log.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).Str("uri", v.URI).Int("status", v.Status).Dur("latency", v.Latency).Msg("http request")
			return nil
		},
	})
}

type okResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
