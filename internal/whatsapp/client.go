package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"visa-chatter/internal/policy"
)

const (
	DefaultBaseURL = "https://graph.facebook.com"
	MaxBodyRunes   = 4096
)

// Error classes reported as metric labels.
const (
	ReasonTokenExpired        = "TOKEN_EXPIRED"
	ReasonRecipientNotAllowed = "RECIPIENT_NOT_ALLOWED"
	ReasonBadEndpoint         = "BAD_ENDPOINT"
	ReasonRateLimited         = "RATE_LIMITED"
	ReasonGraph               = "GRAPH_ERROR"
)

// SendError is a non-2xx answer from the Graph API.
type SendError struct {
	Status  int
	Code    int
	Message string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("whatsapp: graph returned %d (code %d): %s", e.Status, e.Code, e.Message)
}

func (e *SendError) Reason() string {
	switch {
	case e.Code == 190 || e.Status == http.StatusUnauthorized:
		return ReasonTokenExpired
	case e.Code == 131030:
		return ReasonRecipientNotAllowed
	case strings.Contains(e.Message, "Unsupported post request"):
		return ReasonBadEndpoint
	case e.Status == http.StatusTooManyRequests:
		return ReasonRateLimited
	}
	return ReasonGraph
}

func (e *SendError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type Client struct {
	baseURL    string
	version    string
	phoneID    string
	token      string
	httpClient *http.Client

	maxRetries      uint64
	initialInterval time.Duration
	maxInterval     time.Duration
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithRetry sets how many times a failed post is retried and the first wait.
func WithRetry(retries uint64, initial time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = retries
		c.initialInterval = initial
	}
}

func NewClient(version, phoneID, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:         DefaultBaseURL,
		version:         version,
		phoneID:         phoneID,
		token:           token,
		httpClient:      &http.Client{Timeout: 20 * time.Second},
		maxRetries:      2,
		initialInterval: time.Second,
		maxInterval:     8 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) endpoint() string {
	return fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.version, c.phoneID)
}

// Send posts a text message. The recipient is normalized for Mexican
// mobiles and the body is cut at the API limit.
func (c *Client) Send(ctx context.Context, to, text string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                policy.NormalizeMX(to),
		"type":              "text",
		"text":              map[string]string{"body": truncate(text, MaxBodyRunes)},
	}
	if err := c.post(ctx, payload); err != nil {
		return errors.Wrapf(err, "send to %s", to)
	}
	return nil
}

// MarkRead flags an inbound message as read.
func (c *Client) MarkRead(ctx context.Context, _, messageID string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	return errors.Wrap(c.post(ctx, payload), "mark read")
}

func (c *Client) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = c.maxInterval
	retry := backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := c.do(ctx, body)
		var se *SendError
		if errors.As(err, &se) && !se.retryable() {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.Debug().Err(err).Int("attempt", attempt).Msg("graph post failed")
		}
		return err
	}
	return backoff.Retry(op, retry)
}

func (c *Client) do(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode/100 == 2 {
		return nil
	}
	return newSendError(resp.StatusCode, respBody)
}

func newSendError(status int, body []byte) *SendError {
	se := &SendError{Status: status, Message: string(body)}
	var ge struct {
		Error struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &ge) == nil && ge.Error.Message != "" {
		se.Code = ge.Error.Code
		se.Message = ge.Error.Message
	}
	if len(se.Message) > 300 {
		se.Message = se.Message[:300]
	}
	return se
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
