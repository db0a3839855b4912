// Package agent asks the LLM for a structured reply when no deterministic
// rule matched.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"visa-chatter/internal/llm"
	"visa-chatter/internal/metrics"
	"visa-chatter/internal/policy"
	"visa-chatter/internal/session"
)

var (
	ErrMalformedOutput = errors.New("agent: malformed model output")
	ErrUnavailable     = errors.New("agent: no llm configured")
)

// Output is the JSON object the model must answer with.
type Output struct {
	Reply           string         `json:"reply" validate:"required"`
	QuickReplies    []string       `json:"quick_replies" validate:"max=3,dive,required"`
	Slots           map[string]any `json:"slots"`
	Followups       []string       `json:"followups" validate:"dive,required"`
	AskDelaySeconds float64        `json:"ask_delay_seconds" validate:"gte=0"`
	EscalateToHuman bool           `json:"escalate_to_human"`
	DealClosed      bool           `json:"deal_closed"`
}

// SafeOutput is what the sender gets whenever the model cannot be used.
func SafeOutput() Output {
	return Output{
		Reply:        policy.SafeReply,
		QuickReplies: append([]string(nil), policy.SafeQuickReplies...),
	}
}

type Agent struct {
	client   llm.Client
	validate *validator.Validate
	metrics  *metrics.Metrics
}

// DefaultHistory is how many recent turns callers pass as context.
const DefaultHistory = 10

func New(client llm.Client, m *metrics.Metrics) *Agent {
	return &Agent{
		client:   client,
		validate: validator.New(),
		metrics:  m,
	}
}

// Infer returns a validated Output. On any failure it returns SafeOutput
// together with the error, so callers may send the result either way.
func (a *Agent) Infer(ctx context.Context, sender, text string, slots session.Slots, turns []session.Turn) (Output, error) {
	if a == nil || a.client == nil {
		return SafeOutput(), ErrUnavailable
	}

	msgs, err := buildMessages(text, slots, turns)
	if err != nil {
		return SafeOutput(), err
	}

	start := time.Now()
	resp, err := a.client.Generate(ctx, msgs)
	if err != nil {
		a.metrics.LLMCall(time.Since(start), true)
		log.Warn().Err(err).Str("sender", sender).Msg("llm call failed")
		return SafeOutput(), errors.Wrap(err, "agent: generate")
	}

	out, err := a.decode(resp.Content)
	a.metrics.LLMCall(time.Since(start), err != nil)
	if err != nil {
		log.Warn().Err(err).Str("sender", sender).Str("model", resp.Model).Msg("llm output rejected")
		return SafeOutput(), err
	}

	greeted := slots.Stage != session.StageNew && slots.Stage != session.StageAskName
	if greeted {
		out.Reply = StripRedundantGreeting(out.Reply)
	}
	log.Debug().
		Str("sender", sender).
		Str("model", resp.Model).
		Int("tokens", resp.TotalTokens).
		Bool("escalate", out.EscalateToHuman).
		Msg("llm reply")
	return out, nil
}

func (a *Agent) decode(content string) (Output, error) {
	raw := extractJSON(content)
	if raw == "" {
		return Output{}, errors.Wrap(ErrMalformedOutput, "no json object")
	}
	var out Output
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Output{}, errors.Wrapf(ErrMalformedOutput, "decode: %v", err)
	}
	out.Reply = strings.TrimSpace(out.Reply)
	if err := a.validate.Struct(out); err != nil {
		return Output{}, errors.Wrapf(ErrMalformedOutput, "validate: %v", err)
	}
	return out, nil
}

// extractJSON tolerates providers without a JSON mode that wrap the object in
// prose or code fences.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

var (
	leadingGreetingRx = regexp.MustCompile(`(?i)^\s*¡?\s*(?:hola|buen[oa]s?)(?:[^\p{L}]|$)`)
	sentenceBreakRx   = regexp.MustCompile(`[.!?]\s+`)
)

// StripRedundantGreeting drops an opening "hola..." sentence from a reply to
// someone who was already greeted. Single-sentence replies are kept.
func StripRedundantGreeting(text string) string {
	if !leadingGreetingRx.MatchString(text) {
		return text
	}
	loc := sentenceBreakRx.FindStringIndex(text)
	if loc == nil || loc[1] >= len(text) {
		return text
	}
	return text[loc[1]:]
}

func buildMessages(text string, slots session.Slots, turns []session.Turn) ([]llm.Message, error) {
	slotsJSON, err := json.Marshal(slots)
	if err != nil {
		return nil, errors.Wrap(err, "agent: encode slots")
	}
	var hist strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&hist, "%s: %s\n", t.Role, t.Text)
	}

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}}
	msgs = append(msgs, fewShots...)
	msgs = append(msgs,
		llm.Message{Role: llm.RoleSystem, Content: "Slots actuales: " + string(slotsJSON)},
		llm.Message{Role: llm.RoleSystem, Content: "Historial reciente:\n" + strings.TrimRight(hist.String(), "\n")},
		llm.Message{Role: llm.RoleUser, Content: text},
	)
	return msgs, nil
}
