package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
)

// handoffTools exposes the handoff desk to MCP clients such as an operator's
// assistant.
type handoffTools struct {
	desk HandoffDesk
}

func newMCPHandler(desk HandoffDesk) http.Handler {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "visa-chatter-handoff",
		Version: "1.0.0",
	}, nil)
	t := &handoffTools{desk: desk}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_pending_handoffs",
		Description: "Lists senders waiting for a human reply with the seconds left before each request expires",
	}, t.ListPending)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "submit_human_reply",
		Description: "Delivers a human reply to a sender with a pending handoff. Arguments: sender, text",
	}, t.SubmitReply)
	return mcp.NewSSEHandler(func(*http.Request) *mcp.Server { return server })
}

func (t *handoffTools) ListPending(_ context.Context, _ *mcp.ServerSession, _ *mcp.CallToolParamsFor[map[string]interface{}]) (*mcp.CallToolResultFor[any], error) {
	data, err := json.Marshal(t.desk.ListPending())
	if err != nil {
		return toolError("encode pending: " + err.Error()), nil
	}
	return toolText(string(data)), nil
}

func (t *handoffTools) SubmitReply(_ context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[map[string]interface{}]) (*mcp.CallToolResultFor[any], error) {
	sender := stringArg(params.Arguments, "sender")
	if sender == "" {
		sender = stringArg(params.Arguments, "wa_id")
	}
	text := strings.TrimSpace(stringArg(params.Arguments, "text"))
	if sender == "" || text == "" {
		return toolError("sender and text are required"), nil
	}
	if !t.desk.SubmitHumanReply(sender, text) {
		return toolError("no pending/expired"), nil
	}
	log.Info().Str("sender", sender).Msg("human reply submitted over mcp")
	return toolText("ok"), nil
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func toolText(s string) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: s}},
	}
}

func toolError(s string) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: s}},
	}
}
