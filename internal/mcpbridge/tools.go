package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/uam-network/uam-relay/internal/protocol/envelope"
	"github.com/uam-network/uam-relay/internal/sdk"
)

// ToolDefinition is the MCP tool descriptor sent in tools/list responses.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func ok(text string) (string, bool)   { return text, false }
func fail(text string) (string, bool) { return text, true }
func failf(format string, a ...any) (string, bool) {
	return fmt.Sprintf(format, a...), true
}

// ToolRegistry holds the UAM agent and the definitions/handlers for all
// tools it exposes over MCP.
type ToolRegistry struct {
	agent *sdk.Agent
	defs  []ToolDefinition
}

// NewToolRegistry creates a ToolRegistry backed by agent, which must already
// be connected.
func NewToolRegistry(agent *sdk.Agent) *ToolRegistry {
	r := &ToolRegistry{agent: agent}
	r.defs = []ToolDefinition{
		{
			Name: "uam_send",
			Description: "Send an end-to-end encrypted UAM message to another agent. " +
				"The recipient is addressed as name::domain. If the recipient is " +
				"unknown, a handshake request is sent first, followed immediately " +
				"by the message.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to": map[string]any{
						"type":        "string",
						"description": "Recipient UAM address, e.g. billing::example.com",
					},
					"message": map[string]any{
						"type":        "string",
						"description": "Plaintext message body to encrypt and send",
					},
				},
				"required": []string{"to", "message"},
			},
		},
		{
			Name: "uam_inbox",
			Description: "Read and decrypt messages waiting in this agent's inbox, " +
				"in the order the relay returns them. Automatically emits read receipts for delivered " +
				"messages.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of messages to return. Defaults to 20.",
					},
				},
			},
		},
		{
			Name: "uam_contact_card",
			Description: "Return this agent's own signed UAM contact card: address, " +
				"public key, relay, and display name. Share this with another agent " +
				"so it can verify and message you back.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}
	return r
}

// Definitions returns the list of tool definitions for tools/list responses.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	return r.defs
}

// Call dispatches a tool call by name and returns (output text, isError).
func (r *ToolRegistry) Call(ctx context.Context, name string, args json.RawMessage) (string, bool) {
	switch name {
	case "uam_send":
		return r.uamSend(ctx, args)
	case "uam_inbox":
		return r.uamInbox(ctx, args)
	case "uam_contact_card":
		return r.uamContactCard()
	default:
		return failf("unknown tool: %q", name)
	}
}

func (r *ToolRegistry) uamSend(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.To == "" || in.Message == "" {
		return fail("to and message are both required")
	}

	messageID, err := r.agent.Send(ctx, in.To, in.Message, envelope.CreateOptions{})
	if err != nil {
		return failf("send failed: %v", err)
	}
	return ok(fmt.Sprintf("sent to %s (message_id: %s)", in.To, messageID))
}

func (r *ToolRegistry) uamInbox(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		Limit int `json:"limit"`
	}
	_ = json.Unmarshal(args, &in)
	if in.Limit <= 0 {
		in.Limit = 20
	}

	messages, err := r.agent.Inbox(ctx, in.Limit)
	if err != nil {
		return failf("inbox read failed: %v", err)
	}
	if len(messages) == 0 {
		return ok("No new messages.")
	}

	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp, m.FromAddress, m.Content)
	}
	return ok(strings.TrimRight(b.String(), "\n"))
}

func (r *ToolRegistry) uamContactCard() (string, bool) {
	cardDict, err := r.agent.ContactCard()
	if err != nil {
		return failf("build contact card failed: %v", err)
	}
	out, err := json.MarshalIndent(cardDict, "", "  ")
	if err != nil {
		return failf("encode contact card failed: %v", err)
	}
	return ok(string(out))
}
