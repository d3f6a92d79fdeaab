// Package acp implements the client side of the Agent Client Protocol:
// a line-delimited JSON-RPC 2.0 conversation with a coding-agent process
// over its stdin/stdout. The Client owns the process and the read/write
// pumps; the Manager owns one Client per workspace.
package acp

import (
	"encoding/json"
	"fmt"
)

// jsonrpcRequest is an outbound JSON-RPC 2.0 request or notification
// (a notification carries no ID).
type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// jsonrpcMessage is an inbound message: either a response (ID + result/error)
// or a server-initiated request/notification (method + params).
type jsonrpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object returned by the agent.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
}

// SessionMode is one operating mode advertised by the agent
// (e.g. "builtin#plan", "builtin#agent").
type SessionMode struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// ModeState carries the advertised mode list and the current selection.
type ModeState struct {
	AvailableModes []SessionMode `json:"availableModes"`
	CurrentModeID  string        `json:"currentModeId,omitempty"`
}

// IDs returns the mode identifiers in advertised order.
func (m *ModeState) IDs() []string {
	if m == nil {
		return nil
	}
	ids := make([]string, 0, len(m.AvailableModes))
	for _, mode := range m.AvailableModes {
		ids = append(ids, mode.ID)
	}
	return ids
}

// SessionInfo is the result of session/new and session/load.
type SessionInfo struct {
	SessionID string     `json:"sessionId"`
	Modes     *ModeState `json:"modes,omitempty"`
}

// UpdateKind discriminates session/update notifications.
type UpdateKind string

const (
	UpdateAgentMessageChunk UpdateKind = "agent_message_chunk"
	UpdateAgentThoughtChunk UpdateKind = "agent_thought_chunk"
	UpdateEndTurn           UpdateKind = "end_turn"
	UpdateToolCall          UpdateKind = "tool_call"
	UpdateToolCallUpdate    UpdateKind = "tool_call_update"
	UpdateUserMessageChunk  UpdateKind = "user_message_chunk"
	UpdateCurrentMode       UpdateKind = "current_mode_update"
)

// SessionUpdate is one tagged streaming event. Payload is the raw update
// object; Body decodes it into the variant for Kind.
type SessionUpdate struct {
	WorkspaceID string          `json:"workspaceId"`
	SessionID   string          `json:"sessionId"`
	Kind        UpdateKind      `json:"updateType"`
	Payload     json.RawMessage `json:"payload"`
}

// UpdateBody is the interface for decoded session update payloads.
type UpdateBody interface {
	updateKind() UpdateKind
}

// ContentBlock is a single typed content item ({"type":"text","text":...}).
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AgentMessageChunk carries a fragment of assistant output.
type AgentMessageChunk struct {
	Content ContentBlock `json:"content"`
}

func (AgentMessageChunk) updateKind() UpdateKind { return UpdateAgentMessageChunk }

// Text returns the chunk text, or "" for non-text content.
func (c AgentMessageChunk) Text() string {
	if c.Content.Type != "text" {
		return ""
	}
	return c.Content.Text
}

// AgentThoughtChunk carries a fragment of the assistant's reasoning stream.
type AgentThoughtChunk struct {
	Content ContentBlock `json:"content"`
}

func (AgentThoughtChunk) updateKind() UpdateKind { return UpdateAgentThoughtChunk }

// Text returns the chunk text, or "" for non-text content.
func (c AgentThoughtChunk) Text() string {
	if c.Content.Type != "text" {
		return ""
	}
	return c.Content.Text
}

// EndTurn is the authoritative end-of-turn marker.
type EndTurn struct {
	StopReason string `json:"stopReason,omitempty"`
}

func (EndTurn) updateKind() UpdateKind { return UpdateEndTurn }

// ToolLocation is a file location referenced by a tool call.
type ToolLocation struct {
	Path string `json:"path"`
}

// ToolCall announces a tool invocation.
type ToolCall struct {
	ToolCallID string         `json:"toolCallId"`
	Title      string         `json:"title,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Status     string         `json:"status,omitempty"`
	Locations  []ToolLocation `json:"locations,omitempty"`
	RawInput   map[string]any `json:"rawInput,omitempty"`
}

func (ToolCall) updateKind() UpdateKind { return UpdateToolCall }

// FilePath returns the file path the call refers to: the first location,
// falling back to the rawInput "path" then "file_path" arguments.
func (t ToolCall) FilePath() string {
	if len(t.Locations) > 0 && t.Locations[0].Path != "" {
		return t.Locations[0].Path
	}
	if p, ok := t.RawInput["path"].(string); ok && p != "" {
		return p
	}
	if p, ok := t.RawInput["file_path"].(string); ok && p != "" {
		return p
	}
	return ""
}

// ToolCallUpdate reports a status change for an earlier tool call.
type ToolCallUpdate struct {
	ToolCallID string         `json:"toolCallId"`
	Status     string         `json:"status,omitempty"`
	RawOutput  map[string]any `json:"rawOutput,omitempty"`
}

func (ToolCallUpdate) updateKind() UpdateKind { return UpdateToolCallUpdate }

// Summary returns the textual output summary, if the agent provided one.
func (t ToolCallUpdate) Summary() (string, bool) {
	s, ok := t.RawOutput["content"].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// UserMessageChunk echoes the user's own prompt back through the stream.
// Content may be a single content block or an array of them.
type UserMessageChunk struct {
	Content json.RawMessage `json:"content"`
}

func (UserMessageChunk) updateKind() UpdateKind { return UpdateUserMessageChunk }

// Text concatenates all text-typed content parts.
func (c UserMessageChunk) Text() string {
	var blocks []ContentBlock
	if err := json.Unmarshal(c.Content, &blocks); err == nil {
		var out string
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	var single ContentBlock
	if err := json.Unmarshal(c.Content, &single); err == nil && single.Type == "text" {
		return single.Text
	}
	return ""
}

// CurrentModeUpdate reports that the agent switched its own mode.
type CurrentModeUpdate struct {
	CurrentModeID string `json:"currentModeId"`
}

func (CurrentModeUpdate) updateKind() UpdateKind { return UpdateCurrentMode }

// Body decodes the payload into the variant for the update's kind.
// Unknown kinds and malformed payloads return (nil, false); callers are
// expected to skip such events rather than fail.
func (u SessionUpdate) Body() (UpdateBody, bool) {
	decode := func(v UpdateBody) (UpdateBody, bool) {
		if len(u.Payload) == 0 {
			return v, true
		}
		if err := json.Unmarshal(u.Payload, v); err != nil {
			return nil, false
		}
		return v, true
	}

	switch u.Kind {
	case UpdateAgentMessageChunk:
		return decode(&AgentMessageChunk{})
	case UpdateAgentThoughtChunk:
		return decode(&AgentThoughtChunk{})
	case UpdateEndTurn:
		return decode(&EndTurn{})
	case UpdateToolCall:
		return decode(&ToolCall{})
	case UpdateToolCallUpdate:
		return decode(&ToolCallUpdate{})
	case UpdateUserMessageChunk:
		return decode(&UserMessageChunk{})
	case UpdateCurrentMode:
		return decode(&CurrentModeUpdate{})
	default:
		return nil, false
	}
}
