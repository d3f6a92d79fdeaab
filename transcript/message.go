// Package transcript folds the tagged ACP update stream into an ordered
// message log plus a streaming flag. It is the single source of truth the
// chat view reads: chunk events coalesce into growing messages, tool calls
// get their own entries updated in place by correlation id, and an idle
// timeout infers end-of-turn for agents that never send one.
package transcript

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Role identifies who a message belongs to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind is the optional message subtype. The zero value is a plain message.
type Kind string

const (
	KindPlain    Kind = ""
	KindThinking Kind = "thinking"
	KindTool     Kind = "tool"
	KindNotice   Kind = "notice"
)

// Tool call statuses as reported by the agent.
const (
	ToolStatusPending   = "pending"
	ToolStatusCompleted = "completed"
)

// Message is one entry in the log. The log is append-only except for
// coalescing onto the last entry and in-place tool status updates.
type Message struct {
	ID        string
	Role      Role
	Kind      Kind
	Content   string
	Timestamp time.Time

	// Tool fields, set only for KindTool entries.
	ToolCallID string
	ToolTitle  string
	ToolStatus string
}

// msgCounter feeds message id generation. Process-wide so ids stay unique
// even across log resets.
var msgCounter atomic.Uint64

// nextMessageID returns a fresh id, unique within this process run and
// ordered by allocation. Ids carry no meaning beyond equality.
func nextMessageID() string {
	return fmt.Sprintf("msg-%d-%d", msgCounter.Add(1), time.Now().UnixMilli())
}
