package transcript

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/devitools/arandu/acp"
)

// defaultIdleTimeout is how long the stream may stay silent before the
// builder presumes the turn over. Some agents never emit end_turn; without
// this the UI would show a spinner forever.
const defaultIdleTimeout = 800 * time.Millisecond

// planFileName is the well-known plan artifact name. A tool call touching
// a path with this basename reveals where the agent keeps its plan.
const planFileName = "plan.md"

// noticeRe matches chunks that are standalone advisories rather than part
// of the running answer. Matches the agent's observed output verbatim; not
// worth generalising.
var noticeRe = regexp.MustCompile(`^(Warning:|Info:|🔬|Experimental)`)

// Option configures a Builder.
type Option func(*Builder)

// WithIdleTimeout overrides the silence window. Tests shrink it.
func WithIdleTimeout(d time.Duration) Option {
	return func(b *Builder) { b.idleTimeout = d }
}

// WithLogger attaches a logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithOnChange registers a callback invoked after every observable
// mutation, outside the builder lock. The chat view uses it to redraw.
func WithOnChange(fn func()) Option {
	return func(b *Builder) { b.onChange = fn }
}

// WithOnPlanFile registers a callback for plan file discovery (see
// planFileName). Invoked outside the builder lock.
func WithOnPlanFile(fn func(path string)) Option {
	return func(b *Builder) { b.onPlanFile = fn }
}

// Builder is the streaming-event reducer for one workspace. Apply is fed
// from the single connection read pump, so folds happen sequentially; the
// mutex only guards the snapshots read by the UI.
type Builder struct {
	workspaceID string
	idleTimeout time.Duration
	logger      *slog.Logger
	onChange    func()
	onPlanFile  func(string)

	mu              sync.Mutex
	activeSessionID string
	messages        []Message
	streaming       bool
	currentMode     string
	availableModes  []string
	planFilePath    string
	errs            []string
	idleTimer       *time.Timer
	closed          bool
}

// NewBuilder creates a builder for a workspace's event stream.
func NewBuilder(workspaceID string, opts ...Option) *Builder {
	b := &Builder{
		workspaceID: workspaceID,
		idleTimeout: defaultIdleTimeout,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// StartSession makes sessionID the active session and resets the log and
// error list for it. Events tagged with any other session id are dropped
// from this point on, which is what keeps a superseded session's late
// events from corrupting the new log. Must be called before the prompt
// that can produce events for the session.
func (b *Builder) StartSession(sessionID string, modes *acp.ModeState) {
	b.mu.Lock()
	b.activeSessionID = sessionID
	b.messages = nil
	b.errs = nil
	b.applyModesLocked(modes)
	b.mu.Unlock()
	b.notify()
}

// SetModes records the advertised mode list without touching the log.
// Used when the mode state arrives after the session is already active,
// as with a resume whose replay precedes the load response.
func (b *Builder) SetModes(modes *acp.ModeState) {
	if modes == nil {
		return
	}
	b.mu.Lock()
	b.applyModesLocked(modes)
	b.mu.Unlock()
	b.notify()
}

func (b *Builder) applyModesLocked(modes *acp.ModeState) {
	if modes == nil {
		return
	}
	b.availableModes = modes.IDs()
	if modes.CurrentModeID != "" {
		b.currentMode = modes.CurrentModeID
	}
}

// ActiveSessionID returns the currently active remote session id.
func (b *Builder) ActiveSessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeSessionID
}

// Apply folds one event into the log. Events for other workspaces or for
// a session other than the active one are dropped. Malformed payloads are
// skipped; nothing here ever panics on agent input.
func (b *Builder) Apply(u acp.SessionUpdate) {
	if u.WorkspaceID != b.workspaceID {
		return
	}

	b.mu.Lock()
	if b.activeSessionID != "" && u.SessionID != b.activeSessionID {
		b.mu.Unlock()
		return
	}

	body, ok := u.Body()
	if !ok {
		b.mu.Unlock()
		b.logger.Debug("ignoring update", "kind", u.Kind)
		return
	}

	var planPath string
	changed := true

	switch e := body.(type) {
	case *acp.AgentMessageChunk:
		changed = b.applyAgentChunk(e.Text())
	case *acp.AgentThoughtChunk:
		changed = b.applyThoughtChunk(e.Text())
	case *acp.EndTurn:
		b.stopIdleTimerLocked()
		b.streaming = false
	case *acp.ToolCall:
		planPath = b.applyToolCall(e)
	case *acp.ToolCallUpdate:
		changed = b.applyToolCallUpdate(e)
	case *acp.UserMessageChunk:
		changed = b.applyUserChunk(e.Text())
	case *acp.CurrentModeUpdate:
		b.currentMode = e.CurrentModeID
	}
	b.mu.Unlock()

	if planPath != "" && b.onPlanFile != nil {
		b.onPlanFile(planPath)
	}
	if changed {
		b.notify()
	}
}

// applyAgentChunk handles agent_message_chunk: notices always start their
// own entry, everything else coalesces onto a trailing plain assistant
// entry. Returns false when the chunk carried no text.
func (b *Builder) applyAgentChunk(text string) bool {
	if text == "" {
		return false
	}

	if noticeRe.MatchString(text) {
		b.messages = append(b.messages, Message{
			ID:        nextMessageID(),
			Role:      RoleAssistant,
			Kind:      KindNotice,
			Content:   text,
			Timestamp: time.Now(),
		})
	} else if last := b.lastMessage(); last != nil && last.Role == RoleAssistant && last.Kind == KindPlain {
		last.Content += text
	} else {
		b.messages = append(b.messages, Message{
			ID:        nextMessageID(),
			Role:      RoleAssistant,
			Content:   text,
			Timestamp: time.Now(),
		})
	}

	b.markStreamingLocked()
	return true
}

// applyThoughtChunk handles agent_thought_chunk with the same coalescing
// rule restricted to thinking entries.
func (b *Builder) applyThoughtChunk(text string) bool {
	if text == "" {
		return false
	}

	if last := b.lastMessage(); last != nil && last.Role == RoleAssistant && last.Kind == KindThinking {
		last.Content += text
	} else {
		b.messages = append(b.messages, Message{
			ID:        nextMessageID(),
			Role:      RoleAssistant,
			Kind:      KindThinking,
			Content:   text,
			Timestamp: time.Now(),
		})
	}

	b.markStreamingLocked()
	return true
}

// applyToolCall appends a tool entry (tool calls never coalesce) and
// returns a discovered plan file path, if any.
func (b *Builder) applyToolCall(e *acp.ToolCall) string {
	title := e.Title
	if title == "" {
		title = e.Kind
	}
	if title == "" {
		title = "Tool call"
	}
	status := e.Status
	if status == "" {
		status = ToolStatusPending
	}

	b.messages = append(b.messages, Message{
		ID:         nextMessageID(),
		Role:       RoleAssistant,
		Kind:       KindTool,
		Content:    title,
		Timestamp:  time.Now(),
		ToolCallID: e.ToolCallID,
		ToolTitle:  e.Title,
		ToolStatus: status,
	})
	b.markStreamingLocked()

	if path := e.FilePath(); strings.HasSuffix(path, "/"+planFileName) {
		b.planFilePath = path
		return path
	}
	return ""
}

// applyToolCallUpdate rewrites the matching tool entry once the call
// completes with a textual summary. Anything else is a no-op: missing
// summaries and unmatched correlation ids are expected, not errors.
func (b *Builder) applyToolCallUpdate(e *acp.ToolCallUpdate) bool {
	if e.Status != ToolStatusCompleted {
		return false
	}
	summary, ok := e.Summary()
	if !ok {
		return false
	}

	for i := range b.messages {
		if b.messages[i].ToolCallID != e.ToolCallID {
			continue
		}
		title := b.messages[i].ToolTitle
		if title == "" {
			title = "Tool"
		}
		b.messages[i].Content = title + ": " + summary
		b.messages[i].ToolStatus = ToolStatusCompleted
		return true
	}
	return false
}

// applyUserChunk handles the transport echoing the user's prompt back as
// a stream; it coalesces onto a trailing user entry.
func (b *Builder) applyUserChunk(text string) bool {
	if text == "" {
		return false
	}

	if last := b.lastMessage(); last != nil && last.Role == RoleUser {
		last.Content += text
	} else {
		b.messages = append(b.messages, Message{
			ID:        nextMessageID(),
			Role:      RoleUser,
			Content:   text,
			Timestamp: time.Now(),
		})
	}
	return true
}

// lastMessage returns a pointer to the final log entry, or nil.
func (b *Builder) lastMessage() *Message {
	if len(b.messages) == 0 {
		return nil
	}
	return &b.messages[len(b.messages)-1]
}

// markStreamingLocked flips streaming on and restarts the idle window.
// The timer is reset, not extended: each qualifying event grants a full
// window of silence.
func (b *Builder) markStreamingLocked() {
	b.streaming = true
	if b.closed {
		return
	}
	b.stopIdleTimerLocked()
	b.idleTimer = time.AfterFunc(b.idleTimeout, b.idleExpired)
}

// idleExpired runs when the silence window elapses with no new event.
func (b *Builder) idleExpired() {
	b.mu.Lock()
	was := b.streaming
	b.streaming = false
	b.mu.Unlock()
	if was {
		b.notify()
	}
}

func (b *Builder) stopIdleTimerLocked() {
	if b.idleTimer != nil {
		b.idleTimer.Stop()
		b.idleTimer = nil
	}
}

// AppendUserMessage records the user's own outgoing prompt and marks the
// stream live (the agent is about to answer).
func (b *Builder) AppendUserMessage(text string) {
	b.mu.Lock()
	b.messages = append(b.messages, Message{
		ID:        nextMessageID(),
		Role:      RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	})
	b.streaming = true
	b.mu.Unlock()
	b.notify()
}

// ForceIdle flips streaming off immediately (optimistic cancel, failed
// send) without waiting for end_turn or the idle window.
func (b *Builder) ForceIdle() {
	b.mu.Lock()
	b.stopIdleTimerLocked()
	b.streaming = false
	b.mu.Unlock()
	b.notify()
}

// SetCurrentMode records a locally initiated mode change.
func (b *Builder) SetCurrentMode(mode string) {
	b.mu.Lock()
	b.currentMode = mode
	b.mu.Unlock()
	b.notify()
}

// AddError appends a user-dismissable error. Errors accumulate until
// ClearErrors.
func (b *Builder) AddError(msg string) {
	b.mu.Lock()
	b.errs = append(b.errs, msg)
	b.mu.Unlock()
	b.notify()
}

// ClearErrors drops the accumulated error list.
func (b *Builder) ClearErrors() {
	b.mu.Lock()
	b.errs = nil
	b.mu.Unlock()
	b.notify()
}

// ClearMessages empties the log.
func (b *Builder) ClearMessages() {
	b.mu.Lock()
	b.messages = nil
	b.mu.Unlock()
	b.notify()
}

// Close cancels the idle timer so no delayed callback fires against a
// torn-down consumer.
func (b *Builder) Close() {
	b.mu.Lock()
	b.closed = true
	b.stopIdleTimerLocked()
	b.mu.Unlock()
}

// notify invokes the change callback outside the lock.
func (b *Builder) notify() {
	if b.onChange != nil {
		b.onChange()
	}
}

// --- Read API ----------------------------------------------------------------

// Messages returns a copy of the log.
func (b *Builder) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// Streaming reports whether the agent is presumed mid-turn.
func (b *Builder) Streaming() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streaming
}

// CurrentMode returns the recorded mode id, "" if unknown.
func (b *Builder) CurrentMode() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentMode
}

// AvailableModes returns a copy of the advertised mode id list.
func (b *Builder) AvailableModes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.availableModes))
	copy(out, b.availableModes)
	return out
}

// PlanFilePath returns the agent-discovered plan file path, "" if none.
func (b *Builder) PlanFilePath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.planFilePath
}

// Errors returns a copy of the accumulated error list.
func (b *Builder) Errors() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.errs))
	copy(out, b.errs)
	return out
}
