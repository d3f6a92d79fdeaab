package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// requestTimeout bounds how long a single request may wait for its response.
const requestTimeout = 30 * time.Second

// updateBufferSize is the capacity of the session update channel. The reader
// pump drops nothing; a slow consumer backpressures the pump instead.
const updateBufferSize = 256

// SpawnConfig describes how to start the agent process.
type SpawnConfig struct {
	// Binary is the agent executable. Empty means "copilot".
	Binary string
	// Args are the protocol flags. Empty means ["--acp", "--stdio"].
	Args []string
	// Dir is the working directory for the agent process.
	Dir string
	// WorkspaceID tags every update emitted by this connection.
	WorkspaceID string
	// AuthToken, when set, is exported to the agent as GH_TOKEN.
	AuthToken string
	// Logger receives protocol-level diagnostics. Nil discards them.
	Logger *slog.Logger
}

// Client is one live ACP connection to an agent process.
type Client struct {
	workspaceID string
	logger      *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	nextID atomic.Uint64

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan jsonrpcMessage

	updates chan SessionUpdate

	closeOnce sync.Once
	done      chan struct{}
}

// Spawn starts the agent process and begins the read pump. The returned
// client is not initialized; callers follow with Initialize.
func Spawn(ctx context.Context, cfg SpawnConfig) (*Client, error) {
	binary := cfg.Binary
	if binary == "" {
		binary = "copilot"
	}
	args := cfg.Args
	if len(args) == 0 {
		args = []string{"--acp", "--stdio"}
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = cfg.Dir
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if cfg.AuthToken != "" {
		cmd.Env = append(cmd.Env, "GH_TOKEN="+cfg.AuthToken)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", binary, err)
	}

	c := newClient(stdin, stdout, cfg.WorkspaceID, cfg.Logger)
	c.cmd = cmd
	return c, nil
}

// newClient wires a client over arbitrary pipes and starts the read pump.
// Spawn uses it with the process pipes; tests use it with in-memory ones.
func newClient(stdin io.WriteCloser, stdout io.Reader, workspaceID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{
		workspaceID: workspaceID,
		logger:      logger.With("workspace", workspaceID),
		stdin:       stdin,
		pending:     make(map[uint64]chan jsonrpcMessage),
		updates:     make(chan SessionUpdate, updateBufferSize),
		done:        make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c
}

// Updates returns the stream of session update events. The channel is
// closed when the connection ends.
func (c *Client) Updates() <-chan SessionUpdate {
	return c.updates
}

// Done is closed when the read pump has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// readLoop consumes line-delimited JSON-RPC messages until EOF.
func (c *Client) readLoop(stdout io.Reader) {
	defer func() {
		c.failPending(fmt.Errorf("connection closed"))
		close(c.updates)
		close(c.done)
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg jsonrpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("discarding unparseable line", "error", err)
			continue
		}

		// A response carries an id plus result or error and no method.
		if msg.ID != nil && msg.Method == "" {
			c.deliver(*msg.ID, msg)
			continue
		}

		switch msg.Method {
		case "session/update":
			c.handleSessionUpdate(msg.Params)
		case "session/request_permission":
			// This client always grants permission; the agent's own
			// mode (plan vs agent) is the safety boundary.
			if msg.ID != nil {
				c.respondPermission(*msg.ID)
			}
		default:
			c.logger.Debug("ignoring unknown method", "method", msg.Method)
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("read pump ended", "error", err)
	}
}

// sessionUpdateParams is the session/update notification envelope.
type sessionUpdateParams struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// handleSessionUpdate converts a notification into a tagged SessionUpdate.
func (c *Client) handleSessionUpdate(params json.RawMessage) {
	var p sessionUpdateParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.logger.Warn("malformed session update", "error", err)
		return
	}

	var tag struct {
		SessionUpdate UpdateKind `json:"sessionUpdate"`
	}
	_ = json.Unmarshal(p.Update, &tag)

	c.updates <- SessionUpdate{
		WorkspaceID: c.workspaceID,
		SessionID:   p.SessionID,
		Kind:        tag.SessionUpdate,
		Payload:     p.Update,
	}
}

// respondPermission auto-approves a permission request.
func (c *Client) respondPermission(id uint64) {
	resp := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"outcome": map[string]any{
				"outcome":  "selected",
				"optionId": "allow_always",
			},
		},
	}
	if err := c.writeJSON(resp); err != nil {
		c.logger.Warn("permission reply failed", "error", err)
	}
}

// deliver routes a response to the waiting caller.
func (c *Client) deliver(id uint64, msg jsonrpcMessage) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- msg
	}
}

// failPending unblocks all in-flight calls with an error.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- jsonrpcMessage{Error: &RPCError{Code: -32000, Message: err.Error()}}
	}
}

// writeJSON serialises v and writes it as one line.
func (c *Client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

// Call issues a request and waits for the matching response.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan jsonrpcMessage, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.writeJSON(req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-timer.C:
		c.abandon(id)
		return nil, fmt.Errorf("timeout waiting for response to %s", method)
	case <-ctx.Done():
		c.abandon(id)
		return nil, ctx.Err()
	}
}

// abandon forgets an in-flight request after timeout or cancellation.
func (c *Client) abandon(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// Notify issues a notification (no response expected).
func (c *Client) Notify(method string, params any) error {
	return c.writeJSON(jsonrpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

// Close tears the connection down: stdin is closed so the agent sees EOF,
// then the process is killed. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.stdin.Close()
		if c.cmd != nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
			_ = c.cmd.Wait()
		}
	})
	return err
}

// --- Protocol operations -----------------------------------------------------

type initializeParams struct {
	ProtocolVersion    int            `json:"protocolVersion"`
	ClientCapabilities map[string]any `json:"clientCapabilities"`
}

// Initialize performs the protocol handshake.
func (c *Client) Initialize(ctx context.Context) error {
	params := initializeParams{ProtocolVersion: 1, ClientCapabilities: map[string]any{}}
	if _, err := c.Call(ctx, "initialize", params); err != nil {
		return err
	}
	return c.Notify("initialized", nil)
}

type newSessionParams struct {
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

// NewSession creates a fresh remote session rooted at cwd.
func (c *Client) NewSession(ctx context.Context, cwd string) (SessionInfo, error) {
	result, err := c.Call(ctx, "session/new", newSessionParams{Cwd: cwd, McpServers: []any{}})
	if err != nil {
		return SessionInfo{}, err
	}
	var info SessionInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return SessionInfo{}, fmt.Errorf("parse session info: %w", err)
	}
	return info, nil
}

type loadSessionParams struct {
	SessionID  string `json:"sessionId"`
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

// LoadSession resumes an existing remote session. Agents replay the prior
// conversation through the update stream. Some replies omit the session id;
// the requested one is substituted so callers always get a usable id back.
func (c *Client) LoadSession(ctx context.Context, sessionID, cwd string) (SessionInfo, error) {
	params := loadSessionParams{SessionID: sessionID, Cwd: cwd, McpServers: []any{}}
	result, err := c.Call(ctx, "session/load", params)
	if err != nil {
		return SessionInfo{}, err
	}
	var info SessionInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return SessionInfo{}, fmt.Errorf("parse session info: %w", err)
	}
	if info.SessionID == "" {
		info.SessionID = sessionID
	}
	return info, nil
}

type promptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// Prompt sends a user turn. The agent's reply arrives asynchronously on
// the update stream, not in the response.
func (c *Client) Prompt(ctx context.Context, sessionID, text string) error {
	params := promptParams{
		SessionID: sessionID,
		Prompt:    []ContentBlock{{Type: "text", Text: text}},
	}
	_, err := c.Call(ctx, "session/prompt", params)
	return err
}

type setModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// SetMode switches the remote session's operating mode.
func (c *Client) SetMode(ctx context.Context, sessionID, modeID string) error {
	_, err := c.Call(ctx, "session/set_mode", setModeParams{SessionID: sessionID, ModeID: modeID})
	return err
}

type cancelParams struct {
	SessionID string `json:"sessionId"`
}

// Cancel asks the agent to abort the in-flight turn. It is a notification:
// there is no acknowledgement beyond an eventual end_turn.
func (c *Client) Cancel(sessionID string) error {
	return c.Notify("session/cancel", cancelParams{SessionID: sessionID})
}
