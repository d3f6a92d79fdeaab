package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/devitools/arandu/acp"
	"github.com/devitools/arandu/planner"
	"github.com/devitools/arandu/transcript"
)

// AgentClient is the transport slice the controller drives. *acp.Client
// implements it; tests substitute a fake.
type AgentClient interface {
	NewSession(ctx context.Context, cwd string) (acp.SessionInfo, error)
	LoadSession(ctx context.Context, sessionID, cwd string) (acp.SessionInfo, error)
	Prompt(ctx context.Context, sessionID, text string) error
	SetMode(ctx context.Context, sessionID, modeID string) error
	Cancel(sessionID string) error
	Updates() <-chan acp.SessionUpdate
}

// Connector abstracts the connection manager.
type Connector interface {
	Connect(ctx context.Context, workspaceID, cwd string) error
	Disconnect(workspaceID string)
	State(workspaceID string) acp.ConnState
	Client(workspaceID string) (AgentClient, bool)
}

// managerConnector adapts *acp.Manager to the Connector interface.
type managerConnector struct {
	m *acp.Manager
}

// NewManagerConnector wraps a connection manager for use by a Controller.
func NewManagerConnector(m *acp.Manager) Connector {
	return managerConnector{m: m}
}

func (mc managerConnector) Connect(ctx context.Context, workspaceID, cwd string) error {
	return mc.m.Connect(ctx, workspaceID, cwd)
}

func (mc managerConnector) Disconnect(workspaceID string) {
	mc.m.Disconnect(workspaceID)
}

func (mc managerConnector) State(workspaceID string) acp.ConnState {
	return mc.m.State(workspaceID)
}

func (mc managerConnector) Client(workspaceID string) (AgentClient, bool) {
	c, ok := mc.m.Client(workspaceID)
	if !ok {
		return nil, false
	}
	return c, true
}

// Controller binds one local session record to a live agent connection:
// it runs the one-shot initialization after connect, resumes or creates
// the remote session, pumps updates into the transcript, and exposes the
// operations the UI drives. It also acts as the plan workflow's session
// driver.
type Controller struct {
	record    *Record
	store     *Store
	connector Connector
	logger    *slog.Logger

	Transcript *transcript.Builder
	Workflow   *planner.Workflow

	mu       sync.Mutex
	initDone bool
	initErr  string
	pumpStop chan struct{}
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Record    *Record
	Store     *Store
	Connector Connector
	// Logger receives diagnostics. Nil discards them.
	Logger *slog.Logger
	// OnChange is invoked after every transcript or workflow mutation.
	OnChange func()
}

// NewController creates a controller for a session record. Call Connect to
// bring it live.
func NewController(cfg ControllerConfig) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &Controller{
		record:    cfg.Record,
		store:     cfg.Store,
		connector: cfg.Connector,
		logger:    logger.With("session", cfg.Record.ID),
	}

	onChange := cfg.OnChange
	if onChange == nil {
		onChange = func() {}
	}

	c.Workflow = planner.NewWorkflow(cfg.Record.ID, cfg.Record.Phase, cfg.Record.PlanPath, c, cfg.Store,
		planner.WithLogger(c.logger),
		planner.WithOnPhaseChange(func(planner.Phase) { onChange() }),
		planner.WithOnPlanPathChange(func(string) { onChange() }))

	c.Transcript = transcript.NewBuilder(c.workspaceID(),
		transcript.WithLogger(c.logger),
		transcript.WithOnChange(onChange),
		transcript.WithOnPlanFile(c.Workflow.ObservePlanFile))

	if cfg.Record.RemoteSessionID != "" {
		c.Workflow.SetRemoteSessionID(cfg.Record.RemoteSessionID)
	}

	return c
}

// workspaceID keys the connection; one workspace path, one connection.
func (c *Controller) workspaceID() string {
	return c.record.WorkspacePath
}

// Record returns the bound session record as known at creation time.
func (c *Controller) Record() *Record {
	return c.record
}

// InitErr returns the captured initialization failure, "" when none. A
// non-empty value means the session is in the recoverable "init error"
// state; Reconnect retries.
func (c *Controller) InitErr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initErr
}

// ConnState returns the workspace connection state.
func (c *Controller) ConnState() acp.ConnState {
	return c.connector.State(c.workspaceID())
}

// Connect brings the workspace connection up and, on the disconnected→
// connected transition, runs the one-shot session initialization. Calling
// it again while connected is a no-op: the guard is edge-triggered, so a
// level-check re-render can never re-init.
func (c *Controller) Connect(ctx context.Context) error {
	if err := c.connector.Connect(ctx, c.workspaceID(), c.record.WorkspacePath); err != nil {
		return err
	}

	c.mu.Lock()
	if c.initDone {
		c.mu.Unlock()
		return nil
	}
	c.initDone = true
	c.initErr = ""
	c.mu.Unlock()

	if err := c.doInit(ctx); err != nil {
		c.mu.Lock()
		c.initErr = err.Error()
		c.mu.Unlock()
		c.logger.Warn("session init failed", "error", err)
		return err
	}
	return nil
}

// Reconnect tears the connection down, resets the one-shot guard, and
// connects again. This is the manual recovery action for the init-error
// state.
func (c *Controller) Reconnect(ctx context.Context) error {
	c.stopPump()
	c.connector.Disconnect(c.workspaceID())

	c.mu.Lock()
	c.initDone = false
	c.initErr = ""
	c.mu.Unlock()

	return c.Connect(ctx)
}

// doInit resumes the remote session if the record already has one, or
// creates and persists a fresh one. The pump starts before any session
// call: a resumed session's history is replayed as update notifications
// ahead of the load response, so nothing may block between the agent and
// the transcript while that call is in flight. Likewise the active
// session id is recorded before the call that can produce events for it.
// If the record is still idle, planning starts immediately with the
// stored initial prompt.
func (c *Controller) doInit(ctx context.Context) error {
	client, ok := c.connector.Client(c.workspaceID())
	if !ok {
		return fmt.Errorf("workspace %s not connected", c.workspaceID())
	}
	c.startPump(client)

	var info acp.SessionInfo
	var err error
	if c.record.RemoteSessionID != "" {
		c.Transcript.StartSession(c.record.RemoteSessionID, nil)
		info, err = c.resume(ctx, client, c.record.RemoteSessionID)
		if err == nil {
			c.Transcript.SetModes(info.Modes)
		}
	} else {
		info, err = client.NewSession(ctx, c.record.WorkspacePath)
		if err == nil {
			if perr := c.store.UpdateRemoteID(c.record.ID, info.SessionID); perr != nil {
				c.logger.Warn("persist remote session id failed", "error", perr)
			}
			c.record.RemoteSessionID = info.SessionID
			c.Transcript.StartSession(info.SessionID, info.Modes)
		}
	}
	if err != nil {
		return err
	}

	c.Workflow.SetRemoteSessionID(info.SessionID)
	c.Workflow.ResolveDefaultPlanPath()

	if c.record.Phase == planner.PhaseIdle {
		if err := c.Workflow.StartPlanning(ctx, info.SessionID, c.record.InitialPrompt); err != nil {
			return fmt.Errorf("start planning: %w", err)
		}
	}
	return nil
}

// resume loads an existing remote session. Agents reject loading a session
// they already hold; that failure means the session is live, so it is
// treated as success with the requested id.
func (c *Controller) resume(ctx context.Context, client AgentClient, sessionID string) (acp.SessionInfo, error) {
	info, err := client.LoadSession(ctx, sessionID, c.record.WorkspacePath)
	if err != nil {
		if strings.Contains(err.Error(), "already loaded") {
			c.logger.Debug("session already loaded, resuming", "session", sessionID)
			return acp.SessionInfo{SessionID: sessionID}, nil
		}
		return acp.SessionInfo{}, err
	}
	return info, nil
}

// startPump begins feeding connection updates into the transcript. The
// pump ends when the connection closes its update channel or the
// controller stops it.
func (c *Controller) startPump(client AgentClient) {
	c.mu.Lock()
	if c.pumpStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.pumpStop = stop
	c.mu.Unlock()

	go func() {
		for {
			select {
			case u, ok := <-client.Updates():
				if !ok {
					return
				}
				c.Transcript.Apply(u)
			case <-stop:
				return
			}
		}
	}()
}

func (c *Controller) stopPump() {
	c.mu.Lock()
	if c.pumpStop != nil {
		close(c.pumpStop)
		c.pumpStop = nil
	}
	c.mu.Unlock()
}

// Close stops the pump and releases the transcript's timers. It does not
// disconnect the workspace; other sessions may share the connection.
func (c *Controller) Close() {
	c.stopPump()
	c.Transcript.Close()
}

// --- planner.SessionDriver ---------------------------------------------------

// SendPrompt records the outgoing text on the transcript and sends it. A
// failed send surfaces on the error list and drops the streaming flag so
// the UI is not stuck on a spinner for a turn that never started.
func (c *Controller) SendPrompt(ctx context.Context, text string) error {
	client, sessionID, err := c.liveSession()
	if err != nil {
		return err
	}

	c.Transcript.AppendUserMessage(text)
	if err := client.Prompt(ctx, sessionID, text); err != nil {
		c.Transcript.AddError(fmt.Sprintf("prompt failed: %v", err))
		c.Transcript.ForceIdle()
		return err
	}
	return nil
}

// SetMode switches the remote session's mode. Failures land on the error
// list; callers treat them as non-fatal.
func (c *Controller) SetMode(ctx context.Context, modeID string) error {
	client, sessionID, err := c.liveSession()
	if err != nil {
		return err
	}

	if err := client.SetMode(ctx, sessionID, modeID); err != nil {
		c.Transcript.AddError(fmt.Sprintf("mode switch failed: %v", err))
		return err
	}
	c.Transcript.SetCurrentMode(modeID)
	return nil
}

// CancelTurn asks the agent to abort and optimistically drops the
// streaming flag; the agent's own end_turn may still arrive later.
func (c *Controller) CancelTurn() error {
	client, sessionID, err := c.liveSession()
	if err != nil {
		return err
	}
	if err := client.Cancel(sessionID); err != nil {
		return err
	}
	c.Transcript.ForceIdle()
	return nil
}

// AvailableModes returns the modes advertised by the active session.
func (c *Controller) AvailableModes() []string {
	return c.Transcript.AvailableModes()
}

// ActiveSessionID returns the active remote session id, "" if none.
func (c *Controller) ActiveSessionID() string {
	return c.Transcript.ActiveSessionID()
}

// liveSession resolves the client and active session id or fails.
func (c *Controller) liveSession() (AgentClient, string, error) {
	client, ok := c.connector.Client(c.workspaceID())
	if !ok {
		return nil, "", fmt.Errorf("workspace %s not connected", c.workspaceID())
	}
	sessionID := c.Transcript.ActiveSessionID()
	if sessionID == "" {
		return nil, "", fmt.Errorf("no active session")
	}
	return client, sessionID, nil
}
