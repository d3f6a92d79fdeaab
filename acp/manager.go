package acp

import (
	"context"
	"log/slog"
	"sync"
)

// Credentials are the optional connection inputs resolved at connect time:
// an agent binary override and an auth token. Empty fields mean "use the
// default".
type Credentials struct {
	BinaryPath string
	AuthToken  string
}

// ManagerConfig configures a connection manager.
type ManagerConfig struct {
	// Binary and Args are the defaults used when Credentials supplies no
	// override. Empty values fall back to Spawn's own defaults.
	Binary string
	Args   []string
	// Credentials resolves the per-connect overrides. Nil means none.
	Credentials func() Credentials
	// Logger receives lifecycle diagnostics. Nil discards them.
	Logger *slog.Logger
	// dial overrides process spawning; used by tests.
	dial func(ctx context.Context, cfg SpawnConfig) (*Client, error)
}

// ConnState is a snapshot of one workspace connection.
type ConnState struct {
	Connected  bool
	Connecting bool
	// Err holds the last connect failure as a displayable string.
	Err string
}

// Manager owns at most one live connection per workspace. Connect and
// Disconnect are idempotent; a connect already in flight makes further
// Connect calls no-ops until it settles.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*workspaceConn
}

type workspaceConn struct {
	client     *Client
	connecting bool
	connected  bool
	err        string
}

// NewManager creates a connection manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.dial == nil {
		cfg.dial = func(ctx context.Context, sc SpawnConfig) (*Client, error) {
			client, err := Spawn(ctx, sc)
			if err != nil {
				return nil, err
			}
			if err := client.Initialize(ctx); err != nil {
				_ = client.Close()
				return nil, err
			}
			return client, nil
		}
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[string]*workspaceConn),
	}
}

// Connect establishes the workspace connection. It is a no-op when already
// connected or when a connect is in flight; the in-flight flag is what
// closes the double-invocation race. A failure is recorded on the state and
// returned; it never leaves a half-open connection behind.
func (m *Manager) Connect(ctx context.Context, workspaceID, cwd string) error {
	m.mu.Lock()
	cs := m.conns[workspaceID]
	if cs == nil {
		cs = &workspaceConn{}
		m.conns[workspaceID] = cs
	}
	if cs.connected || cs.connecting {
		m.mu.Unlock()
		return nil
	}
	cs.connecting = true
	cs.err = ""
	m.mu.Unlock()

	var creds Credentials
	if m.cfg.Credentials != nil {
		creds = m.cfg.Credentials()
	}
	binary := creds.BinaryPath
	if binary == "" {
		binary = m.cfg.Binary
	}

	client, err := m.cfg.dial(ctx, SpawnConfig{
		Binary:      binary,
		Args:        m.cfg.Args,
		Dir:         cwd,
		WorkspaceID: workspaceID,
		AuthToken:   creds.AuthToken,
		Logger:      m.cfg.Logger,
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	cs.connecting = false
	if err != nil {
		cs.err = err.Error()
		m.logger.Warn("connect failed", "workspace", workspaceID, "error", err)
		return err
	}
	cs.client = client
	cs.connected = true
	m.logger.Info("connected", "workspace", workspaceID, "cwd", cwd)
	return nil
}

// Disconnect tears the workspace connection down. Teardown errors are
// swallowed; local state always ends up disconnected. Safe to call when
// never connected, and safe to call repeatedly.
func (m *Manager) Disconnect(workspaceID string) {
	m.mu.Lock()
	cs := m.conns[workspaceID]
	if cs == nil || !cs.connected {
		m.mu.Unlock()
		return
	}
	client := cs.client
	cs.client = nil
	cs.connected = false
	cs.connecting = false
	m.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			m.logger.Debug("disconnect error ignored", "workspace", workspaceID, "error", err)
		}
	}
	m.logger.Info("disconnected", "workspace", workspaceID)
}

// State returns a snapshot of the workspace connection.
func (m *Manager) State(workspaceID string) ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.conns[workspaceID]
	if cs == nil {
		return ConnState{}
	}
	return ConnState{Connected: cs.connected, Connecting: cs.connecting, Err: cs.err}
}

// Client returns the live client for a workspace, if connected.
func (m *Manager) Client(workspaceID string) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.conns[workspaceID]
	if cs == nil || !cs.connected || cs.client == nil {
		return nil, false
	}
	return cs.client, true
}

// Close disconnects every workspace. Called on application teardown so no
// agent process outlives the client.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Disconnect(id)
	}
}
