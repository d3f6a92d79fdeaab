package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devitools/arandu/acp"
	"github.com/devitools/arandu/planner"
)

// fakeClient records transport calls.
type fakeClient struct {
	mu      sync.Mutex
	calls   []string
	prompts []string
	modes   []string

	newInfo  acp.SessionInfo
	newErr   error
	loadInfo acp.SessionInfo
	loadErr  error
	// replay is streamed into updates before LoadSession returns, the way
	// agents replay a resumed session's history ahead of the response.
	replay []acp.SessionUpdate

	updates chan acp.SessionUpdate
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		newInfo: acp.SessionInfo{SessionID: "sess-new"},
		updates: make(chan acp.SessionUpdate, 16),
	}
}

func (f *fakeClient) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeClient) NewSession(context.Context, string) (acp.SessionInfo, error) {
	f.record("new")
	return f.newInfo, f.newErr
}

func (f *fakeClient) LoadSession(_ context.Context, sessionID, _ string) (acp.SessionInfo, error) {
	f.record("load:" + sessionID)
	for _, u := range f.replay {
		f.updates <- u
	}
	return f.loadInfo, f.loadErr
}

func (f *fakeClient) Prompt(_ context.Context, _, text string) error {
	f.record("prompt")
	f.mu.Lock()
	f.prompts = append(f.prompts, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) SetMode(_ context.Context, _, modeID string) error {
	f.record("setMode")
	f.mu.Lock()
	f.modes = append(f.modes, modeID)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Cancel(string) error {
	f.record("cancel")
	return nil
}

func (f *fakeClient) Updates() <-chan acp.SessionUpdate { return f.updates }

// fakeConnector is an in-memory Connector.
type fakeConnector struct {
	mu          sync.Mutex
	client      *fakeClient
	connected   bool
	connectErr  error
	connects    int
	disconnects int
}

func (fc *fakeConnector) Connect(context.Context, string, string) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.connects++
	if fc.connectErr != nil {
		return fc.connectErr
	}
	fc.connected = true
	return nil
}

func (fc *fakeConnector) Disconnect(string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.disconnects++
	fc.connected = false
}

func (fc *fakeConnector) State(string) acp.ConnState {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return acp.ConnState{Connected: fc.connected}
}

func (fc *fakeConnector) Client(string) (AgentClient, bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if !fc.connected || fc.client == nil {
		return nil, false
	}
	return fc.client, true
}

func newTestController(t *testing.T, rec *Record, fc *fakeConnector) *Controller {
	t.Helper()
	store := newTestStore(t)
	stored, err := store.Create(rec.WorkspacePath, rec.Name, rec.InitialPrompt)
	require.NoError(t, err)
	if rec.RemoteSessionID != "" {
		require.NoError(t, store.UpdateRemoteID(stored.ID, rec.RemoteSessionID))
	}
	if rec.Phase != "" && rec.Phase != planner.PhaseIdle {
		require.NoError(t, store.UpdatePhase(stored.ID, rec.Phase))
	}
	full, err := store.Get(stored.ID)
	require.NoError(t, err)

	c := NewController(ControllerConfig{Record: full, Store: store, Connector: fc})
	t.Cleanup(c.Close)
	return c
}

func TestConnectCreatesSessionAndStartsPlanning(t *testing.T) {
	client := newFakeClient()
	client.newInfo = acp.SessionInfo{
		SessionID: "sess-new",
		Modes: &acp.ModeState{
			AvailableModes: []acp.SessionMode{{ID: "builtin#plan"}, {ID: "builtin#agent"}},
		},
	}
	fc := &fakeConnector{client: client}
	c := newTestController(t, &Record{WorkspacePath: "/ws", Name: "n", InitialPrompt: "build it"}, fc)

	require.NoError(t, c.Connect(context.Background()))

	// new session, plan-mode switch, then the initial prompt.
	assert.Equal(t, []string{"new", "setMode", "prompt"}, client.Calls())
	assert.Equal(t, []string{"builtin#plan"}, client.modes)
	assert.Equal(t, []string{"build it"}, client.prompts)
	assert.Equal(t, "sess-new", c.ActiveSessionID())
	assert.Equal(t, planner.PhasePlanning, c.Workflow.Phase())

	// The minted remote id is persisted.
	got, err := c.store.Get(c.record.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-new", got.RemoteSessionID)
}

func TestConnectIsEdgeTriggered(t *testing.T) {
	client := newFakeClient()
	fc := &fakeConnector{client: client}
	c := newTestController(t, &Record{WorkspacePath: "/ws", Name: "n", InitialPrompt: "go"}, fc)

	require.NoError(t, c.Connect(context.Background()))
	first := len(client.Calls())
	// Re-render style repeat calls must not re-init.
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, first, len(client.Calls()))
}

func TestConnectResumesExistingSession(t *testing.T) {
	client := newFakeClient()
	client.loadInfo = acp.SessionInfo{SessionID: "sess-old"}
	fc := &fakeConnector{client: client}
	c := newTestController(t, &Record{
		WorkspacePath:   "/ws",
		Name:            "n",
		RemoteSessionID: "sess-old",
		Phase:           planner.PhaseExecuting,
	}, fc)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, []string{"load:sess-old"}, client.Calls())
	assert.Equal(t, "sess-old", c.ActiveSessionID())
	// Non-idle phase: no auto planning.
	assert.Empty(t, client.prompts)
}

func TestConnectResumeDrainsReplayDuringLoad(t *testing.T) {
	const replayLen = 300 // far beyond the update channel capacity

	client := newFakeClient()
	client.loadInfo = acp.SessionInfo{
		SessionID: "sess-old",
		Modes: &acp.ModeState{
			AvailableModes: []acp.SessionMode{{ID: "builtin#plan"}, {ID: "builtin#agent"}},
			CurrentModeID:  "builtin#agent",
		},
	}
	for i := 0; i < replayLen; i++ {
		client.replay = append(client.replay, acp.SessionUpdate{
			WorkspaceID: "/ws",
			SessionID:   "sess-old",
			Kind:        acp.UpdateAgentMessageChunk,
			Payload:     []byte(`{"content":{"type":"text","text":"x"}}`),
		})
	}
	fc := &fakeConnector{client: client}
	c := newTestController(t, &Record{
		WorkspacePath:   "/ws",
		Name:            "n",
		RemoteSessionID: "sess-old",
		Phase:           planner.PhaseExecuting,
	}, fc)

	// The replay is streamed before LoadSession returns; Connect must not
	// deadlock behind it.
	require.NoError(t, c.Connect(context.Background()))

	// Every replayed chunk lands in the transcript, coalesced.
	require.Eventually(t, func() bool {
		msgs := c.Transcript.Messages()
		return len(msgs) == 1 && len(msgs[0].Content) == replayLen
	}, 3*time.Second, 10*time.Millisecond)

	// Modes from the load response are recorded after the replay.
	assert.Equal(t, []string{"builtin#plan", "builtin#agent"}, c.AvailableModes())
	assert.Equal(t, "builtin#agent", c.Transcript.CurrentMode())
}

func TestConnectToleratesAlreadyLoaded(t *testing.T) {
	client := newFakeClient()
	client.loadErr = errors.New("session sess-old already loaded")
	fc := &fakeConnector{client: client}
	c := newTestController(t, &Record{
		WorkspacePath:   "/ws",
		Name:            "n",
		RemoteSessionID: "sess-old",
		Phase:           planner.PhaseExecuting,
	}, fc)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "sess-old", c.ActiveSessionID())
	assert.Empty(t, c.InitErr())
}

func TestConnectInitErrorIsRecoverable(t *testing.T) {
	client := newFakeClient()
	client.newErr = errors.New("agent exploded")
	fc := &fakeConnector{client: client}
	c := newTestController(t, &Record{WorkspacePath: "/ws", Name: "n", InitialPrompt: "go"}, fc)

	require.Error(t, c.Connect(context.Background()))
	assert.Contains(t, c.InitErr(), "agent exploded")

	// Still in the error state on repeat Connect: the guard holds.
	_ = c.Connect(context.Background())
	assert.Equal(t, []string{"new"}, client.Calls())

	// Reconnect resets the guard and retries.
	client.newErr = nil
	require.NoError(t, c.Reconnect(context.Background()))
	assert.Empty(t, c.InitErr())
	assert.Equal(t, "sess-new", c.ActiveSessionID())
	assert.Equal(t, 1, fc.disconnects)
}

func TestSendPromptAppendsAndSends(t *testing.T) {
	client := newFakeClient()
	fc := &fakeConnector{client: client}
	c := newTestController(t, &Record{
		WorkspacePath:   "/ws",
		Name:            "n",
		RemoteSessionID: "sess-1",
		Phase:           planner.PhaseExecuting,
	}, fc)
	client.loadInfo = acp.SessionInfo{SessionID: "sess-1"}
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.SendPrompt(context.Background(), "do the thing"))
	msgs := c.Transcript.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "do the thing", msgs[0].Content)
	assert.True(t, c.Transcript.Streaming())
}

func TestSendPromptWithoutSessionFails(t *testing.T) {
	fc := &fakeConnector{client: newFakeClient()}
	c := newTestController(t, &Record{WorkspacePath: "/ws", Name: "n"}, fc)

	err := c.SendPrompt(context.Background(), "hello")
	assert.Error(t, err)
}

func TestCancelTurnForcesIdle(t *testing.T) {
	client := newFakeClient()
	client.loadInfo = acp.SessionInfo{SessionID: "sess-1"}
	fc := &fakeConnector{client: client}
	c := newTestController(t, &Record{
		WorkspacePath:   "/ws",
		Name:            "n",
		RemoteSessionID: "sess-1",
		Phase:           planner.PhaseExecuting,
	}, fc)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.SendPrompt(context.Background(), "long job"))
	require.True(t, c.Transcript.Streaming())
	require.NoError(t, c.CancelTurn())
	assert.False(t, c.Transcript.Streaming())
	assert.Contains(t, client.Calls(), "cancel")
}

func TestUpdatePumpFeedsTranscript(t *testing.T) {
	client := newFakeClient()
	client.loadInfo = acp.SessionInfo{SessionID: "sess-1"}
	fc := &fakeConnector{client: client}

	store := newTestStore(t)
	rec, err := store.Create("/ws", "n", "")
	require.NoError(t, err)
	require.NoError(t, store.UpdateRemoteID(rec.ID, "sess-1"))
	require.NoError(t, store.UpdatePhase(rec.ID, planner.PhaseExecuting))
	full, err := store.Get(rec.ID)
	require.NoError(t, err)

	c := NewController(ControllerConfig{Record: full, Store: store, Connector: fc})
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	client.updates <- acp.SessionUpdate{
		WorkspaceID: "/ws",
		SessionID:   "sess-1",
		Kind:        acp.UpdateAgentMessageChunk,
		Payload:     []byte(`{"content":{"type":"text","text":"hi"}}`),
	}

	require.Eventually(t, func() bool {
		return len(c.Transcript.Messages()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "hi", c.Transcript.Messages()[0].Content)
}
