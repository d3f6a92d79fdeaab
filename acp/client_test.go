package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent drives a Client over in-memory pipes, playing the agent side.
type fakeAgent struct {
	t      *testing.T
	client *Client
	// requests carries every JSON-RPC message the client writes.
	requests chan map[string]any
	// toClient is the agent's stdout: lines written here reach the client.
	toClient *io.PipeWriter
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	a := &fakeAgent{
		t:        t,
		requests: make(chan map[string]any, 16),
		toClient: stdoutW,
	}
	a.client = newClient(stdinW, stdoutR, "ws-1", nil)

	go func() {
		scanner := bufio.NewScanner(stdinR)
		for scanner.Scan() {
			var msg map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				continue
			}
			a.requests <- msg
		}
		close(a.requests)
	}()

	t.Cleanup(func() {
		_ = a.client.Close()
		_ = stdoutW.Close()
	})
	return a
}

// next returns the next message the client sent.
func (a *fakeAgent) next() map[string]any {
	select {
	case msg := <-a.requests:
		return msg
	case <-time.After(time.Second):
		a.t.Fatal("timed out waiting for client message")
		return nil
	}
}

// send writes one line to the client.
func (a *fakeAgent) send(v any) {
	data, err := json.Marshal(v)
	require.NoError(a.t, err)
	_, err = a.toClient.Write(append(data, '\n'))
	require.NoError(a.t, err)
}

// respond answers the request with a result.
func (a *fakeAgent) respond(req map[string]any, result any) {
	a.send(map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": result})
}

func TestCallCorrelatesResponses(t *testing.T) {
	a := newFakeAgent(t)

	done := make(chan error, 1)
	go func() {
		_, err := a.client.Call(context.Background(), "session/prompt", map[string]any{"x": 1})
		done <- err
	}()

	req := a.next()
	assert.Equal(t, "session/prompt", req["method"])
	a.respond(req, map[string]any{"stopReason": "end_turn"})
	require.NoError(t, <-done)
}

func TestCallSurfacesAgentError(t *testing.T) {
	a := newFakeAgent(t)

	done := make(chan error, 1)
	go func() {
		_, err := a.client.Call(context.Background(), "session/load", nil)
		done <- err
	}()

	req := a.next()
	a.send(map[string]any{
		"jsonrpc": "2.0", "id": req["id"],
		"error": map[string]any{"code": -32001, "message": "session already loaded"},
	})

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session already loaded")
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32001, rpcErr.Code)
}

func TestCallContextCancellation(t *testing.T) {
	a := newFakeAgent(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := a.client.Call(ctx, "session/prompt", nil)
		done <- err
	}()

	a.next()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestInitializeHandshake(t *testing.T) {
	a := newFakeAgent(t)

	done := make(chan error, 1)
	go func() { done <- a.client.Initialize(context.Background()) }()

	req := a.next()
	assert.Equal(t, "initialize", req["method"])
	params := req["params"].(map[string]any)
	assert.Equal(t, float64(1), params["protocolVersion"])
	a.respond(req, map[string]any{})
	require.NoError(t, <-done)

	note := a.next()
	assert.Equal(t, "initialized", note["method"])
	assert.Nil(t, note["id"])
}

func TestSessionUpdatesAreTaggedAndDelivered(t *testing.T) {
	a := newFakeAgent(t)

	a.send(map[string]any{
		"jsonrpc": "2.0",
		"method":  "session/update",
		"params": map[string]any{
			"sessionId": "sess-1",
			"update": map[string]any{
				"sessionUpdate": "agent_message_chunk",
				"content":       map[string]any{"type": "text", "text": "hello"},
			},
		},
	})

	select {
	case u := <-a.client.Updates():
		assert.Equal(t, "ws-1", u.WorkspaceID)
		assert.Equal(t, "sess-1", u.SessionID)
		assert.Equal(t, UpdateAgentMessageChunk, u.Kind)
		body, ok := u.Body()
		require.True(t, ok)
		chunk := body.(*AgentMessageChunk)
		assert.Equal(t, "hello", chunk.Text())
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}
}

func TestPermissionRequestsAutoApproved(t *testing.T) {
	a := newFakeAgent(t)

	a.send(map[string]any{
		"jsonrpc": "2.0", "id": 42,
		"method": "session/request_permission",
		"params": map[string]any{"sessionId": "sess-1"},
	})

	reply := a.next()
	assert.Equal(t, float64(42), reply["id"])
	result := reply["result"].(map[string]any)
	outcome := result["outcome"].(map[string]any)
	assert.Equal(t, "selected", outcome["outcome"])
	assert.Equal(t, "allow_always", outcome["optionId"])
}

func TestLoadSessionBackfillsID(t *testing.T) {
	a := newFakeAgent(t)

	done := make(chan SessionInfo, 1)
	go func() {
		info, err := a.client.LoadSession(context.Background(), "sess-9", "/ws")
		require.NoError(t, err)
		done <- info
	}()

	req := a.next()
	assert.Equal(t, "session/load", req["method"])
	// Agent reply omits the id; the requested one is substituted.
	a.respond(req, map[string]any{})
	info := <-done
	assert.Equal(t, "sess-9", info.SessionID)
}

func TestLoadSessionCompletesBehindLongReplay(t *testing.T) {
	a := newFakeAgent(t)

	// A consumer must drain updates while the call is in flight; the read
	// pump blocks on a full channel rather than dropping events.
	received := make(chan int, 1)
	go func() {
		n := 0
		for range a.client.Updates() {
			n++
			if n == updateBufferSize+100 {
				received <- n
				return
			}
		}
	}()

	done := make(chan error, 1)
	go func() {
		_, err := a.client.LoadSession(context.Background(), "sess-1", "/ws")
		done <- err
	}()

	req := a.next()
	require.Equal(t, "session/load", req["method"])

	// Replay the session history ahead of the response, well beyond the
	// update channel capacity.
	for i := 0; i < updateBufferSize+100; i++ {
		a.send(map[string]any{
			"jsonrpc": "2.0",
			"method":  "session/update",
			"params": map[string]any{
				"sessionId": "sess-1",
				"update": map[string]any{
					"sessionUpdate": "agent_message_chunk",
					"content":       map[string]any{"type": "text", "text": "x"},
				},
			},
		})
	}
	a.respond(req, map[string]any{"sessionId": "sess-1"})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("LoadSession did not complete behind the replay")
	}

	select {
	case n := <-received:
		assert.Equal(t, updateBufferSize+100, n)
	case <-time.After(5 * time.Second):
		t.Fatal("replayed updates were not all delivered")
	}
}

func TestCancelIsNotification(t *testing.T) {
	a := newFakeAgent(t)

	require.NoError(t, a.client.Cancel("sess-1"))
	note := a.next()
	assert.Equal(t, "session/cancel", note["method"])
	assert.Nil(t, note["id"])
}

func TestCloseFailsPendingCalls(t *testing.T) {
	a := newFakeAgent(t)

	done := make(chan error, 1)
	go func() {
		_, err := a.client.Call(context.Background(), "session/prompt", nil)
		done <- err
	}()
	a.next()

	// Agent's stdout closes; pending calls must unblock with an error.
	require.NoError(t, a.toClient.Close())
	require.Error(t, <-done)

	select {
	case <-a.client.Done():
	case <-time.After(time.Second):
		t.Fatal("read pump did not exit")
	}
}
