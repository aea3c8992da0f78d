package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelbrown/crucible/internal/collab"
	"github.com/michaelbrown/crucible/internal/config"
	"github.com/michaelbrown/crucible/internal/executor"
	"github.com/michaelbrown/crucible/internal/fault"
	"github.com/michaelbrown/crucible/internal/language"
	"github.com/michaelbrown/crucible/internal/sandbox"
	"github.com/michaelbrown/crucible/internal/storage/sqlite"
)

func newTestServer(t *testing.T) *httptest.Server {
	return newTestServerWithRunner(t, nil)
}

// newTestServerWithRunner lets a test swap in a broken runner; nil gets
// the real sandbox.
func newTestServerWithRunner(t *testing.T, runner executor.Runner) *httptest.Server {
	t.Helper()

	cfg := &config.Config{}
	cfg.Collab.HeartbeatSec = 30
	cfg.Collab.QueueSize = 64

	log := zaptest.NewLogger(t)

	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)

	langs, err := language.New(language.Defaults())
	require.NoError(t, err)

	hub := collab.NewRegistry(log, store, collab.StaticRoles{Default: collab.RoleWrite},
		collab.RegistryOptions{QueueSize: 64})

	if runner == nil {
		runner = sandbox.NewRunner(log, sandbox.DefaultOptions())
	}
	coord := executor.New(log, langs, runner, store, ExecutionBroadcaster{Hub: hub},
		executor.Options{MaxPerProject: 4, MaxPerUser: 2, MaxTimeoutSec: 30})

	s := New(cfg, log, store, langs, coord, hub)
	ts := httptest.NewServer(s.router)
	t.Cleanup(func() {
		ts.Close()
		s.presence.Stop()
		store.Close()
	})
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestListLanguagesEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/languages")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string][]string
	decodeBody(t, resp, &body)
	assert.Contains(t, body["languages"], "python")
	assert.Contains(t, body["languages"], "sh")
}

func TestSubmitExecutionEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/projects/p1/executions", map[string]any{
		"fileId":         "main.sh",
		"userId":         "alice",
		"language":       "sh",
		"code":           "echo from the api",
		"timeoutSeconds": 5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var exec executeResponse
	decodeBody(t, resp, &exec)
	assert.NotEmpty(t, exec.ID)
	assert.Equal(t, "completed", exec.Status)
	assert.Equal(t, "from the api\n", exec.Stdout)
	assert.Equal(t, 0, exec.ExitCode)

	// The terminal row is readable afterwards.
	resp2, err := http.Get(ts.URL + "/api/executions/" + exec.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	var stored map[string]any
	decodeBody(t, resp2, &stored)
	assert.Equal(t, "completed", stored["status"])

	resp3, err := http.Get(ts.URL + "/api/projects/p1/executions")
	require.NoError(t, err)
	var list []map[string]any
	decodeBody(t, resp3, &list)
	require.Len(t, list, 1)
	assert.Equal(t, exec.ID, list[0]["id"])
}

func TestSubmitExecutionValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/projects/p1/executions", map[string]any{
		"language":       "sh",
		"code":           "echo hi",
		"timeoutSeconds": 5,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
}

func TestSubmitExecutionUnsupportedLanguage(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/projects/p1/executions", map[string]any{
		"fileId":         "main.bf",
		"userId":         "alice",
		"language":       "brainfuck",
		"code":           "+",
		"timeoutSeconds": 5,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// brokenRunner fails every run with a fault whose wrapped error carries
// a filesystem path, the way a real workdir failure would.
type brokenRunner struct{}

func (brokenRunner) Run(context.Context, sandbox.Invocation, sandbox.Spec) (*sandbox.Result, error) {
	return nil, fault.Wrap(fault.CodeInternal, "creating workdir",
		errors.New("mkdir /var/lib/crucible/scratch: permission denied"))
}

func TestInternalFaultHidesDetails(t *testing.T) {
	ts := newTestServerWithRunner(t, brokenRunner{})

	resp := postJSON(t, ts.URL+"/api/projects/p1/executions", map[string]any{
		"fileId":         "main.sh",
		"userId":         "alice",
		"language":       "sh",
		"code":           "echo hi",
		"timeoutSeconds": 5,
	})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "INTERNAL", body["code"])
	assert.Equal(t, "internal error", body["error"])
	assert.NotContains(t, body["error"], "/var/lib")
	assert.NotContains(t, body["error"], "mkdir")
}

func TestGetExecutionNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/executions/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelUnknownExecution(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/executions/nope", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// --- websocket ---

func wsURL(ts *httptest.Server, projectID, user string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") +
		fmt.Sprintf("/api/projects/%s/collab?user=%s", projectID, user)
}

func dialCollab(t *testing.T, ts *httptest.Server, projectID, user string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, projectID, user), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendWS(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func readWS(t *testing.T, conn *websocket.Conn) collab.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f collab.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestCollabRequiresUser(t *testing.T) {
	ts := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "p1", ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCollabJoinEditFlow(t *testing.T) {
	ts := newTestServer(t)

	alice := dialCollab(t, ts, "p1", "alice")
	sendWS(t, alice, map[string]any{"type": "join", "surfaceId": "main.go", "kind": "editor"})
	f := readWS(t, alice)
	require.Equal(t, collab.FrameSnapshot, f.Type)
	require.NotNil(t, f.Snapshot)
	assert.Equal(t, uint64(0), f.Snapshot.Sequence)
	sessionID := f.Snapshot.SessionID

	bob := dialCollab(t, ts, "p1", "bob")
	sendWS(t, bob, map[string]any{"type": "join", "surfaceId": "main.go", "kind": "editor"})
	f = readWS(t, bob)
	require.Equal(t, collab.FrameSnapshot, f.Type)

	f = readWS(t, alice)
	require.Equal(t, collab.FrameJoined, f.Type)
	require.NotNil(t, f.Participant)
	assert.Equal(t, "bob", f.Participant.UserID)

	delta, _ := json.Marshal(collab.Delta{Pos: 0, Insert: "package main\n"})
	sendWS(t, alice, map[string]any{
		"type":      "edit",
		"sessionId": sessionID,
		"payload":   string(delta),
	})

	// The originator gets an ack with the committed sequence number.
	f = readWS(t, alice)
	require.Equal(t, "ack", f.Type)
	assert.Equal(t, uint64(1), f.Seq)

	// The other participant gets the sequenced event itself.
	f = readWS(t, bob)
	require.Equal(t, collab.FrameEvent, f.Type)
	assert.Equal(t, uint64(1), f.Seq)
	assert.Equal(t, string(delta), f.Payload)
}

func TestCollabRejectsUnknownFrame(t *testing.T) {
	ts := newTestServer(t)

	conn := dialCollab(t, ts, "p1", "alice")
	sendWS(t, conn, map[string]any{"type": "teleport"})
	f := readWS(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Contains(t, f.Payload, "VALIDATION_ERROR")
}

func TestCollabPing(t *testing.T) {
	ts := newTestServer(t)

	conn := dialCollab(t, ts, "p1", "alice")
	sendWS(t, conn, map[string]any{"type": "ping"})
	f := readWS(t, conn)
	assert.Equal(t, "pong", f.Type)
}

func TestCollabExecutionStatusFanout(t *testing.T) {
	ts := newTestServer(t)

	conn := dialCollab(t, ts, "p1", "alice")
	sendWS(t, conn, map[string]any{"type": "join", "surfaceId": "main.sh", "kind": "editor"})
	f := readWS(t, conn)
	require.Equal(t, collab.FrameSnapshot, f.Type)

	resp := postJSON(t, ts.URL+"/api/projects/p1/executions", map[string]any{
		"fileId":         "main.sh",
		"userId":         "alice",
		"language":       "sh",
		"code":           "echo fanout",
		"timeoutSeconds": 5,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Status updates stream in order: pending, running, completed.
	var statuses []string
	for len(statuses) < 3 {
		f := readWS(t, conn)
		if f.Type != collab.FrameExecution {
			continue
		}
		var update executor.StatusUpdate
		require.NoError(t, json.Unmarshal([]byte(f.Payload), &update))
		statuses = append(statuses, string(update.Status))
	}
	assert.Equal(t, []string{"pending", "running", "completed"}, statuses)
}
