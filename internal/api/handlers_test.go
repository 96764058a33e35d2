package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/crypto"
	"github.com/relaydev/relay/internal/environments"
	"github.com/relaydev/relay/internal/events/bus"
	"github.com/relaydev/relay/internal/hub"
	"github.com/relaydev/relay/internal/journal"
	"github.com/relaydev/relay/internal/sandbox"
	"github.com/relaydev/relay/internal/secrets"
	"github.com/relaydev/relay/internal/session"
)

type apiFixture struct {
	server *httptest.Server
	svc    *session.Service
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	log := logger.Default()
	repo, err := session.ProvideRepository(db, db, log)
	require.NoError(t, err)
	envs, err := environments.Provide(db, db, log)
	require.NoError(t, err)
	j, err := journal.Provide(db, db, log)
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(log)

	cryptoSvc, err := crypto.NewService(bytes.Repeat([]byte{0x42}, 32), 1, nil)
	require.NoError(t, err)
	secretsStore, closeSecrets, err := secrets.Provide(db, db, cryptoSvc, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeSecrets() })

	mgr := sandbox.NewManager(secretsStore, log)
	mgr.Register(sandbox.NewMockProvider(log))

	svc := session.NewService(repo, envs, j, eventBus, mgr, t.TempDir(), log)
	t.Cleanup(svc.Stop)

	hubs, err := hub.NewRegistry(j, svc, hub.NewSandboxAttacher(svc, mgr), eventBus, log)
	require.NoError(t, err)
	t.Cleanup(hubs.Shutdown)

	cfg := &config.Config{}
	cfg.Logging.Level = "info"

	router := NewRouter(cfg,
		NewSessionHandler(svc, j, mgr, hubs, log),
		environments.NewHandler(envs),
		secrets.NewHandler(secrets.NewService(secretsStore, log), log),
		log)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &apiFixture{server: server, svc: svc}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var envelope map[string]json.RawMessage
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	}
	return resp, envelope
}

func (f *apiFixture) createActiveSession(t *testing.T) string {
	t.Helper()
	resp, envelope := f.do(t, http.MethodPost, "/api/sessions", map[string]string{"mode": "chat"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var sess session.Session
	require.NoError(t, json.Unmarshal(envelope["data"], &sess))
	require.Equal(t, session.StatusCreating, sess.Status)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_, envelope = f.do(t, http.MethodGet, "/api/sessions/"+sess.ID, nil)
		var cur session.Session
		require.NoError(t, json.Unmarshal(envelope["data"], &cur))
		if cur.Status == session.StatusActive {
			return sess.ID
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session never became active")
	return ""
}

func errorCode(t *testing.T, envelope map[string]json.RawMessage) string {
	t.Helper()
	var errObj struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(envelope["error"], &errObj))
	return errObj.Code
}

func TestHealth(t *testing.T) {
	f := setupAPI(t)
	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body["ok"])
}

func TestCreateSessionValidation(t *testing.T) {
	f := setupAPI(t)

	resp, envelope := f.do(t, http.MethodPost, "/api/sessions", map[string]string{"mode": "weird"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, envelope))

	resp, envelope = f.do(t, http.MethodPost, "/api/sessions", map[string]string{"mode": "code"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, envelope))
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	f := setupAPI(t)
	id := f.createActiveSession(t)

	resp, envelope := f.do(t, http.MethodPost, "/api/sessions/"+id+"/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var activate struct {
		SessionID     string `json:"sessionId"`
		Status        string `json:"status"`
		LastSeq       int64  `json:"lastSeq"`
		SandboxStatus string `json:"sandboxStatus"`
		WSEndpoint    string `json:"wsEndpoint"`
	}
	require.NoError(t, json.Unmarshal(envelope["data"], &activate))
	assert.Equal(t, id, activate.SessionID)
	assert.Equal(t, session.StatusActive, activate.Status)
	assert.Equal(t, sandbox.StatusRunning, activate.SandboxStatus)
	assert.Equal(t, "/ws/sessions/"+id, activate.WSEndpoint)

	resp, _ = f.do(t, http.MethodPost, "/api/sessions/"+id+"/archive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, envelope = f.do(t, http.MethodPost, "/api/sessions/"+id+"/activate", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", errorCode(t, envelope))

	resp, _ = f.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, envelope = f.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, envelope))
}

func TestWebSocketPromptRoundtrip(t *testing.T) {
	f := setupAPI(t)
	id := f.createActiveSession(t)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/sessions/" + id
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"?lastSeq=0", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	readWSFrame := func() map[string]json.RawMessage {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	}
	typeOf := func(frame map[string]json.RawMessage) string {
		var s string
		_ = json.Unmarshal(frame["type"], &s)
		return s
	}

	frame := readWSFrame()
	require.Equal(t, "connected", typeOf(frame))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"prompt","message":"hello relay"}`)))

	var lastSeq int64
	chunks := 0
stream:
	for {
		frame = readWSFrame()
		switch typeOf(frame) {
		case "message_chunk":
			var seq int64
			require.NoError(t, json.Unmarshal(frame["seq"], &seq))
			assert.Greater(t, seq, lastSeq, "seq must be strictly ascending")
			lastSeq = seq
			chunks++
		case "agent_end":
			var seq int64
			require.NoError(t, json.Unmarshal(frame["seq"], &seq))
			assert.Greater(t, seq, lastSeq)
			lastSeq = seq
			break stream
		}
	}
	assert.Equal(t, 2, chunks)

	// The polling endpoint sees exactly what the socket saw.
	respHTTP, envelope := f.do(t, http.MethodGet,
		fmt.Sprintf("/api/sessions/%s/events?afterSeq=0&limit=100", id), nil)
	require.Equal(t, http.StatusOK, respHTTP.StatusCode)
	var page struct {
		Events  []*journal.Event `json:"events"`
		LastSeq int64            `json:"lastSeq"`
	}
	require.NoError(t, json.Unmarshal(envelope["data"], &page))
	assert.Equal(t, lastSeq, page.LastSeq)
	require.NotEmpty(t, page.Events)
	assert.Equal(t, "agent_end", page.Events[len(page.Events)-1].Type)
}

func TestWebSocketRefusedForArchivedSession(t *testing.T) {
	f := setupAPI(t)
	id := f.createActiveSession(t)
	resp, _ := f.do(t, http.MethodPost, "/api/sessions/"+id+"/archive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/sessions/" + id
	_, handshake, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, handshake)
	defer handshake.Body.Close()
	assert.Equal(t, http.StatusConflict, handshake.StatusCode)
}

func TestEventsQueryValidation(t *testing.T) {
	f := setupAPI(t)
	id := f.createActiveSession(t)

	resp, envelope := f.do(t, http.MethodGet, "/api/sessions/"+id+"/events?afterSeq=nope", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, envelope))

	resp, envelope = f.do(t, http.MethodGet, "/api/sessions/missing/events", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, envelope))
}

func TestSessionLogsEndpoint(t *testing.T) {
	f := setupAPI(t)
	id := f.createActiveSession(t)

	resp, envelope := f.do(t, http.MethodGet, "/api/sessions/"+id+"/logs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Logs []string `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(envelope["data"], &body))
	require.NotEmpty(t, body.Logs)
	assert.Contains(t, body.Logs[0], "creating mock sandbox")
}

func TestEnvironmentAndSecretRoutesMounted(t *testing.T) {
	f := setupAPI(t)

	resp, envelope := f.do(t, http.MethodPost, "/api/environments", map[string]any{
		"name":        "docker-dev",
		"sandboxType": "docker",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var env environments.Environment
	require.NoError(t, json.Unmarshal(envelope["data"], &env))
	assert.NotEmpty(t, env.ID)

	resp, _ = f.do(t, http.MethodPut, "/api/secrets", map[string]string{
		"kind":  "envVar",
		"id":    "API_TOKEN",
		"value": "sekrit",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, envelope = f.do(t, http.MethodGet, "/api/secrets", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var items []*secrets.Secret
	require.NoError(t, json.Unmarshal(envelope["data"], &items))
	require.Len(t, items, 1)
	assert.Equal(t, "API_TOKEN", items[0].ID)
}
