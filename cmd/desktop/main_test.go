package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/crmorbit/backend/internal/app"
	"github.com/kimhsiao/crmorbit/backend/internal/config"
	"github.com/kimhsiao/crmorbit/backend/internal/services"
	syncpkg "github.com/kimhsiao/crmorbit/backend/internal/sync"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Sync.Discovery = false
	cfg.Sync.AutoSyncInterval = 0
	cfg.Resolve()
	require.NoError(t, cfg.Validate())
	return cfg
}

// newTestServer wires a device to a hub and serves the router.
func newTestServer(t *testing.T) (*httptest.Server, *WSHub) {
	t.Helper()
	hub := NewWSHub()
	t.Cleanup(hub.Close)

	a, err := app.New(context.Background(), testConfig(t), app.Options{
		Version:  "test",
		OnChange: func(ch services.Change) { hub.BroadcastDocumentChanged(ch) },
		OnPhase:  func(peerID string, p syncpkg.Phase) { hub.BroadcastSyncPhase(peerID, p) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	srv := httptest.NewServer(newRouter(a, hub, "test"))
	t.Cleanup(srv.Close)
	return srv, hub
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *WSHub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) WSEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env WSEnvelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestRouter_health(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestRouter_routes(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/api/status", "", http.StatusOK},
		{http.MethodGet, "/api/document", "", http.StatusOK},
		{http.MethodPost, "/api/events", `{"events":[]}`, http.StatusBadRequest},
		{http.MethodGet, "/api/sync/status", "", http.StatusOK},
		{http.MethodGet, "/api/sync/peers", "", http.StatusOK},
		{http.MethodPost, "/api/sync/peers/ghost", "", http.StatusNotFound},
		{http.MethodGet, "/api/sync/qr", "", http.StatusOK},
		{http.MethodPost, "/api/sync/qr", `{"payload":""}`, http.StatusBadRequest},
		{http.MethodGet, "/api/backup/list", "", http.StatusOK},
		{http.MethodPost, "/api/reset", `{}`, http.StatusBadRequest},
		{http.MethodDelete, "/api/document", "", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/missing", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+tt.path, strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestRouter_eventsBroadcastDocumentChanged(t *testing.T) {
	srv, hub := newTestServer(t)
	conn := dialWS(t, srv)
	waitForClients(t, hub, 1)

	body := `{"events":[{"type":"organization.created","entityId":"o1","payload":{"name":"Acme"}}]}`
	resp, err := http.Post(srv.URL+"/api/events", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		Document struct {
			Organizations map[string]struct {
				Name string `json:"name"`
			} `json:"organizations"`
		} `json:"document"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "Acme", out.Document.Organizations["o1"].Name)

	env := readEnvelope(t, conn)
	assert.Equal(t, EventDocumentChanged, env.Type)
	assert.Equal(t, "dispatch", env.Data["kind"])
}

func TestWebSocket_subscriptions(t *testing.T) {
	srv, hub := newTestServer(t)
	conn := dialWS(t, srv)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{EventBackupFailed},
	}))
	var ack map[string]interface{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribe_ack", ack["action"])

	// not subscribed; dropped for this client
	hub.BroadcastSyncPhase("peer-1", syncpkg.PhaseConnecting)
	hub.Broadcast(EventBackupFailed, map[string]interface{}{"operation": "export"})

	env := readEnvelope(t, conn)
	assert.Equal(t, EventBackupFailed, env.Type)
	assert.Equal(t, "export", env.Data["operation"])
}

func TestWebSocket_ping(t *testing.T) {
	srv, hub := newTestServer(t)
	conn := dialWS(t, srv)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	var pong map[string]interface{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["action"])
}

func TestWebSocket_rejectsForeignOrigin(t *testing.T) {
	srv, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:8090", true},
		{"http://[::1]:3000", true},
		{"https://example.com", false},
		{"http://192.168.1.20:8090", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, localOrigin(r), tt.origin)
	}
}

func TestWSHub_closeDropsBroadcasts(t *testing.T) {
	hub := NewWSHub()
	hub.Close()
	hub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 2*wsSendBuffer; i++ {
			hub.Broadcast(EventSyncCompleted, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked after Close")
	}
}

func TestServe_shutsDownOnCancel(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- serve(ctx, cfg, func(addr string) { addrCh <- addr })
	}()

	var addr string
	select {
	case addr = <-addrCh:
	case err := <-errCh:
		t.Fatalf("serve returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Post("http://"+addr+"/api/backup/export", "application/json",
		bytes.NewReader([]byte(`{"passphrase":"short"}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
