package httpapi

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

	"github.com/dmarchetti/vela/internal/config"
	"github.com/dmarchetti/vela/internal/observability"
	"github.com/dmarchetti/vela/internal/protocol"
	"github.com/dmarchetti/vela/internal/relay"
	"github.com/dmarchetti/vela/internal/store"
	"github.com/dmarchetti/vela/internal/upstream"
)

func newTestServer(t *testing.T, opts relay.Options) (*httptest.Server, *relay.Manager) {
	t.Helper()

	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", time.Now().UnixNano()))
	latency := observability.NewLatencyWindow(64)
	opts.Metrics = metrics
	opts.Latency = latency

	sessions := relay.NewManager(upstream.NewMockDialer(), store.NewInMemoryStore(), opts)
	t.Cleanup(sessions.Shutdown)

	srv := New(config.Config{}, sessions, metrics, latency)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, sessions
}

func createSession(t *testing.T, ts *httptest.Server, body string) relay.CreateResult {
	t.Helper()
	res, err := http.Post(ts.URL+"/v1/relay/session", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created relay.CreateResult
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ID == "" || created.Secret == "" {
		t.Fatalf("incomplete create response: %+v", created)
	}
	return created
}

func TestCreateAndCloseSession(t *testing.T) {
	ts, sessions := newTestServer(t, relay.Options{})

	created := createSession(t, ts, `{"session_id":"s1"}`)
	if created.ID != "s1" {
		t.Fatalf("session id = %q, want s1", created.ID)
	}

	// Wrong secret on a live session is rejected.
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/relay/session/s1/close", nil)
	req.Header.Set(secretHeader, "wrong")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("close request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("close with wrong secret status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}

	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/v1/relay/session/s1/close", nil)
	req.Header.Set(secretHeader, created.Secret)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("close request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if sessions.Has("s1") {
		t.Fatal("session still live after close")
	}

	// Repeat close of a gone session stays a success.
	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/v1/relay/session/s1/close", nil)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("close request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("repeat close status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestCreateSessionConflictAndCapacity(t *testing.T) {
	ts, _ := newTestServer(t, relay.Options{MaxSessions: 1})

	createSession(t, ts, `{"session_id":"only"}`)

	res, err := http.Post(ts.URL+"/v1/relay/session", "application/json", strings.NewReader(`{"session_id":"only"}`))
	if err != nil {
		t.Fatalf("duplicate create request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create status = %d, want %d", res.StatusCode, http.StatusConflict)
	}

	res, err = http.Post(ts.URL+"/v1/relay/session", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("over-capacity create request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("over-capacity create status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestSessionWSRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t, relay.Options{})

	created := createSession(t, ts, "")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/v1/relay/session/ws?session_id=" + created.ID + "&secret=" + created.Secret
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.ClientText{Type: protocol.TypeClientText, Text: "hi"}); err != nil {
		t.Fatalf("write client_text: %v", err)
	}

	var sawReady, sawText, sawTurnEnd bool
	deadline := time.Now().Add(3 * time.Second)
	for !sawReady || !sawText || !sawTurnEnd {
		_ = conn.SetReadDeadline(deadline)
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v (ready=%v text=%v turn=%v)", err, sawReady, sawText, sawTurnEnd)
		}
		switch protocol.MessageType(frame["type"].(string)) {
		case protocol.TypeSystemEvent:
			if frame["code"] == "session_ready" {
				sawReady = true
			}
		case protocol.TypeAssistantTextDelta:
			sawText = true
			if frame["text_delta"] != "echo: hi" {
				t.Fatalf("unexpected text delta: %v", frame["text_delta"])
			}
		case protocol.TypeTurnComplete:
			sawTurnEnd = true
		}
	}
}

func TestSessionWSRejectsBadSecret(t *testing.T) {
	ts, _ := newTestServer(t, relay.Options{})

	created := createSession(t, ts, "")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/v1/relay/session/ws?session_id=" + created.ID + "&secret=nope"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail with wrong secret")
	}
	if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %+v", res)
	}
}

func TestTranscriptsRequireSecret(t *testing.T) {
	ts, _ := newTestServer(t, relay.Options{})

	created := createSession(t, ts, "")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/relay/session/"+created.ID+"/transcripts", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("transcripts request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("transcripts without secret status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}

	req.Header.Set(secretHeader, created.Secret)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("transcripts request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transcripts status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode transcripts: %v", err)
	}
	if body["session_id"] != created.ID {
		t.Fatalf("unexpected transcripts body: %+v", body)
	}
}

func TestStatsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, relay.Options{})

	res, err := http.Get(ts.URL + "/v1/relay/stats")
	if err != nil {
		t.Fatalf("stats request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var snap observability.LatencySnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if snap.WindowSize != 64 {
		t.Fatalf("window size = %d, want 64", snap.WindowSize)
	}
}
