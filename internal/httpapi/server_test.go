package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callrelay/internal/config"
	"github.com/ent0n29/callrelay/internal/convo"
	"github.com/ent0n29/callrelay/internal/memory"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/profile"
	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/session"
)

// echoOrchestrator answers each prompt with one text message and hangs up on
// the "0" key.
type echoOrchestrator struct {
	mu     sync.Mutex
	setups []protocol.Setup
}

func (o *echoOrchestrator) RunConnection(ctx context.Context, setup protocol.Setup, inbound <-chan any, outbound chan<- any) error {
	o.mu.Lock()
	o.setups = append(o.setups, setup)
	o.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			switch m := msg.(type) {
			case protocol.Prompt:
				outbound <- protocol.NewText("echo: "+m.VoicePrompt, true)
			case protocol.DTMF:
				if m.Digit == "0" {
					end, err := protocol.NewEnd(protocol.Handoff{ReasonCode: "transfer", Reason: "caller asked for an agent"})
					if err != nil {
						return err
					}
					outbound <- end
					return nil
				}
			}
		}
	}
}

func (o *echoOrchestrator) Turns(callSID string) ([]convo.Turn, bool) {
	if callSID != "CA-live" {
		return nil, false
	}
	return []convo.Turn{{ID: "t1", Role: convo.RoleHuman, Content: "hi"}}, true
}

func (o *echoOrchestrator) Terminate(string) bool { return true }

type testServer struct {
	*httptest.Server
	sessions *session.Manager
	schemas  *memory.Registry
	profiles *profile.InMemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Config{SessionInactivityTimeout: 2 * time.Minute}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	metrics := observability.NewMetrics("test_httpapi_" + strings.ReplaceAll(t.Name(), "/", "_") + "_" + time.Now().Format("150405000000000"))
	schemas := memory.NewRegistry(time.Minute, nil)
	demo, err := memory.DemoSchemas()
	if err != nil {
		t.Fatalf("DemoSchemas() error = %v", err)
	}
	schemas.Seed(demo)
	profiles := profile.NewInMemoryStore()

	srv := New(cfg, Deps{
		Sessions:     sessions,
		Orchestrator: &echoOrchestrator{},
		Schemas:      schemas,
		Profiles:     profiles,
		Metrics:      metrics,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, sessions: sessions, schemas: schemas, profiles: profiles}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res, payload
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/relay/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	res, payload := ts.do(t, http.MethodGet, "/healthz", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if payload["status"] != "ok" {
		t.Fatalf("status = %v, want ok", payload["status"])
	}
	res, payload = ts.do(t, http.MethodGet, "/readyz", nil)
	if res.StatusCode != http.StatusOK || payload["profile_store"] != "in-memory" {
		t.Fatalf("GET /readyz = %d %+v", res.StatusCode, payload)
	}
}

func TestRelayWebsocketRunsCall(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	if err := conn.WriteJSON(map[string]any{"type": "setup", "callSid": "CA1", "from": "+15550001111", "to": "+15550009999"}); err != nil {
		t.Fatalf("write setup: %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"type": "prompt", "voicePrompt": "hello", "last": true}); err != nil {
		t.Fatalf("write prompt: %v", err)
	}
	var text protocol.Text
	if err := conn.ReadJSON(&text); err != nil {
		t.Fatalf("read text: %v", err)
	}
	if text.Type != protocol.TypeText || text.Token != "echo: hello" || !text.Last {
		t.Fatalf("text = %+v", text)
	}

	sess, err := ts.sessions.Get("CA1")
	if err != nil {
		t.Fatalf("sessions.Get() error = %v", err)
	}
	if sess.From != "+15550001111" || sess.Status != session.StatusActive {
		t.Fatalf("session = %+v", sess)
	}

	if err := conn.WriteJSON(map[string]any{"type": "dtmf", "digit": "0"}); err != nil {
		t.Fatalf("write dtmf: %v", err)
	}
	var end protocol.End
	if err := conn.ReadJSON(&end); err != nil {
		t.Fatalf("read end: %v", err)
	}
	if end.Type != protocol.TypeEnd || !strings.Contains(end.HandoffData, `"reasonCode":"transfer"`) {
		t.Fatalf("end = %+v", end)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection still open after end")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess, _ = ts.sessions.Get("CA1")
		if sess != nil && sess.Status == session.StatusEnded {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sess.Status != session.StatusEnded || sess.EndReason != "hangup" {
		t.Fatalf("session after end = %+v", sess)
	}
}

func TestRelayWebsocketRequiresSetupFirst(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	if err := conn.WriteJSON(map[string]any{"type": "prompt", "voicePrompt": "hello", "last": true}); err != nil {
		t.Fatalf("write prompt: %v", err)
	}
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("ReadMessage() error = %v, want policy violation close", err)
	}
	if ts.sessions.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", ts.sessions.ActiveCount())
	}
}

func TestSessionTurns(t *testing.T) {
	ts := newTestServer(t)
	res, payload := ts.do(t, http.MethodGet, "/v1/sessions/CA-live/turns", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if turns, _ := payload["turns"].([]any); len(turns) != 1 {
		t.Fatalf("turns = %+v", payload["turns"])
	}
	res, _ = ts.do(t, http.MethodGet, "/v1/sessions/CA-gone/turns", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestEndSessionByAPI(t *testing.T) {
	ts := newTestServer(t)
	ts.sessions.Create("CA2", "+1", "+2")
	res, payload := ts.do(t, http.MethodPost, "/v1/sessions/CA2/end", map[string]string{"reason": "supervisor"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if payload["end_reason"] != "supervisor" {
		t.Fatalf("end_reason = %v, want supervisor", payload["end_reason"])
	}
	res, _ = ts.do(t, http.MethodPost, "/v1/sessions/missing/end", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestSchemaEndpoints(t *testing.T) {
	ts := newTestServer(t)

	res, payload := ts.do(t, http.MethodGet, "/v1/memory/schemas", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", res.StatusCode)
	}
	if schemas, _ := payload["schemas"].([]any); len(schemas) != 3 {
		t.Fatalf("schemas = %d, want 3", len(schemas))
	}

	body := map[string]any{
		"name":        "Shoe size",
		"description": "Caller shoe sizes",
		"properties": map[string]any{
			"size": map[string]any{"type": "number", "description": "EU size"},
		},
	}
	res, payload = ts.do(t, http.MethodPut, "/v1/memory/schemas/shoe_size", body)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d: %+v", res.StatusCode, payload)
	}
	if payload["id"] != "shoe_size" || payload["isActive"] != true {
		t.Fatalf("put payload = %+v", payload)
	}
	if _, ok := ts.schemas.ActiveSchemas()["shoe_size"]; !ok {
		t.Fatalf("shoe_size not active after put")
	}

	res, payload = ts.do(t, http.MethodPut, "/v1/memory/schemas/broken", map[string]any{"name": "x"})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("invalid put status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}
	if problems, _ := payload["problems"].([]any); len(problems) == 0 {
		t.Fatalf("problems missing: %+v", payload)
	}

	res, payload = ts.do(t, http.MethodPost, "/v1/memory/schemas/shoe_size/active", map[string]bool{"active": false})
	if res.StatusCode != http.StatusOK || payload["isActive"] != false {
		t.Fatalf("deactivate = %d %+v", res.StatusCode, payload)
	}
	if _, ok := ts.schemas.ActiveSchemas()["shoe_size"]; ok {
		t.Fatalf("shoe_size still active")
	}

	res, _ = ts.do(t, http.MethodDelete, "/v1/memory/schemas/shoe_size", nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
	res, _ = ts.do(t, http.MethodGet, "/v1/memory/schemas/shoe_size", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestProfileEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	if _, err := ts.profiles.Identify(ctx, "user_42", map[string]any{"name": "Ada"}); err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if err := ts.profiles.SaveTurn(ctx, profile.TurnRecord{UserID: "user_42", SessionID: "CA1", Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("SaveTurn() error = %v", err)
	}

	res, payload := ts.do(t, http.MethodGet, "/v1/profiles/user_42", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	traits, _ := payload["traits"].(map[string]any)
	if traits["name"] != "Ada" {
		t.Fatalf("traits = %+v", payload["traits"])
	}

	_, payload = ts.do(t, http.MethodGet, "/v1/profiles/user_42/turns?limit=5", nil)
	if turns, _ := payload["turns"].([]any); len(turns) != 1 {
		t.Fatalf("turns = %+v", payload["turns"])
	}
	_, payload = ts.do(t, http.MethodGet, "/v1/profiles/user_42/events", nil)
	if events, ok := payload["events"].([]any); !ok || len(events) != 0 {
		t.Fatalf("events = %+v", payload["events"])
	}

	res, _ = ts.do(t, http.MethodGet, "/v1/profiles/nobody", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestPerfRounds(t *testing.T) {
	ts := newTestServer(t)
	res, payload := ts.do(t, http.MethodGet, "/v1/perf/rounds", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if _, ok := payload["stages"]; !ok {
		t.Fatalf("stages missing: %+v", payload)
	}
}
