package ws

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/pairpad/backend/internal/config"
	"github.com/pairpad/backend/internal/sandbox"
	"github.com/pairpad/backend/internal/session"
)

type testEnv struct {
	ts       *httptest.Server
	registry *session.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Sandbox.RunTimeout = 5 * time.Second
	cfg.Sandbox.Languages["shell"] = config.LanguageSpec{Bin: "sh", Args: []string{"-c"}}

	logger := log.NewWithOptions(io.Discard, log.Options{})
	registry := session.NewRegistry(logger)
	runner := sandbox.NewRunner(cfg.Sandbox, logger)
	srv := NewServer(cfg, registry, runner, logger, "", false, nil)

	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, registry: registry}
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	resp, err := http.Post(e.ts.URL+"/api/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d, want 201", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if body["session_id"] == "" {
		t.Fatal("create response has empty session_id")
	}
	return body["session_id"]
}

func (e *testEnv) join(t *testing.T, id string) (int, map[string]string) {
	t.Helper()
	resp, err := http.Post(e.ts.URL+"/api/sessions/"+id+"/join", "application/json", nil)
	if err != nil {
		t.Fatalf("join session: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

// dial opens a websocket to the session and consumes the init message.
func (e *testEnv) dial(t *testing.T, id string) (*websocket.Conn, map[string]string) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws/" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	init := readMessage(t, conn)
	if init["type"] != "init" {
		t.Fatalf("first message type = %q, want init", init["type"])
	}
	return conn, init
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write message: %v", err)
	}
}

func requireRuntime(t *testing.T, bin string) {
	t.Helper()
	if _, err := exec.LookPath(bin); err != nil {
		t.Skipf("%s not installed", bin)
	}
}

func TestCreateAndJoin(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	if !strings.HasPrefix(id, "sess") {
		t.Errorf("session id = %q, want sess prefix", id)
	}

	status, body := env.join(t, id)
	if status != http.StatusOK {
		t.Fatalf("join status = %d, want 200", status)
	}
	if body["session_id"] != id {
		t.Errorf("join session_id = %q, want %q", body["session_id"], id)
	}
	if body["language"] != "python" {
		t.Errorf("join language = %q, want python", body["language"])
	}
	if body["code"] != "" {
		t.Errorf("join code = %q, want empty", body["code"])
	}
}

func TestJoinUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	if status, _ := env.join(t, "sess-missing"); status != http.StatusNotFound {
		t.Errorf("join status = %d, want 404", status)
	}
}

func TestWSRejectsUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/sess-missing"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial to unknown session succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("handshake response = %v, want 404", resp)
	}
}

func TestInitCarriesCurrentState(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	a, _ := env.dial(t, id)
	sendJSON(t, a, Inbound{Type: MsgEdit, Code: "x = 1"})

	// Second participant's init reflects the edited buffer.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, body := env.join(t, id); body["code"] == "x = 1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("edit not visible via join within 2s")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, init := env.dial(t, id)
	if init["code"] != "x = 1" {
		t.Errorf("init code = %q, want x = 1", init["code"])
	}
	if init["language"] != "python" {
		t.Errorf("init language = %q, want python", init["language"])
	}
}

func TestEditBroadcastSkipsSender(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	a, _ := env.dial(t, id)
	b, _ := env.dial(t, id)

	sendJSON(t, a, Inbound{Type: MsgEdit, Code: "print(42)"})

	msg := readMessage(t, b)
	if msg["type"] != "edit" || msg["code"] != "print(42)" {
		t.Errorf("b received %v, want edit/print(42)", msg)
	}

	// The sender never sees its own edit: had it been echoed, it would
	// be queued ahead of b's reply.
	sendJSON(t, b, Inbound{Type: MsgEdit, Code: "reply"})
	msg = readMessage(t, a)
	if msg["type"] != "edit" || msg["code"] != "reply" {
		t.Errorf("a received %v, want b's reply as first message", msg)
	}
}

func TestLanguageBroadcastEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	a, _ := env.dial(t, id)
	b, _ := env.dial(t, id)

	sendJSON(t, a, Inbound{Type: MsgLanguage, Language: "javascript"})

	msg := readMessage(t, b)
	if msg["type"] != "language" || msg["language"] != "javascript" {
		t.Errorf("b received %v, want language/javascript", msg)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, body := env.join(t, id); body["language"] == "javascript" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("language change not visible via join within 2s")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMalformedMessageErrorsSenderOnly(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	a, _ := env.dial(t, id)
	b, _ := env.dial(t, id)

	if err := a.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write raw message: %v", err)
	}

	msg := readMessage(t, a)
	if msg["type"] != "error" || msg["message"] == "" {
		t.Errorf("a received %v, want error with message", msg)
	}

	// The offending connection stays attached and usable, and b's first
	// delivery is the follow-up edit, not the error notice.
	sendJSON(t, a, Inbound{Type: MsgEdit, Code: "still here"})
	msg = readMessage(t, b)
	if msg["type"] != "edit" || msg["code"] != "still here" {
		t.Errorf("b received %v after protocol error, want edit", msg)
	}
}

func TestUnknownTypeErrorsSenderOnly(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	a, _ := env.dial(t, id)
	b, _ := env.dial(t, id)

	sendJSON(t, a, map[string]string{"type": "teleport"})

	msg := readMessage(t, a)
	if msg["type"] != "error" || !strings.Contains(msg["message"], "unknown") {
		t.Errorf("a received %v, want unknown type error", msg)
	}

	// b never hears about it; its first delivery is the next real edit.
	sendJSON(t, a, Inbound{Type: MsgEdit, Code: "after"})
	msg = readMessage(t, b)
	if msg["type"] != "edit" || msg["code"] != "after" {
		t.Errorf("b received %v, want edit after unknown type", msg)
	}
}

func TestRunResultBroadcastToAll(t *testing.T) {
	requireRuntime(t, "sh")
	env := newTestEnv(t)
	id := env.createSession(t)

	a, _ := env.dial(t, id)
	b, _ := env.dial(t, id)

	sendJSON(t, a, Inbound{Type: MsgLanguage, Language: "shell"})
	if msg := readMessage(t, b); msg["type"] != "language" {
		t.Fatalf("b received %v, want language", msg)
	}

	sendJSON(t, a, Inbound{Type: MsgEdit, Code: "echo hello"})
	if msg := readMessage(t, b); msg["type"] != "edit" {
		t.Fatalf("b received %v, want edit", msg)
	}

	sendJSON(t, a, Inbound{Type: MsgRun})

	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		msg := readMessage(t, conn)
		if msg["type"] != "run_result" {
			t.Fatalf("%s received %v, want run_result", name, msg)
		}
		if !strings.Contains(msg["stdout"], "hello") {
			t.Errorf("%s stdout = %q, want hello", name, msg["stdout"])
		}
		if msg["stderr"] != "" {
			t.Errorf("%s stderr = %q, want empty", name, msg["stderr"])
		}
		if msg["language"] != "shell" {
			t.Errorf("%s language = %q, want shell", name, msg["language"])
		}
	}
}

func TestRunUnsupportedLanguageKeepsSessionAlive(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	a, _ := env.dial(t, id)

	sendJSON(t, a, Inbound{Type: MsgLanguage, Language: "cobol"})
	sendJSON(t, a, Inbound{Type: MsgRun})

	msg := readMessage(t, a)
	if msg["type"] != "run_result" {
		t.Fatalf("a received %v, want run_result", msg)
	}
	if !strings.Contains(msg["stderr"], "unsupported language") {
		t.Errorf("stderr = %q, want unsupported language notice", msg["stderr"])
	}

	// Session survives the failed run.
	if status, _ := env.join(t, id); status != http.StatusOK {
		t.Errorf("join after failed run status = %d, want 200", status)
	}
}

func TestEndSessionNotifiesEveryoneAndCloses(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	a, _ := env.dial(t, id)
	b, _ := env.dial(t, id)

	sendJSON(t, a, Inbound{Type: MsgEnd})

	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		msg := readMessage(t, conn)
		if msg["type"] != "ended" || msg["reason"] != "ended by user" {
			t.Errorf("%s received %v, want ended/ended by user", name, msg)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := conn.ReadMessage(); err == nil {
			t.Errorf("%s transport still open after ended", name)
		}
	}

	if status, _ := env.join(t, id); status != http.StatusNotFound {
		t.Errorf("join after end status = %d, want 404", status)
	}
	if _, ok := env.registry.Get(id); ok {
		t.Error("ended session still reachable in registry")
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.createSession(t)

	resp, err := http.Get(env.ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Sessions != 1 {
		t.Errorf("sessions = %d, want 1", body.Sessions)
	}
	if len(body.Languages) == 0 {
		t.Error("health reports no languages")
	}
}
