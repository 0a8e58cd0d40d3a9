package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/gaspardpetit/mcpinspector/internal/config"
	"github.com/gaspardpetit/mcpinspector/internal/factory"
	"github.com/gaspardpetit/mcpinspector/internal/relay"
	"github.com/gaspardpetit/mcpinspector/internal/serverstate"
	"github.com/gaspardpetit/mcpinspector/internal/session"
	"github.com/gaspardpetit/mcpinspector/internal/testutil"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"inspector","version":"1"}}}`

func TestMain(m *testing.M) {
	testutil.MaybeRunHelper()
	os.Exit(m.Run())
}

type harness struct {
	ts  *httptest.Server
	reg *session.Registry
}

func newHarness(t *testing.T, mutate ...func(*config.ServerConfig)) *harness {
	t.Helper()
	var cfg config.ServerConfig
	cfg.SetDefaults()
	cfg.KillGrace = 200 * time.Millisecond
	cfg.ConnectTimeout = 5 * time.Second
	cfg.DefaultCommand = "mcp-server-everything"
	cfg.DefaultArgs = "--verbose"
	for _, fn := range mutate {
		fn(&cfg)
	}
	reg := session.NewRegistry()
	fac := factory.New(factory.Options{
		DefaultEnv:     map[string]string{"INSPECTOR_DEFAULT": "1"},
		KillGrace:      cfg.KillGrace,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	ts := httptest.NewServer(New(cfg, reg, fac))
	t.Cleanup(func() {
		reg.CloseAll()
		ts.Close()
	})
	return &harness{ts: ts, reg: reg}
}

// helperQuery returns connect parameters that spawn the test binary in mode.
func helperQuery(t *testing.T, mode string) url.Values {
	t.Helper()
	exe, entry := testutil.HelperCommand(t, mode)
	k, v, _ := strings.Cut(entry, "=")
	env, err := json.Marshal(map[string]string{k: v})
	if err != nil {
		t.Fatalf("marshal env: %v", err)
	}
	return url.Values{
		"transportType": {"stdio"},
		"command":       {exe},
		"env":           {string(env)},
	}
}

type frame struct {
	event string
	data  string
}

type eventStream struct {
	resp     *http.Response
	cancel   context.CancelFunc
	frames   chan frame
	done     chan struct{}
	endpoint string
}

// connect opens an SSE session and consumes the endpoint event.
func (h *harness) connect(t *testing.T, q url.Values) *eventStream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.ts.URL+"/sse?"+q.Encode(), nil)
	if err != nil {
		cancel()
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("GET /sse: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		t.Fatalf("GET /sse: status %d: %s", resp.StatusCode, b)
	}
	es := &eventStream{resp: resp, cancel: cancel, frames: make(chan frame, 64), done: make(chan struct{})}
	go es.read()
	t.Cleanup(es.close)
	f := es.next(t)
	if f.event != "endpoint" {
		t.Fatalf("first event %q, want endpoint", f.event)
	}
	es.endpoint = f.data
	return es
}

func (es *eventStream) read() {
	defer close(es.frames)
	sc := bufio.NewScanner(es.resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var f frame
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if f.data != "" {
				select {
				case es.frames <- f:
				case <-es.done:
					return
				}
			}
			f = frame{}
		case strings.HasPrefix(line, "event:"):
			f.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			f.data = strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		}
	}
}

func (es *eventStream) next(t *testing.T) frame {
	t.Helper()
	select {
	case f, ok := <-es.frames:
		if !ok {
			t.Fatalf("event stream ended")
		}
		return f
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return frame{}
}

func (es *eventStream) close() {
	select {
	case <-es.done:
		return
	default:
	}
	close(es.done)
	es.cancel()
	es.resp.Body.Close()
}

func (es *eventStream) sessionID(t *testing.T) string {
	t.Helper()
	u, err := url.Parse(es.endpoint)
	if err != nil {
		t.Fatalf("parse endpoint %q: %v", es.endpoint, err)
	}
	id := u.Query().Get("sessionId")
	if id == "" {
		t.Fatalf("endpoint %q has no sessionId", es.endpoint)
	}
	return id
}

func (h *harness) post(t *testing.T, endpoint, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(h.ts.URL+endpoint, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", endpoint, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStdioSessionRelaysMessagesAndStderr(t *testing.T) {
	h := newHarness(t)
	es := h.connect(t, helperQuery(t, testutil.ModeMCP))

	if code, body := h.post(t, es.endpoint, initializeBody); code != http.StatusAccepted || body != "Accepted" {
		t.Fatalf("POST: %d %q", code, body)
	}

	var gotResult, gotStderr bool
	for !(gotResult && gotStderr) {
		f := es.next(t)
		if f.event != "message" {
			t.Fatalf("unexpected event %q", f.event)
		}
		var m struct {
			ID     *int            `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Params struct {
				Content string `json:"content"`
			} `json:"params"`
		}
		if err := json.Unmarshal([]byte(f.data), &m); err != nil {
			t.Fatalf("decode %q: %v", f.data, err)
		}
		switch {
		case m.Method == relay.StderrMethod:
			if !strings.Contains(m.Params.Content, testutil.StderrWarning) {
				t.Fatalf("stderr content %q", m.Params.Content)
			}
			gotStderr = true
		case m.ID != nil && *m.ID == 1:
			if !strings.Contains(string(m.Result), `"helper"`) {
				t.Fatalf("initialize result %s", m.Result)
			}
			gotResult = true
		}
	}

	infos := h.reg.Snapshot()
	if len(infos) != 1 {
		t.Fatalf("expected 1 session, got %d", len(infos))
	}
	if infos[0].ID != es.sessionID(t) || infos[0].Transport != "stdio" || infos[0].State != "active" {
		t.Fatalf("unexpected snapshot %+v", infos[0])
	}
	if infos[0].PID == 0 || infos[0].Running == nil || !*infos[0].Running {
		t.Fatalf("child not reported running: %+v", infos[0])
	}
}

func TestStdioEchoCommand(t *testing.T) {
	echo, err := exec.LookPath("echo")
	if err != nil {
		t.Skip("echo not available")
	}
	h := newHarness(t)
	es := h.connect(t, url.Values{"transportType": {"stdio"}, "command": {echo}, "args": {"hello"}})
	es.sessionID(t)
	// echo exits right away, which ends the session.
	for range es.frames {
	}
	eventually(t, "session removal", func() bool { return h.reg.Len() == 0 })
}

func TestStderrDeliveredWhenServerExits(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	h := newHarness(t)
	script := `for i in $(seq 1 500); do echo line$i >&2; done; echo "fatal: boom" >&2; exit 1`
	q := url.Values{"transportType": {"stdio"}, "command": {sh}, "args": {"-c '" + script + "'"}}
	for i := 0; i < 10; i++ {
		es := h.connect(t, q)
		var stderr strings.Builder
		for f := range es.frames {
			var m struct {
				Method string `json:"method"`
				Params struct {
					Content string `json:"content"`
				} `json:"params"`
			}
			if err := json.Unmarshal([]byte(f.data), &m); err != nil {
				t.Fatalf("decode %q: %v", f.data, err)
			}
			if m.Method == relay.StderrMethod {
				stderr.WriteString(m.Params.Content)
			}
		}
		out := stderr.String()
		if !strings.HasSuffix(out, "line500\nfatal: boom\n") || !strings.HasPrefix(out, "line1\nline2\n") {
			t.Fatalf("session %d: stderr incomplete (%d bytes), tail %q", i, len(out), out[max(0, len(out)-40):])
		}
		es.close()
	}
	eventually(t, "session removal", func() bool { return h.reg.Len() == 0 })
}

func TestSSEAuthFailureCreatesNoSession(t *testing.T) {
	gotAuth := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"unauthorized"}`)
	}))
	defer upstream.Close()

	h := newHarness(t)
	q := url.Values{"transportType": {"sse"}, "url": {upstream.URL + "/sse"}}
	req, _ := http.NewRequest(http.MethodGet, h.ts.URL+"/sse?"+q.Encode(), nil)
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("X-Private", "dropped")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /sse: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if string(body) != `{"error":"unauthorized"}` {
		t.Fatalf("unexpected body %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("upstream content type not kept: %q", ct)
	}
	if auth := <-gotAuth; auth != "Bearer token" {
		t.Fatalf("authorization not passed through: %q", auth)
	}
	if h.reg.Len() != 0 {
		t.Fatalf("session registered after auth failure")
	}
}

func TestConnectErrors(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name   string
		query  url.Values
		status int
		code   string
	}{
		{"invalid type", url.Values{"transportType": {"carrier-pigeon"}}, http.StatusBadRequest, "INVALID_TRANSPORT_TYPE"},
		{"missing type", url.Values{}, http.StatusBadRequest, "INVALID_TRANSPORT_TYPE"},
		{"missing command", url.Values{"transportType": {"stdio"}}, http.StatusInternalServerError, "SPAWN_FAILURE"},
		{"unknown command", url.Values{"transportType": {"stdio"}, "command": {"/nonexistent/mcp-server"}}, http.StatusInternalServerError, "SPAWN_FAILURE"},
		{"unreachable url", url.Values{"transportType": {"sse"}, "url": {"http://127.0.0.1:1/sse"}}, http.StatusBadGateway, "CONNECT_FAILURE"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(h.ts.URL + "/sse?" + tc.query.Encode())
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
			var e errorBody
			if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if e.Code != tc.code || e.Error == "" {
				t.Fatalf("unexpected error body %+v", e)
			}
		})
	}
	if h.reg.Len() != 0 {
		t.Fatalf("failed connects left %d sessions", h.reg.Len())
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	mcpSrv := mcpserver.NewMCPServer("upstream", "1.0", mcpserver.WithToolCapabilities(false))
	mcpSrv.AddTool(mcp.Tool{Name: "ping"}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("pong"), nil
	})
	upstream := mcpserver.NewTestServer(mcpSrv)
	// Registered before the harness so it runs after the sessions are closed.
	t.Cleanup(upstream.Close)

	h := newHarness(t)
	a := h.connect(t, helperQuery(t, testutil.ModeEcho))
	b := h.connect(t, url.Values{"transportType": {"sse"}, "url": {upstream.URL + "/sse"}})
	aID := a.sessionID(t)

	echoed := `{"jsonrpc":"2.0","id":7,"method":"tools/list"}`
	if code, _ := h.post(t, a.endpoint, echoed); code != http.StatusAccepted {
		t.Fatalf("POST to A: %d", code)
	}
	if f := a.next(t); f.data != echoed {
		t.Fatalf("A got %q", f.data)
	}

	var pid int
	for _, info := range h.reg.Snapshot() {
		if info.ID == aID {
			pid = info.PID
		}
	}
	if pid == 0 {
		t.Fatalf("no pid for session A")
	}

	a.close()
	eventually(t, "session A removal", func() bool {
		_, err := h.reg.Get(aID)
		return err != nil
	})
	eventually(t, "child exit", func() bool {
		ok, _ := process.PidExists(int32(pid))
		return !ok
	})
	if code, body := h.post(t, a.endpoint, echoed); code != http.StatusNotFound {
		t.Fatalf("POST to closed A: %d %q", code, body)
	}

	if code, _ := h.post(t, b.endpoint, initializeBody); code != http.StatusAccepted {
		t.Fatalf("POST to B: %d", code)
	}
	f := b.next(t)
	if !strings.Contains(f.data, `"id":1`) || !strings.Contains(f.data, `"upstream"`) {
		t.Fatalf("B got %q", f.data)
	}
	if h.reg.Len() != 1 {
		t.Fatalf("expected only B registered, got %d", h.reg.Len())
	}
}

func TestPostUnknownSession(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/message?sessionId=doesnotexist", "/message"} {
		code, body := h.post(t, path, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		if code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, code)
		}
		if !strings.Contains(body, "Session not found") {
			t.Fatalf("%s: unexpected body %q", path, body)
		}
	}
	if h.reg.Len() != 0 {
		t.Fatalf("registry mutated")
	}
}

func TestWebSocketSession(t *testing.T) {
	h := newHarness(t)
	q := helperQuery(t, testutil.ModeEcho)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.ts.URL, "http")+"/ws?"+q.Encode(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	msg := `{"jsonrpc":"2.0","id":3,"method":"ping"}`
	if err := c.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	typ, b, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText || string(b) != msg {
		t.Fatalf("got %v %q", typ, b)
	}
	infos := h.reg.Snapshot()
	if len(infos) != 1 || infos[0].Client != clientWS {
		t.Fatalf("unexpected sessions %+v", infos)
	}
	_ = c.Close(websocket.StatusNormalClosure, "")
	eventually(t, "session removal", func() bool { return h.reg.Len() == 0 })
}

func TestConfigEndpoint(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.ts.URL + "/config")
	if err != nil {
		t.Fatalf("GET /config: %v", err)
	}
	defer resp.Body.Close()
	var got configBody
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.DefaultCommand != "mcp-server-everything" || got.DefaultArgs != "--verbose" {
		t.Fatalf("unexpected defaults %+v", got)
	}
	if got.DefaultEnvironment["INSPECTOR_DEFAULT"] != "1" {
		t.Fatalf("unexpected environment %v", got.DefaultEnvironment)
	}
}

func TestDrainingRejectsConnects(t *testing.T) {
	serverstate.UseStore(serverstate.NewMemoryStore())
	t.Cleanup(func() { serverstate.UseStore(serverstate.NewMemoryStore()) })
	h := newHarness(t)

	resp, err := http.Get(h.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz: %d %q", resp.StatusCode, body)
	}

	serverstate.StartDrain()
	for _, path := range []string{"/healthz", "/sse?transportType=stdio&command=echo"} {
		resp, err := http.Get(h.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", path, resp.StatusCode)
		}
	}
}

func TestIntrospectionEndpoints(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		path        string
		contentType string
	}{
		{"/api/sessions", "application/json"},
		{"/api/state", "application/json"},
		{"/api/openapi.json", "application/json"},
		{"/api/docs", "text/html"},
		{"/status", "text/html"},
	}
	for _, tc := range tests {
		resp, err := http.Get(h.ts.URL + tc.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tc.path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, tc.contentType) {
			t.Fatalf("%s: content type %q", tc.path, ct)
		}
	}
}

func TestMetricsEndpointDefaultPort(t *testing.T) {
	h := newHarness(t, func(c *config.ServerConfig) { c.MetricsAddr = ":3000" })
	resp, err := http.Get(h.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "mcpinspector_sessions_active") {
		t.Fatalf("missing relay metrics")
	}
}

func TestMetricsEndpointSeparatePort(t *testing.T) {
	h := newHarness(t, func(c *config.ServerConfig) { c.MetricsAddr = ":9090" })
	resp, err := http.Get(h.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
