package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/mcp"
)

// harness wires a Handler to in-memory pipes and runs Serve in the
// background. The test plays the stdio client: it writes request lines and
// reads response lines.
type harness struct {
	t *testing.T

	stdinW *io.PipeWriter
	lines  chan string

	cancel  context.CancelFunc
	serveCh chan error
}

func newHarness(t *testing.T, baseURL, token string, opts ...Option) *harness {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	h := NewHandler(baseURL, token, append([]Option{WithIO(stdinR, stdoutW)}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	hn := &harness{
		t:       t,
		stdinW:  stdinW,
		lines:   make(chan string, 32),
		cancel:  cancel,
		serveCh: make(chan error, 1),
	}
	go func() { hn.serveCh <- h.Serve(ctx) }()
	go func() {
		sc := bufio.NewScanner(stdoutR)
		sc.Buffer(make([]byte, 64*1024), maxLineBytes)
		for sc.Scan() {
			hn.lines <- sc.Text()
		}
		close(hn.lines)
	}()

	t.Cleanup(func() {
		cancel()
		_ = stdinW.Close()
	})
	return hn
}

func (h *harness) send(line string) {
	h.t.Helper()
	if _, err := h.stdinW.Write([]byte(line + "\n")); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) sendRequest(id any, method string, params any) {
	h.t.Helper()
	msg := map[string]any{"jsonrpc": "2.0", "method": method}
	if id != nil {
		msg["id"] = id
	}
	if params != nil {
		msg["params"] = params
	}
	b, err := json.Marshal(msg)
	if err != nil {
		h.t.Fatal(err)
	}
	h.send(string(b))
}

func (h *harness) expectResponse() *jsonrpc.Response {
	h.t.Helper()
	select {
	case line, ok := <-h.lines:
		if !ok {
			h.t.Fatal("output closed before a response arrived")
		}
		var resp jsonrpc.Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			h.t.Fatalf("invalid response line %q: %v", line, err)
		}
		return &resp
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for a response")
		return nil
	}
}

func (h *harness) expectSilence(d time.Duration) {
	h.t.Helper()
	select {
	case line, ok := <-h.lines:
		if ok {
			h.t.Fatalf("unexpected output: %q", line)
		}
	case <-time.After(d):
	}
}

func (h *harness) serveResult() error {
	h.t.Helper()
	select {
	case err := <-h.serveCh:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("Serve did not return")
		return nil
	}
}

// stubPlane is a minimal upstream implementing the routed endpoints.
func stubPlane(t *testing.T, wantToken string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+wantToken {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":{"code":-32001,"message":"unauthorized"}}`))
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("POST /mcp/initialize", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, mcp.InitializeResult{
			ProtocolVersion: mcp.LatestProtocolVersion,
			ServerInfo:      mcp.ImplementationInfo{Name: "stub", Version: "0"},
		})
	}))
	mux.HandleFunc("GET /mcp/tools", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "echo", InputSchema: mcp.ToolInputSchema{Type: "object"}}}})
	}))
	mux.HandleFunc("POST /mcp/tools/call", authed(func(w http.ResponseWriter, r *http.Request) {
		var req mcp.CallToolRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Name == "ghost" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":-32010,"message":"no owner for tool"}}`))
			return
		}
		writeJSON(w, mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "ok:" + req.Name}}})
	}))
	mux.HandleFunc("GET /mcp/resources", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, mcp.ListResourcesResult{Resources: []mcp.Resource{}})
	}))
	mux.HandleFunc("GET /mcp/prompts", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, mcp.ListPromptsResult{Prompts: []mcp.Prompt{}})
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestServe_ForwardsToolsList(t *testing.T) {
	t.Parallel()

	up := stubPlane(t, "tok")
	h := newHarness(t, up.URL, "tok")

	h.sendRequest(1, "tools/list", nil)
	resp := h.expectResponse()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.ID.String() != "1" {
		t.Fatalf("response id mismatch: %s", resp.ID.String())
	}
	var res mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Tools) != 1 || res.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", res.Tools)
	}
}

func TestServe_InitializeAndCall(t *testing.T) {
	t.Parallel()

	up := stubPlane(t, "tok")
	h := newHarness(t, up.URL, "tok")

	h.sendRequest("init-1", "initialize", mcp.InitializeRequest{ProtocolVersion: mcp.LatestProtocolVersion})
	resp := h.expectResponse()
	if resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp.Error)
	}
	var initRes mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &initRes); err != nil {
		t.Fatal(err)
	}
	if initRes.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("unexpected protocol version %q", initRes.ProtocolVersion)
	}

	h.sendRequest(2, "tools/call", mcp.CallToolRequest{Name: "echo", Arguments: json.RawMessage(`{}`)})
	resp = h.expectResponse()
	if resp.Error != nil {
		t.Fatalf("call failed: %+v", resp.Error)
	}
	var callRes mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &callRes); err != nil {
		t.Fatal(err)
	}
	if len(callRes.Content) != 1 || callRes.Content[0].Text != "ok:echo" {
		t.Fatalf("unexpected call result: %+v", callRes)
	}
}

func TestServe_UpstreamErrorRelayed(t *testing.T) {
	t.Parallel()

	up := stubPlane(t, "tok")
	h := newHarness(t, up.URL, "tok")

	h.sendRequest(3, "tools/call", mcp.CallToolRequest{Name: "ghost"})
	resp := h.expectResponse()
	if resp.Error == nil {
		t.Fatal("expected an error response")
	}
	if resp.Error.Code != -32010 {
		t.Fatalf("expected upstream code -32010, got %d", resp.Error.Code)
	}
	if resp.ID.String() != "3" {
		t.Fatalf("error must carry the original id, got %s", resp.ID.String())
	}
}

func TestServe_BadTokenRelayed(t *testing.T) {
	t.Parallel()

	up := stubPlane(t, "tok")
	h := newHarness(t, up.URL, "wrong")

	h.sendRequest(4, "tools/list", nil)
	resp := h.expectResponse()
	if resp.Error == nil || resp.Error.Code != -32001 {
		t.Fatalf("expected code -32001, got %+v", resp.Error)
	}
}

func TestServe_ParseErrorDoesNotKillLoop(t *testing.T) {
	t.Parallel()

	up := stubPlane(t, "tok")
	h := newHarness(t, up.URL, "tok")

	h.send(`{this is not json`)
	resp := h.expectResponse()
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("expected parse error, got %+v", resp.Error)
	}
	if !resp.ID.IsNil() {
		t.Fatalf("parse error must have a null id, got %s", resp.ID.String())
	}

	// The loop survives and keeps serving.
	h.sendRequest(5, "tools/list", nil)
	resp = h.expectResponse()
	if resp.Error != nil {
		t.Fatalf("loop did not survive parse error: %+v", resp.Error)
	}
}

func TestServe_UnknownMethodAnsweredLocally(t *testing.T) {
	t.Parallel()

	// No upstream at all: unknown methods never leave the process.
	h := newHarness(t, "http://127.0.0.1:0", "tok")

	h.sendRequest(6, "sampling/createMessage", nil)
	resp := h.expectResponse()
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", resp.Error)
	}
}

func TestServe_PingAnsweredLocally(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "http://127.0.0.1:0", "tok")

	h.sendRequest(7, "ping", nil)
	resp := h.expectResponse()
	if resp.Error != nil {
		t.Fatalf("ping must succeed locally: %+v", resp.Error)
	}
}

func TestServe_NotificationsProduceNoOutput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "http://127.0.0.1:0", "tok")

	h.sendRequest(nil, "notifications/initialized", nil)
	h.sendRequest(nil, "notifications/cancelled", map[string]any{"requestId": "1"})
	h.expectSilence(100 * time.Millisecond)
}

func TestServe_TransportExhaustionFailsRequestAndExits(t *testing.T) {
	t.Parallel()

	// Unroutable upstream; tiny retry budget.
	h := newHarness(t, "http://127.0.0.1:1", "tok",
		WithRetry(time.Millisecond, 2*time.Millisecond, 1),
		WithHTTPClient(&http.Client{Timeout: 200 * time.Millisecond}),
	)

	h.sendRequest(8, "tools/list", nil)
	resp := h.expectResponse()
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeTransportFailure {
		t.Fatalf("expected transport failure, got %+v", resp.Error)
	}

	if err := h.serveResult(); !errors.Is(err, ErrControlPlaneUnreachable) {
		t.Fatalf("Serve must surface exhaustion, got %v", err)
	}
}

func TestServe_ConcurrentResponsesNotInterleaved(t *testing.T) {
	t.Parallel()

	up := stubPlane(t, "tok")
	h := newHarness(t, up.URL, "tok")

	const n = 16
	for i := 0; i < n; i++ {
		h.sendRequest(fmt.Sprintf("c-%d", i), "tools/call", mcp.CallToolRequest{Name: "echo"})
	}

	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		resp := h.expectResponse()
		if resp.Error != nil {
			t.Fatalf("call %d failed: %+v", i, resp.Error)
		}
		if seen[resp.ID.String()] {
			t.Fatalf("duplicate response id %s", resp.ID.String())
		}
		seen[resp.ID.String()] = true
	}
}

func TestServe_EOFCleanShutdown(t *testing.T) {
	t.Parallel()

	up := stubPlane(t, "tok")
	h := newHarness(t, up.URL, "tok")

	h.sendRequest(9, "tools/list", nil)
	if resp := h.expectResponse(); resp.Error != nil {
		t.Fatalf("warm-up call failed: %+v", resp.Error)
	}

	_ = h.stdinW.Close()
	if err := h.serveResult(); err != nil {
		t.Fatalf("EOF must be a clean shutdown, got %v", err)
	}
}
