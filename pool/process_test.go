package pool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/mcp"
)

// pipeHandle is a Handle over in-memory pipes so instance behavior can be
// tested without subprocesses. The test owns the far ends.
type pipeHandle struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	done chan struct{}
	once sync.Once
}

func newPipeHandle() *pipeHandle {
	h := &pipeHandle{done: make(chan struct{})}
	h.stdinR, h.stdinW = io.Pipe()
	h.stdoutR, h.stdoutW = io.Pipe()
	return h
}

func (h *pipeHandle) Stdin() io.WriteCloser { return h.stdinW }
func (h *pipeHandle) Stdout() io.ReadCloser { return h.stdoutR }
func (h *pipeHandle) Done() <-chan struct{} { return h.done }
func (h *pipeHandle) Err() error            { return nil }

func (h *pipeHandle) Kill() {
	h.once.Do(func() {
		_ = h.stdoutW.Close()
		_ = h.stdinR.Close()
		close(h.done)
	})
}

// respondAll echoes a result for every request read off the instance's stdin.
func respondAll(t *testing.T, h *pipeHandle, result any) {
	t.Helper()
	go func() {
		dec := json.NewDecoder(h.stdinR)
		for {
			var req jsonrpc.Request
			if err := dec.Decode(&req); err != nil {
				return
			}
			if req.ID == nil {
				continue
			}
			resp, err := jsonrpc.NewResultResponse(req.ID, result)
			if err != nil {
				return
			}
			b, _ := json.Marshal(resp)
			if _, err := h.stdoutW.Write(append(b, '\n')); err != nil {
				return
			}
		}
	}()
}

func testInstance(desc Descriptor, h Handle) *instance {
	inst := newInstance(desc.withDefaults(), slog.New(slog.DiscardHandler), h)
	inst.start()
	return inst
}

func TestInstance_CallRoundTrip(t *testing.T) {
	t.Parallel()

	h := newPipeHandle()
	defer h.Kill()
	respondAll(t, h, map[string]any{"ok": true})

	inst := testInstance(Descriptor{ID: "s1"}, h)
	defer inst.close(ErrPoolClosed)

	resp, err := inst.call(context.Background(), mcp.PingMethod, nil, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
}

func TestInstance_EnqueueFullQueueRejects(t *testing.T) {
	t.Parallel()

	h := newPipeHandle()
	defer h.Kill()

	// No drain loop: the queue fills and stays full.
	inst := newInstance(Descriptor{ID: "s1", QueueSize: 2}.withDefaults(), slog.New(slog.DiscardHandler), h)

	if err := inst.enqueue(&queuedCall{method: "a", pc: newPendingCall()}); err != nil {
		t.Fatal(err)
	}
	if err := inst.enqueue(&queuedCall{method: "b", pc: newPendingCall()}); err != nil {
		t.Fatal(err)
	}
	if err := inst.enqueue(&queuedCall{method: "c", pc: newPendingCall()}); !errors.Is(err, ErrServerBusy) {
		t.Fatalf("full queue must reject with ErrServerBusy, got %v", err)
	}
}

func TestInstance_CallTimeout_LateResponseDiscarded(t *testing.T) {
	t.Parallel()

	h := newPipeHandle()
	defer h.Kill()

	inst := testInstance(Descriptor{ID: "s1"}, h)
	defer inst.close(ErrPoolClosed)

	// Capture the request id but do not answer until after the deadline.
	idCh := make(chan *jsonrpc.RequestID, 1)
	go func() {
		dec := json.NewDecoder(h.stdinR)
		var req jsonrpc.Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		idCh <- req.ID
	}()

	_, err := inst.call(context.Background(), mcp.ToolsCallMethod, nil, 50*time.Millisecond)
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("expected ErrCallTimeout, got %v", err)
	}

	// The late response must not correlate to anything.
	select {
	case id := <-idCh:
		resp, _ := jsonrpc.NewResultResponse(id, map[string]any{"ok": true})
		b, _ := json.Marshal(resp)
		if _, err := h.stdoutW.Write(append(b, '\n')); err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("request never reached the pipe")
	}

	inst.mu.Lock()
	pendingLen := len(inst.pending)
	inst.mu.Unlock()
	if pendingLen != 0 {
		t.Fatalf("abandoned call must leave no pending entry, found %d", pendingLen)
	}
}

func TestInstance_CancelledCallerLeavesOtherPending(t *testing.T) {
	t.Parallel()

	h := newPipeHandle()
	defer h.Kill()

	inst := testInstance(Descriptor{ID: "s1", QueueSize: 4, MaxInflight: 2}, h)
	defer inst.close(ErrPoolClosed)

	// Collect request ids off the pipe, keyed by tool name, so each caller's
	// wire request can be told apart.
	type sent struct {
		name string
		id   *jsonrpc.RequestID
	}
	sentCh := make(chan sent, 2)
	go func() {
		dec := json.NewDecoder(h.stdinR)
		for {
			var req jsonrpc.Request
			if err := dec.Decode(&req); err != nil {
				return
			}
			var call mcp.CallToolRequest
			_ = json.Unmarshal(req.Params, &call)
			sentCh <- sent{name: call.Name, id: req.ID}
		}
	}()

	ctx1, cancel1 := context.WithCancel(context.Background())
	err1 := make(chan error, 1)
	go func() {
		_, err := inst.call(ctx1, mcp.ToolsCallMethod, mcp.CallToolRequest{Name: "doomed"}, 5*time.Second)
		err1 <- err
	}()

	type outcome struct {
		resp *jsonrpc.Response
		err  error
	}
	res2 := make(chan outcome, 1)
	go func() {
		resp, err := inst.call(context.Background(), mcp.ToolsCallMethod, mcp.CallToolRequest{Name: "survivor"}, 5*time.Second)
		res2 <- outcome{resp: resp, err: err}
	}()

	ids := make(map[string]*jsonrpc.RequestID, 2)
	for len(ids) < 2 {
		select {
		case s := <-sentCh:
			ids[s.name] = s.id
		case <-time.After(2 * time.Second):
			t.Fatalf("expected both calls in flight, saw %d", len(ids))
		}
	}

	cancel1()
	select {
	case err := <-err1:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled call did not return")
	}

	// The survivor's pending entry must be untouched by the cancellation.
	resp, err := jsonrpc.NewResultResponse(ids["survivor"], map[string]any{"content": []any{}})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := json.Marshal(resp)
	if _, err := h.stdoutW.Write(append(b, '\n')); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-res2:
		if r.err != nil {
			t.Fatalf("surviving call failed after peer cancellation: %v", r.err)
		}
		if r.resp.Error != nil {
			t.Fatalf("unexpected error response: %+v", r.resp.Error)
		}
	case <-time.After(time.Second):
		t.Fatal("surviving call never resolved")
	}

	inst.mu.Lock()
	pendingLen := len(inst.pending)
	inst.mu.Unlock()
	if pendingLen != 0 {
		t.Fatalf("expected an empty pending map, found %d entries", pendingLen)
	}
}

func TestInstance_CloseFailsPendingAndQueued(t *testing.T) {
	t.Parallel()

	h := newPipeHandle()
	defer h.Kill()

	inst := testInstance(Descriptor{ID: "s1", QueueSize: 4}, h)

	errCh := make(chan error, 1)
	go func() {
		_, err := inst.call(context.Background(), mcp.ToolsCallMethod, nil, 5*time.Second)
		errCh <- err
	}()

	// Wait for the call to be written so it is pending, then tear down.
	dec := json.NewDecoder(h.stdinR)
	var req jsonrpc.Request
	if err := dec.Decode(&req); err != nil {
		t.Fatal(err)
	}
	inst.close(ErrServerUnavailable)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrServerUnavailable) {
			t.Fatalf("expected ErrServerUnavailable, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call not failed on close")
	}

	if err := inst.enqueue(&queuedCall{method: "x", pc: newPendingCall()}); !errors.Is(err, ErrServerUnavailable) {
		t.Fatalf("closed instance must reject new calls, got %v", err)
	}
}

func TestInstance_StdoutEOFClosesInstance(t *testing.T) {
	t.Parallel()

	h := newPipeHandle()
	inst := testInstance(Descriptor{ID: "s1"}, h)

	_ = h.stdoutW.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if inst.closedErr() != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("instance did not close after stdout EOF")
}

func TestInstance_ProbeBypassesQueue(t *testing.T) {
	t.Parallel()

	h := newPipeHandle()
	defer h.Kill()
	respondAll(t, h, map[string]any{})

	// Queue is saturated without a drain loop, yet probes still succeed.
	inst := newInstance(Descriptor{ID: "s1", QueueSize: 1}.withDefaults(), slog.New(slog.DiscardHandler), h)
	go inst.readLoop()

	if err := inst.enqueue(&queuedCall{method: "stuck", pc: newPendingCall()}); err != nil {
		t.Fatal(err)
	}
	if err := inst.probe(time.Second); err != nil {
		t.Fatalf("probe must not depend on queue capacity, got %v", err)
	}
}

func TestInstance_NonJSONOutputTolerated(t *testing.T) {
	t.Parallel()

	h := newPipeHandle()
	defer h.Kill()

	inst := testInstance(Descriptor{ID: "s1"}, h)
	defer inst.close(ErrPoolClosed)

	go func() {
		dec := json.NewDecoder(h.stdinR)
		var req jsonrpc.Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		// Stray log line first, then the real response.
		_, _ = h.stdoutW.Write([]byte("starting up...\n"))
		resp, _ := jsonrpc.NewResultResponse(req.ID, map[string]any{})
		b, _ := json.Marshal(resp)
		_, _ = h.stdoutW.Write(append(b, '\n'))
	}()

	if _, err := inst.call(context.Background(), mcp.PingMethod, nil, time.Second); err != nil {
		t.Fatalf("stray output must not break correlation, got %v", err)
	}
}
