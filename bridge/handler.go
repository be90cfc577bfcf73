package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
	"github.com/ggoodman/mcp-bridge-go/mcp"
)

// ErrControlPlaneUnreachable is returned by Serve when the upstream retry
// budget is exhausted. Callers should exit non-zero so supervisors restart
// the bridge.
var ErrControlPlaneUnreachable = errors.New("bridge: control plane unreachable")

const (
	maxLineBytes = 16 * 1024 * 1024
	maxBodyBytes = 16 * 1024 * 1024
)

// Handler is the stdio-to-HTTP bridge. Construct with NewHandler and run with
// Serve; Serve may be called at most once.
type Handler struct {
	r   io.Reader
	w   io.Writer
	log *slog.Logger

	client  *http.Client
	baseURL string
	token   string

	backoffBase time.Duration
	backoffCap  time.Duration
	maxRetries  int

	processed atomic.Uint64
	failed    atomic.Uint64

	writeCh  chan []byte
	cancel   context.CancelFunc
	fatalErr atomic.Pointer[error]
}

// NewHandler constructs a bridge talking to the control plane at baseURL,
// authenticating with token, and applies options.
func NewHandler(baseURL, token string, opts ...Option) *Handler {
	h := &Handler{
		r:           os.Stdin,
		w:           os.Stdout,
		log:         slog.New(slog.DiscardHandler),
		client:      &http.Client{Timeout: 60 * time.Second},
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		backoffBase: 1 * time.Second,
		backoffCap:  30 * time.Second,
		maxRetries:  5,
		writeCh:     make(chan []byte, 64),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs the bridge event loop until EOF on the reader, context
// cancellation, or upstream exhaustion. It owns JSON-RPC framing: malformed
// input lines produce a parse error response without terminating the loop,
// and every response is written by a single goroutine so concurrent request
// completions never interleave on the output stream.
func (h *Handler) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.cancel = cancel

	// Closing the reader on cancellation unblocks a Scan stuck on a quiet
	// pipe so Serve can return promptly after upstream exhaustion.
	if closer, ok := h.r.(io.Closer); ok {
		go func() {
			<-ctx.Done()
			_ = closer.Close()
		}()
	}

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		broken := false
		for line := range h.writeCh {
			if broken {
				continue
			}
			if _, err := h.w.Write(line); err != nil {
				h.log.ErrorContext(ctx, "bridge.write.fail", slog.String("err", err.Error()))
				broken = true
				cancel()
			}
		}
	}()

	var inflight sync.WaitGroup
	scanner := bufio.NewScanner(h.r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

scan:
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			break scan
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			h.log.WarnContext(ctx, "bridge.parse.fail", slog.String("err", err.Error()))
			h.respondError(nil, jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message")
			continue
		}

		req := msg.AsRequest()
		if req == nil {
			// Responses from the client have no meaning here; the bridge never
			// issues server-to-client requests.
			h.log.DebugContext(ctx, "bridge.response.ignored")
			continue
		}

		msgCtx := logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
			Method: req.Method,
			ID:     idString(req.ID),
			Type:   msg.Type(),
		})

		if req.ID == nil {
			h.handleNotification(msgCtx, req)
			continue
		}

		inflight.Add(1)
		go func(req *jsonrpc.Request) {
			defer inflight.Done()
			h.handleRequest(msgCtx, req)
		}(req)
	}

	inflight.Wait()
	close(h.writeCh)
	writerWG.Wait()

	h.log.InfoContext(ctx, "bridge.shutdown",
		slog.Uint64("processed", h.processed.Load()),
		slog.Uint64("errors", h.failed.Load()),
	)

	if perr := h.fatalErr.Load(); perr != nil {
		return *perr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

func (h *Handler) handleNotification(ctx context.Context, req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		h.log.DebugContext(ctx, "bridge.initialized")
	case mcp.CancelledNotificationMethod:
		// Upstream calls carry their own deadlines; cancellation is advisory.
		h.log.DebugContext(ctx, "bridge.cancelled.ignored")
	default:
		h.log.DebugContext(ctx, "bridge.notification.ignored", slog.String("method", req.Method))
	}
}

func (h *Handler) handleRequest(ctx context.Context, req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		h.forward(ctx, req, http.MethodPost, "/mcp/initialize", req.Params)
	case mcp.ToolsListMethod:
		h.forward(ctx, req, http.MethodGet, "/mcp/tools", nil)
	case mcp.ToolsCallMethod:
		h.forward(ctx, req, http.MethodPost, "/mcp/tools/call", req.Params)
	case mcp.ResourcesListMethod:
		h.forward(ctx, req, http.MethodGet, "/mcp/resources", nil)
	case mcp.PromptsListMethod:
		h.forward(ctx, req, http.MethodGet, "/mcp/prompts", nil)
	case mcp.PingMethod:
		h.respondResult(req.ID, struct{}{})
	default:
		h.respondError(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method)
	}
}

// forward relays one request upstream, retrying transport failures with
// exponential backoff. HTTP error bodies carry JSON-RPC error codes and are
// relayed verbatim; only transport-level failures consume the retry budget.
func (h *Handler) forward(ctx context.Context, req *jsonrpc.Request, method, path string, body json.RawMessage) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > h.maxRetries {
			h.log.ErrorContext(ctx, "bridge.upstream.exhausted",
				slog.Int("attempts", attempt),
				slog.String("err", lastErr.Error()),
			)
			h.respondError(req.ID, jsonrpc.ErrorCodeTransportFailure, "control plane unreachable: "+lastErr.Error())
			err := ErrControlPlaneUnreachable
			h.fatalErr.CompareAndSwap(nil, &err)
			h.cancel()
			return
		}
		if attempt > 0 {
			delay := h.backoffDelay(attempt - 1)
			h.log.WarnContext(ctx, "bridge.upstream.retry",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("err", lastErr.Error()),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				h.respondError(req.ID, jsonrpc.ErrorCodeTransportFailure, "bridge shutting down")
				return
			}
		}

		status, respBody, err := h.doHTTP(ctx, method, path, body)
		if err != nil {
			if ctx.Err() != nil {
				h.respondError(req.ID, jsonrpc.ErrorCodeTransportFailure, "bridge shutting down")
				return
			}
			lastErr = err
			continue
		}

		if status == http.StatusOK {
			var result json.RawMessage = respBody
			if len(result) == 0 {
				result = json.RawMessage(`{}`)
			}
			h.respondRaw(req.ID, result)
			return
		}

		code, msg := decodeUpstreamError(status, respBody)
		h.respondError(req.ID, code, msg)
		return
	}
}

func (h *Handler) doHTTP(ctx context.Context, method, path string, body json.RawMessage) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else if method == http.MethodPost {
		reader = strings.NewReader("{}")
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// decodeUpstreamError extracts the JSON-RPC code and message from a control
// plane error body, falling back to a generic mapping when the body is not in
// the expected shape.
func decodeUpstreamError(status int, body []byte) (jsonrpc.ErrorCode, string) {
	var parsed struct {
		Error struct {
			Code    jsonrpc.ErrorCode `json:"code"`
			Message string            `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Code != 0 {
		return parsed.Error.Code, parsed.Error.Message
	}

	switch status {
	case http.StatusUnauthorized:
		return jsonrpc.ErrorCodeUnauthorized, "unauthorized"
	case http.StatusForbidden:
		return jsonrpc.ErrorCodeForbidden, "forbidden"
	default:
		return jsonrpc.ErrorCodeInternalError, fmt.Sprintf("upstream returned status %d", status)
	}
}

func (h *Handler) backoffDelay(retries int) time.Duration {
	delay := h.backoffBase
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay >= h.backoffCap {
			return h.backoffCap
		}
	}
	if delay > h.backoffCap {
		return h.backoffCap
	}
	return delay
}

func (h *Handler) respondResult(id *jsonrpc.RequestID, result any) {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		h.respondError(id, jsonrpc.ErrorCodeInternalError, "failed to encode result")
		return
	}
	h.write(resp, false)
}

func (h *Handler) respondRaw(id *jsonrpc.RequestID, result json.RawMessage) {
	h.write(&jsonrpc.Response{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Result:         result,
		ID:             id,
	}, false)
}

func (h *Handler) respondError(id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string) {
	h.write(jsonrpc.NewErrorResponse(id, code, msg, nil), true)
}

func (h *Handler) write(resp *jsonrpc.Response, isError bool) {
	b, err := json.Marshal(resp)
	if err != nil {
		h.log.Error("bridge.marshal.fail", slog.String("err", err.Error()))
		h.failed.Add(1)
		return
	}
	h.writeCh <- append(b, '\n')
	h.processed.Add(1)
	if isError {
		h.failed.Add(1)
	}
}

func idString(id *jsonrpc.RequestID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
