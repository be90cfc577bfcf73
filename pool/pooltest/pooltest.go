// Package pooltest provides an in-memory scripted tool server and launcher
// for exercising the pool without real subprocesses. The fake server speaks
// the same newline-delimited JSON-RPC the exec-backed handle does, behind
// io.Pipe pairs, and exposes knobs for the failure modes the pool must
// tolerate: dropped pings, stalled calls, refused handshakes, and abrupt
// exits.
package pooltest

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/ggoodman/mcp-bridge-go/pool"
)

// Server is one scripted tool server. Configure it before registering its
// factory with a Launcher; knobs marked atomic may be flipped while running.
type Server struct {
	// Tools advertised in response to tools/list.
	Tools []mcp.Tool
	// Resources and Prompts returned by the respective list methods.
	Resources []mcp.Resource
	Prompts   []mcp.Prompt

	// OnCallTool overrides tool call handling. The default echoes the tool
	// name and arguments back as text content.
	OnCallTool func(req mcp.CallToolRequest) (*mcp.CallToolResult, *jsonrpc.Error)

	// RefuseHandshake makes initialize return an error response.
	RefuseHandshake bool

	// dropPings suppresses ping responses when set (probe timeouts).
	dropPings atomic.Bool
	// pingDrops is a budget of individual pings to leave unanswered.
	pingDrops     atomic.Int32
	pingsDropped  atomic.Int32
	pingsAnswered atomic.Int32
	// callsStarted counts tools/call requests that reached the handler.
	callsStarted atomic.Int32
	// callGate, when non-nil, blocks tools/call handling until released.
	gateMu   sync.Mutex
	callGate chan struct{}

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	writeMu sync.Mutex
	done    chan struct{}
	doneErr error
	once    sync.Once
}

// SetHealthy controls whether the server answers pings.
func (s *Server) SetHealthy(healthy bool) { s.dropPings.Store(!healthy) }

// DropNextPings leaves the next n pings unanswered, then health resumes.
func (s *Server) DropNextPings(n int) { s.pingDrops.Store(int32(n)) }

// PingsDropped reports how many pings have been deliberately left unanswered.
func (s *Server) PingsDropped() int { return int(s.pingsDropped.Load()) }

// PingsAnswered reports how many pings have been answered.
func (s *Server) PingsAnswered() int { return int(s.pingsAnswered.Load()) }

// BlockCalls makes subsequent tools/call handling block until ReleaseCalls.
func (s *Server) BlockCalls() {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	if s.callGate == nil {
		s.callGate = make(chan struct{})
	}
}

// ReleaseCalls unblocks calls held by BlockCalls.
func (s *Server) ReleaseCalls() {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	if s.callGate != nil {
		close(s.callGate)
		s.callGate = nil
	}
}

// CallsStarted reports how many tools/call requests reached the handler.
func (s *Server) CallsStarted() int { return int(s.callsStarted.Load()) }

// Exit simulates a crash: both pipes close and the handle reports done.
func (s *Server) Exit() {
	s.once.Do(func() {
		_ = s.stdoutW.Close()
		_ = s.stdinR.Close()
		close(s.done)
	})
}

func (s *Server) run() {
	dec := json.NewDecoder(s.stdinR)
	for {
		var req jsonrpc.Request
		if err := dec.Decode(&req); err != nil {
			s.Exit()
			return
		}
		s.handle(&req)
	}
}

func (s *Server) handle(req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		if s.RefuseHandshake {
			s.respondError(req.ID, jsonrpc.ErrorCodeInternalError, "handshake refused")
			return
		}
		s.respond(req.ID, mcp.InitializeResult{
			ProtocolVersion: mcp.LatestProtocolVersion,
			ServerInfo:      mcp.ImplementationInfo{Name: "pooltest", Version: "0.0.0"},
		})
	case mcp.InitializedNotificationMethod:
		// Notification; nothing to send.
	case mcp.PingMethod:
		if s.dropPings.Load() {
			s.pingsDropped.Add(1)
			return
		}
		if s.pingDrops.Load() > 0 {
			s.pingDrops.Add(-1)
			s.pingsDropped.Add(1)
			return
		}
		s.pingsAnswered.Add(1)
		s.respond(req.ID, struct{}{})
	case mcp.ToolsListMethod:
		s.respond(req.ID, mcp.ListToolsResult{Tools: s.Tools})
	case mcp.ResourcesListMethod:
		s.respond(req.ID, mcp.ListResourcesResult{Resources: s.Resources})
	case mcp.PromptsListMethod:
		s.respond(req.ID, mcp.ListPromptsResult{Prompts: s.Prompts})
	case mcp.ToolsCallMethod:
		s.callsStarted.Add(1)
		s.gateMu.Lock()
		gate := s.callGate
		s.gateMu.Unlock()
		if gate != nil {
			select {
			case <-gate:
			case <-s.done:
				return
			}
		}

		var callReq mcp.CallToolRequest
		_ = json.Unmarshal(req.Params, &callReq)
		if s.OnCallTool != nil {
			res, rpcErr := s.OnCallTool(callReq)
			if rpcErr != nil {
				s.respondError(req.ID, rpcErr.Code, rpcErr.Message)
				return
			}
			s.respond(req.ID, res)
			return
		}
		s.respond(req.ID, mcp.CallToolResult{Content: []mcp.ContentBlock{{
			Type: "text",
			Text: "echo:" + callReq.Name + ":" + string(callReq.Arguments),
		}}})
	default:
		if req.ID != nil {
			s.respondError(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method)
		}
	}
}

func (s *Server) respond(id *jsonrpc.RequestID, result any) {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		return
	}
	s.write(resp)
}

func (s *Server) respondError(id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string) {
	s.write(jsonrpc.NewErrorResponse(id, code, msg, nil))
}

func (s *Server) write(resp *jsonrpc.Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = s.stdoutW.Write(append(b, '\n'))
}

// Handle adapts a Server to the pool.Handle contract.
type Handle struct {
	srv *Server
}

func (h *Handle) Stdin() io.WriteCloser { return h.srv.stdinW }
func (h *Handle) Stdout() io.ReadCloser { return h.srv.stdoutR }
func (h *Handle) Done() <-chan struct{} { return h.srv.done }

func (h *Handle) Err() error {
	select {
	case <-h.srv.done:
		return h.srv.doneErr
	default:
		return nil
	}
}

func (h *Handle) Kill() { h.srv.Exit() }

// Launcher satisfies pool.Launcher with scripted servers keyed by server id.
// Every launch for an id invokes its factory, so restarts produce fresh
// server generations and the test can count them.
type Launcher struct {
	mu        sync.Mutex
	factories map[string]func() *Server
	launched  map[string][]*Server
}

func NewLauncher() *Launcher {
	return &Launcher{
		factories: make(map[string]func() *Server),
		launched:  make(map[string][]*Server),
	}
}

// Register installs the factory for a server id.
func (l *Launcher) Register(serverID string, factory func() *Server) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[serverID] = factory
}

// Launch implements pool.Launcher.
func (l *Launcher) Launch(ctx context.Context, d pool.Descriptor) (pool.Handle, error) {
	l.mu.Lock()
	factory, ok := l.factories[d.ID]
	l.mu.Unlock()
	if !ok {
		return nil, &UnknownServerError{ID: d.ID}
	}

	srv := factory()
	srv.stdinR, srv.stdinW = io.Pipe()
	srv.stdoutR, srv.stdoutW = io.Pipe()
	srv.done = make(chan struct{})
	go srv.run()

	l.mu.Lock()
	l.launched[d.ID] = append(l.launched[d.ID], srv)
	l.mu.Unlock()

	return &Handle{srv: srv}, nil
}

// Launches reports how many times the given server id has been spawned.
func (l *Launcher) Launches(serverID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched[serverID])
}

// Latest returns the most recently launched server for an id, or nil.
func (l *Launcher) Latest(serverID string) *Server {
	l.mu.Lock()
	defer l.mu.Unlock()
	ss := l.launched[serverID]
	if len(ss) == 0 {
		return nil
	}
	return ss[len(ss)-1]
}

// UnknownServerError indicates a launch for an unregistered server id.
type UnknownServerError struct{ ID string }

func (e *UnknownServerError) Error() string { return "pooltest: no factory for server " + e.ID }

// WaitFor polls until cond returns true or the timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}
