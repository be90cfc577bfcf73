package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/internal/logctx"
	"github.com/ggoodman/mcp-bridge-go/mcp"
	"github.com/ggoodman/mcp-bridge-go/registry"
)

// ServerError carries a JSON-RPC error returned by a managed server so
// transports can relay code and message to the original caller.
type ServerError struct {
	Code    jsonrpc.ErrorCode
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithLauncher substitutes the subprocess launcher. Defaults to ExecLauncher.
func WithLauncher(l Launcher) Option {
	return func(m *Manager) { m.launcher = l }
}

// WithClientInfo sets the client identity presented to managed servers
// during the handshake.
func WithClientInfo(info mcp.ImplementationInfo) Option {
	return func(m *Manager) { m.clientInfo = info }
}

type managedServer struct {
	desc Descriptor

	mu       sync.Mutex
	state    State
	inst     *instance
	restarts int

	// resetCh wakes the run loop out of the fatal state.
	resetCh chan struct{}
}

func (s *managedServer) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// readyInstance returns the live instance only while the server is ready.
func (s *managedServer) readyInstance() (*instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.inst == nil {
		return nil, false
	}
	return s.inst, true
}

// Manager owns the pool of managed tool servers and routes calls to them.
type Manager struct {
	log        *slog.Logger
	reg        *registry.Registry
	launcher   Launcher
	clientInfo mcp.ImplementationInfo

	mu      sync.Mutex
	servers map[string]*managedServer
	started bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager constructs a manager bound to the given tool registry.
func NewManager(reg *registry.Registry, opts ...Option) *Manager {
	m := &Manager{
		log:        slog.New(slog.DiscardHandler),
		reg:        reg,
		clientInfo: mcp.ImplementationInfo{Name: "mcp-control-plane", Version: "1.0.0"},
		servers:    make(map[string]*managedServer),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.launcher == nil {
		m.launcher = &ExecLauncher{Log: m.log}
	}
	return m
}

// Start spawns one lifecycle loop per enabled descriptor. Descriptor ids
// must be unique. Start returns once the loops are launched; readiness is
// observable through States or WaitReady.
func (m *Manager) Start(ctx context.Context, descriptors []Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("manager already started")
	}
	m.started = true
	m.runCtx, m.runCancel = context.WithCancel(context.Background())

	for _, d := range descriptors {
		if _, dup := m.servers[d.ID]; dup {
			return fmt.Errorf("duplicate server id %q", d.ID)
		}
		if !d.Enabled {
			m.log.Info("server disabled, skipping", slog.String("server_id", d.ID))
			continue
		}
		s := &managedServer{
			desc:    d.withDefaults(),
			state:   StateStopped,
			resetCh: make(chan struct{}, 1),
		}
		m.servers[d.ID] = s
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.run(m.runCtx, s)
		}()
	}
	return nil
}

// Stop tears down every managed process and waits for loops to exit, bounded
// by ctx.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.runCancel
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drives the lifecycle state machine for one descriptor until the pool
// shuts down.
func (m *Manager) run(ctx context.Context, s *managedServer) {
	log := m.log
	for {
		if ctx.Err() != nil {
			m.transition(s, StateStopped)
			return
		}

		m.transition(s, StateStarting)
		inst, err := m.startInstance(ctx, s)
		if err == nil {
			m.becomeReady(s, inst)
			reason := m.monitor(ctx, s, inst)
			m.reg.RemoveServer(s.desc.ID)
			if reason == monitorShutdown {
				inst.close(ErrPoolClosed)
				inst.handle.Kill()
				m.transition(s, StateStopped)
				return
			}
		} else {
			log.Warn("server failed to start",
				slog.String("server_id", s.desc.ID),
				slog.String("err", err.Error()),
			)
		}

		m.transition(s, StateRestarting)
		if inst != nil {
			inst.close(ErrServerUnavailable)
			inst.handle.Kill()
		}

		s.mu.Lock()
		s.restarts++
		restarts := s.restarts
		s.mu.Unlock()

		if restarts > s.desc.MaxRestarts {
			m.transition(s, StateFatal)
			log.Error("server exceeded restart budget",
				slog.String("server_id", s.desc.ID),
				slog.Int("restarts", restarts-1),
			)
			select {
			case <-ctx.Done():
				m.transition(s, StateStopped)
				return
			case <-s.resetCh:
				s.mu.Lock()
				s.restarts = 0
				s.mu.Unlock()
				log.Info("server reset by operator", slog.String("server_id", s.desc.ID))
				continue
			}
		}

		delay := s.desc.backoffDelay(restarts - 1)
		log.Info("restarting server",
			slog.String("server_id", s.desc.ID),
			slog.Int("attempt", restarts),
			slog.Duration("backoff", delay),
		)
		select {
		case <-ctx.Done():
			m.transition(s, StateStopped)
			return
		case <-time.After(delay):
		}
	}
}

// startInstance launches the subprocess and completes the handshake within
// the startup timeout.
func (m *Manager) startInstance(ctx context.Context, s *managedServer) (*instance, error) {
	handle, err := m.launcher.Launch(ctx, s.desc)
	if err != nil {
		return nil, fmt.Errorf("launch: %w", err)
	}
	inst := newInstance(s.desc, m.log, handle)
	inst.start()

	if err := inst.handshake(ctx, m.clientInfo); err != nil {
		inst.close(ErrServerUnavailable)
		handle.Kill()
		return nil, err
	}
	return inst, nil
}

// becomeReady publishes the instance, then registers its tools. The server is
// already ready when its tools become visible, so a registry lookup that
// resolves this server always finds a live instance.
func (m *Manager) becomeReady(s *managedServer, inst *instance) {
	s.mu.Lock()
	s.inst = inst
	s.state = StateReady
	s.mu.Unlock()
	m.reg.RegisterServer(s.desc.ID, inst.tools)
	m.log.Info("server ready", slog.String("server_id", s.desc.ID), slog.String("state", StateReady.String()))
}

type monitorReason int

const (
	monitorCrash monitorReason = iota
	monitorUnhealthy
	monitorShutdown
)

// monitor watches a ready instance: process exit, pipe closure, and periodic
// health probes on the descriptor's own timer. Probes never pass through the
// dispatch queue, so a slow tool call cannot delay failure detection.
func (m *Manager) monitor(ctx context.Context, s *managedServer, inst *instance) monitorReason {
	ticker := time.NewTicker(s.desc.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return monitorShutdown
		case <-inst.closed:
			m.log.Warn("server process lost", slog.String("server_id", s.desc.ID))
			return monitorCrash
		case <-ticker.C:
			if err := inst.probe(s.desc.HealthCheckInterval); err == nil {
				continue
			}

			// Probe failed: the server is unhealthy. Its tools come out of
			// the registry immediately; one grace probe decides whether it
			// recovers or restarts.
			m.transition(s, StateUnhealthy)
			m.reg.RemoveServer(s.desc.ID)

			if err := inst.probe(s.desc.HealthCheckInterval); err != nil {
				m.log.Warn("grace probe failed",
					slog.String("server_id", s.desc.ID),
					slog.String("err", err.Error()),
				)
				return monitorUnhealthy
			}

			s.mu.Lock()
			s.inst = inst
			s.state = StateReady
			s.mu.Unlock()
			m.reg.RegisterServer(s.desc.ID, inst.tools)
			m.log.Info("server recovered", slog.String("server_id", s.desc.ID))
		}
	}
}

func (m *Manager) transition(s *managedServer, to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	if to != StateReady {
		s.inst = nil
	}
	s.mu.Unlock()
	if from != to {
		m.log.Debug("server state transition",
			slog.String("server_id", s.desc.ID),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	}
}

// Reset clears a fatal server's restart budget and schedules a fresh start.
// It is the operator escape hatch; resetting a non-fatal server is an error.
func (m *Manager) Reset(serverID string) error {
	m.mu.Lock()
	s, ok := m.servers[serverID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	if s.currentState() != StateFatal {
		return fmt.Errorf("server %s is not fatal", serverID)
	}
	select {
	case s.resetCh <- struct{}{}:
	default:
	}
	return nil
}

// States reports the current lifecycle state of every managed server.
func (m *Manager) States() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.servers))
	for id, s := range m.servers {
		out[id] = s.currentState().String()
	}
	return out
}

// ListTools returns the registered tool descriptors in stable order.
func (m *Manager) ListTools() []mcp.Tool {
	return m.reg.Snapshot()
}

// CallTool resolves the owning server for the named tool and dispatches the
// call through its bounded queue. There is no waiting for an owner to
// appear: an unowned tool fails immediately with ErrNoOwner.
func (m *Manager) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: name})

	serverID, ok := m.reg.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoOwner, name)
	}

	m.mu.Lock()
	s, ok := m.servers[serverID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoOwner, name)
	}

	inst, ok := s.readyInstance()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerUnavailable, serverID)
	}

	m.log.InfoContext(ctx, "dispatching tool call",
		slog.String("tool", name),
		slog.String("server_id", serverID),
	)

	resp, err := inst.call(ctx, mcp.ToolsCallMethod, mcp.CallToolRequest{Name: name, Arguments: args}, s.desc.CallTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &ServerError{Code: resp.Error.Code, Message: resp.Error.Message}
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("invalid tool result from %s: %w", serverID, err)
	}
	return &result, nil
}

// ListResources aggregates resources/list across every ready server. A
// failure on one server is logged and skipped so a single bad server cannot
// hide the others' resources.
func (m *Manager) ListResources(ctx context.Context) []mcp.Resource {
	var all []mcp.Resource
	for _, s := range m.readyServers() {
		inst, ok := s.readyInstance()
		if !ok {
			continue
		}
		resp, err := inst.call(ctx, mcp.ResourcesListMethod, nil, s.desc.CallTimeout)
		if err != nil || resp.Error != nil {
			m.log.Warn("resources/list failed", slog.String("server_id", s.desc.ID))
			continue
		}
		var res mcp.ListResourcesResult
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			m.log.Warn("invalid resources/list result", slog.String("server_id", s.desc.ID))
			continue
		}
		all = append(all, res.Resources...)
	}
	return all
}

// ListPrompts aggregates prompts/list across every ready server.
func (m *Manager) ListPrompts(ctx context.Context) []mcp.Prompt {
	var all []mcp.Prompt
	for _, s := range m.readyServers() {
		inst, ok := s.readyInstance()
		if !ok {
			continue
		}
		resp, err := inst.call(ctx, mcp.PromptsListMethod, nil, s.desc.CallTimeout)
		if err != nil || resp.Error != nil {
			m.log.Warn("prompts/list failed", slog.String("server_id", s.desc.ID))
			continue
		}
		var res mcp.ListPromptsResult
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			m.log.Warn("invalid prompts/list result", slog.String("server_id", s.desc.ID))
			continue
		}
		all = append(all, res.Prompts...)
	}
	return all
}

// readyServers returns managed servers in stable id order.
func (m *Manager) readyServers() []*managedServer {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	// Stable iteration keeps aggregate listings deterministic between
	// process-state changes.
	sort.Strings(ids)
	out := make([]*managedServer, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.servers[id])
	}
	return out
}

// WaitReady blocks until every enabled server has left the starting state at
// least once, or ctx expires. Intended for startup sequencing and tests.
func (m *Manager) WaitReady(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		settled := true
		for _, st := range m.States() {
			if st == StateStarting.String() || st == StateStopped.String() {
				settled = false
				break
			}
		}
		if settled {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}
