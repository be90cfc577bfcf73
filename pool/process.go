package pool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-bridge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-bridge-go/mcp"
)

// maxLineBytes bounds a single stdout line from a subprocess. Tool results
// can be large (embedded file contents) but a line beyond this is treated as
// a protocol violation.
const maxLineBytes = 16 * 1024 * 1024

// pendingCall is one outstanding request on a subprocess pipe. It resolves
// exactly once: with a response, or with an error (timeout, teardown,
// cancellation). done unblocks the drain loop's inflight accounting.
type pendingCall struct {
	once   sync.Once
	respCh chan *jsonrpc.Response
	errCh  chan error
	done   chan struct{}

	// id is assigned by the drain loop at send time, under the instance
	// lock. Empty until the call has actually been written to the pipe.
	id string
}

func newPendingCall() *pendingCall {
	return &pendingCall{
		respCh: make(chan *jsonrpc.Response, 1),
		errCh:  make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (pc *pendingCall) resolveResponse(resp *jsonrpc.Response) {
	pc.once.Do(func() {
		pc.respCh <- resp
		close(pc.done)
	})
}

func (pc *pendingCall) resolveError(err error) {
	pc.once.Do(func() {
		pc.errCh <- err
		close(pc.done)
	})
}

func (pc *pendingCall) resolved() bool {
	select {
	case <-pc.done:
		return true
	default:
		return false
	}
}

type queuedCall struct {
	method string
	params any
	pc     *pendingCall
}

// instance is one spawned generation of a managed server. A restart tears
// the instance down and builds a fresh one; correlation state never crosses
// generations.
type instance struct {
	desc   Descriptor
	log    *slog.Logger
	handle Handle

	// writeMu serializes all writes to the subprocess stdin. The queue drain
	// and the health prober share the writer but not the scheduling that
	// leads to it.
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingCall
	nextID  uint64

	queue    chan *queuedCall
	inflight chan struct{}

	// idPrefix namespaces internal ids per generation so a late response
	// from a killed predecessor can never correlate into this instance.
	idPrefix string

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	// tools advertised during the handshake, kept for re-registration after
	// an unhealthy episode resolves.
	tools []mcp.Tool
}

func newInstance(desc Descriptor, log *slog.Logger, handle Handle) *instance {
	return &instance{
		desc:     desc,
		log:      log,
		handle:   handle,
		pending:  make(map[string]*pendingCall),
		queue:    make(chan *queuedCall, desc.QueueSize),
		inflight: make(chan struct{}, desc.MaxInflight),
		idPrefix: strings.Split(uuid.NewString(), "-")[0],
		closed:   make(chan struct{}),
	}
}

// start begins the reader and drain loops. Must be called exactly once.
func (inst *instance) start() {
	go inst.readLoop()
	go inst.drainLoop()
	go func() {
		<-inst.handle.Done()
		inst.close(fmt.Errorf("%w: process exited: %v", ErrServerUnavailable, inst.handle.Err()))
	}()
}

// close tears the instance down: new and outstanding calls fail with err,
// the drain loop stops, and the subprocess pipes are no longer touched.
func (inst *instance) close(err error) {
	inst.closeOnce.Do(func() {
		inst.closeErr = err
		close(inst.closed)

		inst.mu.Lock()
		pending := inst.pending
		inst.pending = make(map[string]*pendingCall)
		inst.mu.Unlock()

		for _, pc := range pending {
			pc.resolveError(err)
		}
	})
}

func (inst *instance) closedErr() error {
	select {
	case <-inst.closed:
		if inst.closeErr != nil {
			return inst.closeErr
		}
		return ErrServerUnavailable
	default:
		return nil
	}
}

// enqueue submits a call to the bounded dispatch queue. A full queue rejects
// immediately; the caller surfaces ServerBusy rather than buffering without
// bound.
func (inst *instance) enqueue(qc *queuedCall) error {
	if err := inst.closedErr(); err != nil {
		return err
	}
	select {
	case inst.queue <- qc:
		return nil
	default:
		return ErrServerBusy
	}
}

// call dispatches a request through the queue and waits for its resolution
// or the per-call deadline. The deadline is independent of health checking:
// the underlying subprocess call is not assumed cancellable, and a response
// arriving after the deadline is discarded by the reader.
func (inst *instance) call(ctx context.Context, method mcp.Method, params any, timeout time.Duration) (*jsonrpc.Response, error) {
	pc := newPendingCall()
	if err := inst.enqueue(&queuedCall{method: string(method), params: params, pc: pc}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-pc.respCh:
		return resp, nil
	case err := <-pc.errCh:
		return nil, err
	case <-timer.C:
		inst.discard(pc)
		pc.resolveError(ErrCallTimeout)
		return nil, ErrCallTimeout
	case <-ctx.Done():
		inst.discard(pc)
		pc.resolveError(ctx.Err())
		return nil, ctx.Err()
	}
}

// probe sends a ping outside the dispatch queue so a slow or backed-up tool
// call cannot delay failure detection. The write itself still goes through
// the serialized writer.
func (inst *instance) probe(timeout time.Duration) error {
	if err := inst.closedErr(); err != nil {
		return err
	}
	pc := newPendingCall()
	id := inst.register(pc)
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), string(mcp.PingMethod), mcp.PingRequest{})
	if err != nil {
		inst.forget(id)
		return err
	}
	if err := inst.writeMessage(req); err != nil {
		inst.forget(id)
		return fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-pc.respCh:
		if resp.Error != nil {
			return fmt.Errorf("ping failed: %s", resp.Error.Message)
		}
		return nil
	case err := <-pc.errCh:
		return err
	case <-timer.C:
		inst.forget(id)
		pc.resolveError(ErrCallTimeout)
		return ErrCallTimeout
	}
}

// notify writes a notification (no id, no response expected).
func (inst *instance) notify(method mcp.Method, params any) error {
	req, err := jsonrpc.NewRequest(nil, string(method), params)
	if err != nil {
		return err
	}
	return inst.writeMessage(req)
}

// register allocates an internal id and installs the pending call.
func (inst *instance) register(pc *pendingCall) string {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.nextID++
	id := fmt.Sprintf("%s-%d", inst.idPrefix, inst.nextID)
	pc.id = id
	inst.pending[id] = pc
	return id
}

// take removes and returns the pending call for a response id, if any.
func (inst *instance) take(id string) *pendingCall {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	pc, ok := inst.pending[id]
	if !ok {
		return nil
	}
	delete(inst.pending, id)
	return pc
}

func (inst *instance) forget(id string) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	delete(inst.pending, id)
}

// discard removes a call's pending entry once it has been abandoned by its
// caller. If the call was never sent there is nothing to remove.
func (inst *instance) discard(pc *pendingCall) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if pc.id != "" {
		delete(inst.pending, pc.id)
	}
}

func (inst *instance) writeMessage(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	b = append(b, '\n')

	inst.writeMu.Lock()
	defer inst.writeMu.Unlock()
	if err := inst.closedErr(); err != nil {
		return err
	}
	if _, err := inst.handle.Stdin().Write(b); err != nil {
		return fmt.Errorf("stdin write: %w", err)
	}
	return nil
}

// drainLoop empties the dispatch queue strictly FIFO into the subprocess
// pipe. The inflight semaphore caps outstanding internal ids: with the
// default capacity of one the loop will not send the next call until the
// previous one has resolved.
func (inst *instance) drainLoop() {
	for {
		select {
		case <-inst.closed:
			inst.failQueued()
			return
		case qc := <-inst.queue:
			if qc.pc.resolved() {
				// Caller gave up while queued.
				continue
			}
			select {
			case inst.inflight <- struct{}{}:
			case <-qc.pc.done:
				continue
			case <-inst.closed:
				qc.pc.resolveError(inst.closedErr())
				inst.failQueued()
				return
			}

			id := inst.register(qc.pc)
			req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), qc.method, qc.params)
			if err != nil {
				inst.forget(id)
				qc.pc.resolveError(err)
				<-inst.inflight
				continue
			}
			if err := inst.writeMessage(req); err != nil {
				inst.forget(id)
				qc.pc.resolveError(fmt.Errorf("%w: %v", ErrServerUnavailable, err))
				<-inst.inflight
				continue
			}

			go func(pc *pendingCall) {
				<-pc.done
				<-inst.inflight
			}(qc.pc)
		}
	}
}

// failQueued rejects calls still sitting in the queue at teardown.
func (inst *instance) failQueued() {
	err := inst.closedErr()
	for {
		select {
		case qc := <-inst.queue:
			qc.pc.resolveError(err)
		default:
			return
		}
	}
}

// readLoop consumes newline-delimited JSON-RPC from the subprocess stdout.
// Non-JSON lines are tolerated as stray log output. Responses without a
// matching pending call are discarded: they are either late arrivals whose
// caller already timed out, or unsolicited.
func (inst *instance) readLoop() {
	sc := bufio.NewScanner(inst.handle.Stdout())
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			inst.log.Debug("non-JSON output from server", slog.String("server_id", inst.desc.ID))
			continue
		}

		if resp := msg.AsResponse(); resp != nil && !resp.ID.IsNil() {
			if pc := inst.take(resp.ID.String()); pc != nil {
				pc.resolveResponse(resp)
			} else {
				inst.log.Debug("discarding uncorrelated response",
					slog.String("server_id", inst.desc.ID),
					slog.String("id", resp.ID.String()),
				)
			}
			continue
		}

		// Server-initiated requests and notifications are not part of the
		// routed method set; log and move on.
		inst.log.Debug("ignoring server-initiated message",
			slog.String("server_id", inst.desc.ID),
			slog.String("method", msg.Method),
		)
	}

	inst.close(fmt.Errorf("%w: stdout closed", ErrServerUnavailable))
}

// handshake performs the MCP initialization exchange and discovers the
// server's tools. Called once per instance, bounded by StartupTimeout.
func (inst *instance) handshake(ctx context.Context, clientInfo mcp.ImplementationInfo) error {
	resp, err := inst.call(ctx, mcp.InitializeMethod, mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      clientInfo,
	}, inst.desc.StartupTimeout)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize rejected: %s", resp.Error.Message)
	}
	var initRes mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &initRes); err != nil {
		return fmt.Errorf("initialize result: %w", err)
	}

	if err := inst.notify(mcp.InitializedNotificationMethod, mcp.InitializedNotification{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	resp, err = inst.call(ctx, mcp.ToolsListMethod, nil, inst.desc.StartupTimeout)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("tools/list rejected: %s", resp.Error.Message)
	}
	var toolsRes mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &toolsRes); err != nil {
		return fmt.Errorf("tools/list result: %w", err)
	}
	inst.tools = toolsRes.Tools

	inst.log.Info("server handshake complete",
		slog.String("server_id", inst.desc.ID),
		slog.String("server_name", initRes.ServerInfo.Name),
		slog.Int("tools", len(inst.tools)),
	)
	return nil
}
