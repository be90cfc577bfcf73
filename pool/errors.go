package pool

import "errors"

var (
	// ErrNoOwner indicates no healthy server currently owns the requested tool.
	ErrNoOwner = errors.New("no healthy server owns tool")
	// ErrServerBusy indicates the owner's dispatch queue is full.
	ErrServerBusy = errors.New("server dispatch queue full")
	// ErrCallTimeout indicates the per-call deadline elapsed without a response.
	ErrCallTimeout = errors.New("call deadline exceeded")
	// ErrServerUnavailable indicates the owning server left the ready state
	// before responding.
	ErrServerUnavailable = errors.New("server unavailable")
	// ErrServerFatal indicates the descriptor exhausted its restart budget.
	ErrServerFatal = errors.New("server is fatal")
	// ErrUnknownServer indicates the server id is not managed by this pool.
	ErrUnknownServer = errors.New("unknown server")
	// ErrPoolClosed indicates the manager has been stopped.
	ErrPoolClosed = errors.New("pool closed")
)
