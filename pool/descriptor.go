package pool

import "time"

// Default descriptor settings applied by withDefaults.
const (
	DefaultHealthCheckInterval = 10 * time.Second
	DefaultStartupTimeout      = 30 * time.Second
	DefaultCallTimeout         = 30 * time.Second
	DefaultQueueSize           = 16
	DefaultMaxRestarts         = 5
	DefaultBackoffBase         = 1 * time.Second
	DefaultBackoffCap          = 30 * time.Second
)

// Descriptor is the static configuration for one managed tool server. It is
// immutable after being handed to the manager; the external configuration
// loader owns producing it.
type Descriptor struct {
	// ID uniquely identifies the server within the pool.
	ID string
	// Type is a free-form label for the launch mechanism (python, npx, uv, ...).
	Type string
	// Command and Args form the subprocess invocation.
	Command string
	Args    []string
	// Env is merged over the parent environment.
	Env map[string]string
	// WorkingDir is the subprocess working directory ("" = inherit).
	WorkingDir string
	// Enabled gates whether the manager spawns the server at all.
	Enabled bool

	// HealthCheckInterval is the period between health probes while ready.
	HealthCheckInterval time.Duration
	// StartupTimeout bounds spawn plus handshake.
	StartupTimeout time.Duration
	// CallTimeout is the per-call deadline for dispatched requests.
	CallTimeout time.Duration
	// QueueSize bounds the dispatch queue; a full queue rejects immediately.
	QueueSize int
	// MaxRestarts is the restart budget before the fatal state.
	MaxRestarts int
	// BackoffBase and BackoffCap shape the restart delay
	// min(base << restarts, cap).
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MaxInflight is the number of internal request ids that may be
	// outstanding on the subprocess pipe at once. The default of 1 assumes a
	// single-threaded server; set higher only for servers known to pipeline.
	MaxInflight int
}

func (d Descriptor) withDefaults() Descriptor {
	if d.HealthCheckInterval <= 0 {
		d.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if d.StartupTimeout <= 0 {
		d.StartupTimeout = DefaultStartupTimeout
	}
	if d.CallTimeout <= 0 {
		d.CallTimeout = DefaultCallTimeout
	}
	if d.QueueSize <= 0 {
		d.QueueSize = DefaultQueueSize
	}
	if d.MaxRestarts <= 0 {
		d.MaxRestarts = DefaultMaxRestarts
	}
	if d.BackoffBase <= 0 {
		d.BackoffBase = DefaultBackoffBase
	}
	if d.BackoffCap <= 0 {
		d.BackoffCap = DefaultBackoffCap
	}
	if d.MaxInflight <= 0 {
		d.MaxInflight = 1
	}
	return d
}

// backoffDelay computes the restart delay for the given restart ordinal.
func (d Descriptor) backoffDelay(restarts int) time.Duration {
	delay := d.BackoffBase
	for i := 0; i < restarts; i++ {
		delay *= 2
		if delay >= d.BackoffCap {
			return d.BackoffCap
		}
	}
	if delay > d.BackoffCap {
		return d.BackoffCap
	}
	return delay
}
