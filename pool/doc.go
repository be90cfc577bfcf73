// Package pool owns the managed tool-server subprocesses: it spawns them,
// negotiates the MCP handshake, probes their health, restarts them with
// exponential backoff, and routes tool calls to the owning process through a
// bounded per-process dispatch queue.
//
// Each enabled Descriptor has at most one live process at a time. The process
// walks a fixed state machine (stopped, starting, ready, unhealthy,
// restarting, fatal); only a ready process is registered in the tool registry
// and eligible for dispatch. All access to a subprocess pipe goes through
// that process's queue drain and its serialized writer; callers never touch
// pipes directly.
package pool
