// Package registry maintains the live mapping from tool name to the server
// that currently owns it. Ownership tracks server health: tools are
// registered when their server becomes ready and removed atomically when it
// stops being ready, so a lookup never yields a server that cannot take the
// call.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/mcp-bridge-go/mcp"
)

// Entry records one registered tool and its owner.
type Entry struct {
	Tool         mcp.Tool
	ServerID     string
	Version      uint64
	RegisteredAt time.Time
}

// Registry is safe for concurrent use. All mutations take the write lock, so
// readers observe each register/remove as a single transition.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	byName  map[string]Entry
	version uint64

	now func() time.Time
}

// New constructs an empty registry. A nil logger discards log output.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		log:    log,
		byName: make(map[string]Entry),
		now:    time.Now,
	}
}

// RegisterServer registers the advertised tools of a server that just became
// ready. A tool name already owned by a different server is rejected: the
// first successfully registered owner wins and the conflict is logged, never
// silently overwritten. Returns the accepted and rejected tool names.
func (r *Registry) RegisterServer(serverID string, tools []mcp.Tool) (accepted, conflicts []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range tools {
		if existing, ok := r.byName[t.Name]; ok && existing.ServerID != serverID {
			r.log.Warn("tool registration conflict",
				slog.String("tool", t.Name),
				slog.String("owner", existing.ServerID),
				slog.String("rejected", serverID),
			)
			conflicts = append(conflicts, t.Name)
			continue
		}
		r.version++
		r.byName[t.Name] = Entry{
			Tool:         t,
			ServerID:     serverID,
			Version:      r.version,
			RegisteredAt: r.now(),
		}
		accepted = append(accepted, t.Name)
	}

	r.log.Info("tools registered",
		slog.String("server_id", serverID),
		slog.Int("accepted", len(accepted)),
		slog.Int("conflicts", len(conflicts)),
	)
	return accepted, conflicts
}

// RemoveServer removes every tool owned by the given server in one atomic
// step. Called when the owner leaves the ready state.
func (r *Registry) RemoveServer(serverID string) (removed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, e := range r.byName {
		if e.ServerID == serverID {
			delete(r.byName, name)
			removed = append(removed, name)
		}
	}
	if len(removed) > 0 {
		r.log.Info("tools removed", slog.String("server_id", serverID), slog.Int("count", len(removed)))
	}
	return removed
}

// Lookup resolves the owning server for a tool name.
func (r *Registry) Lookup(tool string) (serverID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[tool]
	if !ok {
		return "", false
	}
	return e.ServerID, true
}

// Snapshot returns the registered tool descriptors sorted by name. Repeated
// calls with no intervening ownership change return the same tools in the
// same order.
func (r *Registry) Snapshot() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]mcp.Tool, 0, len(r.byName))
	for _, e := range r.byName {
		tools = append(tools, e.Tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
