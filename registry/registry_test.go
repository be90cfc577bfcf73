package registry

import (
	"testing"

	"github.com/ggoodman/mcp-bridge-go/mcp"
)

func tool(name string) mcp.Tool {
	return mcp.Tool{Name: name, InputSchema: mcp.ToolInputSchema{Type: "object"}}
}

func TestRegisterServer_FirstOwnerWins(t *testing.T) {
	t.Parallel()

	r := New(nil)
	accepted, conflicts := r.RegisterServer("alpha", []mcp.Tool{tool("echo"), tool("sum")})
	if len(accepted) != 2 || len(conflicts) != 0 {
		t.Fatalf("expected 2 accepted, 0 conflicts, got %v / %v", accepted, conflicts)
	}

	accepted, conflicts = r.RegisterServer("beta", []mcp.Tool{tool("echo"), tool("diff")})
	if len(accepted) != 1 || accepted[0] != "diff" {
		t.Fatalf("expected only diff accepted, got %v", accepted)
	}
	if len(conflicts) != 1 || conflicts[0] != "echo" {
		t.Fatalf("expected echo rejected, got %v", conflicts)
	}

	owner, ok := r.Lookup("echo")
	if !ok || owner != "alpha" {
		t.Fatalf("expected alpha to keep echo, got %q ok=%v", owner, ok)
	}
}

func TestRegisterServer_ReRegisterSameOwner(t *testing.T) {
	t.Parallel()

	r := New(nil)
	r.RegisterServer("alpha", []mcp.Tool{tool("echo")})
	accepted, conflicts := r.RegisterServer("alpha", []mcp.Tool{tool("echo")})
	if len(accepted) != 1 || len(conflicts) != 0 {
		t.Fatalf("re-registration by the same owner must succeed, got %v / %v", accepted, conflicts)
	}
}

func TestRemoveServer_Atomic(t *testing.T) {
	t.Parallel()

	r := New(nil)
	r.RegisterServer("alpha", []mcp.Tool{tool("echo"), tool("sum")})
	r.RegisterServer("beta", []mcp.Tool{tool("diff")})

	removed := r.RemoveServer("alpha")
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %v", removed)
	}
	if _, ok := r.Lookup("echo"); ok {
		t.Fatal("echo should be gone after owner removal")
	}
	if owner, ok := r.Lookup("diff"); !ok || owner != "beta" {
		t.Fatalf("beta's tool must survive, got %q ok=%v", owner, ok)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 tool left, got %d", r.Len())
	}
}

func TestSnapshot_SortedAndStable(t *testing.T) {
	t.Parallel()

	r := New(nil)
	r.RegisterServer("alpha", []mcp.Tool{tool("zeta"), tool("alpha"), tool("mid")})

	first := r.Snapshot()
	second := r.Snapshot()
	want := []string{"alpha", "mid", "zeta"}
	for i, name := range want {
		if first[i].Name != name {
			t.Fatalf("snapshot not sorted: got %q at %d, want %q", first[i].Name, i, name)
		}
		if second[i].Name != first[i].Name {
			t.Fatalf("repeated snapshot differs at %d", i)
		}
	}
}

func TestRemoveServer_FreesNameForNewOwner(t *testing.T) {
	t.Parallel()

	r := New(nil)
	r.RegisterServer("alpha", []mcp.Tool{tool("echo")})
	r.RemoveServer("alpha")

	accepted, conflicts := r.RegisterServer("beta", []mcp.Tool{tool("echo")})
	if len(accepted) != 1 || len(conflicts) != 0 {
		t.Fatalf("freed name must be claimable, got %v / %v", accepted, conflicts)
	}
	if owner, _ := r.Lookup("echo"); owner != "beta" {
		t.Fatalf("expected beta to own echo, got %q", owner)
	}
}
