package scope

import (
	"testing"

	"github.com/tos-network/calla/diag"
	"github.com/tos-network/calla/types"
)

func seedNamespace() *Namespace {
	tc := types.NewContext()
	return New(map[string]*types.Definition{
		"uint256": {Prim: tc.Uint(256), Name: "uint256", Constant: true},
	})
}

func TestDefineAndLookup(t *testing.T) {
	ns := seedNamespace()
	release := ns.Enter()
	defer release()

	def := &types.Definition{Name: "total"}
	if derr := ns.Define("total", def, diag.Span{}); derr != nil {
		t.Fatalf("unexpected define error: %v", derr)
	}
	got, derr := ns.Lookup("total", diag.Span{})
	if derr != nil {
		t.Fatalf("unexpected lookup error: %v", derr)
	}
	if got != def {
		t.Fatalf("lookup returned a different definition")
	}
	// The builtin base is still visible through the chain.
	if _, derr := ns.Lookup("uint256", diag.Span{}); derr != nil {
		t.Fatalf("builtin lookup failed: %v", derr)
	}
}

func TestShadowingIsACollision(t *testing.T) {
	ns := seedNamespace()
	release := ns.Enter()
	defer release()
	if derr := ns.Define("x", &types.Definition{Name: "x"}, diag.Span{}); derr != nil {
		t.Fatalf("unexpected define error: %v", derr)
	}

	inner := ns.Enter()
	defer inner()
	derr := ns.Define("x", &types.Definition{Name: "x"}, diag.Span{})
	if derr == nil {
		t.Fatalf("expected a collision diagnostic")
	}
	if derr.Code != diag.CodeNameCollision {
		t.Fatalf("unexpected code: got=%s want=%s", derr.Code, diag.CodeNameCollision)
	}
	// Shadowing a builtin is equally rejected.
	if derr := ns.Define("uint256", &types.Definition{}, diag.Span{}); derr == nil {
		t.Fatalf("expected a builtin collision")
	}
}

func TestReleaseDropsBindings(t *testing.T) {
	ns := seedNamespace()
	release := ns.Enter()
	if derr := ns.Define("tmp", &types.Definition{Name: "tmp"}, diag.Span{}); derr != nil {
		t.Fatalf("unexpected define error: %v", derr)
	}
	release()
	if _, found := ns.Resolve("tmp"); found {
		t.Fatalf("binding survived its scope")
	}
	if _, derr := ns.Lookup("tmp", diag.Span{}); derr == nil {
		t.Fatalf("expected an undeclared-name diagnostic")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	ns := seedNamespace()
	release := ns.Enter()
	release()
	release() // second call must be a no-op, not a panic
	if got := ns.Depth(); got != 1 {
		t.Fatalf("depth after release: got=%d want=1", got)
	}
}

func TestOutOfOrderReleasePanics(t *testing.T) {
	ns := seedNamespace()
	outer := ns.Enter()
	ns.Enter() // inner, deliberately not released first
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic on out-of-order release")
		}
	}()
	outer()
}

func TestFrozenBuiltinScopeRejectsDefine(t *testing.T) {
	ns := seedNamespace()
	derr := ns.Define("rogue", &types.Definition{}, diag.Span{})
	if derr == nil || derr.Code != diag.CodeInternal {
		t.Fatalf("expected an internal diagnostic, got %v", derr)
	}
}

func TestModuleNamesOrder(t *testing.T) {
	ns := seedNamespace()
	release := ns.Enter()
	defer release()
	for _, name := range []string{"c", "a", "b"} {
		if derr := ns.Define(name, &types.Definition{Name: name}, diag.Span{}); derr != nil {
			t.Fatalf("unexpected define error: %v", derr)
		}
	}
	got := ns.ModuleNames()
	want := []string{"c", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("module names: got=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("module names: got=%v want=%v", got, want)
		}
	}
}
