package handler_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/modelctx/mcp2"
	"github.com/modelctx/mcp2/handler"
	"github.com/modelctx/mcp2/internal/testutil"
)

func add(_ context.Context, args struct{ X, Y int }) (int, error) {
	return args.X + args.Y, nil
}

func noArgs(_ context.Context) (string, error) { return "ok", nil }

func noResult(_ context.Context, args struct{ N int }) error {
	if args.N < 0 {
		return errors.New("negative")
	}
	return nil
}

func rawRequest(_ context.Context, req *mcp2.Request) (any, error) {
	return map[string]any{"method": req.Method()}, nil
}

func TestNewAdaptsFunctions(t *testing.T) {
	h := handler.New(add)
	rsp, err := h(context.Background(), mustRequest(t, "add", `{"X":2,"Y":3}`))
	if err != nil {
		t.Fatalf("add handler: unexpected error: %v", err)
	}
	if rsp.(int) != 5 {
		t.Errorf("add result = %v, want 5", rsp)
	}
}

func TestNewNoArguments(t *testing.T) {
	h := handler.New(noArgs)
	rsp, err := h(context.Background(), mustRequest(t, "noArgs", ``))
	if err != nil {
		t.Fatalf("noArgs handler: unexpected error: %v", err)
	}
	if rsp.(string) != "ok" {
		t.Errorf("noArgs result = %v, want %q", rsp, "ok")
	}

	_, err = h(context.Background(), mustRequest(t, "noArgs", `{"unexpected":1}`))
	merr, ok := mcp2.AsError(err)
	if !ok || merr.Code != mcp2.InvalidParams {
		t.Errorf("noArgs with params: got %v, want InvalidParams", err)
	}
}

func TestNewNoResult(t *testing.T) {
	h := handler.New(noResult)
	if _, err := h(context.Background(), mustRequest(t, "noResult", `{"N":1}`)); err != nil {
		t.Fatalf("noResult handler: unexpected error: %v", err)
	}
	_, err := h(context.Background(), mustRequest(t, "noResult", `{"N":-1}`))
	if err == nil {
		t.Fatal("noResult handler: expected an error for N < 0")
	}
}

func TestNewRawRequest(t *testing.T) {
	h := handler.New(rawRequest)
	rsp, err := h(context.Background(), mustRequest(t, "Diag.Info", `{}`))
	if err != nil {
		t.Fatalf("rawRequest handler: unexpected error: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"method": "Diag.Info"}, rsp); diff != "" {
		t.Errorf("rawRequest result mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckRejectsInvalidSignatures(t *testing.T) {
	tests := []any{
		nil,
		42,
		func() {},
		func(x int) {},
		func(ctx context.Context, a, b, c int) {},
		func(ctx context.Context, x int, y int) {},
		func(ctx context.Context, args ...int) {},
	}
	for _, fn := range tests {
		if _, err := handler.Check(fn); err == nil {
			t.Errorf("Check(%T): expected an error, got nil", fn)
		}
	}
}

func TestMapAssignAndNames(t *testing.T) {
	m := handler.Map{
		"b": handler.New(noArgs),
		"a": handler.New(noArgs),
	}
	if m.Assign(context.Background(), "nope") != nil {
		t.Error("Assign(nope): expected nil handler")
	}
	if m.Assign(context.Background(), "a") == nil {
		t.Error("Assign(a): expected a handler")
	}
	want := []string{"a", "b"}
	if diff := cmp.Diff(want, m.Names()); diff != "" {
		t.Errorf("Names mismatch (-want +got):\n%s", diff)
	}
}

func TestServiceMapAssign(t *testing.T) {
	sm := handler.ServiceMap{
		"Math": handler.Map{"Add": handler.New(add)},
	}
	h := sm.Assign(context.Background(), "Math.Add")
	if h == nil {
		t.Fatal("ServiceMap.Assign(Math.Add): expected a handler")
	}
	rsp, err := h(context.Background(), mustRequest(t, "Math.Add", `{"X":4,"Y":5}`))
	if err != nil {
		t.Fatalf("Math.Add: unexpected error: %v", err)
	}
	if rsp.(int) != 9 {
		t.Errorf("Math.Add result = %v, want 9", rsp)
	}
	if sm.Assign(context.Background(), "NoDot") != nil {
		t.Error("Assign(NoDot): expected nil for a method without a dot")
	}
}

// mustRequest builds an *mcp2.Request for method with the given raw JSON
// params, for use as handler input in tests that never see the wire.
func mustRequest(t *testing.T, method, rawParams string) *mcp2.Request {
	t.Helper()
	return testutil.MustParseRequest(t, method, rawParams)
}
