package sandbox

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/jkaninda/ngome/internal/codec"
)

func TestFuncRegistry(t *testing.T) {
	r := NewFuncRegistry()
	noop := func(context.Context, Arguments) (any, error) { return nil, nil }

	if err := r.Register("b", noop); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("a", noop); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("a", noop); err == nil {
		t.Error("duplicate registration should fail")
	}
	if err := r.Register("", noop); err == nil {
		t.Error("empty name should fail")
	}
	if err := r.Register("nil", nil); err == nil {
		t.Error("nil function should fail")
	}
	if got := r.Names(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("Names = %v", got)
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Error("Lookup found a missing function")
	}

	var nilRegistry *FuncRegistry
	if _, ok := nilRegistry.Lookup("a"); ok {
		t.Error("nil registry should find nothing")
	}
}

func TestCallFrameRoundTrip(t *testing.T) {
	data, err := encodeCall(FunctionCall{
		Name:   "sum",
		Args:   []any{1, 2.5, "three"},
		Kwargs: map[string]any{"scale": 10, "tags": []string{"x", "y"}},
	})
	if err != nil {
		t.Fatalf("encodeCall: %v", err)
	}

	var frame callFrame
	if err := codec.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decoding frame: %v", err)
	}
	args := Arguments{Positional: frame.Args, Keyword: frame.Kwargs}
	if frame.Name != "sum" || args.Len() != 3 {
		t.Fatalf("frame = %+v", frame)
	}

	var i int
	var f float64
	var s string
	if err := args.Arg(0, &i); err != nil || i != 1 {
		t.Errorf("Arg(0) = %d, %v", i, err)
	}
	if err := args.Arg(1, &f); err != nil || f != 2.5 {
		t.Errorf("Arg(1) = %v, %v", f, err)
	}
	if err := args.Arg(2, &s); err != nil || s != "three" {
		t.Errorf("Arg(2) = %q, %v", s, err)
	}
	if err := args.Arg(3, &s); !errors.Is(err, ErrMissingArgument) {
		t.Errorf("Arg(3) err = %v, want ErrMissingArgument", err)
	}

	var tags []string
	if err := args.Kwarg("tags", &tags); err != nil || !slices.Equal(tags, []string{"x", "y"}) {
		t.Errorf("Kwarg(tags) = %v, %v", tags, err)
	}
	if err := args.Kwarg("nope", &tags); !errors.Is(err, ErrMissingArgument) {
		t.Errorf("Kwarg(nope) err = %v, want ErrMissingArgument", err)
	}
	if err := args.Arg(2, &i); err == nil {
		t.Error("decoding a string into an int should fail")
	}
}

func TestEncodeCall_Unserializable(t *testing.T) {
	_, err := encodeCall(FunctionCall{Name: "f", Args: []any{make(chan int)}})
	if err == nil {
		t.Fatal("expected error for a channel argument")
	}
}

func TestInvoke(t *testing.T) {
	ctx := context.Background()

	ok := invoke(ctx, func(context.Context, Arguments) (any, error) {
		return map[string]int{"answer": 42}, nil
	}, callFrame{Name: "ok"})
	if ok.Status != statusSuccess {
		t.Fatalf("status = %s", ok.Status)
	}
	res := &ExecutionResult{ReturnValue: ok.Payload}
	var out map[string]int
	if err := res.Decode(&out); err != nil || out["answer"] != 42 {
		t.Errorf("Decode = %v, %v", out, err)
	}

	failed := invoke(ctx, func(context.Context, Arguments) (any, error) {
		return nil, errors.New("boom")
	}, callFrame{Name: "fail"})
	if failed.Status != statusError || string(failed.Payload) != "boom" {
		t.Errorf("error frame = %+v", failed)
	}

	panicked := invoke(ctx, func(context.Context, Arguments) (any, error) {
		panic("oops")
	}, callFrame{Name: "panic"})
	if panicked.Status != statusError || !strings.Contains(string(panicked.Payload), "oops") {
		t.Errorf("panic frame = %+v", panicked)
	}
}

func TestExecutionResultDecode_NoValue(t *testing.T) {
	var v any
	if err := (&ExecutionResult{}).Decode(&v); err == nil {
		t.Error("expected error without a return value")
	}
}
