package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/jkaninda/ngome/internal/codec"
	"github.com/jkaninda/ngome/internal/sandbox"
)

func TestMain(m *testing.M) {
	sandbox.Init(builtinFuncs())
	os.Exit(m.Run())
}

func testArgs(t *testing.T, kwargs map[string]any, args ...any) sandbox.Arguments {
	t.Helper()
	a := sandbox.Arguments{Keyword: map[string]codec.RawMessage{}}
	for _, v := range args {
		raw, err := codec.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %v: %v", v, err)
		}
		a.Positional = append(a.Positional, raw)
	}
	for k, v := range kwargs {
		raw, err := codec.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %v: %v", v, err)
		}
		a.Keyword[k] = raw
	}
	return a
}

func TestBuiltinFuncs(t *testing.T) {
	ctx := context.Background()

	got, err := checksum(ctx, testArgs(t, nil, "abc"))
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if got != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Errorf("checksum(abc) = %v", got)
	}
	if _, err := checksum(ctx, testArgs(t, nil)); !errors.Is(err, sandbox.ErrMissingArgument) {
		t.Errorf("checksum() error = %v, want ErrMissingArgument", err)
	}

	got, err = sum(ctx, testArgs(t, nil, 1, 2.5, 3))
	if err != nil || got != 6.5 {
		t.Errorf("sum(1, 2.5, 3) = %v, %v", got, err)
	}
	got, err = sum(ctx, testArgs(t, map[string]any{"scale": 2}, 1, 2))
	if err != nil || got != 6.0 {
		t.Errorf("sum(1, 2, scale=2) = %v, %v", got, err)
	}
	if _, err := sum(ctx, testArgs(t, nil, "x")); err == nil {
		t.Error("sum(\"x\") should fail")
	}

	names := builtinFuncs().Names()
	if len(names) != 3 {
		t.Errorf("registered functions = %v", names)
	}
}

func TestParseEnv(t *testing.T) {
	env, err := parseEnv([]string{"A=1", "B=x=y", "C="})
	if err != nil {
		t.Fatalf("parseEnv: %v", err)
	}
	if env["A"] != "1" || env["B"] != "x=y" || env["C"] != "" || len(env) != 3 {
		t.Errorf("env = %v", env)
	}
	for _, bad := range []string{"NOEQUALS", "=value"} {
		if _, err := parseEnv([]string{bad}); err == nil {
			t.Errorf("parseEnv(%q) should fail", bad)
		}
	}
	if env, err := parseEnv(nil); env != nil || err != nil {
		t.Errorf("parseEnv(nil) = %v, %v", env, err)
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"42", "float64:42"},
		{"true", "bool:true"},
		{`"quoted"`, "string:quoted"},
		{"plain", "string:plain"},
		{"[1,2]", "[]interface {}:[1 2]"},
	}
	for _, tt := range tests {
		v := parseValue(tt.in)
		if got := fmt.Sprintf("%T:%v", v, v); got != tt.want {
			t.Errorf("parseValue(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		res  *sandbox.ExecutionResult
		err  error
		want int
	}{
		{"success", &sandbox.ExecutionResult{}, nil, 0},
		{"child exit", &sandbox.ExecutionResult{ExitCode: 3}, nil, 3},
		{"rejected", nil, &sandbox.ValidationError{Reason: "x"}, 126},
		{"timeout", &sandbox.ExecutionResult{ExitCode: -1}, fmt.Errorf("%w after 1s", sandbox.ErrTimeout), 124},
		{"violation", &sandbox.ExecutionResult{ExitCode: -1}, &sandbox.ResourceViolationError{Reason: sandbox.ReasonMemoryLimit, Limit: "256MB"}, 137},
		{"other", nil, errors.New("boom"), 1},
		{"nothing", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCodeFor(tt.res, tt.err); got != tt.want {
				t.Errorf("exitCodeFor = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExitStatus(t *testing.T) {
	if err := exitStatus(&sandbox.ExecutionResult{}, nil); err != nil {
		t.Errorf("success: %v", err)
	}

	err := exitStatus(&sandbox.ExecutionResult{ExitCode: 2}, nil)
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != 2 || ee.err != nil {
		t.Errorf("child failure = %#v", err)
	}

	plain := errors.New("boom")
	if err := exitStatus(nil, plain); err != plain {
		t.Errorf("generic error should pass through, got %v", err)
	}

	err = exitStatus(&sandbox.ExecutionResult{ExitCode: -1}, fmt.Errorf("%w after 1s", sandbox.ErrTimeout))
	if !errors.As(err, &ee) || ee.code != 124 || !errors.Is(err, sandbox.ErrTimeout) {
		t.Errorf("timeout = %#v", err)
	}
}
