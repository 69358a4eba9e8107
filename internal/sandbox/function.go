package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jkaninda/ngome/internal/codec"
)

// Func is a function that can run inside the sandbox. Its return value
// must be CBOR-serializable.
type Func func(ctx context.Context, args Arguments) (any, error)

// FuncRegistry maps names to functions. The sandbox child runs the same
// executable as the supervisor, so a registry passed to both Init and
// ProcessConfig resolves names to the same code on both sides.
type FuncRegistry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{funcs: make(map[string]Func)}
}

// Register adds fn under name. Names must be unique.
func (r *FuncRegistry) Register(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("function name is required")
	}
	if fn == nil {
		return fmt.Errorf("function %s is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("function %s already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// MustRegister is Register for use at program start.
func (r *FuncRegistry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

func (r *FuncRegistry) Lookup(name string) (Func, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered names, sorted.
func (r *FuncRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrMissingArgument is returned by Arguments accessors for absent arguments.
var ErrMissingArgument = errors.New("sandbox: missing argument")

// Arguments are the positional and keyword arguments of a call, still
// encoded. Functions decode them into the types they expect.
type Arguments struct {
	Positional []codec.RawMessage
	Keyword    map[string]codec.RawMessage
}

// Len returns the number of positional arguments.
func (a Arguments) Len() int { return len(a.Positional) }

// Arg decodes positional argument i into v.
func (a Arguments) Arg(i int, v any) error {
	if i < 0 || i >= len(a.Positional) {
		return fmt.Errorf("%w: position %d", ErrMissingArgument, i)
	}
	if err := codec.Unmarshal(a.Positional[i], v); err != nil {
		return fmt.Errorf("decoding argument %d: %w", i, err)
	}
	return nil
}

// Kwarg decodes keyword argument name into v.
func (a Arguments) Kwarg(name string, v any) error {
	raw, ok := a.Keyword[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingArgument, name)
	}
	if err := codec.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding argument %s: %w", name, err)
	}
	return nil
}

// Wire frames exchanged with the init helper: one callFrame on fd 3,
// one resultFrame on fd 4.
type callFrame struct {
	Name   string                      `cbor:"name"`
	Args   []codec.RawMessage          `cbor:"args"`
	Kwargs map[string]codec.RawMessage `cbor:"kwargs"`
}

const (
	statusSuccess = "success"
	statusError   = "error"
)

type resultFrame struct {
	Status  string `cbor:"status"`
	Payload []byte `cbor:"payload"`
}

func encodeCall(call FunctionCall) ([]byte, error) {
	frame := callFrame{
		Name:   call.Name,
		Args:   make([]codec.RawMessage, 0, len(call.Args)),
		Kwargs: make(map[string]codec.RawMessage, len(call.Kwargs)),
	}
	for i, arg := range call.Args {
		raw, err := codec.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encoding argument %d: %w", i, err)
		}
		frame.Args = append(frame.Args, raw)
	}
	for name, arg := range call.Kwargs {
		raw, err := codec.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encoding argument %s: %w", name, err)
		}
		frame.Kwargs[name] = raw
	}
	return codec.Marshal(frame)
}

// invoke runs fn and converts its outcome, including a panic, to a frame.
func invoke(ctx context.Context, fn Func, frame callFrame) (res resultFrame) {
	defer func() {
		if r := recover(); r != nil {
			res = resultFrame{Status: statusError, Payload: []byte(fmt.Sprintf("panic: %v", r))}
		}
	}()
	out, err := fn(ctx, Arguments{Positional: frame.Args, Keyword: frame.Kwargs})
	if err != nil {
		return resultFrame{Status: statusError, Payload: []byte(err.Error())}
	}
	payload, err := codec.Marshal(out)
	if err != nil {
		return resultFrame{Status: statusError, Payload: []byte("encoding return value: " + err.Error())}
	}
	return resultFrame{Status: statusSuccess, Payload: payload}
}
