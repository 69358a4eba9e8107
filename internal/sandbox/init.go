package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/jkaninda/ngome/internal/codec"
)

const (
	// initArg0 is argv[0] of a sandbox child. It tells Init that the
	// process is the init helper, not the supervisor.
	initArg0 = "ngome-sandbox-init"

	modeExec = "exec"
	modeFunc = "func"

	exitFuncError    = 1
	exitRuntimeFatal = 2 // Go runtime fatal error
	exitInitFailure  = 126
	exitExecFailure  = 127

	// File descriptors of the call and result pipes in a function child.
	callFD   = 3
	resultFD = 4
)

// Init turns the current process into the sandbox init helper when it was
// started as one, and returns immediately otherwise. It must be the first
// call in main, before flags are parsed or goroutines started:
//
//	func main() {
//		sandbox.Init(funcs)
//		...
//	}
//
// funcs must hold the same functions as ProcessConfig.Functions.
func Init(funcs *FuncRegistry) {
	if filepath.Base(os.Args[0]) != initArg0 {
		return
	}
	os.Exit(runInit(os.Args[1:], funcs))
}

func runInit(args []string, funcs *FuncRegistry) int {
	if len(args) == 0 {
		initFailure("missing mode")
		return exitInitFailure
	}
	limits, err := parseLimits(os.LookupEnv)
	if err != nil {
		initFailure("reading limits: %v", err)
		return exitInitFailure
	}
	for _, key := range reservedKeys(os.Environ()) {
		_ = os.Unsetenv(key)
	}

	switch args[0] {
	case modeExec:
		if len(args) < 3 {
			initFailure("exec: missing target")
			return exitInitFailure
		}
		if err := applyLimits(limits, false); err != nil {
			initFailure("applying limits: %v", err)
			return exitInitFailure
		}
		// Returns only on failure.
		err := execTarget(args[1], args[2:], os.Environ())
		initFailure("exec %s: %v", args[1], err)
		return exitExecFailure
	case modeFunc:
		return runFunc(limits, funcs)
	default:
		initFailure("unknown mode %q", args[0])
		return exitInitFailure
	}
}

func runFunc(limits rlimits, funcs *FuncRegistry) int {
	callFile := os.NewFile(callFD, "call")
	resultFile := os.NewFile(resultFD, "result")
	if callFile == nil || resultFile == nil {
		initFailure("func: call pipes are missing")
		return exitInitFailure
	}
	defer resultFile.Close()

	var frame callFrame
	err := codec.NewDecoder(callFile).Decode(&frame)
	_ = callFile.Close()
	if err != nil {
		initFailure("func: decoding call: %v", err)
		return exitInitFailure
	}

	if limits.Threads > 0 {
		debug.SetMaxThreads(limits.Threads)
	}
	if err := applyLimits(limits, true); err != nil {
		initFailure("applying limits: %v", err)
		return exitInitFailure
	}
	watchCPULimit()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	var res resultFrame
	if fn, ok := funcs.Lookup(frame.Name); ok {
		res = invoke(ctx, fn, frame)
	} else {
		res = resultFrame{Status: statusError, Payload: []byte("unknown function " + frame.Name)}
	}
	if err := codec.NewEncoder(resultFile).Encode(res); err != nil {
		initFailure("func: writing result: %v", err)
		return exitInitFailure
	}
	if res.Status != statusSuccess {
		return exitFuncError
	}
	return 0
}

func initFailure(format string, args ...any) {
	fmt.Fprintf(os.Stderr, initArg0+": "+format+"\n", args...)
}
