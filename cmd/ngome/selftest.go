package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/sandbox"
)

const canaryEnv = "SELFTEST_CANARY"

// containmentCheck passes when the sandbox blocks or bounds what Run attempts.
type containmentCheck struct {
	Name     string
	Category string // "validation", "environment", "limits", "lifecycle", "function"

	// ProcessOnly checks depend on host-side state a container hides.
	ProcessOnly bool

	Run func(ctx context.Context, st *selfTester) error
}

type checkResult struct {
	Check   *containmentCheck
	Passed  bool
	Skipped bool
	Error   string
}

// selfTester creates sandboxes for the checks.
type selfTester struct {
	sc              *SharedComponents
	preferContainer bool
}

// backend returns a set-up sandbox with a profile suitable for the checks.
// The caller must Cleanup it.
func (st *selfTester) backend(ctx context.Context, mutate func(*sandbox.ResourceProfile)) (sandbox.Backend, error) {
	p := st.sc.Config.Sandbox.Profile.Clone()
	p.AllowedCommands = []string{"echo", "env", "sleep", "cat"}
	p.TimeoutSeconds = 10
	if mutate != nil {
		mutate(&p)
	}
	b, err := st.sc.newBackend(p, st.preferContainer)
	if err != nil {
		return nil, err
	}
	if _, err := b.Setup(ctx); err != nil {
		_ = b.Cleanup()
		return nil, err
	}
	return b, nil
}

// expectRejected runs the command and requires a validation rejection.
func (st *selfTester) expectRejected(ctx context.Context, command string, args ...string) error {
	b, err := st.backend(ctx, nil)
	if err != nil {
		return err
	}
	defer b.Cleanup()

	_, err = b.Execute(ctx, sandbox.ExecRequest{Command: command, Args: args})
	if errors.Is(err, sandbox.ErrPermissionDenied) {
		return nil
	}
	return fmt.Errorf("%s was not rejected (err: %v)", command, err)
}

var containmentChecks = []containmentCheck{
	{
		Name:     "reject-unlisted-command",
		Category: "validation",
		Run: func(ctx context.Context, st *selfTester) error {
			return st.expectRejected(ctx, "rm", "-rf", "/")
		},
	},
	{
		Name:     "reject-shell-metacharacters",
		Category: "validation",
		Run: func(ctx context.Context, st *selfTester) error {
			return st.expectRejected(ctx, "echo", "hi; cat /etc/shadow")
		},
	},
	{
		Name:     "reject-command-substitution",
		Category: "validation",
		Run: func(ctx context.Context, st *selfTester) error {
			return st.expectRejected(ctx, "echo $(id)")
		},
	},
	{
		Name:     "reject-blocked-path",
		Category: "validation",
		Run: func(ctx context.Context, st *selfTester) error {
			return st.expectRejected(ctx, "cat", "/etc/passwd")
		},
	},
	{
		Name:     "environment-not-inherited",
		Category: "environment",
		Run: func(ctx context.Context, st *selfTester) error {
			b, err := st.backend(ctx, nil)
			if err != nil {
				return err
			}
			defer b.Cleanup()

			res, err := b.Execute(ctx, sandbox.ExecRequest{Command: "env"})
			if err != nil {
				return err
			}
			if bytes.Contains(res.Stdout, []byte(canaryEnv)) {
				return fmt.Errorf("supervisor variable %s visible in the sandbox", canaryEnv)
			}
			if b.Kind() == "process" && !bytes.Contains(res.Stdout, []byte("PATH=/usr/local/bin:/usr/bin:/bin\n")) {
				return fmt.Errorf("PATH was not reset:\n%s", res.Stdout)
			}
			return nil
		},
	},
	{
		Name:     "timeout-enforced",
		Category: "limits",
		Run: func(ctx context.Context, st *selfTester) error {
			b, err := st.backend(ctx, func(p *sandbox.ResourceProfile) { p.TimeoutSeconds = 1 })
			if err != nil {
				return err
			}
			defer b.Cleanup()

			start := time.Now()
			res, err := b.Execute(ctx, sandbox.ExecRequest{Command: "sleep", Args: []string{"30"}})
			elapsed := time.Since(start)
			if !errors.Is(err, sandbox.ErrTimeout) {
				return fmt.Errorf("sleep 30 was not timed out (err: %v)", err)
			}
			if res == nil || res.TerminatedReason != sandbox.ReasonTimeout {
				return fmt.Errorf("termination not classified as timeout")
			}
			if bound := 1*time.Second + 2*st.sc.Config.Sandbox.GracePeriod() + 3*time.Second; elapsed > bound {
				return fmt.Errorf("timeout took %s, bound is %s", elapsed, bound)
			}
			return nil
		},
	},
	{
		Name:        "workdir-removed-on-cleanup",
		Category:    "lifecycle",
		ProcessOnly: true,
		Run: func(ctx context.Context, st *selfTester) error {
			b, err := st.backend(ctx, nil)
			if err != nil {
				return err
			}
			dir, err := b.Setup(ctx)
			if err != nil {
				_ = b.Cleanup()
				return err
			}
			if err := b.Cleanup(); err != nil {
				return err
			}
			if _, err := os.Stat(dir); !os.IsNotExist(err) {
				return fmt.Errorf("working directory %s survived cleanup", dir)
			}
			if b.State() != sandbox.StateCleanedUp {
				return fmt.Errorf("state after cleanup = %s", b.State())
			}
			return nil
		},
	},
	{
		Name:        "function-out-of-process",
		Category:    "function",
		ProcessOnly: true,
		Run: func(ctx context.Context, st *selfTester) error {
			b, err := st.backend(ctx, nil)
			if err != nil {
				return err
			}
			defer b.Cleanup()

			fe, ok := b.(sandbox.FunctionExecutor)
			if !ok {
				return fmt.Errorf("%s backend cannot run functions", b.Kind())
			}
			res, err := fe.ExecuteFunction(ctx, sandbox.FunctionCall{Name: "ping"})
			if err != nil {
				return err
			}
			var out struct {
				Pong bool `cbor:"pong"`
				PID  int  `cbor:"pid"`
			}
			if err := res.Decode(&out); err != nil {
				return err
			}
			if !out.Pong || out.PID == os.Getpid() {
				return fmt.Errorf("function ran in the supervisor (pid %d)", out.PID)
			}
			return nil
		},
	},
}

// runChecks runs every check with a per-check timeout.
func (st *selfTester) runChecks(ctx context.Context, checks []containmentCheck) []checkResult {
	// A variable the sandbox must not see.
	_ = os.Setenv(canaryEnv, "leaked")
	defer os.Unsetenv(canaryEnv)

	results := make([]checkResult, 0, len(checks))
	for i := range checks {
		c := &checks[i]
		r := checkResult{Check: c, Passed: true}
		if c.ProcessOnly && st.preferContainer {
			r.Skipped = true
			results = append(results, r)
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := c.Run(checkCtx, st); err != nil {
			r.Passed = false
			r.Error = err.Error()
		}
		cancel()
		results = append(results, r)
	}
	return results
}

func printResults(w io.Writer, results []checkResult) (failed int) {
	for _, r := range results {
		switch {
		case r.Skipped:
			fmt.Fprintf(w, "SKIP  %-30s [%s]\n", r.Check.Name, r.Check.Category)
		case r.Passed:
			fmt.Fprintf(w, "PASS  %-30s [%s]\n", r.Check.Name, r.Check.Category)
		default:
			failed++
			fmt.Fprintf(w, "FAIL  %-30s [%s] %s\n", r.Check.Name, r.Check.Category, r.Error)
		}
	}
	fmt.Fprintf(w, "\n%d checks, %d failed\n", len(results), failed)
	return failed
}

var selftestContainer bool

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Run the containment self-test battery",
	RunE: func(_ *cobra.Command, _ []string) error {
		sc, err := initShared()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		st := &selfTester{sc: sc, preferContainer: selftestContainer}
		if failed := printResults(os.Stdout, st.runChecks(context.Background(), containmentChecks)); failed > 0 {
			return &exitError{code: 1, err: fmt.Errorf("%d containment checks failed", failed)}
		}
		return nil
	},
}

func init() {
	selftestCmd.Flags().BoolVar(&selftestContainer, "container", false, "run the battery against the container backend")
}
