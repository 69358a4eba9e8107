package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/sandbox"
)

type profileFlags struct {
	container bool
	timeout   uint32
	memoryMB  uint32
	allow     []string
}

func (f *profileFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.container, "container", false, "prefer a container sandbox when a runtime is available")
	cmd.Flags().Uint32Var(&f.timeout, "timeout", 0, "override timeout in seconds")
	cmd.Flags().Uint32Var(&f.memoryMB, "memory", 0, "override memory limit in MB")
	cmd.Flags().StringSliceVar(&f.allow, "allow", nil, "additional allowed command names")
}

// apply returns the configured profile with the flag overrides.
func (f *profileFlags) apply(base sandbox.ResourceProfile) sandbox.ResourceProfile {
	p := base.Clone()
	if f.timeout > 0 {
		p.TimeoutSeconds = f.timeout
	}
	if f.memoryMB > 0 {
		p.MaxMemoryMB = f.memoryMB
	}
	p.AllowedCommands = append(p.AllowedCommands, f.allow...)
	return p
}

var (
	execProfile profileFlags
	execEnv     []string
	execStdin   bool
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- <command> [args...]",
	Short: "Run a command in a sandbox",
	Long: `Run a command in a sandbox and forward its output.

Exit status is the command's own, or 124 on timeout, 137 when a resource
limit was exceeded and 126 when the command was rejected by validation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	execProfile.register(execCmd)
	execCmd.Flags().StringArrayVarP(&execEnv, "env", "e", nil, "extra environment variable KEY=VALUE (repeatable)")
	execCmd.Flags().BoolVar(&execStdin, "stdin", false, "forward standard input to the command")
	// Everything after the command name belongs to the command.
	execCmd.Flags().SetInterspersed(false)
}

func runExec(_ *cobra.Command, args []string) error {
	sc, err := initShared()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	env, err := parseEnv(execEnv)
	if err != nil {
		return err
	}
	req := sandbox.ExecRequest{Command: args[0], Args: args[1:], Env: env}
	if execStdin {
		if req.Input, err = io.ReadAll(os.Stdin); err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
	}

	b, err := sc.newBackend(execProfile.apply(sc.Config.Sandbox.Profile), execProfile.container || sc.Config.Sandbox.PreferContainer)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var res *sandbox.ExecutionResult
	err = sandbox.Use(ctx, b, func(b sandbox.Backend) error {
		var execErr error
		res, execErr = b.Execute(ctx, req)
		return execErr
	})
	if res != nil {
		_, _ = os.Stdout.Write(res.Stdout)
		_, _ = os.Stderr.Write(res.Stderr)
		sc.Logger.Debug("execution finished",
			slog.Int("exit_code", res.ExitCode),
			slog.String("terminated_reason", res.TerminatedReason.String()),
			slog.Duration("duration", res.Duration),
		)
	}

	return exitStatus(res, err)
}

// exitStatus turns an execution outcome into the command's return value.
func exitStatus(res *sandbox.ExecutionResult, err error) error {
	code := exitCodeFor(res, err)
	switch {
	case code == 0:
		return nil
	case err == nil:
		// The command's own failure; its stderr already says why.
		return &exitError{code: code}
	case code == 1:
		return err
	default:
		return &exitError{code: code, err: err}
	}
}

// parseEnv parses KEY=VALUE pairs.
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid environment variable %q (want KEY=VALUE)", kv)
		}
		env[k] = v
	}
	return env, nil
}
