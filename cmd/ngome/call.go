package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/sandbox"
)

var (
	callProfile profileFlags
	callKwargs  []string
)

var callCmd = &cobra.Command{
	Use:   "call <function> [args...]",
	Short: "Run a built-in function in a process sandbox",
	Long: `Run a registered function in a child process under the resource profile
and print its return value as JSON.

Arguments are parsed as JSON when possible (42, 1.5, true, "x", [1,2])
and passed as strings otherwise.`,
	Args: cobra.MinimumNArgs(1),
	ValidArgsFunction: func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return builtinFuncs().Names(), cobra.ShellCompDirectiveNoFileComp
	},
	RunE: runCall,
}

func init() {
	callProfile.register(callCmd)
	callCmd.Flags().StringArrayVarP(&callKwargs, "kwarg", "k", nil, "keyword argument KEY=VALUE (repeatable)")
	callCmd.Flags().SetInterspersed(false)
}

func runCall(_ *cobra.Command, args []string) error {
	sc, err := initShared()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	call := sandbox.FunctionCall{Name: args[0]}
	for _, a := range args[1:] {
		call.Args = append(call.Args, parseValue(a))
	}
	if len(callKwargs) > 0 {
		call.Kwargs = make(map[string]any, len(callKwargs))
		for _, kv := range callKwargs {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return fmt.Errorf("invalid keyword argument %q (want KEY=VALUE)", kv)
			}
			call.Kwargs[k] = parseValue(v)
		}
	}

	// Functions only run in the process backend.
	b, err := sc.newBackend(callProfile.apply(sc.Config.Sandbox.Profile), false)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var res *sandbox.ExecutionResult
	err = sandbox.Use(ctx, b, func(sandbox.Backend) error {
		var callErr error
		res, callErr = b.ExecuteFunction(ctx, call)
		return callErr
	})
	if res != nil {
		_, _ = os.Stderr.Write(res.Stderr)
	}
	if err != nil {
		return exitStatus(res, err)
	}

	var value any
	if err := res.Decode(&value); err != nil {
		return fmt.Errorf("decoding return value: %w", err)
	}
	out, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("printing return value: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// parseValue decodes s as JSON, falling back to the raw string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
