// ngome runs untrusted commands and registered functions in isolated
// sandboxes: a child process under resource limits, or a container.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/sandbox"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ngome",
	Short: "ngome runs untrusted commands and functions in isolated sandboxes.",
	Long: `ngome executes commands and registered functions inside an isolated
process (rlimits, own process group, sanitized environment, private working
directory) or a Docker/Podman container, enforcing a resource profile and
classifying how every execution ended.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (env: NGOME_CONFIG, default: ~/.ngome/config.yaml if present)")
	rootCmd.AddCommand(execCmd, callCmd, runtimesCmd, selftestCmd, serveCmd, versionCmd)
}

func main() {
	// Must run first: this binary is also the sandbox init helper.
	sandbox.Init(builtinFuncs())

	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintf(os.Stderr, "ngome: %v\n", ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// exitError makes the process exit with code. err, when set, is printed.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }
