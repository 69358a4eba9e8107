package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = ""
	date    = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	Run: func(_ *cobra.Command, _ []string) {
		rev, built := buildStamp()
		fmt.Printf("ngome %s (commit: %s, built: %s, %s %s/%s)\n",
			version, rev, built, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

// buildStamp falls back to the VCS settings the toolchain embeds when the
// linker flags were not set.
func buildStamp() (rev, built string) {
	rev, built = commit, date
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch {
			case s.Key == "vcs.revision" && rev == "":
				rev = s.Value
			case s.Key == "vcs.time" && built == "":
				built = s.Value
			}
		}
	}
	if rev == "" {
		rev = "unknown"
	}
	if built == "" {
		built = "unknown"
	}
	return rev, built
}
