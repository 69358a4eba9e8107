package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"slices"
	"sync"
	"time"
)

// Runtime is a container runtime CLI.
type Runtime string

const (
	RuntimeDocker Runtime = "docker"
	RuntimePodman Runtime = "podman"
)

// runtimePreference is the probe order.
var runtimePreference = []Runtime{RuntimeDocker, RuntimePodman}

const runtimeProbeTimeout = 10 * time.Second

// ParseRuntime parses a runtime name. "" and "auto" mean no preference
// and return an empty Runtime.
func ParseRuntime(name string) (Runtime, error) {
	switch name {
	case "", "auto":
		return "", nil
	case string(RuntimeDocker), string(RuntimePodman):
		return Runtime(name), nil
	default:
		return "", fmt.Errorf("unknown container runtime %q (want docker, podman or auto)", name)
	}
}

// runtimeProbe reports whether rt is installed and its daemon answers.
type runtimeProbe func(ctx context.Context, rt Runtime) bool

// detectRuntimes returns the usable runtimes in preference order.
func detectRuntimes(ctx context.Context, probe runtimeProbe) []Runtime {
	var found []Runtime
	for _, rt := range runtimePreference {
		if probe(ctx, rt) {
			found = append(found, rt)
		}
	}
	return found
}

func probeRuntime(ctx context.Context, rt Runtime) bool {
	path, err := exec.LookPath(string(rt))
	if err != nil {
		return false
	}
	return exec.CommandContext(ctx, path, "info").Run() == nil
}

// Runtime probing runs once per process.
var detected = sync.OnceValue(func() []Runtime {
	ctx, cancel := context.WithTimeout(context.Background(), runtimeProbeTimeout)
	defer cancel()
	return detectRuntimes(ctx, probeRuntime)
})

// DetectRuntimes returns the available container runtimes in preference
// order. The probe runs once; later calls return the cached result.
func DetectRuntimes() []Runtime {
	return slices.Clone(detected())
}

// PreferredRuntime returns the first available runtime.
func PreferredRuntime() (Runtime, bool) {
	rts := detected()
	if len(rts) == 0 {
		return "", false
	}
	return rts[0], true
}
