package sandbox

import (
	"fmt"
	"strconv"
	"strings"
)

// Environment variables carrying the isolation policy to the init helper.
// The helper removes every NGOME_ variable before user code runs.
const (
	envRlimitAS     = "NGOME_RLIMIT_AS"
	envRlimitCPU    = "NGOME_RLIMIT_CPU"
	envRlimitFSize  = "NGOME_RLIMIT_FSIZE"
	envRlimitNProc  = "NGOME_RLIMIT_NPROC"
	envRlimitNoFile = "NGOME_RLIMIT_NOFILE"
	envMaxThreads   = "NGOME_MAX_THREADS"
)

// minFuncThreads keeps the Go runtime of a function child operable.
const minFuncThreads = 16

// rlimits is the isolation policy applied by the init helper to itself
// before any user code runs.
type rlimits struct {
	// AddressSpace is absolute for commands. For functions it is a budget
	// on top of the helper's own virtual size.
	AddressSpace uint64
	CPUSeconds   uint64
	FileSize     uint64
	// Processes is not applied when zero.
	Processes uint64
	OpenFiles uint64
	// Threads caps the Go runtime of a function child; zero for commands.
	Threads int
}

func limitsFor(p ResourceProfile, function bool) rlimits {
	l := rlimits{
		AddressSpace: p.MemoryBytes(),
		CPUSeconds:   uint64(p.TimeoutSeconds),
		FileSize:     p.DiskBytes(),
		OpenFiles:    uint64(p.MaxOpenFiles),
	}
	if p.ReadonlyFilesystem {
		l.FileSize = 0
	}
	if function {
		// Threads of a Go process count against RLIMIT_NPROC.
		l.Threads = max(int(p.MaxThreads), minFuncThreads)
	} else {
		l.Processes = uint64(p.MaxProcesses)
	}
	return l
}

func (l rlimits) environ() []string {
	env := []string{
		envRlimitAS + "=" + strconv.FormatUint(l.AddressSpace, 10),
		envRlimitCPU + "=" + strconv.FormatUint(l.CPUSeconds, 10),
		envRlimitFSize + "=" + strconv.FormatUint(l.FileSize, 10),
		envRlimitNoFile + "=" + strconv.FormatUint(l.OpenFiles, 10),
	}
	if l.Processes > 0 {
		env = append(env, envRlimitNProc+"="+strconv.FormatUint(l.Processes, 10))
	}
	if l.Threads > 0 {
		env = append(env, envMaxThreads+"="+strconv.Itoa(l.Threads))
	}
	return env
}

// parseLimits reads the policy from the helper's environment. Every
// variable except NPROC and the thread cap is required: a helper must
// never run user code with a partial policy.
func parseLimits(lookup func(string) (string, bool)) (rlimits, error) {
	var l rlimits
	required := []struct {
		key string
		dst *uint64
	}{
		{envRlimitAS, &l.AddressSpace},
		{envRlimitCPU, &l.CPUSeconds},
		{envRlimitFSize, &l.FileSize},
		{envRlimitNoFile, &l.OpenFiles},
	}
	for _, r := range required {
		v, ok := lookup(r.key)
		if !ok {
			return rlimits{}, fmt.Errorf("%s is not set", r.key)
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return rlimits{}, fmt.Errorf("parsing %s: %w", r.key, err)
		}
		*r.dst = n
	}
	if v, ok := lookup(envRlimitNProc); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return rlimits{}, fmt.Errorf("parsing %s: %w", envRlimitNProc, err)
		}
		l.Processes = n
	}
	if v, ok := lookup(envMaxThreads); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return rlimits{}, fmt.Errorf("parsing %s: %w", envMaxThreads, err)
		}
		l.Threads = n
	}
	return l, nil
}

// reservedKeys returns the names of the helper's own variables in env.
func reservedKeys(env []string) []string {
	var keys []string
	for _, kv := range env {
		if key, _, _ := strings.Cut(kv, "="); strings.HasPrefix(strings.ToUpper(key), reservedEnvPrefix) {
			keys = append(keys, key)
		}
	}
	return keys
}
