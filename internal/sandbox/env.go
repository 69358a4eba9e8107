package sandbox

import (
	"sort"
	"strings"
)

const (
	sandboxPath  = "/usr/local/bin:/usr/bin:/bin"
	sandboxShell = "/bin/false"
	sandboxUser  = "sandbox"

	// reservedEnvPrefix is owned by the init helper; callers cannot set it.
	reservedEnvPrefix = "NGOME_"
)

// deniedEnv are never passed to a child, whatever the caller asks for.
var deniedEnv = map[string]struct{}{
	"PATH":                  {},
	"LD_PRELOAD":            {},
	"LD_LIBRARY_PATH":       {},
	"LD_AUDIT":              {},
	"DYLD_INSERT_LIBRARIES": {},
	"DYLD_LIBRARY_PATH":     {},
	"PYTHONPATH":            {},
	"PYTHONHOME":            {},
	"PYTHONSTARTUP":         {},
	"PERL5LIB":              {},
	"PERL5OPT":              {},
	"RUBYLIB":               {},
	"RUBYOPT":               {},
	"NODE_PATH":             {},
	"NODE_OPTIONS":          {},
	"CLASSPATH":             {},
	"GOFLAGS":               {},
	"BASH_ENV":              {},
	"ENV":                   {},
}

// EnvironmentBuilder produces the sanitized environment of a child. The
// host environment is never inherited, so secrets in the supervisor's
// environment cannot leak into sandboxed code.
type EnvironmentBuilder struct {
	WorkDir string
}

// Build returns the baseline environment merged with custom, minus the
// denied variables.
func (b EnvironmentBuilder) Build(custom map[string]string) map[string]string {
	env := map[string]string{
		"PATH":   sandboxPath,
		"HOME":   b.WorkDir,
		"TMPDIR": b.WorkDir,
		"TEMP":   b.WorkDir,
		"TMP":    b.WorkDir,
		"USER":   sandboxUser,
		"SHELL":  sandboxShell,
		"LANG":   "C.UTF-8",
		"TERM":   "dumb",
	}
	for k, v := range custom {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			continue
		}
		if _, denied := deniedEnv[strings.ToUpper(k)]; denied {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(k), reservedEnvPrefix) {
			continue
		}
		env[k] = v
	}
	return env
}

// Environ renders Build(custom) as sorted KEY=VALUE pairs.
func (b EnvironmentBuilder) Environ(custom map[string]string) []string {
	env := b.Build(custom)
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
