package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
)

// dangerousPatterns are rejected anywhere in the raw command string.
var dangerousPatterns = []string{
	"rm -rf",
	"dd if=",
	"mkfs",
	"format",
	">",
	"|",
	";",
	"&",
	"`",
	"$(",
}

// shellMetachars are additionally rejected inside arguments. Arguments are
// passed to execve without a shell, but a child that re-parses them
// (sh -c, find -exec) would otherwise receive an injection.
var shellMetachars = []string{">", "|", ";", "&", "`", "$("}

// CommandValidator checks commands against a profile's allow-list and a
// fixed denylist. It is immutable after construction and safe for
// concurrent use.
type CommandValidator struct {
	allowed map[string]struct{}
}

// NewCommandValidator builds a validator from the profile's allow-list.
func NewCommandValidator(p ResourceProfile) *CommandValidator {
	allowed := make(map[string]struct{}, len(p.AllowedCommands))
	for _, c := range p.AllowedCommands {
		allowed[c] = struct{}{}
	}
	return &CommandValidator{allowed: allowed}
}

// Allowed reports whether command may run with args.
func (v *CommandValidator) Allowed(command string, args []string) bool {
	return v.Validate(command, args) == nil
}

// Validate returns a *ValidationError describing the first rule command
// or args violate.
func (v *CommandValidator) Validate(command string, args []string) error {
	if strings.TrimSpace(command) == "" {
		return &ValidationError{Command: command, Reason: "empty command"}
	}

	for _, p := range dangerousPatterns {
		if strings.Contains(command, p) {
			return &ValidationError{Command: command, Reason: fmt.Sprintf("contains dangerous pattern %q", p)}
		}
	}

	base := filepath.Base(command)
	if _, ok := v.allowed[base]; !ok {
		return &ValidationError{Command: command, Reason: fmt.Sprintf("%s is not in the allowed commands", base)}
	}

	for _, arg := range args {
		for _, m := range shellMetachars {
			if strings.Contains(arg, m) {
				return &ValidationError{Command: command, Reason: fmt.Sprintf("argument %q contains shell metacharacter %q", arg, m)}
			}
		}
	}
	return nil
}

// pathPolicy rejects absolute path arguments that point into blocked
// locations. Paths under an allowed path or the sandbox working directory
// are always accepted.
type pathPolicy struct {
	allowed []string
	blocked []string
}

func newPathPolicy(p ResourceProfile, workDir string) pathPolicy {
	allowed := make([]string, 0, len(p.AllowedPaths)+1)
	for _, a := range p.AllowedPaths {
		allowed = append(allowed, filepath.Clean(a))
	}
	if workDir != "" {
		allowed = append(allowed, filepath.Clean(workDir))
	}
	blocked := make([]string, 0, len(p.BlockedPaths))
	for _, b := range p.BlockedPaths {
		blocked = append(blocked, filepath.Clean(b))
	}
	return pathPolicy{allowed: allowed, blocked: blocked}
}

func (pp pathPolicy) check(command string, args []string) error {
	for _, arg := range args {
		path := arg
		// --file=/etc/passwd
		if i := strings.IndexByte(arg, '='); i >= 0 && strings.HasPrefix(arg, "-") {
			path = arg[i+1:]
		}
		if !filepath.IsAbs(path) {
			continue
		}
		path = filepath.Clean(path)
		if underAny(path, pp.allowed) {
			continue
		}
		if underAny(path, pp.blocked) {
			return &ValidationError{Command: command, Reason: fmt.Sprintf("path %s is blocked", path)}
		}
	}
	return nil
}

func underAny(path string, roots []string) bool {
	for _, root := range roots {
		if path == root || root == "/" || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
