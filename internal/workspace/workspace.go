// Package workspace manages the ngome runtime directory structure.
//
// Default workspace: ~/.ngome/workspace (configurable via config or NGOME_WORKSPACE env var).
//
//	<root>/sandbox/  per-instance sandbox working directories (0700)
//	<root>/logs/     log files
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const defaultRelativePath = ".ngome/workspace"

// Workspace resolves and lazily creates the runtime directories.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool
}

// New creates a Workspace rooted at the given path, expanding ~ and
// creating the root if needed.
func New(root string) (*Workspace, error) {
	if root == "" {
		return Default()
	}
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}
	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return w, nil
}

// Default creates a Workspace at ~/.ngome/workspace.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// SandboxDir returns <root>/sandbox/, the base directory for sandbox
// working directories. It is owner-only since every sandbox dir below
// it holds untrusted output.
func (w *Workspace) SandboxDir() (string, error) {
	p := filepath.Join(w.Root, "sandbox")
	if err := w.ensureDir(p, 0700); err != nil {
		return "", err
	}
	return p, nil
}

// LogsDir returns <root>/logs/.
func (w *Workspace) LogsDir() (string, error) {
	p := filepath.Join(w.Root, "logs")
	if err := w.ensureDir(p, 0750); err != nil {
		return "", err
	}
	return p, nil
}

// LogFile returns the path of a named log file under LogsDir.
func (w *Workspace) LogFile(name string) (string, error) {
	dir, err := w.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, sanitizeName(name)+".log"), nil
}

// EnsureAll creates all standard workspace directories.
func (w *Workspace) EnsureAll() error {
	if _, err := w.SandboxDir(); err != nil {
		return err
	}
	_, err := w.LogsDir()
	return err
}

// CheckWritable verifies that a file can be created in the sandbox base
// directory. Used as a readiness check.
func (w *Workspace) CheckWritable() error {
	dir, err := w.SandboxDir()
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("sandbox dir not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// ensureDir creates a directory once per Workspace and enforces perm on
// directories that already existed.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
