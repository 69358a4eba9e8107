package sandbox

import (
	"fmt"
	"slices"
	"time"
)

const (
	defaultMaxMemoryMB   = 512
	defaultMaxCPUPercent = 50
	defaultMaxDiskMB     = 100
	defaultTimeout       = 30
	defaultMaxProcesses  = 64
	defaultMaxOpenFiles  = 256
	defaultMaxThreads    = 64
)

// ResourceProfile is the limits and security flags for one execution.
// Backends clone the profile they are given, so changes made by the
// caller afterwards have no effect on a running sandbox.
type ResourceProfile struct {
	MaxMemoryMB    uint32 `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxCPUPercent  uint8  `json:"max_cpu_percent" yaml:"max_cpu_percent"`
	MaxDiskMB      uint32 `json:"max_disk_mb" yaml:"max_disk_mb"`
	TimeoutSeconds uint32 `json:"timeout_seconds" yaml:"timeout_seconds"`

	NetworkIsolation   bool `json:"network_isolation" yaml:"network_isolation"`
	ReadonlyFilesystem bool `json:"readonly_filesystem" yaml:"readonly_filesystem"`

	AllowedPaths    []string `json:"allowed_paths" yaml:"allowed_paths"`
	BlockedPaths    []string `json:"blocked_paths" yaml:"blocked_paths"`
	AllowedCommands []string `json:"allowed_commands" yaml:"allowed_commands"`

	MaxProcesses uint32 `json:"max_processes" yaml:"max_processes"`
	MaxOpenFiles uint32 `json:"max_open_files" yaml:"max_open_files"`
	MaxThreads   uint32 `json:"max_threads" yaml:"max_threads"`
}

// DefaultProfile returns the conservative default profile.
func DefaultProfile() ResourceProfile {
	return ResourceProfile{
		MaxMemoryMB:      defaultMaxMemoryMB,
		MaxCPUPercent:    defaultMaxCPUPercent,
		MaxDiskMB:        defaultMaxDiskMB,
		TimeoutSeconds:   defaultTimeout,
		NetworkIsolation: true,
		AllowedPaths:     []string{"/tmp", "/var/tmp"},
		BlockedPaths:     []string{"/etc", "/root", "/boot", "/sys", "/proc", "/dev", "/var/run"},
		AllowedCommands:  []string{"ls", "cat", "grep", "find", "echo", "pwd"},
		MaxProcesses:     defaultMaxProcesses,
		MaxOpenFiles:     defaultMaxOpenFiles,
		MaxThreads:       defaultMaxThreads,
	}
}

// Validate checks that every limit is strictly positive.
// An empty AllowedCommands is valid: it rejects every command.
func (p ResourceProfile) Validate() error {
	if p.MaxMemoryMB == 0 {
		return fmt.Errorf("max_memory_mb must be positive")
	}
	if p.MaxCPUPercent == 0 || p.MaxCPUPercent > 100 {
		return fmt.Errorf("max_cpu_percent must be between 1 and 100")
	}
	if p.MaxDiskMB == 0 {
		return fmt.Errorf("max_disk_mb must be positive")
	}
	if p.TimeoutSeconds == 0 {
		return fmt.Errorf("timeout_seconds must be positive")
	}
	if p.MaxProcesses == 0 {
		return fmt.Errorf("max_processes must be positive")
	}
	if p.MaxOpenFiles == 0 {
		return fmt.Errorf("max_open_files must be positive")
	}
	if p.MaxThreads == 0 {
		return fmt.Errorf("max_threads must be positive")
	}
	return nil
}

// Clone returns a deep copy of p.
func (p ResourceProfile) Clone() ResourceProfile {
	c := p
	c.AllowedPaths = slices.Clone(p.AllowedPaths)
	c.BlockedPaths = slices.Clone(p.BlockedPaths)
	c.AllowedCommands = slices.Clone(p.AllowedCommands)
	return c
}

// Timeout returns TimeoutSeconds as a duration.
func (p ResourceProfile) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// MemoryBytes returns MaxMemoryMB in bytes.
func (p ResourceProfile) MemoryBytes() uint64 {
	return uint64(p.MaxMemoryMB) << 20
}

// DiskBytes returns MaxDiskMB in bytes.
func (p ResourceProfile) DiskBytes() uint64 {
	return uint64(p.MaxDiskMB) << 20
}
