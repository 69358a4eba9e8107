//go:build !linux && !darwin

package sandbox

import (
	"fmt"
	"os"
	"syscall"
)

const exitCPULimit = -1

func applyLimits(rlimits, bool) error {
	return fmt.Errorf("resource limits: %w", ErrUnsupported)
}

func execTarget(string, []string, []string) error {
	return fmt.Errorf("exec: %w", ErrUnsupported)
}

func watchCPULimit() {}

func sysProcAttr(bool) (*syscall.SysProcAttr, error) {
	return nil, fmt.Errorf("process groups: %w", ErrUnsupported)
}

func terminateGroup(pid int) error { return killGroup(pid) }

func killGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}

func exitStatus(ps *os.ProcessState) (int, TerminationReason) {
	return ps.ExitCode(), ReasonNone
}
