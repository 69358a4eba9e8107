//go:build linux || darwin

package sandbox

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// exitCPULimit is the exit status of a function child that received
// SIGXCPU. The Go runtime ignores the signal unless asked for it.
const exitCPULimit = 128 + int(unix.SIGXCPU)

// applyLimits sets the rlimits of the current process. Hard limits are
// lowered too, so user code cannot raise them back.
func applyLimits(l rlimits, function bool) error {
	if err := setLimit(unix.RLIMIT_NOFILE, l.OpenFiles, 0); err != nil {
		return fmt.Errorf("RLIMIT_NOFILE: %w", err)
	}
	if err := setLimit(unix.RLIMIT_FSIZE, l.FileSize, 0); err != nil {
		return fmt.Errorf("RLIMIT_FSIZE: %w", err)
	}
	// One second of slack on the hard limit delivers SIGXCPU before SIGKILL.
	if err := setLimit(unix.RLIMIT_CPU, l.CPUSeconds, 1); err != nil {
		return fmt.Errorf("RLIMIT_CPU: %w", err)
	}
	if l.Processes > 0 {
		if err := setLimit(unix.RLIMIT_NPROC, l.Processes, 0); err != nil {
			return fmt.Errorf("RLIMIT_NPROC: %w", err)
		}
	}

	as := l.AddressSpace
	if function {
		base, ok := selfVirtualMemory()
		if !ok {
			return nil
		}
		as += base
	}
	// Last: the runtime may need to map memory until here.
	if err := setLimit(unix.RLIMIT_AS, as, 0); err != nil {
		return fmt.Errorf("RLIMIT_AS: %w", err)
	}
	return nil
}

func setLimit(resource int, v, hardSlack uint64) error {
	var cur unix.Rlimit
	if err := unix.Getrlimit(resource, &cur); err != nil {
		return err
	}
	lim := unix.Rlimit{Cur: v, Max: v + hardSlack}
	if lim.Max > cur.Max {
		lim.Max = cur.Max
	}
	if lim.Cur > lim.Max {
		lim.Cur = lim.Max
	}
	return unix.Setrlimit(resource, &lim)
}

func execTarget(path string, argv, env []string) error {
	return unix.Exec(path, argv, env)
}

func watchCPULimit() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGXCPU)
	go func() {
		<-ch
		initFailure("cpu time limit exceeded")
		os.Exit(exitCPULimit)
	}()
}

// sysProcAttr puts the child in its own process group, optionally in new
// user and network namespaces.
func sysProcAttr(namespaces bool) (*syscall.SysProcAttr, error) {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if namespaces {
		if err := setNamespaces(attr); err != nil {
			return nil, err
		}
	}
	return attr, nil
}

// signalGroup signals the whole process group led by pid. A group that
// is already gone is not an error.
func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func terminateGroup(pid int) error { return signalGroup(pid, unix.SIGTERM) }

func killGroup(pid int) error { return signalGroup(pid, unix.SIGKILL) }

// exitStatus decodes a finished child's status. Signal deaths are
// reported as 128+signo.
func exitStatus(ps *os.ProcessState) (code int, reason TerminationReason) {
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ps.ExitCode(), ReasonNone
	}
	sig := ws.Signal()
	code = 128 + int(sig)
	if sig == syscall.Signal(unix.SIGXCPU) {
		return code, ReasonCPULimit
	}
	return code, ReasonSignal
}
