package sandbox

import "sync"

// lifecycle is the state machine shared by both backends. All fields are
// guarded by mu.
type lifecycle struct {
	mu      sync.Mutex
	state   State
	workDir string

	// stopChild terminates the active child. Non-nil only while Running.
	stopChild func()
}

func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) WorkDir() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.workDir
}

// executableLocked reports whether an execution may start from the
// current state.
func (l *lifecycle) executableLocked() error {
	switch l.state {
	case StateUninitialized:
		return ErrNotReady
	case StateRunning:
		return ErrBusy
	case StateCleanedUp:
		return ErrCleanedUp
	default:
		return nil
	}
}

// check validates the state without changing it. Used before command
// validation so a rejected command leaves the instance untouched.
func (l *lifecycle) check() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.executableLocked()
}

// begin transitions to Running.
func (l *lifecycle) begin() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.executableLocked(); err != nil {
		return err
	}
	l.state = StateRunning
	return nil
}

// attach records how to stop the running child. It returns false if the
// instance was cleaned up meanwhile, in which case the caller must stop
// the child itself.
func (l *lifecycle) attach(stop func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateRunning {
		return false
	}
	l.stopChild = stop
	return true
}

// finish leaves Running. A concurrent Cleanup wins: CleanedUp is final.
func (l *lifecycle) finish(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopChild = nil
	if l.state == StateCleanedUp {
		return
	}
	l.state = s
}

// readyLocked records the working directory acquired by Setup, which
// holds mu for the whole call.
func (l *lifecycle) readyLocked(dir string) {
	l.workDir = dir
	l.state = StateReady
}

// release transitions to CleanedUp and hands back what must be released.
// done is true when the instance was already cleaned up.
func (l *lifecycle) release() (dir string, stop func(), done bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateCleanedUp {
		return "", nil, true
	}
	dir, stop = l.workDir, l.stopChild
	l.state = StateCleanedUp
	l.stopChild = nil
	return dir, stop, false
}

// stateFor maps an outcome to the state Execute leaves the instance in.
func stateFor(res *ExecutionResult) State {
	switch res.TerminatedReason {
	case ReasonTimeout:
		return StateTimedOut
	case ReasonMemoryLimit, ReasonCPULimit:
		return StateResourceViolation
	}
	if res.ExitCode != 0 {
		return StateFailed
	}
	return StateCompleted
}
