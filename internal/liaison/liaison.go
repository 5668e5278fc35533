// Package liaison implements the Producer Liaison from spec section 4.3:
// socket-presence probing, best-effort reload signalling with a
// cross-container fallback, and the startup-phase state machine.
package liaison

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
)

// ErrPermissionDenied is returned when the producer process was found and
// addressable but signal delivery was rejected by the kernel — a real,
// reportable error per spec section 7, unlike the cross-container fallback.
var ErrPermissionDenied = errors.New("liaison: permission denied delivering reload signal")

// Phase is the startup-phase state machine from spec section 4.3.
type Phase int

const (
	PhaseInStartup Phase = iota
	PhaseRunning
)

// Liaison tracks producer socket readiness and delivers reload signals.
type Liaison struct {
	socketPath    string
	processName   string
	signal        syscall.Signal
	disableSocket bool
	procRoot      string
	statFunc      func(string) (os.FileInfo, error)

	mu                     sync.Mutex
	phase                  Phase
	restartedSinceLastPoll bool

	delivered atomic.Int64
	fallback  atomic.Int64
}

// Option configures a Liaison.
type Option func(*Liaison)

// WithSocketCheckDisabled makes StartupPhaseActive always report false,
// matching the DISABLE_SOCKET_CHECK configuration escape hatch for tests.
func WithSocketCheckDisabled() Option {
	return func(l *Liaison) { l.disableSocket = true }
}

// WithProcRoot overrides the /proc mount point, for tests.
func WithProcRoot(root string) Option {
	return func(l *Liaison) { l.procRoot = root }
}

// New builds a Liaison for the given producer socket path and process name.
func New(socketPath, processName string, signal syscall.Signal, opts ...Option) *Liaison {
	l := &Liaison{
		socketPath:  socketPath,
		processName: processName,
		signal:      signal,
		procRoot:    "/proc",
		statFunc:    os.Lstat,
		phase:       PhaseInStartup,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DeliveredTotal and FallbackTotal count reload notifications by outcome:
// signal delivered versus cross-container fallback.
func (l *Liaison) DeliveredTotal() int64 { return l.delivered.Load() }
func (l *Liaison) FallbackTotal() int64  { return l.fallback.Load() }

// IsSocketReady reports whether the configured socket path exists and is a
// socket in the filesystem sense.
func (l *Liaison) IsSocketReady() bool {
	if l.disableSocket {
		return true
	}
	info, err := l.statFunc(l.socketPath)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSocket != 0
}

// StartupPhaseActive evaluates and returns the current startup-phase
// predicate, transitioning the internal state machine:
//
//	InStartup -> Running: socket exists and is a socket.
//	Running -> InStartup: socket disappears.
//
// When a Running->InStartup transition occurs, ConsumeRestartTransition
// will report it once, so the control loop can perform the mandated
// forfeit+reconcile side effect exactly once per restart.
func (l *Liaison) StartupPhaseActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ready := l.IsSocketReady()
	switch l.phase {
	case PhaseInStartup:
		if ready {
			l.phase = PhaseRunning
		}
	case PhaseRunning:
		if !ready {
			l.phase = PhaseInStartup
			l.restartedSinceLastPoll = true
		}
	}
	return l.phase == PhaseInStartup
}

// ConsumeRestartTransition reports whether the producer socket disappeared
// since the last call, clearing the flag. The control loop must treat a
// true result as an edge trigger for forfeit+reconcile-to-absent.
func (l *Liaison) ConsumeRestartTransition() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.restartedSinceLastPoll
	l.restartedSinceLastPoll = false
	return t
}

// NotifyReload attempts to signal the producer process to reload its
// credential files. It returns true whenever the notification should be
// considered delivered, including the cross-container fallback case where
// the producer is not addressable from this process's namespace — the
// producer is expected to pick up credential changes on its next
// file-integrity check regardless. A real PermissionDenied from the
// kernel is the only case that surfaces as an error.
func (l *Liaison) NotifyReload(reason string) (bool, error) {
	pid, err := l.findProducerPID()
	if err != nil {
		l.fallback.Add(1)
		return true, nil
	}

	if !l.addressable(pid) {
		l.fallback.Add(1)
		return true, nil
	}

	if err := syscall.Kill(pid, l.signal); err != nil {
		if errors.Is(err, syscall.EPERM) {
			return false, ErrPermissionDenied
		}
		// Process vanished mid-signal (ESRCH) or similar: treat as the
		// same fallback outcome rather than a hard failure.
		l.fallback.Add(1)
		return true, nil
	}

	l.delivered.Add(1)
	return true, nil
}

// findProducerPID scans live processes under procRoot for one whose
// command name or cmdline contains the configured executable name.
func (l *Liaison) findProducerPID() (int, error) {
	entries, err := os.ReadDir(l.procRoot)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		if l.matchesProcess(pid) {
			return pid, nil
		}
	}
	return 0, errors.New("liaison: producer process not found")
}

func (l *Liaison) matchesProcess(pid int) bool {
	comm, err := os.ReadFile(filepath.Join(l.procRoot, strconv.Itoa(pid), "comm"))
	if err == nil && strings.Contains(string(comm), l.processName) {
		return true
	}
	cmdline, err := os.ReadFile(filepath.Join(l.procRoot, strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return false
	}
	return strings.Contains(string(cmdline), l.processName)
}

// addressable reports whether pid shares this process's mount namespace,
// a cheap proxy for "can this process's signal reach it" in a sidecar
// deployment where the producer may live in a different container.
func (l *Liaison) addressable(pid int) bool {
	self, err := os.Readlink(filepath.Join(l.procRoot, "self", "root"))
	if err != nil {
		return false
	}
	other, err := os.Readlink(filepath.Join(l.procRoot, strconv.Itoa(pid), "root"))
	if err != nil {
		return false
	}
	return self == other
}
