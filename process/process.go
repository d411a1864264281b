package process

import (
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/frectonz/pm3/config"
	"github.com/frectonz/pm3/protocol"
)

// DefaultKillTimeout bounds SIGTERM → SIGKILL escalation when the
// process config does not override it.
const DefaultKillTimeout = 10 * time.Second

// StopError wraps a signal-delivery failure during a stop.
type StopError struct {
	Name string
	Err  error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("failed to stop %s: %v", e.Name, e.Err)
}

func (e *StopError) Unwrap() error { return e.Err }

// Managed is the daemon-resident record of one child process. All
// fields are mutated only while the daemon holds the process table's
// write lock; the done channel is the only cross-goroutine signal.
type Managed struct {
	Name      string
	Config    config.ProcessConfig
	ExtraEnv  map[string]string
	Status    protocol.Status
	StartedAt time.Time
	Restarts  uint32

	cmd    *exec.Cmd
	done   chan struct{}
	reaped bool
}

// Done is closed once the child has exited and been waited on.
func (m *Managed) Done() <-chan struct{} { return m.done }

// PID returns the child's PID, or nil once the record has been marked
// reaped.
func (m *Managed) PID() *int {
	if m.reaped || m.cmd == nil || m.cmd.Process == nil {
		return nil
	}
	pid := m.cmd.Process.Pid
	return &pid
}

// MarkReaped flips the record to stopped after the child's exit has
// been observed.
func (m *Managed) MarkReaped() {
	m.Status = protocol.StatusStopped
	m.reaped = true
}

// Signal delivers a signal to the child's process group, falling back
// to the child itself when the group lookup fails.
func (m *Managed) Signal(sig syscall.Signal) error {
	if m.cmd == nil || m.cmd.Process == nil {
		return fmt.Errorf("process %s has no child", m.Name)
	}
	pid := m.cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil {
		return syscall.Kill(-pgid, sig)
	}
	return syscall.Kill(pid, sig)
}

// KillTimeout is the SIGTERM → SIGKILL deadline for this process.
func (m *Managed) KillTimeout() time.Duration {
	if d := time.Duration(m.Config.KillTimeout); d > 0 {
		return d
	}
	return DefaultKillTimeout
}

// GracefulStop terminates the child: SIGTERM, wait up to the kill
// timeout, escalate to SIGKILL, then wait for the exit. Idempotent on
// already-stopped records.
func (m *Managed) GracefulStop() error {
	if m.Status == protocol.StatusStopped {
		return nil
	}
	select {
	case <-m.done:
		// Child already exited on its own; just observe it.
		m.MarkReaped()
		return nil
	default:
	}

	if err := m.Signal(syscall.SIGTERM); err != nil {
		return &StopError{Name: m.Name, Err: err}
	}
	select {
	case <-m.done:
	case <-time.After(m.KillTimeout()):
		if err := m.Signal(syscall.SIGKILL); err != nil {
			return &StopError{Name: m.Name, Err: err}
		}
		<-m.done
	}
	m.MarkReaped()
	return nil
}

// Info projects the record into its wire form.
func (m *Managed) Info() protocol.ProcessInfo {
	info := protocol.ProcessInfo{
		Name:     m.Name,
		PID:      m.PID(),
		Status:   m.Status,
		Restarts: m.Restarts,
		Group:    m.Config.Group,
		Command:  m.Config.Command,
		Cwd:      m.Config.Cwd,
	}
	if m.Status == protocol.StatusOnline {
		secs := uint64(time.Since(m.StartedAt) / time.Second)
		info.UptimeSecs = &secs
	}
	return info
}
