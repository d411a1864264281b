// Package pidfile enforces the one-daemon-per-data-dir invariant.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/frectonz/pm3/paths"
)

// ErrAlreadyRunning is returned by Write when a live daemon holds the
// PID file.
var ErrAlreadyRunning = errors.New("daemon is already running")

// Read returns the PID stored in the PID file.
func Read(p paths.Paths) (int, error) {
	data, err := os.ReadFile(p.PIDFile())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing PID file %s: %w", p.PIDFile(), err)
	}
	return pid, nil
}

// IsDaemonRunning reports whether the PID file names a process that is
// alive and signalable by this user. A stale or unparseable PID file
// counts as not running.
func IsDaemonRunning(p paths.Paths) bool {
	pid, err := Read(p)
	if err != nil {
		return false
	}
	// Zero-signal probe: delivery is never attempted, but existence and
	// permission are checked.
	return syscall.Kill(pid, 0) == nil
}

// Write records the current PID, creating parent directories as needed.
// The write is atomic (temp file + rename) so a concurrent reader never
// sees a partial PID.
func Write(p paths.Paths) error {
	if IsDaemonRunning(p) {
		return ErrAlreadyRunning
	}
	if err := os.MkdirAll(filepath.Dir(p.PIDFile()), 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	tmp := p.PIDFile() + ".tmp"
	content := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	if err := os.Rename(tmp, p.PIDFile()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing PID file: %w", err)
	}
	return nil
}

// Remove deletes the PID file. Best effort; absence is not an error.
func Remove(p paths.Paths) {
	_ = os.Remove(p.PIDFile())
}
