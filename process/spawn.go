// Package process parses commands, spawns managed children with
// redirected stdio, and implements the graceful stop protocol.
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/frectonz/pm3/config"
	"github.com/frectonz/pm3/paths"
	"github.com/frectonz/pm3/protocol"
)

// ErrInvalidCommand marks command strings that cannot be parsed into a
// program and arguments.
var ErrInvalidCommand = errors.New("invalid command")

// SpawnError wraps an OS-level spawn failure.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ParseCommand splits a command string into program and arguments using
// POSIX shell-word rules (quotes and backslash escapes).
func ParseCommand(command string) (string, []string, error) {
	words, err := shellwords.Parse(command)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if len(words) == 0 {
		return "", nil, fmt.Errorf("%w: command is empty", ErrInvalidCommand)
	}
	return words[0], words[1:], nil
}

// Spawn launches a child for the given config. Stdin comes from the
// null device; stdout and stderr append to the per-process log files.
// extraEnv is overlaid on the inherited environment before the
// per-process config env.
func Spawn(name string, cfg config.ProcessConfig, extraEnv map[string]string, p paths.Paths) (*Managed, error) {
	program, args, err := ParseCommand(cfg.Command)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(p.LogDir(), 0o755); err != nil {
		return nil, &SpawnError{Name: name, Err: err}
	}
	stdout, err := openLog(p.StdoutFile(name))
	if err != nil {
		return nil, &SpawnError{Name: name, Err: err}
	}
	stderr, err := openLog(p.StderrFile(name))
	if err != nil {
		stdout.Close()
		return nil, &SpawnError{Name: name, Err: err}
	}

	cmd := exec.Command(program, args...)
	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}
	cmd.Stdin = nil // null device
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Children get their own process group so signals reach
	// shell-wrapped grandchildren too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if len(extraEnv) > 0 || len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range extraEnv {
			env = append(env, k+"="+v)
		}
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, &SpawnError{Name: name, Err: err}
	}
	// The child holds its own copies of the log descriptors.
	stdout.Close()
	stderr.Close()

	m := &Managed{
		Name:      name,
		Config:    cfg,
		ExtraEnv:  extraEnv,
		Status:    protocol.StatusOnline,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		close(m.done)
	}()
	return m, nil
}

func openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
