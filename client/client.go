// Package client connects to the daemon's socket, sends one request,
// and reads the response stream. It also auto-starts the daemon when
// none is running.
package client

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/frectonz/pm3/paths"
	"github.com/frectonz/pm3/pidfile"
	"github.com/frectonz/pm3/protocol"
)

// SendRequest performs one request/response exchange: connect, write
// the encoded request, half-close, read exactly one response line.
func SendRequest(p paths.Paths, req protocol.Request) (protocol.Response, error) {
	conn, err := net.Dial("unix", p.SocketFile())
	if err != nil {
		return protocol.Response{}, fmt.Errorf("connecting to daemon: %w", err)
	}
	defer conn.Close()

	if err := writeRequest(conn, req); err != nil {
		return protocol.Response{}, err
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return protocol.Response{}, fmt.Errorf("reading response: %w", err)
	}
	return protocol.DecodeResponse(line)
}

// Stream sends one request and hands every response frame to handle
// until the daemon closes the connection or handle returns an error.
// Used for log streaming.
func Stream(p paths.Paths, req protocol.Request, handle func(protocol.Response) error) error {
	conn, err := net.Dial("unix", p.SocketFile())
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w", err)
	}
	defer conn.Close()

	if err := writeRequest(conn, req); err != nil {
		return err
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		resp, err := protocol.DecodeResponse(scanner.Bytes())
		if err != nil {
			return err
		}
		if err := handle(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func writeRequest(conn net.Conn, req protocol.Request) error {
	data, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		uc.CloseWrite()
	}
	return nil
}

// EnsureDaemon starts a detached daemon for the given paths when none
// is running, and waits for its socket to appear.
func EnsureDaemon(p paths.Paths) error {
	if pidfile.IsDaemonRunning(p) {
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating pm3 binary: %w", err)
	}
	cmd := exec.Command(exe, "--daemon")
	cmd.Env = append(os.Environ(), paths.DataDirEnv+"="+p.DataDir())
	// Detach into its own session so the daemon outlives this client.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	cmd.Process.Release()

	for i := 0; i < 50; i++ {
		if _, err := os.Stat(p.SocketFile()); err == nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not create socket %s", p.SocketFile())
}
