// Package daemon implements the pm3 supervisor: a Unix-socket server
// owning the process table, the request dispatcher, and the log tailer.
package daemon

import (
	"bufio"
	"bytes"
	"net"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/frectonz/pm3/paths"
	"github.com/frectonz/pm3/pidfile"
	"github.com/frectonz/pm3/process"
	"github.com/frectonz/pm3/protocol"
)

// Daemon owns the process table and the socket listener. The table is
// the only state shared between connection goroutines; mu serializes
// every mutation.
type Daemon struct {
	paths  paths.Paths
	logger *log.Logger

	mu    sync.RWMutex
	table map[string]*process.Managed

	listener     net.Listener
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates a daemon for the given path layout.
func New(p paths.Paths, logger *log.Logger) *Daemon {
	return &Daemon{
		paths:      p,
		logger:     logger,
		table:      make(map[string]*process.Managed),
		shutdownCh: make(chan struct{}),
	}
}

// Run starts the daemon and blocks until a kill request or a
// termination signal arrives. The PID file and socket are removed on
// every exit path.
func Run(p paths.Paths, logger *log.Logger) error {
	if err := os.MkdirAll(p.DataDir(), 0o755); err != nil {
		return err
	}
	if err := pidfile.Write(p); err != nil {
		return err
	}
	defer pidfile.Remove(p)

	// Remove a stale socket left behind by an unclean exit.
	if err := os.Remove(p.SocketFile()); err != nil && !os.IsNotExist(err) {
		return err
	}
	listener, err := net.Listen("unix", p.SocketFile())
	if err != nil {
		return err
	}
	defer os.Remove(p.SocketFile())
	// Keep the socket file until every child has been stopped; the
	// deferred remove above deletes it after the listener is closed.
	if ul, ok := listener.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false)
	}
	if err := os.Chmod(p.SocketFile(), 0o700); err != nil {
		listener.Close()
		return err
	}

	d := New(p, logger)
	d.listener = listener

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	d.wg.Add(1)
	go d.acceptLoop()

	logger.Info("daemon started", "pid", os.Getpid(), "socket", p.SocketFile())

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case <-d.shutdownCh:
		logger.Info("shutdown requested")
	}
	d.triggerShutdown()
	listener.Close()

	d.stopAll()
	d.wg.Wait()
	logger.Info("daemon stopped")
	return nil
}

func (d *Daemon) triggerShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

func (d *Daemon) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.shutdownCh:
				return
			default:
				d.logger.Error("accept error", "error", err)
				continue
			}
		}
		d.wg.Add(1)
		go func(c net.Conn) {
			defer d.wg.Done()
			defer c.Close()
			d.handleConnection(c)
		}(conn)
	}
}

// handleConnection reads exactly one request line, dispatches it, and
// writes one or more response frames before half-closing the write
// side.
func (d *Daemon) handleConnection(conn net.Conn) {
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		// Empty read: the client connected and went away.
		return
	}
	if len(bytes.TrimRight(line, "\r\n")) == 0 {
		// Empty request line closes the connection silently.
		return
	}

	req, err := protocol.DecodeRequest(line)
	if err != nil {
		d.writeResponse(conn, protocol.Errorf("%v", err))
		closeWrite(conn)
		return
	}

	if req.Type == protocol.ReqLog {
		d.streamLogs(conn, req)
	} else {
		resp := d.dispatch(req)
		d.writeResponse(conn, resp)
	}
	closeWrite(conn)
}

func (d *Daemon) writeResponse(conn net.Conn, resp protocol.Response) error {
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

func closeWrite(conn net.Conn) {
	if uc, ok := conn.(*net.UnixConn); ok {
		uc.CloseWrite()
	}
}

// monitor observes one child's exit and flips its record to stopped,
// unless a stop or restart got there first.
func (d *Daemon) monitor(name string, m *process.Managed) {
	select {
	case <-m.Done():
	case <-d.shutdownCh:
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.table[name]; ok && cur == m && m.Status == protocol.StatusOnline {
		m.MarkReaped()
		d.logger.Info("process exited", "name", name)
	}
}

// stopAll gracefully stops every table entry and drops the table.
// Per-process failures are logged, not propagated.
func (d *Daemon) stopAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, name := range sortedKeys(d.table) {
		if err := d.table[name].GracefulStop(); err != nil {
			d.logger.Error("failed to stop process", "name", name, "error", err)
		} else {
			d.logger.Info("process stopped", "name", name)
		}
	}
	d.table = make(map[string]*process.Managed)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
