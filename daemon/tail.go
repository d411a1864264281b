package daemon

import (
	"bufio"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/frectonz/pm3/protocol"
)

// pollInterval is the follow-mode cadence. Polling avoids a dependency
// on platform filesystem notification APIs.
const pollInterval = 100 * time.Millisecond

// streamLogs serves a log request: historical tail of the last N lines,
// or follow mode streaming lines appended after the request. Each frame
// is written directly to the client; a slow client only blocks its own
// connection.
func (d *Daemon) streamLogs(conn net.Conn, req protocol.Request) {
	var names []string
	labeled := true
	if req.Name != "" {
		names = []string{req.Name}
		labeled = false
	} else {
		d.mu.RLock()
		names = sortedKeys(d.table)
		d.mu.RUnlock()
	}

	if !req.Follow {
		d.streamHistory(conn, names, labeled, req.Lines)
		return
	}
	d.followLogs(conn, names, labeled)
}

func (d *Daemon) streamHistory(conn net.Conn, names []string, labeled bool, n uint) {
	for _, name := range names {
		streams := []struct {
			path  string
			label string
		}{
			{d.paths.StdoutFile(name), name},
			{d.paths.StderrFile(name), name + ":err"},
		}
		for _, s := range streams {
			for _, line := range lastLines(s.path, n) {
				label := ""
				if labeled {
					label = s.label
				}
				if err := d.writeResponse(conn, protocol.LogLine(label, line)); err != nil {
					return
				}
			}
		}
	}
	d.writeResponse(conn, protocol.SuccessEmpty())
}

// tailOffsets tracks how far into each log file a follow stream has
// read. Offsets start at the current sizes so only new lines stream.
type tailOffsets struct {
	out int64
	err int64
}

func (d *Daemon) followLogs(conn net.Conn, names []string, labeled bool) {
	offsets := make(map[string]*tailOffsets, len(names))
	for _, name := range names {
		offsets[name] = &tailOffsets{
			out: fileSize(d.paths.StdoutFile(name)),
			err: fileSize(d.paths.StderrFile(name)),
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.shutdownCh:
			return
		case <-ticker.C:
		}
		for _, name := range names {
			off := offsets[name]
			streams := []struct {
				path   string
				label  string
				offset *int64
			}{
				{d.paths.StdoutFile(name), name, &off.out},
				{d.paths.StderrFile(name), name + ":err", &off.err},
			}
			for _, s := range streams {
				for _, line := range readNewLines(s.path, s.offset) {
					label := ""
					if labeled {
						label = s.label
					}
					if err := d.writeResponse(conn, protocol.LogLine(label, line)); err != nil {
						// Client went away.
						return
					}
				}
			}
		}
	}
}

// lastLines returns the final n lines of a file. Absent files read as
// empty; n == 0 yields nothing.
func lastLines(path string, n uint) []string {
	if n == 0 {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}
	if uint(len(lines)) > n {
		lines = lines[uint(len(lines))-n:]
	}
	return lines
}

// readNewLines reads complete lines appended since *offset and
// advances the offset by the bytes actually consumed. A file that
// shrank (flush) resets the offset to its new end. Partial trailing
// lines stay unread until their newline arrives.
func readNewLines(path string, offset *int64) []string {
	fi, err := os.Stat(path)
	if err != nil {
		return nil
	}
	size := fi.Size()
	if size < *offset {
		*offset = size
		return nil
	}
	if size == *offset {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	if _, err := f.Seek(*offset, io.SeekStart); err != nil {
		return nil
	}

	reader := bufio.NewReader(f)
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		*offset += int64(len(line))
		lines = append(lines, strings.TrimRight(line, "\r\n"))
	}
	return lines
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
