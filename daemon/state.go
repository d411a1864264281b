package daemon

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/frectonz/pm3/config"
	"github.com/frectonz/pm3/process"
	"github.com/frectonz/pm3/protocol"
)

// dumpEntry is one saved process in the dump file.
type dumpEntry struct {
	Config   config.ProcessConfig `toml:"config"`
	Restarts uint32               `toml:"restarts"`
}

type dumpFile struct {
	Processes map[string]dumpEntry `toml:"processes"`
}

// handleSave persists every table entry's config and restart counter to
// the dump file atomically.
func (d *Daemon) handleSave() protocol.Response {
	d.mu.RLock()
	dump := dumpFile{Processes: make(map[string]dumpEntry, len(d.table))}
	for name, m := range d.table {
		dump.Processes[name] = dumpEntry{Config: m.Config, Restarts: m.Restarts}
	}
	d.mu.RUnlock()

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(dump); err != nil {
		return protocol.Errorf("encoding dump: %v", err)
	}
	tmp := d.paths.DumpFile() + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return protocol.Errorf("writing dump: %v", err)
	}
	if err := os.Rename(tmp, d.paths.DumpFile()); err != nil {
		os.Remove(tmp)
		return protocol.Errorf("writing dump: %v", err)
	}
	d.logger.Info("process table saved", "count", len(dump.Processes))
	return protocol.Success(fmt.Sprintf("saved %d processes", len(dump.Processes)))
}

// handleResurrect respawns every saved process not already in the
// table, restoring restart counters. Individual spawn failures are
// reported but do not abort the rest.
func (d *Daemon) handleResurrect() protocol.Response {
	data, err := os.ReadFile(d.paths.DumpFile())
	if err != nil {
		if os.IsNotExist(err) {
			return protocol.Success("nothing to resurrect")
		}
		return protocol.Errorf("reading dump: %v", err)
	}
	var dump dumpFile
	if err := toml.Unmarshal(data, &dump); err != nil {
		return protocol.Errorf("parsing dump: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var resurrected, failed []string
	for _, name := range sortedKeys(dump.Processes) {
		if _, exists := d.table[name]; exists {
			continue
		}
		entry := dump.Processes[name]
		m, err := process.Spawn(name, entry.Config, nil, d.paths)
		if err != nil {
			d.logger.Error("failed to resurrect process", "name", name, "error", err)
			failed = append(failed, name)
			continue
		}
		m.Restarts = entry.Restarts
		d.table[name] = m
		go d.monitor(name, m)
		resurrected = append(resurrected, name)
		d.logger.Info("process resurrected", "name", name, "pid", *m.PID())
	}

	if len(resurrected) == 0 && len(failed) == 0 {
		return protocol.Success("nothing to resurrect")
	}
	msg := "resurrected: " + strings.Join(resurrected, ", ")
	if len(failed) > 0 {
		msg += "; failed: " + strings.Join(failed, ", ")
	}
	return protocol.Success(msg)
}

// handleFlush truncates the log files of the targets. Follow-mode
// tailers observe the shrunken files and reset their offsets.
func (d *Daemon) handleFlush(req protocol.Request) protocol.Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	targets, err := d.resolveTargets(req.Names)
	if err != nil {
		return protocol.Errorf("%v", err)
	}
	for _, name := range targets {
		for _, path := range []string{d.paths.StdoutFile(name), d.paths.StderrFile(name)} {
			if err := os.Truncate(path, 0); err != nil && !os.IsNotExist(err) {
				return protocol.Errorf("failed to flush %s: %v", name, err)
			}
		}
		d.logger.Info("logs flushed", "name", name)
	}
	return protocol.Success("flushed: " + strings.Join(targets, ", "))
}
