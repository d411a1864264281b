package daemon

import (
	"fmt"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v3/process"

	"github.com/frectonz/pm3/process"
	"github.com/frectonz/pm3/protocol"
)

// dispatch translates one decoded request into table mutations and a
// single response. Streaming log requests never reach here.
func (d *Daemon) dispatch(req protocol.Request) protocol.Response {
	switch req.Type {
	case protocol.ReqStart:
		return d.handleStart(req)
	case protocol.ReqStop:
		return d.handleStop(req)
	case protocol.ReqRestart:
		return d.handleRestart(req, true)
	case protocol.ReqReload:
		return d.handleRestart(req, false)
	case protocol.ReqList:
		return d.handleList()
	case protocol.ReqInfo:
		return d.handleInfo(req)
	case protocol.ReqSignal:
		return d.handleSignal(req)
	case protocol.ReqSave:
		return d.handleSave()
	case protocol.ReqResurrect:
		return d.handleResurrect()
	case protocol.ReqFlush:
		return d.handleFlush(req)
	case protocol.ReqKill:
		d.triggerShutdown()
		return protocol.Success("daemon shutting down")
	default:
		return protocol.Errorf("unknown request type %q", req.Type)
	}
}

// resolveTargets maps an optional name list to table keys. With no
// names, every current key is a target; otherwise every name must
// exist. Callers hold the table lock.
func (d *Daemon) resolveTargets(names []string) ([]string, error) {
	if len(names) == 0 {
		return sortedKeys(d.table), nil
	}
	for _, name := range names {
		if _, ok := d.table[name]; !ok {
			return nil, fmt.Errorf("process %q not found", name)
		}
	}
	return names, nil
}

func (d *Daemon) handleStart(req protocol.Request) protocol.Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	var targets []string
	if len(req.Names) > 0 {
		for _, name := range req.Names {
			if _, ok := req.Configs[name]; !ok {
				return protocol.Errorf("process %q not found in config", name)
			}
		}
		targets = req.Names
	} else {
		targets = sortedKeys(req.Configs)
	}

	var started []string
	for _, name := range targets {
		if _, exists := d.table[name]; exists {
			continue
		}
		m, err := process.Spawn(name, req.Configs[name], req.Env, d.paths)
		if err != nil {
			return protocol.Errorf("%v", err)
		}
		d.table[name] = m
		go d.monitor(name, m)
		started = append(started, name)
		d.logger.Info("process started", "name", name, "pid", *m.PID())
	}
	if len(started) == 0 {
		return protocol.Success("everything is already running")
	}
	return protocol.Success("started: " + strings.Join(started, ", "))
}

func (d *Daemon) handleStop(req protocol.Request) protocol.Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	targets, err := d.resolveTargets(req.Names)
	if err != nil {
		return protocol.Errorf("%v", err)
	}
	var stopped []string
	for _, name := range targets {
		m := d.table[name]
		if m.Status == protocol.StatusStopped {
			continue
		}
		if err := m.GracefulStop(); err != nil {
			return protocol.Errorf("%v", err)
		}
		stopped = append(stopped, name)
		d.logger.Info("process stopped", "name", name)
	}
	if len(stopped) == 0 {
		return protocol.Success("nothing to stop")
	}
	return protocol.Success("stopped: " + strings.Join(stopped, ", "))
}

// handleRestart serves both restart (counter incremented) and reload
// (counter preserved).
func (d *Daemon) handleRestart(req protocol.Request, countRestart bool) protocol.Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	targets, err := d.resolveTargets(req.Names)
	if err != nil {
		return protocol.Errorf("%v", err)
	}
	verb := "restarted"
	if !countRestart {
		verb = "reloaded"
	}
	var done []string
	for _, name := range targets {
		old := d.table[name]
		if old.Status != protocol.StatusStopped {
			if err := old.GracefulStop(); err != nil {
				return protocol.Errorf("%v", err)
			}
		}
		m, err := process.Spawn(name, old.Config, old.ExtraEnv, d.paths)
		if err != nil {
			return protocol.Errorf("%v", err)
		}
		m.Restarts = old.Restarts
		if countRestart {
			m.Restarts++
		}
		d.table[name] = m
		go d.monitor(name, m)
		done = append(done, name)
		d.logger.Info("process "+verb, "name", name, "pid", *m.PID(), "restarts", m.Restarts)
	}
	return protocol.Success(verb + ": " + strings.Join(done, ", "))
}

func (d *Daemon) handleList() protocol.Response {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var infos []protocol.ProcessInfo
	for _, name := range sortedKeys(d.table) {
		infos = append(infos, d.table[name].Info())
	}
	return protocol.ProcessList(infos)
}

func (d *Daemon) handleInfo(req protocol.Request) protocol.Response {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.table[req.Name]
	if !ok {
		return protocol.Errorf("process %q not found", req.Name)
	}
	info := m.Info()
	if pid := m.PID(); pid != nil && m.Status == protocol.StatusOnline {
		if proc, err := gopsproc.NewProcess(int32(*pid)); err == nil {
			if cpu, err := proc.CPUPercent(); err == nil {
				info.CPUPercent = &cpu
			}
			if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
				rss := mem.RSS
				info.MemoryBytes = &rss
			}
		}
	}
	return protocol.ProcessDetail(info)
}

func (d *Daemon) handleSignal(req protocol.Request) protocol.Response {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.table[req.Name]
	if !ok {
		return protocol.Errorf("process %q not found", req.Name)
	}
	sig, err := process.LookupSignal(req.Signal)
	if err != nil {
		return protocol.Errorf("%v", err)
	}
	if err := m.Signal(sig); err != nil {
		return protocol.Errorf("failed to signal %s: %v", req.Name, err)
	}
	d.logger.Info("signal sent", "name", req.Name, "signal", process.SignalName(sig))
	return protocol.Success(fmt.Sprintf("sent %s to %s", process.SignalName(sig), req.Name))
}
