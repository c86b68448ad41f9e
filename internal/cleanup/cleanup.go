// Package cleanup terminates a process tree: graceful signal, grace
// period, force-kill, then a final sweep for orphaned agent-CLI
// sub-processes identified by a name substring.
//
// Grounded on the original implementation's cleanup.py
// (cleanup_process_tree, _terminate_processes, _kill_processes,
// _find_orphaned_mcp_processes), using gopsutil/v3/process in place of
// psutil for descendant enumeration and signaling (see DESIGN.md).
package cleanup

import (
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// DefaultOrphanNameSubstring is the configurable constant the orphan sweep
// matches against process executable names. The agent CLI is known to
// spawn MCP server sibling processes whose names contain this substring;
// kept configurable per the design notes' Open Question rather than a
// buried literal.
const DefaultOrphanNameSubstring = "mcp__"

// DefaultGracePeriod is how long the engine waits for voluntary exit after
// a termination signal before force-killing.
const DefaultGracePeriod = 5 * time.Second

// Report lists the three disjoint outcome sets from one cleanup call.
type Report struct {
	Terminated []int32 `json:"terminated"`
	Killed     []int32 `json:"killed"`
	Orphaned   []int32 `json:"orphaned_mcps"`
}

// Total is the count of all processes this cleanup call accounted for.
func (r Report) Total() int {
	return len(r.Terminated) + len(r.Killed) + len(r.Orphaned)
}

// Engine performs best-effort process tree cleanup. It never returns an
// error to the caller: individual signal failures (already exited,
// permission denied) are logged and ignored, per §4.3.
type Engine struct {
	GracePeriod         time.Duration
	OrphanNameSubstring string
	Log                 zerolog.Logger
}

// NewEngine returns an Engine with spec defaults.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{
		GracePeriod:         DefaultGracePeriod,
		OrphanNameSubstring: DefaultOrphanNameSubstring,
		Log:                 log,
	}
}

// CleanupProcessTree terminates rootPID and every live descendant, waiting
// up to the grace period before force-killing stragglers, then sweeps
// orphaned agent-CLI sibling processes matching OrphanNameSubstring.
func (e *Engine) CleanupProcessTree(rootPID int32) Report {
	var report Report

	procs := e.collectTree(rootPID)
	accounted := map[int32]bool{}
	termSent := map[int32]bool{}

	for _, p := range procs {
		if e.terminate(p) {
			termSent[p.Pid] = true
		}
		accounted[p.Pid] = true
	}

	grace := e.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if e.allExited(procs) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	for _, p := range procs {
		if e.isAlive(p) {
			if e.kill(p) {
				report.Killed = append(report.Killed, p.Pid)
			}
		} else if termSent[p.Pid] {
			report.Terminated = append(report.Terminated, p.Pid)
		}
	}

	for _, p := range e.findOrphans() {
		if accounted[p.Pid] {
			continue
		}
		if e.kill(p) {
			report.Orphaned = append(report.Orphaned, p.Pid)
		}
	}

	e.Log.Info().
		Int32("root_pid", rootPID).
		Int("terminated", len(report.Terminated)).
		Int("killed", len(report.Killed)).
		Int("orphaned", len(report.Orphaned)).
		Msg("process tree cleanup complete")

	return report
}

// collectTree walks the full descendant tree of rootPID breadth-first,
// not just direct children, since an agent run may spawn a shell that in
// turn spawns its own worker processes.
func (e *Engine) collectTree(rootPID int32) []*process.Process {
	root, err := process.NewProcess(rootPID)
	if err != nil {
		// Already gone; nothing to clean up.
		return nil
	}

	seen := map[int32]bool{rootPID: true}
	tree := []*process.Process{root}
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		children, err := p.Children()
		if err != nil {
			continue
		}
		for _, c := range children {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			tree = append(tree, c)
			queue = append(queue, c)
		}
	}
	return tree
}

func (e *Engine) terminate(p *process.Process) bool {
	if err := p.SendSignal(syscall.SIGTERM); err != nil {
		e.Log.Warn().Int32("pid", p.Pid).Err(err).Msg("terminate signal failed")
		return false
	}
	return true
}

func (e *Engine) kill(p *process.Process) bool {
	if err := p.SendSignal(syscall.SIGKILL); err != nil {
		e.Log.Warn().Int32("pid", p.Pid).Err(err).Msg("kill signal failed")
		return false
	}
	return true
}

func (e *Engine) isAlive(p *process.Process) bool {
	running, err := p.IsRunning()
	if err != nil {
		return false
	}
	return running
}

func (e *Engine) allExited(procs []*process.Process) bool {
	for _, p := range procs {
		if e.isAlive(p) {
			return false
		}
	}
	return true
}

func (e *Engine) findOrphans() []*process.Process {
	substr := e.OrphanNameSubstring
	if substr == "" {
		substr = DefaultOrphanNameSubstring
	}
	all, err := process.Processes()
	if err != nil {
		e.Log.Warn().Err(err).Msg("orphan sweep: failed to list processes")
		return nil
	}
	var matches []*process.Process
	for _, p := range all {
		name, err := p.Name()
		if err != nil {
			continue
		}
		if strings.Contains(name, substr) {
			matches = append(matches, p)
		}
	}
	return matches
}
