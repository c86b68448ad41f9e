// Package watcher implements the filesystem-event-triggered daemon: one
// non-recursive watch per file-watch task, glob+event-kind filtering,
// per-(task, watched-directory) monotonic debounce, and PID-file-managed
// daemon lifecycle.
//
// Grounded on the original implementation's watcher.py (TaskEventHandler,
// run_watch_service, _daemon_loop, start_daemon/stop_daemon/is_daemon_running),
// using fsnotify in place of watchdog for the event source (see DESIGN.md).
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/remyolson/clodputer/internal/clock"
	"github.com/remyolson/clodputer/internal/clodputererr"
	"github.com/remyolson/clodputer/internal/queue"
	"github.com/remyolson/clodputer/internal/task"
)

// ErrNoWatchTargets is returned by Run when it is given no file-watch tasks
// or when none of their paths could be watched.
type ErrNoWatchTargets struct{}

func (ErrNoWatchTargets) Error() string { return "watcher: no file-watch tasks configured" }

// FileWatchTasks filters recs to those that are enabled and carry a
// file-watch trigger, preserving input order.
func FileWatchTasks(recs []*task.Record) []*task.Record {
	var out []*task.Record
	for _, r := range recs {
		if r.Enabled && r.FileWatch != nil {
			out = append(out, r)
		}
	}
	return out
}

// debounceKey identifies one (task, watched directory) pair for debounce
// bookkeeping. Each task watches exactly one directory, so a burst of
// events there — even across distinct files — collapses to a single
// emission per debounce window.
type debounceKey struct {
	task string
	dir  string
}

// Enqueuer is the narrow slice of queue.Manager the watcher needs, so
// tests can substitute a fake without standing up a real lock file.
type Enqueuer interface {
	Enqueue(taskName string, priority task.Priority, metadata map[string]interface{}, notBefore *time.Time, attempt int) (queue.Item, error)
}

// Service runs one generation of file watching: it schedules a
// non-recursive fsnotify watch per task's trigger path, filters and
// debounces events, and enqueues matches until the stop channel passed to
// Run is closed.
type Service struct {
	clock    clock.Clock
	log      zerolog.Logger
	mu       sync.Mutex
	lastSeen map[debounceKey]time.Duration
}

// NewService returns a Service using clk for debounce timing.
func NewService(clk clock.Clock, log zerolog.Logger) *Service {
	return &Service{clock: clk, log: log, lastSeen: map[debounceKey]time.Duration{}}
}

// Run watches every task in recs until stop is closed. Missing watch
// paths are logged and skipped, not fatal. Returns ErrNoWatchTargets if no
// watch was successfully scheduled.
func (s *Service) Run(recs []*task.Record, enq Enqueuer, stop <-chan struct{}) error {
	tasks := FileWatchTasks(recs)
	if len(tasks) == 0 {
		return ErrNoWatchTargets{}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	defer w.Close()

	byDir := map[string][]*task.Record{}
	watched := 0
	for _, rec := range tasks {
		dir := expandHome(rec.FileWatch.Path)
		if _, err := os.Stat(dir); err != nil {
			s.log.Warn().Str("task", rec.Name).Str("path", dir).Msg("watch path missing; skipping")
			continue
		}
		if err := w.Add(dir); err != nil {
			s.log.Warn().Str("task", rec.Name).Str("path", dir).Err(err).Msg("failed to watch path; skipping")
			continue
		}
		byDir[dir] = append(byDir[dir], rec)
		watched++
	}
	if watched == 0 {
		return ErrNoWatchTargets{}
	}

	for {
		select {
		case <-stop:
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			s.handle(ev, byDir, enq)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

// EmptySetRetryInterval is how long the supervising loop sleeps before
// reloading the task set when it finds no file-watch tasks configured,
// matching the original implementation's 60-second sleep in _daemon_loop.
const EmptySetRetryInterval = 60 * time.Second

// RunErrorRetryInterval is how long the supervising loop sleeps before
// reloading and retrying after a watch generation ends in error (e.g.
// every configured watch path was missing), matching the original
// implementation's 30-second retry sleep.
const RunErrorRetryInterval = 30 * time.Second

// LoadTasksFunc reloads the current task set. The supervising loop calls
// it once per generation so that configuration changes between
// generations are picked up without restarting the daemon.
type LoadTasksFunc func() ([]*task.Record, error)

// Supervise implements the outer daemon loop from §4.7: on each
// iteration it reloads the task set, starts a watch generation via Run,
// and on that generation's exit either returns (stop requested) or
// sleeps and retries (no tasks configured, or every watch path failed to
// schedule). It is the long-lived body of the forked watcher daemon
// child process; it blocks until stop is closed.
//
// Grounded on the original implementation's _daemon_loop: reload tasks,
// sleep-and-retry on an empty set, sleep-and-retry on run_watch_service
// raising WatcherError, otherwise break (clean stop).
func (s *Service) Supervise(load LoadTasksFunc, enq Enqueuer, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		recs, err := load()
		if err != nil {
			s.log.Error().Err(err).Msg("watcher: failed to load tasks; retrying")
			if sleepOrStop(RunErrorRetryInterval, stop) {
				return
			}
			continue
		}

		if len(FileWatchTasks(recs)) == 0 {
			s.log.Info().Msg("watcher: no file-watch tasks configured; retrying")
			if sleepOrStop(EmptySetRetryInterval, stop) {
				return
			}
			continue
		}

		if err := s.Run(recs, enq, stop); err != nil {
			s.log.Warn().Err(err).Msg("watcher: watch generation ended; retrying")
			if sleepOrStop(RunErrorRetryInterval, stop) {
				return
			}
			continue
		}

		// Run returned nil only when stop fired or the event channel
		// closed underneath it; either way there is nothing left to
		// supervise.
		return
	}
}

// sleepOrStop sleeps for d unless stop fires first, reporting whether
// stop fired.
func sleepOrStop(d time.Duration, stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	case <-time.After(d):
		return false
	}
}

func (s *Service) handle(ev fsnotify.Event, byDir map[string][]*task.Record, enq Enqueuer) {
	dir := filepath.Dir(ev.Name)
	base := filepath.Base(ev.Name)

	kind, ok := eventKind(ev.Op)
	if !ok {
		return
	}

	for _, rec := range byDir[dir] {
		if rec.FileWatch.Event != "" && rec.FileWatch.Event != kind {
			continue
		}
		pattern := rec.FileWatch.Pattern
		if pattern == "" {
			pattern = "*"
		}
		matched, err := filepath.Match(pattern, base)
		if err != nil || !matched {
			continue
		}
		if !s.admit(rec.Name, dir, rec.FileWatch.DebounceMillis) {
			continue
		}
		if _, err := enq.Enqueue(rec.Name, rec.Priority, map[string]interface{}{
			"trigger": "file_watch",
			"event":   string(kind),
			"path":    ev.Name,
		}, nil, 0); err != nil {
			s.log.Warn().Err(err).Str("task", rec.Name).Msg("watcher enqueue failed")
		}
	}
}

func eventKind(op fsnotify.Op) (task.WatchEvent, bool) {
	switch {
	case op&fsnotify.Create != 0:
		return task.WatchCreated, true
	case op&fsnotify.Write != 0:
		return task.WatchModified, true
	case op&fsnotify.Remove != 0, op&fsnotify.Rename != 0:
		return task.WatchDeleted, true
	default:
		return "", false
	}
}

// admit reports whether enough time has elapsed since the last emission
// for this task's watched directory. Rapid-fire events on the same key
// collapse to one emission per window, regardless of which file inside
// the directory produced them. Guarded by a mutex since fsnotify
// dispatches on its own goroutine.
func (s *Service) admit(taskName, dir string, debounceMillis int) bool {
	if debounceMillis <= 0 {
		debounceMillis = 1000
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := debounceKey{task: taskName, dir: dir}
	now := s.clock.Monotonic()
	last, seen := s.lastSeen[key]
	if seen && now-last < time.Duration(debounceMillis)*time.Millisecond {
		return false
	}
	s.lastSeen[key] = now
	return true
}

func expandHome(p string) string {
	if p == "~" || len(p) >= 2 && p[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		if p == "~" {
			return home
		}
		return filepath.Join(home, p[2:])
	}
	return p
}

// Daemon manages the PID-file-backed watcher background process.
type Daemon struct {
	PIDFile string
	LogFile string
	Log     zerolog.Logger
}

// IsRunning reports whether watcher.pid references a currently-live
// process.
func (d *Daemon) IsRunning() bool {
	data, err := os.ReadFile(d.PIDFile)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return false
	}
	live, err := process.PidExists(int32(pid))
	return err == nil && live
}

// WritePID records pid as the daemon's pid file. Called by the parent
// process immediately after forking the child (it is the child's pid,
// not the parent's, that is recorded — see §4.7).
func (d *Daemon) WritePID(pid int) error {
	return os.WriteFile(d.PIDFile, []byte(strconv.Itoa(pid)), 0o644)
}

// RequestStart refuses to proceed if a live process already owns the pid
// file, per §4.7 "refuses to start if a live pid is recorded". The actual
// process fork is the caller's responsibility (cmd/clodputer), since
// os/exec re-invocation is a process-management concern outside this
// package's scope.
func (d *Daemon) RequestStart() error {
	if d.IsRunning() {
		return clodputererr.New("watcher.RequestStart", clodputererr.WatcherAlreadyRunning,
			fmt.Errorf("pid file %s references a live process", d.PIDFile))
	}
	return nil
}

// Stop signals SIGTERM to the recorded pid, polls liveness for up to
// timeout, and always removes the pid file afterward.
func (d *Daemon) Stop(timeout time.Duration) error {
	data, err := os.ReadFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer os.Remove(d.PIDFile)

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		return nil
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		live, _ := process.PidExists(int32(pid))
		if !live {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}
