// Package main implements the clodputer CLI: the single entrypoint used
// by cron jobs, file-watch daemon launches, and interactive operators to
// run tasks and inspect runtime state.
//
// Usage:
//
//	clodputer run <task-name> [--priority high]
//	clodputer queue status|clear|cancel <id>
//	clodputer cron install|uninstall|status
//	clodputer watcher start|stop|status
//	clodputer state get|set|clear <task-name>
//
// The runtime state root defaults to ~/.clodputer and can be overridden
// with CLODPUTER_HOME. Task records are read from tasks.json under that
// root; this binary does not validate their schema itself (schema
// validation is a configuration-subsystem concern out of scope here) but
// will refuse to run a task record that parses into an invalid shape.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/remyolson/clodputer/internal/agentbin"
	"github.com/remyolson/clodputer/internal/cleanup"
	"github.com/remyolson/clodputer/internal/clock"
	"github.com/remyolson/clodputer/internal/clodputererr"
	"github.com/remyolson/clodputer/internal/cronsection"
	"github.com/remyolson/clodputer/internal/diagnostics"
	"github.com/remyolson/clodputer/internal/eventlog"
	"github.com/remyolson/clodputer/internal/executor"
	"github.com/remyolson/clodputer/internal/metrics"
	"github.com/remyolson/clodputer/internal/queue"
	"github.com/remyolson/clodputer/internal/statestore"
	"github.com/remyolson/clodputer/internal/task"
	"github.com/remyolson/clodputer/internal/taskstate"
	"github.com/remyolson/clodputer/internal/watcher"
	"github.com/remyolson/clodputer/pkg/logger"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	home := os.Getenv("CLODPUTER_HOME")
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, "clodputer: cannot resolve home directory:", err)
			os.Exit(1)
		}
		home = filepath.Join(h, ".clodputer")
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "clodputer: cannot create state root:", err)
		os.Exit(1)
	}

	log := logger.GetLogger()
	p := resolvePaths(home)

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(p, log, os.Args[2:])
	case "queue":
		err = queueCmd(p, log, os.Args[2:])
	case "cron":
		err = cronCmd(p, log, os.Args[2:])
	case "watcher":
		err = watcherCmd(p, log, os.Args[2:])
	case "state":
		err = stateCmd(p, log, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "clodputer:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: clodputer <run|queue|cron|watcher|state> ...")
}

// paths bundles the state-root file locations shared by every subcommand.
type paths struct {
	home         string
	tasksFile    string
	queueFile    string
	lockFile     string
	metricsFile  string
	stateFile    string
	envFile      string
	eventFile    string
	archiveDir   string
	backupDir    string
	outputsDir   string
	userStateDir string
	cronLog      string
	watcherPID   string
}

func resolvePaths(home string) paths {
	return paths{
		home:         home,
		tasksFile:    filepath.Join(home, "tasks.json"),
		queueFile:    filepath.Join(home, "queue.json"),
		lockFile:     filepath.Join(home, "clodputer.lock"),
		metricsFile:  filepath.Join(home, "metrics.json"),
		stateFile:    filepath.Join(home, "task_state.json"),
		envFile:      filepath.Join(home, "env.json"),
		outputsDir:   filepath.Join(home, "outputs"),
		userStateDir: filepath.Join(home, "state"),
		eventFile:    filepath.Join(home, "execution.log"),
		archiveDir:   filepath.Join(home, "archive"),
		backupDir:    filepath.Join(home, "backups"),
		cronLog:      filepath.Join(home, "cron.log"),
		watcherPID:   filepath.Join(home, "watcher.pid"),
	}
}

// loadTasks reads the operator-maintained task-record list: a plain JSON
// array of task.Record. A missing file yields an empty list rather than
// an error, matching the tolerant-bootstrap behavior of the other state
// documents under the root.
func loadTasks(path string) ([]*task.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var recs []*task.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return recs, nil
}

func findTask(recs []*task.Record, name string) *task.Record {
	for _, r := range recs {
		if r.Name == name {
			return r
		}
	}
	return nil
}

func openQueue(p paths, log zerolog.Logger, autoLock bool) (*queue.Manager, *metrics.Store, error) {
	ms := metrics.NewStore(p.metricsFile, log)
	qm, err := queue.Open(queue.Config{
		QueueFile:    p.queueFile,
		LockFile:     p.lockFile,
		MetricsStore: ms,
		Clock:        clock.Real{},
		Log:          log,
		AutoLock:     autoLock,
	})
	return qm, ms, err
}

// runCmd implements "clodputer run <task-name> [--priority high]": it
// enqueues the named task, then drains the queue one item at a time
// until nothing more is ready, matching the original implementation's
// "enqueue and drive to completion" CLI behavior for an interactively
// triggered run.
func runCmd(p paths, log zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	priority := fs.String("priority", "normal", "normal or high")
	claudeBin := fs.String("claude-bin", os.Getenv("CLODPUTER_CLAUDE_BIN"), "override the agent CLI path")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: clodputer run <task-name> [--priority high]")
	}
	name := fs.Arg(0)
	// Flags may also follow the task name, the form generated cron lines use.
	fs.Parse(fs.Args()[1:])
	if fs.NArg() != 0 {
		return fmt.Errorf("usage: clodputer run <task-name> [--priority high]")
	}

	recs, err := loadTasks(p.tasksFile)
	if err != nil {
		return err
	}
	rec := findTask(recs, name)
	if rec == nil {
		return clodputererr.New("run", clodputererr.ConfigMissing,
			fmt.Errorf("no task named %q in %s", name, p.tasksFile))
	}

	qm, ms, err := openQueue(p, log, true)
	if err != nil {
		return err
	}
	defer qm.Close()

	pr := task.PriorityNormal
	if *priority == "high" {
		pr = task.PriorityHigh
	}
	if _, err := qm.Enqueue(rec.Name, pr, map[string]interface{}{"trigger": "manual"}, nil, 0); err != nil {
		return err
	}

	resolver := agentbin.NewResolver(p.envFile, log)
	bin := resolver.Resolve(*claudeBin)
	if bin == "" {
		return fmt.Errorf("cannot locate the agent CLI; pass --claude-bin or set CLODPUTER_CLAUDE_BIN")
	}
	if *claudeBin == "" {
		resolver.Store(bin)
	}

	el := eventlog.New(p.eventFile, p.archiveDir)
	states := taskstate.NewStore(p.stateFile, log)
	ex := &executor.Executor{
		Queue:      qm,
		Metrics:    ms,
		EventLog:   el,
		Cleanup:    cleanup.NewEngine(log),
		Log:        log,
		ClaudeBin:  bin,
		ExtraArgs:  splitShellWords(os.Getenv("CLODPUTER_EXTRA_ARGS")),
		OutputsDir: p.outputsDir,
	}

	for {
		item, err := qm.GetNextReady()
		if err != nil {
			return err
		}
		if item == nil {
			return nil
		}
		rec := findTask(recs, item.Name)
		if rec == nil {
			// ConfigMissing is recorded as a failure of the run, not
			// silently dropped: failed ring, event log, and metrics all
			// see it.
			msg := fmt.Sprintf("no task named %q in %s", item.Name, p.tasksFile)
			log.Warn().Str("task", item.Name).Msg("queued item references a missing task record; recording failure")
			if err := qm.RecordFailure(*item, msg); err != nil {
				return err
			}
			ms.RecordFailure(item.Name)
			el.TaskFailed(item.ID, item.Name, map[string]interface{}{"error": msg})
			continue
		}
		result, err := ex.Run(rec, *item)
		if err != nil {
			return err
		}
		states.RecordExecution(rec.Name, time.Now().UTC(), result.Outcome == executor.OutcomeSuccess, "")
	}
}

func queueCmd(p paths, log zerolog.Logger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: clodputer queue <status|clear|cancel> [id]")
	}
	// Status is a read-only inspection and must work while another
	// process holds the lock; clear and cancel mutate queue.json and
	// need single-writer access.
	autoLock := args[0] != "status"
	qm, _, err := openQueue(p, log, autoLock)
	if err != nil {
		return err
	}
	defer qm.Close()

	switch args[0] {
	case "status":
		status, err := qm.GetStatus()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	case "clear":
		return qm.ClearQueue()
	case "cancel":
		if len(args) != 2 {
			return fmt.Errorf("usage: clodputer queue cancel <id>")
		}
		removed, err := qm.Cancel(args[1])
		if err != nil {
			return err
		}
		if !removed {
			fmt.Println("no such queued item (already cancelled or completed)")
		}
		return nil
	default:
		return fmt.Errorf("unknown queue subcommand %q", args[0])
	}
}

func cronCmd(p paths, log zerolog.Logger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: clodputer cron <install|uninstall|status>")
	}
	self, err := os.Executable()
	if err != nil {
		self = "clodputer"
	}
	mgr := &cronsection.Manager{
		Runner:    cronsection.NewExecCrontabRunner(),
		BackupDir: p.backupDir,
		LogFile:   p.cronLog,
		Binary:    self,
		Env:       cronsection.CommandEnv{ClaudeBin: os.Getenv("CLODPUTER_CLAUDE_BIN"), ExtraArgs: os.Getenv("CLODPUTER_EXTRA_ARGS")},
		Log:       log,
	}

	switch args[0] {
	case "install":
		recs, err := loadTasks(p.tasksFile)
		if err != nil {
			return err
		}
		result, err := mgr.Install(recs, time.Now().UTC())
		if err != nil {
			return err
		}
		fmt.Printf("installed %d scheduled job(s); previous table backed up to %s\n", result.Installed, result.BackedUpTo)
		return nil
	case "uninstall":
		result, err := mgr.Uninstall()
		if err != nil {
			return err
		}
		if result.Removed {
			fmt.Println("removed managed cron section")
		} else {
			fmt.Println("no managed cron section was present")
		}
		return nil
	case "status":
		if cronsection.IsCronDaemonRunning() {
			fmt.Println("cron daemon: running")
		} else {
			fmt.Println("cron daemon: not detected")
		}
		current, err := mgr.Runner.Read()
		if err != nil {
			return err
		}
		fmt.Println("managed section present:", cronsection.SectionPresent(current))
		return nil
	default:
		return fmt.Errorf("unknown cron subcommand %q", args[0])
	}
}

// watcherChildEnvVar marks a re-exec of this binary as the forked watcher
// daemon child rather than the interactive "watcher start" invocation,
// per §4.7's fork/detach contract.
const watcherChildEnvVar = "CLODPUTER_WATCHER_CHILD"

func watcherCmd(p paths, log zerolog.Logger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: clodputer watcher <start|stop|status>")
	}
	d := &watcher.Daemon{PIDFile: p.watcherPID, LogFile: filepath.Join(p.home, "watcher.log"), Log: log}

	switch args[0] {
	case "start":
		if os.Getenv(watcherChildEnvVar) == "1" {
			return runWatcherDaemonChild(p, log)
		}
		return forkWatcherDaemon(p, d, log)
	case "stop":
		return d.Stop(10 * time.Second)
	case "status":
		if d.IsRunning() {
			fmt.Println("watcher: running")
		} else {
			fmt.Println("watcher: not running")
		}
		return nil
	default:
		return fmt.Errorf("unknown watcher subcommand %q", args[0])
	}
}

// forkWatcherDaemon implements the parent half of §4.7's daemon
// lifecycle: refuse if already running, fork a detached child that
// re-invokes this same subcommand with watcherChildEnvVar set, write the
// child's pid (not the parent's) to the pid file, and return immediately
// without waiting on the child.
func forkWatcherDaemon(p paths, d *watcher.Daemon, log zerolog.Logger) error {
	if err := d.RequestStart(); err != nil {
		return err
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable: %w", err)
	}

	logFile, err := os.OpenFile(d.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open watcher log %s: %w", d.LogFile, err)
	}
	defer logFile.Close()

	cmd := exec.Command(self, "watcher", "start")
	cmd.Env = append(os.Environ(), watcherChildEnvVar+"=1")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start watcher daemon: %w", err)
	}
	if err := d.WritePID(cmd.Process.Pid); err != nil {
		return fmt.Errorf("write watcher pid file: %w", err)
	}
	// Detach: the parent does not wait on the child, so release it to
	// avoid leaving a reapable handle tied to this short-lived process.
	if err := cmd.Process.Release(); err != nil {
		log.Warn().Err(err).Msg("failed to release forked watcher process")
	}

	fmt.Printf("watcher daemon started (pid %d)\n", cmd.Process.Pid)
	return nil
}

// runWatcherDaemonChild is the forked child's entry point: the outer
// supervising loop from §4.7, run in the foreground of the detached
// child process until a termination signal arrives.
//
// Grounded on the original implementation's _daemon_loop (signal
// handlers set stop_event; the loop reloads tasks and retries on an
// empty set or a run_watch_service error) via watcher.Service.Supervise.
func runWatcherDaemonChild(p paths, log zerolog.Logger) error {
	recs, err := loadTasks(p.tasksFile)
	if err != nil {
		return err
	}

	qm, _, err := openQueue(p, log, true)
	if err != nil {
		return err
	}
	defer qm.Close()

	states := taskstate.NewStore(p.stateFile, log)
	missed, err := cronsection.DetectMissed(recs, states, time.Now().UTC())
	if err != nil {
		log.Warn().Err(err).Msg("catch-up detection failed")
	} else if len(missed) > 0 {
		if err := cronsection.EnqueueMissed(missed, qm); err != nil {
			log.Warn().Err(err).Msg("catch-up enqueue failed")
		} else {
			log.Info().Int("count", len(missed)).Msg("enqueued missed scheduled runs")
		}
	}

	if addr := os.Getenv("CLODPUTER_METRICS_ADDR"); addr != "" {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		metricsSrv := &diagnostics.Server{Addr: addr, Sampler: qm, Log: log}
		go func() {
			if err := metricsSrv.Run(ctx, 5*time.Second); err != nil {
				log.Warn().Err(err).Msg("diagnostics metrics server exited")
			}
		}()
	}

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("watcher daemon received signal; stopping")
		close(stop)
	}()

	svc := watcher.NewService(clock.Real{}, log)
	load := func() ([]*task.Record, error) { return loadTasks(p.tasksFile) }
	svc.Supervise(load, qm, stop)
	return nil
}

// stateCmd implements "clodputer state <get|set|clear> <task-name>": the
// per-task user state documents under state/<task-name>.json. "set" reads
// the new state object as JSON from stdin.
func stateCmd(p paths, log zerolog.Logger, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: clodputer state <get|set|clear> <task-name>")
	}
	store := statestore.NewUserStateStore(p.userStateDir, log)
	name := args[1]

	switch args[0] {
	case "get":
		state, err := store.Get(name)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	case "set":
		var state map[string]interface{}
		if err := json.NewDecoder(os.Stdin).Decode(&state); err != nil {
			return fmt.Errorf("parse state from stdin: %w", err)
		}
		return store.Set(name, state)
	case "clear":
		return store.Clear(name)
	default:
		return fmt.Errorf("unknown state subcommand %q", args[0])
	}
}

// splitShellWords tokenises CLODPUTER_EXTRA_ARGS the way a POSIX shell
// would split a command line: whitespace-separated words, with single and
// double quotes grouping and backslash escaping outside single quotes.
func splitShellWords(s string) []string {
	var (
		out     []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case quote == '\'' && r != '\'':
			cur.WriteRune(r)
		case r == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0 && r == quote:
			quote = 0
		case quote == 0 && (r == '\'' || r == '"'):
			quote = r
			inWord = true
		case quote == 0 && (r == ' ' || r == '\t' || r == '\n'):
			if inWord {
				out = append(out, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if inWord {
		out = append(out, cur.String())
	}
	return out
}
