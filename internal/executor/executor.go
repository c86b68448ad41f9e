// Package executor builds and supervises a single agent-CLI invocation:
// command construction, subprocess spawn/wait/timeout, backtick-fence
// JSON extraction, outcome classification, and retry scheduling.
//
// Grounded on the original implementation's executor.py for exact
// algorithm (build_command, _extract_json, _execute's state machine), and
// stylistically on the teacher's cmd/worker/main.go dequeue-dispatch loop
// shape and on tim-coutinho-agentops's rpi_loop_supervisor.go for the
// exec.CommandContext + context.WithTimeout timeout idiom (style
// reference only — that repo is not the teacher; see DESIGN.md).
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/remyolson/clodputer/internal/cleanup"
	"github.com/remyolson/clodputer/internal/clodputererr"
	"github.com/remyolson/clodputer/internal/diagnostics"
	"github.com/remyolson/clodputer/internal/eventlog"
	"github.com/remyolson/clodputer/internal/metrics"
	"github.com/remyolson/clodputer/internal/queue"
	"github.com/remyolson/clodputer/internal/reports"
	"github.com/remyolson/clodputer/internal/task"
)

// Outcome classifies how a single run concluded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// Result is the full per-run record the executor produces.
type Result struct {
	Outcome    Outcome
	ExitCode   int
	Duration   time.Duration
	Parsed     map[string]interface{}
	ParseError string
	StderrHead string

	// Stdout and Stderr hold the run's full captured output, used to build
	// the per-run execution report (§3's outputs/<task-name>/ files).
	// StderrHead above stays truncated, matching the event log payload.
	Stdout string
	Stderr string

	// Cleanup is the process-tree cleanup outcome for this run, carried
	// through to the execution report.
	Cleanup cleanup.Report
}

// execCommandContext and lookPath are swappable for tests, matching the
// teacher-adjacent style (package-level function variables) seen in
// tim-coutinho-agentops's loopExecCommandContext/loopLookPath.
var (
	execCommandContext = exec.CommandContext
	lookPath           = exec.LookPath
)

// Executor runs one task record to completion against a queue item,
// strictly sequentially. Concurrent instances are prevented by the
// caller holding the queue lock.
type Executor struct {
	Queue    *queue.Manager
	Metrics  *metrics.Store
	EventLog *eventlog.Logger
	Cleanup  *cleanup.Engine
	Log      zerolog.Logger

	// ClaudeBin and ExtraArgs mirror the CLODPUTER_CLAUDE_BIN /
	// CLODPUTER_EXTRA_ARGS environment variables (§6), resolved once by
	// the caller (cmd/clodputer) and passed in rather than read from the
	// environment deep inside this package, per the "pass through
	// constructors" design note.
	ClaudeBin string
	ExtraArgs []string

	// OutputsDir is the state root's outputs/ directory. When set, every
	// run's result is persisted there as a JSON+markdown report pair via
	// internal/reports (§3). Left empty, report writing is skipped.
	OutputsDir string
}

// BuildCommand returns the argv for invoking the agent CLI for rec,
// in the fixed flag order from §6: -p <prompt> --output-format json,
// then --allowed-tools, --blocked-tools, --permission-mode, --mcp-config,
// then operator-supplied extra args.
func (e *Executor) BuildCommand(rec *task.Record) []string {
	bin := e.ClaudeBin
	if bin == "" {
		bin = "claude"
	}
	args := []string{bin, "-p", rec.Agent.Prompt, "--output-format", "json"}
	if len(rec.Agent.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(rec.Agent.AllowedTools, ","))
	}
	if len(rec.Agent.DisallowedTools) > 0 {
		args = append(args, "--blocked-tools", strings.Join(rec.Agent.DisallowedTools, ","))
	}
	if rec.Agent.PermissionMode != "" {
		args = append(args, "--permission-mode", string(rec.Agent.PermissionMode))
	}
	if rec.Agent.MCPConfig != "" {
		args = append(args, "--mcp-config", rec.Agent.MCPConfig)
	}
	args = append(args, e.ExtraArgs...)
	return args
}

// extractJSON strips a surrounding triple-backtick fence (with an optional
// language tag on the opening fence) if present, then parses the result as
// a JSON object. An empty stdout is treated as a parse failure with
// message "no stdout", matching the original implementation exactly.
func extractJSON(stdout string) (map[string]interface{}, string) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return nil, "no stdout"
	}

	if strings.HasPrefix(trimmed, "```") {
		lines := strings.Split(trimmed, "\n")
		if len(lines) >= 2 && strings.HasPrefix(lines[0], "```") {
			lines = lines[1:]
		}
		if len(lines) >= 1 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
			lines = lines[:len(lines)-1]
		}
		trimmed = strings.TrimSpace(strings.Join(lines, "\n"))
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, err.Error()
	}
	return parsed, ""
}

// Run executes rec for item: spawns the agent CLI, waits up to
// rec.Agent.TimeoutSeconds, classifies the outcome, records it via the
// queue manager and metrics, schedules a retry if eligible, and emits
// lifecycle events. A SpawnFailed error is returned to the caller rather
// than recorded as a run outcome, per §7's propagation policy.
func (e *Executor) Run(rec *task.Record, item queue.Item) (Result, error) {
	cmdArgs := e.BuildCommand(rec)
	if _, err := lookPath(cmdArgs[0]); err != nil {
		return Result{}, clodputererr.New("executor.Run", clodputererr.SpawnFailed, err)
	}

	timeout := time.Duration(rec.Agent.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Hour
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := execCommandContext(ctx, cmdArgs[0], cmdArgs[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, clodputererr.New("executor.Run", clodputererr.SpawnFailed, err)
	}

	if _, err := e.Queue.MarkRunning(item.ID, cmd.Process.Pid); err != nil {
		e.Log.Warn().Err(err).Str("id", item.ID).Msg("mark_running failed")
	}
	e.EventLog.TaskStarted(item.ID, item.Name, map[string]interface{}{"pid": cmd.Process.Pid})

	waitErr := cmd.Wait()
	duration := time.Since(start)

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	if timedOut {
		cleanupReport := e.Cleanup.CleanupProcessTree(int32(cmd.Process.Pid))
		return e.finish(rec, item, Result{
			Outcome:  OutcomeTimeout,
			Duration: duration,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Cleanup:  cleanupReport,
		}, "timeout")
	}

	// Harvest stragglers even on a clean exit.
	cleanupReport := e.Cleanup.CleanupProcessTree(int32(cmd.Process.Pid))

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	parsed, parseErr := extractJSON(stdout.String())
	result := Result{
		ExitCode:   exitCode,
		Duration:   duration,
		Parsed:     parsed,
		ParseError: parseErr,
		StderrHead: headOf(stderr.String(), 2000),
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Cleanup:    cleanupReport,
	}

	switch {
	case exitCode == 0 && parseErr == "":
		result.Outcome = OutcomeSuccess
		return e.finish(rec, item, result, "")
	case exitCode == 0:
		result.Outcome = OutcomeFailure
		return e.finish(rec, item, result, parseErr)
	default:
		result.Outcome = OutcomeFailure
		return e.finish(rec, item, result, fmt.Sprintf("exit code %d", exitCode))
	}
}

func headOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// finish records the outcome, updates metrics, schedules a retry if
// eligible, and emits the terminal lifecycle event.
func (e *Executor) finish(rec *task.Record, item queue.Item, result Result, failureReason string) (Result, error) {
	diagnostics.RecordRun(item.Name, string(result.Outcome))
	e.saveReport(item, result, failureReason)

	if result.Outcome == OutcomeSuccess {
		if err := e.Queue.MarkCompleted(item.ID, result.Parsed); err != nil {
			e.Log.Warn().Err(err).Msg("mark_completed failed")
		}
		if e.Metrics != nil {
			e.Metrics.RecordSuccess(item.Name, result.Duration.Seconds())
		}
		e.EventLog.TaskCompleted(item.ID, item.Name, map[string]interface{}{
			"duration_seconds": result.Duration.Seconds(),
			"return_code":      result.ExitCode,
			"result":           result.Parsed,
		})
		return result, nil
	}

	if err := e.Queue.MarkFailed(item.ID, failureReason); err != nil {
		e.Log.Warn().Err(err).Msg("mark_failed failed")
	}
	if e.Metrics != nil {
		e.Metrics.RecordFailure(item.Name)
	}
	e.EventLog.TaskFailed(item.ID, item.Name, map[string]interface{}{
		"duration_seconds": result.Duration.Seconds(),
		"return_code":      result.ExitCode,
		"error":            failureReason,
		"stderr_head":      result.StderrHead,
	})

	if item.Attempt < rec.Agent.MaxRetries {
		delaySeconds := rec.Agent.RetryBackoffSeconds * (1 << uint(item.Attempt))
		if err := e.Queue.RequeueWithDelay(item, time.Duration(delaySeconds)*time.Second); err != nil {
			e.Log.Warn().Err(err).Msg("requeue_with_delay failed")
		}
	}

	return result, nil
}

// saveReport persists the run's JSON+markdown execution report under
// OutputsDir, if configured. Failures are logged and otherwise ignored —
// the report is a supplementary artifact, not part of the run's outcome.
func (e *Executor) saveReport(item queue.Item, result Result, failureReason string) {
	if e.OutputsDir == "" {
		return
	}
	rep := reports.Report{
		TaskID:           item.ID,
		TaskName:         item.Name,
		Status:           string(result.Outcome),
		ReturnCode:       result.ExitCode,
		DurationSeconds:  result.Duration.Seconds(),
		Stdout:           result.Stdout,
		Stderr:           result.Stderr,
		Cleanup:          &result.Cleanup,
		OutputJSON:       result.Parsed,
		OutputParseError: result.ParseError,
		Error:            failureReason,
	}
	if _, _, err := reports.Save(e.OutputsDir, rep, time.Now()); err != nil {
		e.Log.Warn().Err(err).Str("task", item.Name).Msg("failed to save execution report")
	}
}
