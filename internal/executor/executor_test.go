package executor

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/remyolson/clodputer/internal/cleanup"
	"github.com/remyolson/clodputer/internal/clock"
	"github.com/remyolson/clodputer/internal/eventlog"
	"github.com/remyolson/clodputer/internal/metrics"
	"github.com/remyolson/clodputer/internal/queue"
	"github.com/remyolson/clodputer/internal/task"
)

func newTestExecutor(t *testing.T) (*Executor, *queue.Manager) {
	t.Helper()
	dir := t.TempDir()
	ms := metrics.NewStore(filepath.Join(dir, "metrics.json"), zerolog.Nop())
	qm, err := queue.Open(queue.Config{
		QueueFile:    filepath.Join(dir, "queue.json"),
		LockFile:     filepath.Join(dir, "queue.lock"),
		MetricsStore: ms,
		Clock:        clock.Real{},
		Log:          zerolog.Nop(),
		AutoLock:     true,
	})
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { qm.Close() })

	return &Executor{
		Queue:    qm,
		Metrics:  ms,
		EventLog: eventlog.New(filepath.Join(dir, "events.jsonl"), filepath.Join(dir, "archive")),
		Cleanup:  cleanup.NewEngine(zerolog.Nop()),
		Log:      zerolog.Nop(),
	}, qm
}

func TestBuildCommandFlagOrder(t *testing.T) {
	e := &Executor{ClaudeBin: "claude", ExtraArgs: []string{"--verbose"}}
	rec := &task.Record{
		Name: "alpha",
		Agent: task.AgentSpec{
			Prompt:          "do the thing",
			AllowedTools:    []string{"bash", "read"},
			DisallowedTools: []string{"write"},
			PermissionMode:  task.PermissionAcceptEdits,
			MCPConfig:       "/cfg.json",
		},
	}
	got := e.BuildCommand(rec)
	want := []string{
		"claude", "-p", "do the thing", "--output-format", "json",
		"--allowed-tools", "bash,read",
		"--blocked-tools", "write",
		"--permission-mode", "acceptEdits",
		"--mcp-config", "/cfg.json",
		"--verbose",
	}
	if len(got) != len(want) {
		t.Fatalf("BuildCommand() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExtractJSONStripsBacktickFence(t *testing.T) {
	parsed, parseErr := extractJSON("```json\n{\"ok\":true}\n```")
	if parseErr != "" {
		t.Fatalf("unexpected parse error: %s", parseErr)
	}
	if parsed["ok"] != true {
		t.Errorf("parsed = %v, want ok=true", parsed)
	}
}

func TestExtractJSONEmptyStdout(t *testing.T) {
	_, parseErr := extractJSON("   ")
	if parseErr != "no stdout" {
		t.Errorf("parseErr = %q, want %q", parseErr, "no stdout")
	}
}

func TestExtractJSONMalformed(t *testing.T) {
	_, parseErr := extractJSON("not json")
	if parseErr == "" {
		t.Error("expected a parse error for malformed stdout")
	}
}

func TestRunSuccessPath(t *testing.T) {
	e, qm := newTestExecutor(t)
	rec := &task.Record{
		Name:  "alpha",
		Agent: task.AgentSpec{Prompt: "hi", TimeoutSeconds: 5, MaxRetries: 0},
	}
	item, err := qm.Enqueue(rec.Name, task.PriorityNormal, nil, nil, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	execCommandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "printf", `{"status":"ok"}`)
	}
	lookPath = func(string) (string, error) { return "/bin/printf", nil }
	defer func() {
		execCommandContext = exec.CommandContext
		lookPath = exec.LookPath
	}()

	result, err := e.Run(rec, item)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("Outcome = %v, want success; parse error: %q", result.Outcome, result.ParseError)
	}
	if result.Parsed["status"] != "ok" {
		t.Errorf("Parsed = %v", result.Parsed)
	}
}

func TestRunTimeoutSchedulesNoRetryWhenExhausted(t *testing.T) {
	e, qm := newTestExecutor(t)
	rec := &task.Record{
		Name:  "beta",
		Agent: task.AgentSpec{Prompt: "hi", TimeoutSeconds: 1, MaxRetries: 0},
	}
	item, err := qm.Enqueue(rec.Name, task.PriorityNormal, nil, nil, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	execCommandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sleep", "5")
	}
	lookPath = func(string) (string, error) { return "/bin/sleep", nil }
	defer func() {
		execCommandContext = exec.CommandContext
		lookPath = exec.LookPath
	}()

	result, err := e.Run(rec, item)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != OutcomeTimeout {
		t.Fatalf("Outcome = %v, want timeout", result.Outcome)
	}

	status, err := qm.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if len(status.Queued) != 0 {
		t.Errorf("expected no retry scheduled when MaxRetries is exhausted, got %d queued", len(status.Queued))
	}
	if len(status.FailedRecent) != 1 {
		t.Errorf("expected the timeout recorded in the failed ring, got %d", len(status.FailedRecent))
	}
}

func TestRunRetriesOnFailureWithBackoff(t *testing.T) {
	e, qm := newTestExecutor(t)
	rec := &task.Record{
		Name:  "gamma",
		Agent: task.AgentSpec{Prompt: "hi", TimeoutSeconds: 5, MaxRetries: 2, RetryBackoffSeconds: 10},
	}
	item, err := qm.Enqueue(rec.Name, task.PriorityNormal, nil, nil, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	execCommandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "exit 1")
	}
	lookPath = func(string) (string, error) { return "/bin/sh", nil }
	defer func() {
		execCommandContext = exec.CommandContext
		lookPath = exec.LookPath
	}()

	result, err := e.Run(rec, item)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != OutcomeFailure {
		t.Fatalf("Outcome = %v, want failure", result.Outcome)
	}

	status, err := qm.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if len(status.Queued) != 1 {
		t.Fatalf("expected a retry to be scheduled, got %d queued", len(status.Queued))
	}
	if status.Queued[0].Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", status.Queued[0].Attempt)
	}
	if status.Queued[0].NotBefore == nil || !status.Queued[0].NotBefore.After(time.Now()) {
		t.Error("expected NotBefore to be set in the future for the retry")
	}
}

func TestRunTimeoutRetriesWithBackoff(t *testing.T) {
	e, qm := newTestExecutor(t)
	rec := &task.Record{
		Name:  "beta",
		Agent: task.AgentSpec{Prompt: "hi", TimeoutSeconds: 1, MaxRetries: 1, RetryBackoffSeconds: 2},
	}
	item, err := qm.Enqueue(rec.Name, task.PriorityNormal, nil, nil, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	execCommandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sleep", "10")
	}
	lookPath = func(string) (string, error) { return "/bin/sleep", nil }
	defer func() {
		execCommandContext = exec.CommandContext
		lookPath = exec.LookPath
	}()

	before := time.Now()
	result, err := e.Run(rec, item)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != OutcomeTimeout {
		t.Fatalf("Outcome = %v, want timeout", result.Outcome)
	}

	status, err := qm.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if len(status.Queued) != 1 {
		t.Fatalf("expected one retry scheduled after a timeout within MaxRetries, got %d", len(status.Queued))
	}
	retry := status.Queued[0]
	if retry.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", retry.Attempt)
	}
	if retry.NotBefore == nil || retry.NotBefore.Before(before.Add(2*time.Second)) {
		t.Errorf("NotBefore = %v, want at least 2s after the run started", retry.NotBefore)
	}
	if len(status.FailedRecent) != 1 {
		t.Errorf("expected the timeout recorded in the failed ring, got %d", len(status.FailedRecent))
	}
}

func TestRunSpawnFailedOnMissingBinary(t *testing.T) {
	e, qm := newTestExecutor(t)
	rec := &task.Record{Name: "delta", Agent: task.AgentSpec{Prompt: "hi"}}
	item, err := qm.Enqueue(rec.Name, task.PriorityNormal, nil, nil, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	lookPath = func(string) (string, error) { return "", exec.ErrNotFound }
	defer func() { lookPath = exec.LookPath }()

	_, err = e.Run(rec, item)
	if err == nil {
		t.Fatal("expected an error when the agent binary cannot be found")
	}
}
