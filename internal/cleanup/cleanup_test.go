package cleanup

import (
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

func TestCleanupProcessTreeTerminatesChild(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sleep for this test environment: %v", err)
	}
	pid := int32(cmd.Process.Pid)

	e := NewEngine(zerolog.Nop())
	e.GracePeriod = 200 * time.Millisecond
	report := e.CleanupProcessTree(pid)

	if len(report.Terminated) == 0 && len(report.Killed) == 0 {
		t.Fatalf("expected the sleep process to be terminated or killed, got %+v", report)
	}

	proc, err := process.NewProcess(pid)
	if err == nil {
		running, _ := proc.IsRunning()
		// The child stays a zombie until cmd.Wait below reaps it, and
		// IsRunning reports a zombie as running; a zombie has exited.
		if statuses, err := proc.Status(); err == nil && len(statuses) > 0 && statuses[0] == process.Zombie {
			running = false
		}
		if running {
			t.Errorf("expected pid %d to have exited after cleanup", pid)
		}
	}

	cmd.Wait()
}

func TestCleanupProcessTreeOnAlreadyExitedRootIsANoop(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start true for this test environment: %v", err)
	}
	pid := int32(cmd.Process.Pid)
	cmd.Wait()

	e := NewEngine(zerolog.Nop())
	report := e.CleanupProcessTree(pid)
	if len(report.Terminated) != 0 {
		t.Errorf("expected no terminations for an already-exited root, got %+v", report)
	}
}

func TestReportTotal(t *testing.T) {
	r := Report{Terminated: []int32{1}, Killed: []int32{2, 3}, Orphaned: []int32{4}}
	if r.Total() != 4 {
		t.Errorf("Total() = %d, want 4", r.Total())
	}
}
