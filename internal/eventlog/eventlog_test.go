package eventlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

func listDir(dir string) ([]os.DirEntry, error) {
	return os.ReadDir(dir)
}

func newTestLogger(t *testing.T) (*Logger, string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	archive := filepath.Join(dir, "archive")
	return New(path, archive), path, archive
}

func TestWriteAndReadAll(t *testing.T) {
	l, path, _ := newTestLogger(t)

	if err := l.TaskStarted("id-1", "alpha", map[string]interface{}{"pid": 42}); err != nil {
		t.Fatalf("TaskStarted: %v", err)
	}
	if err := l.TaskCompleted("id-1", "alpha", map[string]interface{}{"return_code": 0}); err != nil {
		t.Fatalf("TaskCompleted: %v", err)
	}

	records, err := NewReader(path).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Event != EventTaskStarted || records[1].Event != EventTaskCompleted {
		t.Errorf("unexpected event order: %+v", records)
	}
	if records[0].TaskName != "alpha" {
		t.Errorf("TaskName = %q, want alpha", records[0].TaskName)
	}
}

func TestReadAllSkipsUnparseableLines(t *testing.T) {
	l, path, _ := newTestLogger(t)
	l.TaskStarted("id-1", "alpha", nil)

	f, err := openAppend(path)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	f.WriteString("not json at all\n")
	f.Close()

	l.TaskCompleted("id-1", "alpha", nil)

	records, err := NewReader(path).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected the corrupt line to be skipped, got %d records", len(records))
	}
}

func TestTailReturnsLastN(t *testing.T) {
	l, path, _ := newTestLogger(t)
	for i := 0; i < 5; i++ {
		l.TaskStarted("id", "alpha", nil)
	}
	records, err := NewReader(path).Tail(2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
}

func TestRotationArchivesOversizedLog(t *testing.T) {
	l, path, archive := newTestLogger(t)

	// Push the file past MaxLogSize so that the next write rotates it, by
	// writing a large payload first.
	big := strings.Repeat("x", MaxLogSize)
	l.Write(EventInfo, "", "", map[string]interface{}{"blob": big})

	// This write should trigger rotation since the file now exceeds the
	// threshold.
	l.Write(EventInfo, "", "", map[string]interface{}{"seq": 1})

	entries, err := listDir(archive)
	if err != nil {
		t.Fatalf("listDir archive: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one archived file after rotation, got %d", len(entries))
	}

	records, err := NewReader(path).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll post-rotation: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected the active log to contain only the post-rotation write, got %d", len(records))
	}
}

func TestFollowDeliversNewRecords(t *testing.T) {
	l, path, _ := newTestLogger(t)
	l.TaskStarted("id-1", "alpha", nil)

	reader := NewReader(path)
	stop := make(chan struct{})
	got := make(chan Record, 10)

	go reader.Follow(stop, 20*time.Millisecond, func(r Record) { got <- r })

	select {
	case r := <-got:
		if r.Event != EventTaskStarted {
			t.Errorf("expected task_started, got %s", r.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the pre-existing record")
	}

	l.TaskCompleted("id-1", "alpha", nil)
	select {
	case r := <-got:
		if r.Event != EventTaskCompleted {
			t.Errorf("expected task_completed, got %s", r.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the appended record")
	}

	close(stop)
}
