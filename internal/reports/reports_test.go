package reports

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/remyolson/clodputer/internal/cleanup"
)

func TestSaveWritesJSONAndMarkdown(t *testing.T) {
	dir := t.TempDir()
	rep := Report{
		TaskID:          "abc-123",
		TaskName:        "alpha",
		Status:          "success",
		ReturnCode:      0,
		DurationSeconds: 1.5,
		Stdout:          `{"ok":true}`,
		OutputJSON:      map[string]interface{}{"ok": true},
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	jsonPath, mdPath, err := Save(dir, rep, at)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	wantJSON := filepath.Join(dir, "alpha", "2026-01-02_03-04-05.json")
	wantMD := filepath.Join(dir, "alpha", "2026-01-02_03-04-05.md")
	if jsonPath != wantJSON {
		t.Errorf("jsonPath = %q, want %q", jsonPath, wantJSON)
	}
	if mdPath != wantMD {
		t.Errorf("mdPath = %q, want %q", mdPath, wantMD)
	}

	data, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("read json report: %v", err)
	}
	var got Report
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal json report: %v", err)
	}
	if got.TaskName != "alpha" || got.Status != "success" {
		t.Errorf("round-tripped report = %+v", got)
	}

	md, err := os.ReadFile(mdPath)
	if err != nil {
		t.Fatalf("read markdown report: %v", err)
	}
	if len(md) == 0 {
		t.Error("markdown report is empty")
	}
}

func TestGenerateMarkdownIncludesCleanupSection(t *testing.T) {
	rep := Report{
		TaskName:   "beta",
		Status:     "timeout",
		ReturnCode: -1,
		Error:      "timeout",
		Cleanup:    &cleanup.Report{Terminated: []int32{10}, Killed: []int32{11}, Orphaned: []int32{12}},
	}
	md := GenerateMarkdown(rep, "2026-01-02_03-04-05")

	for _, want := range []string{"Cleanup Report", "**Zombie Processes Found:** 1", "| 10 | terminated |", "| 11 | killed |"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}

func TestGenerateMarkdownOmitsEmptySections(t *testing.T) {
	rep := Report{TaskName: "gamma", Status: "success"}
	md := GenerateMarkdown(rep, "2026-01-02_03-04-05")
	if strings.Contains(md, "Standard Output") {
		t.Error("empty stdout should not produce a Standard Output section")
	}
	if strings.Contains(md, "Cleanup Report") {
		t.Error("nil cleanup should not produce a Cleanup Report section")
	}
}
