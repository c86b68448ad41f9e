// Package reports persists per-run execution reports under the state
// root's outputs/<task-name>/ directory: one JSON document and one
// human-readable markdown summary per run, named by a filename-safe local
// timestamp.
//
// Grounded on the original implementation's reports.py
// (ensure_outputs_dir, save_execution_report, generate_markdown_report),
// kept as a standalone component rather than folded into eventlog or
// statestore since it has its own naming/retention contract (one pair of
// files per run, never rotated or bounded) distinct from both.
package reports

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/remyolson/clodputer/internal/cleanup"
)

// timestampLayout matches §3's "<YYYY-MM-DD_HH-MM-SS>" filename format.
const timestampLayout = "2006-01-02_15-04-05"

// Report is the full per-run execution record written as JSON and
// rendered as markdown. Field names mirror the original implementation's
// ExecutionResult so the JSON report is a faithful port of its shape.
type Report struct {
	TaskID           string                 `json:"task_id"`
	TaskName         string                 `json:"task_name"`
	Status           string                 `json:"status"`
	ReturnCode       int                    `json:"return_code"`
	DurationSeconds  float64                `json:"duration"`
	Stdout           string                 `json:"stdout"`
	Stderr           string                 `json:"stderr"`
	Cleanup          *cleanup.Report        `json:"cleanup,omitempty"`
	OutputJSON       map[string]interface{} `json:"output_json,omitempty"`
	OutputParseError string                 `json:"output_parse_error,omitempty"`
	Error            string                 `json:"error,omitempty"`
}

// EnsureOutputsDir creates (if absent) and returns outputsDir/taskName.
func EnsureOutputsDir(outputsDir, taskName string) (string, error) {
	dir := filepath.Join(outputsDir, taskName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("reports: ensure outputs dir %s: %w", dir, err)
	}
	return dir, nil
}

// Save writes rep as <taskDir>/<timestamp>.json and a generated markdown
// summary as <taskDir>/<timestamp>.md, returning both paths. at is the
// local time the run finished, per §3's localtime-derived timestamp.
func Save(outputsDir string, rep Report, at time.Time) (jsonPath, markdownPath string, err error) {
	taskDir, err := EnsureOutputsDir(outputsDir, rep.TaskName)
	if err != nil {
		return "", "", err
	}
	stamp := at.Format(timestampLayout)

	jsonPath = filepath.Join(taskDir, stamp+".json")
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("reports: marshal report for %s: %w", rep.TaskName, err)
	}
	if err := os.WriteFile(jsonPath, append(data, '\n'), 0o644); err != nil {
		return "", "", fmt.Errorf("reports: write json report: %w", err)
	}

	markdownPath = filepath.Join(taskDir, stamp+".md")
	if err := os.WriteFile(markdownPath, []byte(GenerateMarkdown(rep, stamp)), 0o644); err != nil {
		return "", "", fmt.Errorf("reports: write markdown report: %w", err)
	}

	return jsonPath, markdownPath, nil
}

var statusEmoji = map[string]string{
	"success": "✅",
	"failure": "❌",
	"timeout": "⏱️",
	"error":   "⚠️",
}

// GenerateMarkdown renders rep as a human-readable report, matching the
// original implementation's generate_markdown_report section ordering.
func GenerateMarkdown(rep Report, stamp string) string {
	emoji, ok := statusEmoji[rep.Status]
	if !ok {
		emoji = "❓"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s Task Execution Report\n\n", emoji)
	fmt.Fprintf(&b, "**Task:** %s\n", rep.TaskName)
	fmt.Fprintf(&b, "**Task ID:** %s\n", rep.TaskID)
	fmt.Fprintf(&b, "**Status:** %s\n", strings.ToUpper(rep.Status))
	fmt.Fprintf(&b, "**Timestamp:** %s\n", stamp)
	fmt.Fprintf(&b, "**Duration:** %.2fs\n\n---\n\n", rep.DurationSeconds)

	b.WriteString("## Execution Details\n\n")
	fmt.Fprintf(&b, "- **Return Code:** %d\n", rep.ReturnCode)
	if rep.OutputParseError == "" {
		b.WriteString("- **JSON Parse:** ✅ Success\n")
	} else {
		b.WriteString("- **JSON Parse:** ❌ Failed\n")
	}
	if rep.Error != "" {
		fmt.Fprintf(&b, "- **Error:** %s\n", rep.Error)
	}
	b.WriteString("\n---\n\n")

	if rep.OutputJSON != nil {
		b.WriteString("## Output (Parsed JSON)\n\n```json\n")
		if j, err := json.MarshalIndent(rep.OutputJSON, "", "  "); err == nil {
			b.Write(j)
			b.WriteString("\n")
		}
		b.WriteString("```\n\n")
	}

	if strings.TrimSpace(rep.Stdout) != "" {
		fmt.Fprintf(&b, "## Standard Output\n\n```\n%s\n```\n\n", strings.TrimSpace(rep.Stdout))
	}

	if strings.TrimSpace(rep.Stderr) != "" {
		fmt.Fprintf(&b, "## Standard Error\n\n```\n%s\n```\n\n", strings.TrimSpace(rep.Stderr))
	}

	if rep.OutputParseError != "" {
		fmt.Fprintf(&b, "## JSON Parse Error\n\n```\n%s\n```\n\n", rep.OutputParseError)
	}

	if rep.Cleanup != nil && rep.Cleanup.Total() > 0 {
		b.WriteString("## Cleanup Report\n\n")
		terminated := append(append([]int32{}, rep.Cleanup.Terminated...), rep.Cleanup.Killed...)
		if len(terminated) > 0 {
			fmt.Fprintf(&b, "**Terminated Processes:** %d\n\n| PID | Status |\n|-----|--------|\n", len(terminated))
			for _, pid := range rep.Cleanup.Terminated {
				fmt.Fprintf(&b, "| %d | terminated |\n", pid)
			}
			for _, pid := range rep.Cleanup.Killed {
				fmt.Fprintf(&b, "| %d | killed |\n", pid)
			}
			b.WriteString("\n")
		}
		if len(rep.Cleanup.Orphaned) > 0 {
			fmt.Fprintf(&b, "**Zombie Processes Found:** %d\n\n", len(rep.Cleanup.Orphaned))
		}
	}

	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "*Generated by Clodputer at %s*\n", stamp)

	return b.String()
}
