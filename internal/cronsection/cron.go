// Package cronsection owns a single contiguous, sentinel-delimited block in
// the host's crontab: generation, installation, removal, and diagnostics.
// Catch-up detection for missed scheduled occurrences lives in catchup.go
// within this package, since both share the same cron-expression parsing.
//
// Grounded on the original implementation's cron.py (sentinel strings,
// macro set, _format_command, install/uninstall/backup/diagnostics) and
// catch_up.py (missed-occurrence enumeration), using robfig/cron/v3 in
// place of croniter for expression validation and occurrence walking.
package cronsection

import (
	"bytes"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/remyolson/clodputer/internal/clodputererr"
	"github.com/remyolson/clodputer/internal/statestore"
	"github.com/remyolson/clodputer/internal/task"
)

// Sentinel lines delimiting the owned cron block, bit-exact per §6.
const (
	SectionBegin  = "# >>> BEGIN CLODPUTER JOBS >>>"
	SectionEnd    = "# <<< END CLODPUTER JOBS <<<"
	SectionHeader = "# Managed by Clodputer. Do not edit manually."
)

// macros is the set of cron descriptor macros accepted in addition to
// standard five/six-field expressions.
var macros = map[string]bool{
	"@yearly": true, "@annually": true, "@monthly": true,
	"@weekly": true, "@daily": true, "@midnight": true, "@hourly": true,
}

var fieldParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateExpression accepts a macro, "@reboot" as a standalone value is
// rejected here (it is permitted only as a field value within a schedule
// a caller constructs, never as a complete top-level expression, per §4.6),
// or a standard five- or six-field cron expression.
func ValidateExpression(expr string) bool {
	expr = strings.TrimSpace(expr)
	if expr == "@reboot" {
		return false
	}
	if macros[expr] {
		return true
	}
	fields := strings.Fields(expr)
	if len(fields) != 5 && len(fields) != 6 {
		return false
	}
	_, err := fieldParser.Parse(expr)
	return err == nil
}

// ParseSchedule returns a cron.Schedule for expr, used by catch-up
// occurrence enumeration. Callers must call ValidateExpression first.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return fieldParser.Parse(expr)
}

// CommandEnv carries the environment-variable overrides that, if set in
// the current process, are re-emitted as bindings on the generated cron
// job line (§4.6 "prepends environment-variable bindings").
type CommandEnv struct {
	ClaudeBin string
	ExtraArgs string
}

// formatCommand builds the job line's command: optional env bindings, the
// runtime binary, "run <name>", an optional --priority high flag, and a
// redirect to the cron log file.
func formatCommand(binary string, rec *task.Record, env CommandEnv, logFile string) string {
	var b strings.Builder
	if env.ClaudeBin != "" {
		fmt.Fprintf(&b, "CLODPUTER_CLAUDE_BIN=%s ", shellQuote(env.ClaudeBin))
	}
	if env.ExtraArgs != "" {
		fmt.Fprintf(&b, "CLODPUTER_EXTRA_ARGS=%s ", shellQuote(env.ExtraArgs))
	}
	fmt.Fprintf(&b, "%s run %s", binary, rec.Name)
	if rec.Priority == task.PriorityHigh {
		b.WriteString(" --priority high")
	}
	fmt.Fprintf(&b, " >> %s 2>&1", logFile)
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ScheduledTasks filters recs to those that are enabled and carry a cron
// schedule, preserving input order.
func ScheduledTasks(recs []*task.Record) []*task.Record {
	var out []*task.Record
	for _, r := range recs {
		if r.Enabled && r.Schedule != nil {
			out = append(out, r)
		}
	}
	return out
}

// GenerateSection builds the full sentinel-delimited block for recs. An
// empty input yields an empty string (no block at all, per "append the
// freshly generated block if non-empty").
func GenerateSection(recs []*task.Record, binary string, env CommandEnv, logFile string, now time.Time) string {
	scheduled := ScheduledTasks(recs)
	if len(scheduled) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n# Generated: %s\n", SectionBegin, SectionHeader, now.UTC().Format(time.RFC3339))
	for _, rec := range scheduled {
		fmt.Fprintf(&b, "# Task: %s\n", rec.Name)
		if rec.Schedule.Timezone != "" {
			fmt.Fprintf(&b, "CRON_TZ=%s\n", rec.Schedule.Timezone)
		}
		fmt.Fprintf(&b, "%s %s\n\n", rec.Schedule.Expression, formatCommand(binary, rec, env, logFile))
	}
	b.WriteString(SectionEnd + "\n")
	return b.String()
}

var sectionPattern = regexp.MustCompile(
	"(?s)" + regexp.QuoteMeta(SectionBegin) + ".*?" + regexp.QuoteMeta(SectionEnd) + "\n?",
)

// stripSection removes any existing sentinel-delimited block from
// content, leaving everything else byte-for-byte intact.
func stripSection(content string) string {
	return sectionPattern.ReplaceAllString(content, "")
}

// SectionPresent reports whether content already contains the sentinel
// block.
func SectionPresent(content string) bool {
	return strings.Contains(content, SectionBegin) && strings.Contains(content, SectionEnd)
}

// CrontabRunner abstracts invoking the host's crontab utility, so tests can
// substitute a fake without shelling out, matching the original
// implementation's monkeypatch-friendly _call_crontab.
type CrontabRunner interface {
	Read() (string, error)
	Write(content string) error
}

// execCrontabRunner shells out to the real "crontab" binary.
type execCrontabRunner struct{}

// NewExecCrontabRunner returns a CrontabRunner backed by the system's
// "crontab" binary.
func NewExecCrontabRunner() CrontabRunner { return execCrontabRunner{} }

func (execCrontabRunner) Read() (string, error) {
	out, err := exec.Command("crontab", "-l").CombinedOutput()
	if err != nil {
		// "no crontab for <user>" on an empty table is not an error.
		if strings.Contains(string(out), "no crontab for") {
			return "", nil
		}
		return "", clodputererr.New("cron.Read", clodputererr.CronToolFailure, fmt.Errorf("%s: %w", out, err))
	}
	return string(out), nil
}

func (execCrontabRunner) Write(content string) error {
	cmd := exec.Command("crontab", "-")
	cmd.Stdin = bytes.NewBufferString(content)
	if out, err := cmd.CombinedOutput(); err != nil {
		return clodputererr.New("cron.Write", clodputererr.CronToolFailure, fmt.Errorf("%s: %w", out, err))
	}
	return nil
}

// Manager installs/uninstalls the owned cron section and reports
// diagnostics.
type Manager struct {
	Runner    CrontabRunner
	BackupDir string
	LogFile   string
	Binary    string
	Env       CommandEnv
	Log       zerolog.Logger
}

// InstallResult reports how many jobs were installed.
type InstallResult struct {
	Installed int
	BackedUpTo string
}

// Install reads the current table, backs it up, strips any existing
// section, appends a freshly generated one, and writes back. Every
// scheduled task's expression is validated first; an invalid expression
// fails the install before any mutation.
func (m *Manager) Install(recs []*task.Record, now time.Time) (InstallResult, error) {
	for _, rec := range ScheduledTasks(recs) {
		if !ValidateExpression(rec.Schedule.Expression) {
			return InstallResult{}, clodputererr.New("cron.Install", clodputererr.InvalidCronExpression,
				fmt.Errorf("task %s: %q", rec.Name, rec.Schedule.Expression))
		}
	}

	current, err := m.Runner.Read()
	if err != nil {
		return InstallResult{}, err
	}

	backupPath, err := statestore.BackupContent(current, m.BackupDir, "crontab")
	if err != nil {
		m.Log.Warn().Err(err).Msg("crontab backup failed; proceeding with install anyway")
	}

	stripped := stripSection(current)
	section := GenerateSection(ScheduledTasks(recs), m.Binary, m.Env, m.LogFile, now)

	newContent := stripped
	if section != "" {
		if !strings.HasSuffix(newContent, "\n") && newContent != "" {
			newContent += "\n"
		}
		newContent += section
	}

	if err := m.Runner.Write(newContent); err != nil {
		return InstallResult{}, err
	}

	return InstallResult{Installed: len(ScheduledTasks(recs)), BackedUpTo: backupPath}, nil
}

// UninstallResult reports whether a section was actually removed.
type UninstallResult struct {
	Removed bool
}

// Uninstall strips the owned section, if present, and writes back. A
// no-op (Removed=false) if no section is present.
func (m *Manager) Uninstall() (UninstallResult, error) {
	current, err := m.Runner.Read()
	if err != nil {
		return UninstallResult{}, err
	}
	if !SectionPresent(current) {
		return UninstallResult{Removed: false}, nil
	}

	statestore.BackupContent(current, m.BackupDir, "crontab")

	if err := m.Runner.Write(stripSection(current)); err != nil {
		return UninstallResult{}, err
	}
	return UninstallResult{Removed: true}, nil
}

// IsCronDaemonRunning reports whether a process named "cron" or "crond" is
// currently running on the host, by name match over the process list.
func IsCronDaemonRunning() bool {
	procs, err := process.Processes()
	if err != nil {
		return false
	}
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		if name == "cron" || name == "crond" {
			return true
		}
	}
	return false
}

// sortByAge is a small helper used by catch-up's occurrence retention
// (run_all keeps all, in chronological order).
func sortByAge(times []time.Time) {
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
}
