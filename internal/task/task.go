// Package task defines the data shapes the core consumes as already-validated
// task configuration. Parsing and schema validation of these records live
// outside this module; the core only ever receives fully-formed values.
package task

// Priority orders dispatch within the queue. High priority items are always
// dispatched ahead of normal ones; see queue.sortKey.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// PermissionMode controls how the agent CLI is allowed to apply edits.
type PermissionMode string

const (
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionRejectEdits PermissionMode = "rejectEdits"
	PermissionPrompt      PermissionMode = "prompt"
)

// CatchUpMode controls how missed cron occurrences are replayed on startup.
type CatchUpMode string

const (
	CatchUpSkip    CatchUpMode = "skip"
	CatchUpOnce    CatchUpMode = "run_once"
	CatchUpAll     CatchUpMode = "run_all"
)

// WatchEvent is the filesystem event kind a file-watch trigger reacts to.
type WatchEvent string

const (
	WatchCreated  WatchEvent = "created"
	WatchModified WatchEvent = "modified"
	WatchDeleted  WatchEvent = "deleted"
)

// AgentSpec is the fully-resolved invocation contract for the agent CLI.
type AgentSpec struct {
	Prompt               string         `json:"prompt"`
	AllowedTools         []string       `json:"allowed_tools,omitempty"`
	DisallowedTools      []string       `json:"disallowed_tools,omitempty"`
	PermissionMode       PermissionMode `json:"permission_mode,omitempty"`
	MCPConfig            string         `json:"mcp_config,omitempty"`
	TimeoutSeconds       int            `json:"timeout_seconds"`
	MaxRetries           int            `json:"max_retries"`
	RetryBackoffSeconds  int            `json:"retry_backoff_seconds"`
}

// ScheduleConfig describes a cron-style recurring trigger.
type ScheduleConfig struct {
	Expression string      `json:"expression"`
	Timezone   string      `json:"timezone,omitempty"`
	CatchUp    CatchUpMode `json:"catch_up,omitempty"`
}

// FileWatchTrigger describes a filesystem-event trigger.
type FileWatchTrigger struct {
	Path           string     `json:"path"`
	Pattern        string     `json:"pattern,omitempty"`
	Event          WatchEvent `json:"event,omitempty"`
	DebounceMillis int        `json:"debounce_milliseconds,omitempty"`
}

// IntervalTrigger describes a fixed-period trigger. The core does not
// schedule these itself (that lives in the out-of-scope configuration
// subsystem's own timer); it is carried here only so TaskRecord is a
// complete, exhaustive sum type per the trigger union described in the
// design notes.
type IntervalTrigger struct {
	Seconds int `json:"seconds"`
}

// TriggerKind discriminates which of Schedule/FileWatch/Interval/manual a
// TaskRecord carries. A manual task has none of the three set.
type TriggerKind string

const (
	TriggerNone      TriggerKind = ""
	TriggerSchedule  TriggerKind = "schedule"
	TriggerFileWatch TriggerKind = "file_watch"
	TriggerInterval  TriggerKind = "interval"
)

// Record is a fully-validated task definition as consumed by the core. The
// core never constructs or mutates the validation-relevant fields; it only
// reads them.
type Record struct {
	Name     string         `json:"name"`
	Enabled  bool           `json:"enabled"`
	Priority Priority       `json:"priority"`
	Agent    AgentSpec      `json:"agent"`

	Schedule   *ScheduleConfig   `json:"schedule,omitempty"`
	FileWatch  *FileWatchTrigger `json:"file_watch,omitempty"`
	Interval   *IntervalTrigger  `json:"interval,omitempty"`
}

// Trigger reports which trigger kind, if any, this record carries.
func (r *Record) Trigger() TriggerKind {
	switch {
	case r.Schedule != nil:
		return TriggerSchedule
	case r.FileWatch != nil:
		return TriggerFileWatch
	case r.Interval != nil:
		return TriggerInterval
	default:
		return TriggerNone
	}
}
