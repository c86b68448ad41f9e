// Package agentbin resolves the path to the agent CLI executable and
// caches the result so later runs skip the PATH search.
//
// Grounded on the original implementation's environment.py
// (claude_cli_path / store_claude_cli_path), reusing statestore's
// atomic-write convention for env.json in place of the original's
// plain read_text/write_text pair.
package agentbin

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/remyolson/clodputer/internal/statestore"
)

// document is the on-disk env.json shape. Only the one key clodputer
// currently cares about is modeled; unknown keys a future version adds
// are not expected to be read back by this binary, so round-tripping
// them is out of scope.
type document struct {
	ClaudeCLI string `json:"claude_cli,omitempty"`
}

// Resolver resolves and caches the agent CLI path under StateFile.
type Resolver struct {
	StateFile string
	Log       zerolog.Logger
}

// NewResolver returns a Resolver whose cache lives at stateFile (typically
// "~/.clodputer/env.json").
func NewResolver(stateFile string, log zerolog.Logger) *Resolver {
	return &Resolver{StateFile: stateFile, Log: log}
}

// Resolve returns the agent CLI path, trying in order: explicit
// (CLODPUTER_CLAUDE_BIN / --claude-bin, passed in by the caller), the
// cached path in env.json, exec.LookPath("claude"), then a small set of
// fixed fallback install locations. Returns "" if nothing is found.
func (r *Resolver) Resolve(explicit string) string {
	if explicit != "" {
		return explicit
	}

	if cached := r.load().ClaudeCLI; cached != "" {
		if _, err := os.Stat(cached); err == nil {
			return cached
		}
		r.Log.Warn().Str("path", cached).Msg("cached claude_cli no longer exists; re-resolving")
	}

	if found, err := exec.LookPath("claude"); err == nil {
		return found
	}

	for _, candidate := range fallbackCandidates() {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func fallbackCandidates() []string {
	var out []string
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(home, ".claude", "local", "claude"))
	}
	out = append(out, "/opt/homebrew/bin/claude")
	return out
}

// Store persists path as the cached claude_cli value, so future
// resolutions skip the PATH search. An existing env.json is copied to a
// timestamped sibling first; unlike the queue or metrics documents it
// cannot be regenerated from other state.
func (r *Resolver) Store(path string) error {
	if _, err := statestore.Backup(r.StateFile, filepath.Dir(r.StateFile), "env"); err != nil {
		r.Log.Warn().Err(err).Msg("env.json backup failed; proceeding with rewrite")
	}
	doc := r.load()
	doc.ClaudeCLI = path
	return statestore.WriteJSON(r.StateFile, &doc)
}

func (r *Resolver) load() document {
	var doc document
	statestore.ReadJSON(r.StateFile, &doc, r.Log)
	return doc
}
