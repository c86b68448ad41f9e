// Package taskstate tracks, per task name, the last run time, last success
// time, and next expected occurrence, persisted to task_state.json.
//
// Grounded on the original implementation's task_state.py, including its
// distinct corruption-recovery convention (rename to a ".backup.corrupted"
// suffix, or delete if the rename itself fails) — kept separate from
// statestore's "<name>.corrupt-<stamp>" convention used by the queue
// document, per SPEC_FULL.md §12.
package taskstate

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/remyolson/clodputer/internal/statestore"
)

// State is one task's recorded execution history.
type State struct {
	LastRun      string `json:"last_run,omitempty"`
	LastSuccess  string `json:"last_success,omitempty"`
	NextExpected string `json:"next_expected,omitempty"`
}

// Store loads, updates, and persists the task_state.json document.
type Store struct {
	path string
	log  zerolog.Logger
}

// NewStore returns a Store backed by path.
func NewStore(path string, log zerolog.Logger) *Store {
	return &Store{path: path, log: log}
}

// All returns every task's recorded state. A missing or corrupt file
// yields an empty map.
func (s *Store) All() (map[string]State, error) {
	states := map[string]State{}
	if err := s.loadRecovering(&states); err != nil {
		return nil, err
	}
	return states, nil
}

// Get returns the state for name, and whether it was present.
func (s *Store) Get(name string) (State, bool, error) {
	all, err := s.All()
	if err != nil {
		return State{}, false, err
	}
	st, ok := all[name]
	return st, ok, nil
}

// Update applies fn to name's current state (zero value if absent) and
// persists the result.
func (s *Store) Update(name string, fn func(*State)) error {
	all, err := s.All()
	if err != nil {
		return err
	}
	st := all[name]
	fn(&st)
	all[name] = st
	return statestore.WriteJSON(s.path, all)
}

// RecordExecution stamps LastRun always, and LastSuccess only when success
// is true; nextExpected, if non-empty, overwrites NextExpected.
func (s *Store) RecordExecution(name string, at time.Time, success bool, nextExpected string) error {
	return s.Update(name, func(st *State) {
		st.LastRun = at.UTC().Format(time.RFC3339)
		if success {
			st.LastSuccess = at.UTC().Format(time.RFC3339)
		}
		if nextExpected != "" {
			st.NextExpected = nextExpected
		}
	})
}

// loadRecovering reads the document into v, recovering from corruption by
// renaming the file to a ".backup.corrupted" suffix (or deleting it if the
// rename itself fails) rather than statestore's generic "<name>.corrupt-"
// convention, matching the original implementation's distinct behaviour
// for this particular file.
func (s *Store) loadRecovering(v *map[string]State) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if unmarshalErr := json.Unmarshal(data, v); unmarshalErr != nil {
		dest := s.path + ".backup.corrupted"
		if renameErr := os.Rename(s.path, dest); renameErr != nil {
			os.Remove(s.path)
			dest = "<deleted>"
		}
		s.log.Warn().
			Str("path", s.path).
			Str("recovered_as", dest).
			Err(unmarshalErr).
			Msg("corrupt task state recovered; continuing with empty state")
		*v = map[string]State{}
		return nil
	}
	return nil
}
