package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// MaxUserStateSize caps the serialized size of one task's user state
// document.
const MaxUserStateSize = 1 << 20

// UserStateStore manages the optional per-task state documents under
// the state root's state/ directory, one opaque JSON object per task.
// Tasks use these to carry arbitrary context between runs; the runtime
// itself never interprets the contents.
type UserStateStore struct {
	dir string
	log zerolog.Logger
}

// NewUserStateStore returns a store rooted at dir (typically
// "~/.clodputer/state").
func NewUserStateStore(dir string, log zerolog.Logger) *UserStateStore {
	return &UserStateStore{dir: dir, log: log}
}

func (s *UserStateStore) path(taskName string) string {
	return filepath.Join(s.dir, taskName+".json")
}

// Get returns taskName's state object. A missing or corrupt document
// yields an empty map; corruption is archived and logged like any other
// state document.
func (s *UserStateStore) Get(taskName string) (map[string]interface{}, error) {
	state := map[string]interface{}{}
	if _, err := ReadJSON(s.path(taskName), &state, s.log); err != nil {
		return nil, err
	}
	if state == nil {
		state = map[string]interface{}{}
	}
	return state, nil
}

// Set replaces taskName's state object. The serialized document must not
// exceed MaxUserStateSize.
func (s *UserStateStore) Set(taskName string, state map[string]interface{}) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("statestore: marshal user state for %s: %w", taskName, err)
	}
	if len(data) > MaxUserStateSize {
		return fmt.Errorf("statestore: user state for %s is %d bytes, exceeding the %d byte cap", taskName, len(data), MaxUserStateSize)
	}
	return WriteJSON(s.path(taskName), state)
}

// Clear removes taskName's state document. Removing an absent document is
// not an error.
func (s *UserStateStore) Clear(taskName string) error {
	if err := os.Remove(s.path(taskName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("statestore: clear user state for %s: %w", taskName, err)
	}
	return nil
}
