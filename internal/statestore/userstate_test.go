package statestore

import (
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newUserStateStore(t *testing.T) *UserStateStore {
	t.Helper()
	return NewUserStateStore(t.TempDir(), zerolog.Nop())
}

func TestUserStateGetMissingYieldsEmptyMap(t *testing.T) {
	s := newUserStateStore(t)
	state, err := s.Get("alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(state) != 0 {
		t.Errorf("expected an empty map for a task with no state, got %v", state)
	}
}

func TestUserStateSetGetRoundTrip(t *testing.T) {
	s := newUserStateStore(t)
	if err := s.Set("alpha", map[string]interface{}{"cursor": "abc", "count": 3.0}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	state, err := s.Get("alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if state["cursor"] != "abc" || state["count"] != 3.0 {
		t.Errorf("Get = %v, want the stored object back", state)
	}
}

func TestUserStateSetRejectsOversizedDocument(t *testing.T) {
	s := newUserStateStore(t)
	big := strings.Repeat("x", MaxUserStateSize)
	err := s.Set("alpha", map[string]interface{}{"blob": big})
	if err == nil {
		t.Fatal("expected an error for a state document over the size cap")
	}
}

func TestUserStateClearIsIdempotent(t *testing.T) {
	s := newUserStateStore(t)
	if err := s.Set("alpha", map[string]interface{}{"k": "v"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Clear("alpha"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := os.Stat(s.path("alpha")); !os.IsNotExist(err) {
		t.Error("expected the state document removed")
	}
	if err := s.Clear("alpha"); err != nil {
		t.Fatalf("Clear on an absent document: %v", err)
	}
}
