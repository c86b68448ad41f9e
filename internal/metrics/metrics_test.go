package metrics

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "metrics.json"), zerolog.Nop())
}

func TestRecordSuccessAccumulates(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordSuccess("alpha", 2.0); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if err := s.RecordSuccess("alpha", 4.0); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	rows, err := s.Summary()
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row.Success != 2 || row.Failure != 0 {
		t.Errorf("row = %+v, want success=2 failure=0", row)
	}
	if row.AvgDuration != 3.0 {
		t.Errorf("AvgDuration = %v, want 3.0", row.AvgDuration)
	}
}

func TestRecordFailureDoesNotAffectAverage(t *testing.T) {
	s := newTestStore(t)
	s.RecordSuccess("beta", 10.0)
	s.RecordFailure("beta")
	s.RecordFailure("beta")

	rows, err := s.Summary()
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	row := rows[0]
	if row.Failure != 2 {
		t.Errorf("Failure = %d, want 2", row.Failure)
	}
	if row.AvgDuration != 10.0 {
		t.Errorf("AvgDuration = %v, want 10.0 (failures excluded)", row.AvgDuration)
	}
	if row.Total != 3 {
		t.Errorf("Total = %d, want 3", row.Total)
	}
}

func TestSummaryRanksByTotalDescending(t *testing.T) {
	s := newTestStore(t)
	s.RecordSuccess("low", 1.0)
	for i := 0; i < 3; i++ {
		s.RecordSuccess("high", 1.0)
	}

	rows, err := s.Summary()
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if rows[0].Name != "high" {
		t.Errorf("expected highest-total task first, got %q", rows[0].Name)
	}
}

func TestSummaryOnEmptyStoreIsEmpty(t *testing.T) {
	s := newTestStore(t)
	rows, err := s.Summary()
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no rows for a fresh store, got %d", len(rows))
	}
}
