// Package metrics tracks per-task success/failure counters and cumulative
// durations, persisted atomically to metrics.json.
//
// Grounded on the original implementation's metrics.py, with the write
// path upgraded from a plain read/write to the atomic-write convention
// used everywhere else under the state root (see DESIGN.md).
package metrics

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/remyolson/clodputer/internal/statestore"
)

// TaskMetrics is the running tally for one task name.
type TaskMetrics struct {
	Success       int     `json:"success"`
	Failure       int     `json:"failure"`
	TotalDuration float64 `json:"total_duration"`
}

// Document is the full metrics.json shape: task name to tally.
type Document struct {
	Tasks map[string]*TaskMetrics `json:"tasks"`
}

// Store loads, updates, and persists Document.
type Store struct {
	path string
	log  zerolog.Logger
}

// NewStore returns a Store backed by path.
func NewStore(path string, log zerolog.Logger) *Store {
	return &Store{path: path, log: log}
}

func (s *Store) load() (*Document, error) {
	doc := &Document{Tasks: map[string]*TaskMetrics{}}
	_, err := statestore.ReadJSON(s.path, doc, s.log)
	if err != nil {
		return nil, err
	}
	if doc.Tasks == nil {
		doc.Tasks = map[string]*TaskMetrics{}
	}
	return doc, nil
}

func (s *Store) save(doc *Document) error {
	return statestore.WriteJSON(s.path, doc)
}

// RecordSuccess increments the success counter for name and accumulates
// durationSeconds into its running total.
func (s *Store) RecordSuccess(name string, durationSeconds float64) error {
	doc, err := s.load()
	if err != nil {
		return err
	}
	tm := doc.Tasks[name]
	if tm == nil {
		tm = &TaskMetrics{}
		doc.Tasks[name] = tm
	}
	tm.Success++
	tm.TotalDuration += durationSeconds
	return s.save(doc)
}

// RecordFailure increments the failure counter for name only; failed runs
// do not contribute to the duration average.
func (s *Store) RecordFailure(name string) error {
	doc, err := s.load()
	if err != nil {
		return err
	}
	tm := doc.Tasks[name]
	if tm == nil {
		tm = &TaskMetrics{}
		doc.Tasks[name] = tm
	}
	tm.Failure++
	return s.save(doc)
}

// SummaryRow is one ranked entry in Summary's output.
type SummaryRow struct {
	Name        string  `json:"name"`
	Success     int     `json:"success"`
	Failure     int     `json:"failure"`
	Total       int     `json:"total"`
	AvgDuration float64 `json:"avg_duration"`
}

// Summary returns every task's tally ranked by total run count descending,
// with average duration computed over successful runs only (zero if there
// are none). Supplements the original's metrics_summary(), which §4.4's
// get_status() implies but does not name as a standalone operation — see
// SPEC_FULL.md §12.
func (s *Store) Summary() ([]SummaryRow, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	rows := make([]SummaryRow, 0, len(doc.Tasks))
	for name, tm := range doc.Tasks {
		var avg float64
		if tm.Success > 0 {
			avg = tm.TotalDuration / float64(tm.Success)
		}
		rows = append(rows, SummaryRow{
			Name:        name,
			Success:     tm.Success,
			Failure:     tm.Failure,
			Total:       tm.Success + tm.Failure,
			AvgDuration: avg,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Total > rows[j].Total })
	return rows, nil
}
