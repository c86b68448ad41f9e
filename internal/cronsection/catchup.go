package cronsection

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/remyolson/clodputer/internal/queue"
	"github.com/remyolson/clodputer/internal/task"
	"github.com/remyolson/clodputer/internal/taskstate"
)

// Missed is one retained missed occurrence for a task.
type Missed struct {
	Task     *task.Record
	Occurred time.Time
}

// Enqueuer is the narrow slice of queue.Manager catch-up needs, matching
// the watcher package's fake-friendly seam.
type Enqueuer interface {
	Enqueue(taskName string, priority task.Priority, metadata map[string]interface{}, notBefore *time.Time, attempt int) (queue.Item, error)
}

// EnqueueMissed enqueues one item per retained missed occurrence in
// missed, recording the missed timestamp in metadata as "missed_at"
// (RFC3339), per §4.6 step 4 and acceptance scenario 6.
func EnqueueMissed(missed []Missed, enq Enqueuer) error {
	for _, m := range missed {
		_, err := enq.Enqueue(m.Task.Name, m.Task.Priority, map[string]interface{}{
			"trigger":   "catch_up",
			"missed_at": m.Occurred.UTC().Format(time.RFC3339),
		}, nil, 0)
		if err != nil {
			return err
		}
	}
	return nil
}

// DetectMissed scans recs for enabled, cron-scheduled tasks whose
// catch-up mode is not "skip", and returns the retained set of missed
// occurrences since each task's last recorded success. Tasks with no
// recorded last_success, an invalid expression, or catch_up=skip
// contribute nothing — this yields an empty retained set without error,
// per §4.6.
func DetectMissed(recs []*task.Record, states *taskstate.Store, now time.Time) ([]Missed, error) {
	var out []Missed
	for _, rec := range recs {
		if !rec.Enabled || rec.Schedule == nil {
			continue
		}
		if rec.Schedule.CatchUp == "" || rec.Schedule.CatchUp == task.CatchUpSkip {
			continue
		}
		st, ok, err := states.Get(rec.Name)
		if err != nil {
			return nil, err
		}
		if !ok || st.LastSuccess == "" {
			continue
		}
		lastSuccess, err := time.Parse(time.RFC3339, st.LastSuccess)
		if err != nil {
			continue
		}
		if !ValidateExpression(rec.Schedule.Expression) {
			continue
		}
		schedule, err := ParseSchedule(rec.Schedule.Expression)
		if err != nil {
			continue
		}

		occurrences := calculateMissedRuns(schedule, lastSuccess, now)
		switch rec.Schedule.CatchUp {
		case task.CatchUpOnce:
			if len(occurrences) > 0 {
				occurrences = occurrences[len(occurrences)-1:]
			}
		case task.CatchUpAll:
			// keep all
		default:
			occurrences = nil
		}

		for _, t := range occurrences {
			out = append(out, Missed{Task: rec, Occurred: t})
		}
	}
	return out, nil
}

// calculateMissedRuns walks schedule.Next repeatedly from lastSuccess,
// collecting every occurrence strictly before now (the half-open interval
// (lastSuccess, now)).
func calculateMissedRuns(schedule cron.Schedule, lastSuccess, now time.Time) []time.Time {
	var out []time.Time
	cursor := lastSuccess
	for {
		next := schedule.Next(cursor)
		if next.IsZero() || !next.Before(now) {
			break
		}
		out = append(out, next)
		cursor = next
	}
	sortByAge(out)
	return out
}
