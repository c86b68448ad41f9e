package diagnostics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/remyolson/clodputer/internal/queue"
	"github.com/remyolson/clodputer/internal/task"
)

type fakeSampler struct {
	status queue.Status
	err    error
}

func (f *fakeSampler) GetStatus() (queue.Status, error) { return f.status, f.err }

func TestRecordRunIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(TaskRunsTotal.WithLabelValues("alpha", "success"))
	RecordRun("alpha", "success")
	after := testutil.ToFloat64(TaskRunsTotal.WithLabelValues("alpha", "success"))
	if after != before+1 {
		t.Errorf("counter = %v, want %v", after, before+1)
	}
}

func TestSampleOnceSetsQueueDepthByPriority(t *testing.T) {
	sampler := &fakeSampler{status: queue.Status{Queued: []queue.Item{
		{Name: "a", Priority: task.PriorityNormal},
		{Name: "b", Priority: task.PriorityNormal},
		{Name: "c", Priority: task.PriorityHigh},
	}}}
	s := &Server{Sampler: sampler}
	s.sampleOnce()

	if got := testutil.ToFloat64(QueueDepth.WithLabelValues(string(task.PriorityNormal))); got != 2 {
		t.Errorf("normal queue depth = %v, want 2", got)
	}
	if got := testutil.ToFloat64(QueueDepth.WithLabelValues(string(task.PriorityHigh))); got != 1 {
		t.Errorf("high queue depth = %v, want 1", got)
	}
}

func TestSampleOnceWithNilSamplerIsANoop(t *testing.T) {
	s := &Server{}
	s.sampleOnce()
}

func TestSampleOnceOnSamplerErrorLeavesGaugeUntouched(t *testing.T) {
	sampler := &fakeSampler{status: queue.Status{Queued: []queue.Item{{Name: "a", Priority: task.PriorityHigh}}}}
	s := &Server{Sampler: sampler}
	s.sampleOnce()
	before := testutil.ToFloat64(QueueDepth.WithLabelValues(string(task.PriorityHigh)))

	sampler.err = errBoom
	s.sampleOnce()
	after := testutil.ToFloat64(QueueDepth.WithLabelValues(string(task.PriorityHigh)))
	if after != before {
		t.Errorf("gauge changed after a sampler error: before=%v after=%v", before, after)
	}
}

var errBoom = sampleErr("boom")

type sampleErr string

func (e sampleErr) Error() string { return string(e) }
