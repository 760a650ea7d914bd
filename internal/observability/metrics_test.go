package observability

import (
	"testing"
	"time"
)

func TestMetrics_RecordAndQuery(t *testing.T) {
	c := NewMetricsCollector(100)

	c.Record(MetricTaskRuns, 1, Labels{"task_id": "a"})
	c.Record(MetricTaskRuns, 1, Labels{"task_id": "b"})
	c.Record(MetricQuality, 0.9, nil)

	if got := len(c.Query(MetricTaskRuns, time.Time{})); got != 2 {
		t.Errorf("task run points = %d, want 2", got)
	}
	if got := len(c.Query(MetricQuality, time.Time{})); got != 1 {
		t.Errorf("quality points = %d, want 1", got)
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3", c.Len())
	}
}

func TestMetrics_QuerySince(t *testing.T) {
	c := NewMetricsCollector(100)
	c.Record(MetricLatency, 120, nil)

	if got := len(c.Query(MetricLatency, time.Now().Add(time.Hour))); got != 0 {
		t.Errorf("future window points = %d, want 0", got)
	}
}

func TestMetrics_RingBufferDropsOldest(t *testing.T) {
	c := NewMetricsCollector(3)
	for i := 0; i < 5; i++ {
		c.Record(MetricErrors, float64(i), nil)
	}

	points := c.Query(MetricErrors, time.Time{})
	if len(points) != 3 {
		t.Fatalf("points = %d, want 3", len(points))
	}
	if points[0].Value != 2 {
		t.Errorf("oldest surviving value = %v, want 2", points[0].Value)
	}
}

func TestMetrics_Summarize(t *testing.T) {
	c := NewMetricsCollector(100)
	for _, v := range []float64{0.5, 0.7, 0.9} {
		c.Record(MetricQuality, v, nil)
	}

	s := c.Summarize(MetricQuality, time.Time{})
	if s.Count != 3 {
		t.Errorf("Count = %d", s.Count)
	}
	if s.Min != 0.5 || s.Max != 0.9 {
		t.Errorf("Min/Max = %v/%v", s.Min, s.Max)
	}
	if s.P50 != 0.7 {
		t.Errorf("P50 = %v, want 0.7", s.P50)
	}
	if s.Mean < 0.69 || s.Mean > 0.71 {
		t.Errorf("Mean = %v", s.Mean)
	}
}

func TestMetrics_SummarizeEmpty(t *testing.T) {
	c := NewMetricsCollector(10)
	if s := c.Summarize(MetricQuality, time.Time{}); s.Count != 0 {
		t.Errorf("empty Summary = %+v", s)
	}
}

func TestMetrics_Counters(t *testing.T) {
	c := NewMetricsCollector(10)
	c.Increment("tasks_done")
	c.Increment("tasks_done")

	if got := c.Counter("tasks_done"); got != 2 {
		t.Errorf("Counter = %d", got)
	}
	if got := c.Counter("missing"); got != 0 {
		t.Errorf("missing Counter = %d", got)
	}

	snap := c.Snapshot()
	snap["tasks_done"] = 99
	if c.Counter("tasks_done") != 2 {
		t.Error("Snapshot must be a copy")
	}
}
