package telemetry

import (
	"testing"
	"time"
)

func TestDisabledCollectorDropsMetrics(t *testing.T) {
	c := NewCollector(false, 0)
	c.Counter("taskr_commands_total", 1, nil)
	if got := len(c.GetMetrics()); got != 0 {
		t.Fatalf("expected no metrics, got %d", got)
	}
}

func TestCollectorTotalsSurviveFlush(t *testing.T) {
	c := NewCollector(true, time.Hour)
	defer c.Shutdown()

	c.Counter("taskr_commands_total", 1, map[string]string{"task": "a"})
	c.Counter("taskr_commands_total", 1, map[string]string{"task": "b"})
	c.Timer("taskr_command_duration", 1500*time.Millisecond, nil)

	metrics := c.GetMetrics()
	if len(metrics) != 3 {
		t.Fatalf("expected 3 metrics, got %d", len(metrics))
	}
	if metrics[2].Value != 1500 || metrics[2].Unit != "ms" {
		t.Fatalf("unexpected timer metric: %+v", metrics[2])
	}
	if err := c.FlushMetrics(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(c.GetMetrics()) != 0 {
		t.Fatalf("expected empty buffer after flush")
	}
	if got := c.Totals()["taskr_commands_total"]; got != 2 {
		t.Fatalf("expected total 2, got %v", got)
	}
}

func TestGaugesAndHistogramsStayOutOfTotals(t *testing.T) {
	c := NewCollector(true, time.Hour)
	defer c.Shutdown()

	c.Gauge("taskr_plan_tasks", 3, map[string]string{"task": "docker_run"})
	c.Histogram("taskr_task_duration_seconds", 0.25, map[string]string{"task": "docker_build"})

	metrics := c.GetMetrics()
	if len(metrics) != 2 {
		t.Fatalf("expected 2 metrics, got %d", len(metrics))
	}
	if metrics[0].Type != Gauge || metrics[0].Value != 3 {
		t.Fatalf("unexpected gauge: %+v", metrics[0])
	}
	if metrics[1].Type != Histogram || metrics[1].Value != 0.25 {
		t.Fatalf("unexpected histogram: %+v", metrics[1])
	}
	if len(c.Totals()) != 0 {
		t.Fatalf("expected no counter totals, got %v", c.Totals())
	}
}
