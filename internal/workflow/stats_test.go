package workflow

import "testing"

func TestStatsCollector_FoldsEventCounts(t *testing.T) {
	c := NewStatsCollector()
	c.Start("task-1")

	c.Fold("task-1", Event{Type: EventStartOfAgent})
	c.Fold("task-1", Event{Type: EventStartOfLLM})
	c.Fold("task-1", Event{Type: EventToolCall})
	c.Fold("task-1", Event{Type: EventToolCall})
	c.Fold("task-1", Event{Type: EventStartOfLLM})
	c.Fold("task-1", Event{Type: EventEndOfWorkflow})

	got, ok := c.Get("task-1")
	if !ok {
		t.Fatalf("Get(task-1) = _, false; want true")
	}
	if got.WorkerTurns != 1 {
		t.Errorf("WorkerTurns = %d, want 1", got.WorkerTurns)
	}
	if got.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", got.Iterations)
	}
	if got.ToolCalls != 2 {
		t.Errorf("ToolCalls = %d, want 2", got.ToolCalls)
	}
	if !got.Done {
		t.Error("Done = false, want true after end_of_workflow")
	}
	if got.WallTime <= 0 {
		t.Error("WallTime should be set once the task is done")
	}
}

func TestStatsCollector_UnknownTask(t *testing.T) {
	c := NewStatsCollector()
	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) = _, true; want false")
	}
	// Folding against an unregistered task must not panic or create one.
	c.Fold("missing", Event{Type: EventToolCall})
	if _, ok := c.Get("missing"); ok {
		t.Error("Fold should not create an entry for an unregistered task")
	}
}

func TestStatsCollector_EvictRemovesEntry(t *testing.T) {
	c := NewStatsCollector()
	c.Start("task-2")
	c.Evict("task-2")
	if _, ok := c.Get("task-2"); ok {
		t.Error("Get after Evict = _, true; want false")
	}
}
