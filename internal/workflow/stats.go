package workflow

import (
	"sync"
	"time"
)

// TaskStats is a per-task aggregate folded from the event stream: worker
// turns, per-turn LLM round trips, and tool calls, plus wall time since the
// task started. This is the additive `GET /tasks/{id}/stats` endpoint's
// payload (SPEC_FULL.md §3's "Stats collection"), not part of the ten wire
// event variants themselves.
type TaskStats struct {
	TaskID      string        `json:"task_id"`
	WorkerTurns int           `json:"worker_turns"`
	Iterations  int           `json:"llm_iterations"`
	ToolCalls   int           `json:"tool_calls"`
	StartedAt   time.Time     `json:"started_at"`
	WallTime    time.Duration `json:"wall_time_ns"`
	Done        bool          `json:"done"`
}

// StatsCollector folds every task's event stream into a TaskStats, keyed by
// task id. One instance is shared process-wide, mirroring the LLM Gateway's
// single shared backend cache; each task's own entry is independent.
type StatsCollector struct {
	mu    sync.Mutex
	stats map[string]*TaskStats
}

// NewStatsCollector builds an empty collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{stats: make(map[string]*TaskStats)}
}

// Start registers taskID's stats entry. Called once, before the graph
// engine begins producing events for it.
func (c *StatsCollector) Start(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats[taskID] = &TaskStats{TaskID: taskID, StartedAt: time.Now()}
}

// Fold updates taskID's running stats from one emitted event. Unknown task
// ids (Start was never called, or the entry has been evicted) are a no-op.
func (c *StatsCollector) Fold(taskID string, evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stats[taskID]
	if !ok {
		return
	}
	switch evt.Type {
	case EventStartOfLLM:
		s.Iterations++
	case EventToolCall:
		s.ToolCalls++
	case EventStartOfAgent:
		s.WorkerTurns++
	case EventEndOfWorkflow:
		s.Done = true
		s.WallTime = time.Since(s.StartedAt)
	}
}

// Get returns a snapshot of taskID's stats. WallTime is computed live for
// an in-flight task. Returns false if taskID is unknown.
func (c *StatsCollector) Get(taskID string) (TaskStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stats[taskID]
	if !ok {
		return TaskStats{}, false
	}
	snapshot := *s
	if !snapshot.Done {
		snapshot.WallTime = time.Since(snapshot.StartedAt)
	}
	return snapshot, true
}

// Evict drops taskID's entry, bounding the collector's memory across a
// long-running process. Safe to call after the caller has read its final
// stats; a later Get simply reports unknown.
func (c *StatsCollector) Evict(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stats, taskID)
}
