// Package taskfiles implements the task_files_json tool (C4): lets a
// worker (typically the reporter) look up every artifact written so far for
// its own task, as JSON, instead of having its plan/summary/final paths
// threaded through prompt text by hand.
package taskfiles

import (
	"context"
	"encoding/json"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/artifacts"
)

// Tool implements agent.Tool for task_files_json. It is built once and
// shared across every task; the task in scope for a given call travels on
// ctx, since the tool registry itself is built before any task exists.
type Tool struct {
	store *artifacts.TaskStore
}

// New builds a task_files_json Tool backed by store.
func New(store *artifacts.TaskStore) *Tool {
	return &Tool{store: store}
}

type contextKey struct{}

// WithTaskID returns a context carrying taskID for task_files_json to read
// during the worker turn it is scoped to.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, contextKey{}, taskID)
}

func taskIDFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(contextKey{}).(string)
	return v, ok && v != ""
}

func (t *Tool) Name() string { return "task_files_json" }

func (t *Tool) Description() string {
	return "Returns the current task's artifact index (plan, worker summaries, final report paths) as JSON."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	taskID, ok := taskIDFrom(ctx)
	if !ok {
		return &agent.ToolResult{Content: "task_files_json: no task in scope", IsError: true}, nil
	}
	idx, err := t.store.Index(taskID)
	if err != nil {
		return &agent.ToolResult{Content: "task_files_json: failed to read index: " + err.Error(), IsError: true}, nil
	}
	out, err := json.Marshal(idx)
	if err != nil {
		return &agent.ToolResult{Content: "task_files_json: failed to encode index: " + err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: string(out)}, nil
}
