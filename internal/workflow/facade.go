package workflow

import (
	"context"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/pkg/models"
)

// Orchestrator is the kernel's C7 component: the public entry point that
// allocates a task, spins the graph engine as a cooperative goroutine, and
// hands the caller an event stream to drain.
type Orchestrator struct {
	graph            *Graph
	eventBusCapacity int
	stats            *StatsCollector
}

// NewOrchestrator builds an Orchestrator around graph. eventBusCapacity
// bounds each task's Event Bus (see config.OrchestratorConfig.EventBusCapacity).
func NewOrchestrator(graph *Graph, eventBusCapacity int) *Orchestrator {
	if eventBusCapacity <= 0 {
		eventBusCapacity = 256
	}
	return &Orchestrator{graph: graph, eventBusCapacity: eventBusCapacity, stats: NewStatsCollector()}
}

// Stats returns the running or final aggregate for taskID, or false if this
// Orchestrator has never run that task. Backs the additive
// GET /tasks/{id}/stats endpoint.
func (o *Orchestrator) Stats(taskID string) (TaskStats, bool) {
	return o.stats.Get(taskID)
}

// Run allocates a task id and workflow id, wires up the task's Event Bus,
// and spawns the graph engine against it. The returned channel is closed
// once the engine reaches its terminal node (naturally, via the recursion
// cap, or because ctx was cancelled); it always yields a final
// end_of_workflow event first. Callers that stop reading before the channel
// closes will block the engine's next Emit — on cancellation the caller
// must keep draining (discarding) until close, per the Event Bus's
// backpressure contract.
func (o *Orchestrator) Run(ctx context.Context, messages []*models.Message, opts Options) (taskID string, events <-chan Event) {
	taskID = NewTaskID()
	state := &State{
		TaskID:     taskID,
		WorkflowID: uuid.New().String(),
		Messages:   append([]*models.Message(nil), messages...),
		Options:    opts,
	}

	o.stats.Start(taskID)
	bus := NewEventBus(o.eventBusCapacity).WithStats(o.stats, taskID)
	go func() {
		defer bus.Close()
		o.graph.Run(ctx, bus, state)
	}()

	return taskID, bus.Events()
}
