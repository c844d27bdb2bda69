package workflow

import (
	"context"

	"github.com/flowforge/orchestrator/internal/observability"
)

// EventBus is the kernel's C2 component: a bounded FIFO channel of Event,
// single producer (the graph engine; nodes run sequentially within a task)
// and single consumer (the facade's drain loop feeding the HTTP edge).
// Capacity provides backpressure: once full, Emit blocks until the consumer
// drains or ctx is cancelled.
type EventBus struct {
	ch chan Event

	recorder  *observability.EventRecorder
	sessionID string

	stats  *StatsCollector
	taskID string
}

// NewEventBus allocates a bus with the given capacity. A non-positive
// capacity is treated as unbuffered (capacity 1) to avoid a permanently
// blocked producer.
func NewEventBus(capacity int) *EventBus {
	if capacity <= 0 {
		capacity = 1
	}
	return &EventBus{ch: make(chan Event, capacity)}
}

// WithRecorder mirrors every emitted event into recorder under sessionID,
// building the queryable event timeline a debug client can page through
// independently of draining the live channel. A nil recorder disables
// mirroring.
func (b *EventBus) WithRecorder(recorder *observability.EventRecorder, sessionID string) *EventBus {
	b.recorder = recorder
	b.sessionID = sessionID
	return b
}

// WithStats folds every emitted event into collector's entry for taskID,
// feeding the additive GET /tasks/{id}/stats endpoint. A nil collector
// disables folding.
func (b *EventBus) WithStats(collector *StatsCollector, taskID string) *EventBus {
	b.stats = collector
	b.taskID = taskID
	return b
}

// Emit enqueues evt, blocking while the bus is full. Returns ctx.Err() if ctx
// is cancelled before the event is accepted — the engine's cancellation
// check at every suspension point.
func (b *EventBus) Emit(ctx context.Context, evt Event) error {
	if b.recorder != nil {
		ctx := observability.AddSessionID(ctx, b.sessionID)
		_ = b.recorder.Record(ctx, observability.EventType(evt.Type), string(evt.Type), eventData(evt))
	}
	if b.stats != nil {
		b.stats.Fold(b.taskID, evt)
	}
	select {
	case b.ch <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side for the facade's drain loop.
func (b *EventBus) Events() <-chan Event {
	return b.ch
}

// Close closes the channel. Callers must ensure no further Emit calls occur
// after Close; the graph engine's dispatch loop calls this exactly once,
// after its final end_of_workflow Emit succeeds or ctx is cancelled.
func (b *EventBus) Close() {
	close(b.ch)
}
