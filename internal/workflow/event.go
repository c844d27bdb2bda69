// Package workflow implements the orchestration kernel's graph engine (C6)
// and orchestration facade (C7): the directed node graph
// (coordinator -> planner -> supervisor <-> worker* -> terminal) whose
// traversal is decided at runtime by LLM outputs, and the public entry point
// that drains its event stream to a caller.
package workflow

import "encoding/json"

// EventType names one of the ten wire event variants the kernel emits.
type EventType string

const (
	EventStartOfWorkflow EventType = "start_of_workflow"
	EventEndOfWorkflow   EventType = "end_of_workflow"
	EventStartOfAgent    EventType = "start_of_agent"
	EventEndOfAgent      EventType = "end_of_agent"
	EventStartOfLLM      EventType = "start_of_llm"
	EventEndOfLLM        EventType = "end_of_llm"
	EventMessage         EventType = "message"
	EventToolCall        EventType = "tool_call"
	EventToolCallResult  EventType = "tool_call_result"
	EventPlanGenerated   EventType = "plan_generated"
	EventStepStarted     EventType = "step_started"
	EventStepEnd         EventType = "step_end"
)

// Event is one item on the kernel's event stream. Payload is one of the
// *Payload types below, chosen to match Type; the HTTP/SSE edge marshals it
// directly as the SSE `data:` field, and Type as the SSE `event:` field.
type Event struct {
	Type    EventType `json:"-"`
	Payload any       `json:"-"`
}

// MarshalJSON renders the event's payload alone, since the SSE edge carries
// Type separately as the `event:` line.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e.Payload)
}

// Delta is the incremental content of one streamed message chunk.
type Delta struct {
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// MessagePayload backs the `message` event.
type MessagePayload struct {
	MessageID string `json:"message_id"`
	Delta     Delta  `json:"delta"`
}

// ToolCallPayload backs the `tool_call` event.
type ToolCallPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
}

// ToolCallResultPayload backs the `tool_call_result` event.
type ToolCallResultPayload struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	ToolResult string `json:"tool_result"`
}

// AgentPayload backs `start_of_agent` / `end_of_agent`.
type AgentPayload struct {
	AgentName string `json:"agent_name"`
	AgentID   string `json:"agent_id"`
}

// LLMPayload backs `start_of_llm` / `end_of_llm`.
type LLMPayload struct {
	AgentName string `json:"agent_name"`
}

// PlanGeneratedPayload backs the `plan_generated` event.
type PlanGeneratedPayload struct {
	PlanSteps  []PlanStep `json:"plan_steps"`
	TotalSteps int        `json:"total_steps"`
}

// StepPayload backs `step_started` / `step_end`. StepIndex is 1-based.
type StepPayload struct {
	StepIndex  int      `json:"step_index"`
	TotalSteps int      `json:"total_steps"`
	StepInfo   PlanStep `json:"step_info"`
}

// WorkflowPayload backs `start_of_workflow` / `end_of_workflow`.
type WorkflowPayload struct {
	WorkflowID string `json:"workflow_id"`
	Input      any    `json:"input,omitempty"`
	Messages   any    `json:"messages,omitempty"`
}
