package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/internal/agent"
	agentcontext "github.com/flowforge/orchestrator/internal/agent/context"
	"github.com/flowforge/orchestrator/internal/agent/tape"
	"github.com/flowforge/orchestrator/internal/config"
	"github.com/flowforge/orchestrator/internal/llm"
	"github.com/flowforge/orchestrator/pkg/models"
)

// Worker binds one of the six named workers (researcher, coder,
// database-analyst, document-parser, chart-generator, reporter) to a
// resolved LLM role, its static tool subset, and its prompt template.
type Worker struct {
	Name     string
	Role     llm.Role
	Model    string
	System   string
	Template string
	MaxSteps int

	pruning agentcontext.ContextPruningSettings
	charWindow int

	runtime  *agent.Runtime
	recorder *tape.Recorder
}

// NewWorker builds a Worker from def, backed by gateway and scoped to the
// tools named in def.Tools (looked up in registry; unknown names are
// skipped, matching the Tool Registry's "per-worker static tool subset").
func NewWorker(def config.WorkerDefinition, gateway *llm.Gateway, registry map[string]agent.Tool, logger *slog.Logger) *Worker {
	role := llm.Role(def.Role)
	if role == "" {
		role = llm.RoleBasic
	}

	tools := agent.NewToolRegistry()
	for _, name := range def.Tools {
		if t, ok := registry[name]; ok {
			tools.Register(t)
		}
	}

	opts := agent.DefaultRuntimeOptions()
	opts.Logger = logger
	if def.ToolTimeout > 0 {
		opts.ToolTimeout = def.ToolTimeout
	}

	maxSteps := def.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 5
	}

	provider := gateway.Provider(role, "")
	recorder := tape.NewRecorder(provider).WithModel(def.Role)
	runtime := agent.NewRuntime(recorder, tools, opts)

	return &Worker{
		Name:       def.Name,
		Role:       role,
		System:     systemPromptFor(def),
		Template:   promptTemplateFor(def),
		MaxSteps:   maxSteps,
		pruning:    pruningSettingsFor(def.ContextPruning),
		charWindow: agentcontext.DefaultPackOptions().MaxChars,
		runtime:    runtime,
		recorder:   recorder,
	}
}

// Trace returns the worker's recorded tape as of this call, serialized for
// the Artifact Store's trace/<worker>.json. Every turn this worker has ever
// run (across every task) is included, since the underlying runtime and its
// provider wrapper are shared across tasks — callers that want a single
// task's slice should call Trace before the next task reaches this worker.
func (w *Worker) Trace() ([]byte, error) {
	return w.recorder.Tape().Marshal()
}

// systemPromptFor returns the worker's system prompt, which per the spec's
// non-goals is not part of the kernel's responsibility — a short generic
// role description is all the kernel supplies.
func systemPromptFor(def config.WorkerDefinition) string {
	return fmt.Sprintf("You are the %q worker of a multi-agent orchestrator. Use your tools to complete the step assigned by the supervisor, then report your findings.", def.Name)
}

func promptTemplateFor(def config.WorkerDefinition) string {
	if def.PromptTemplateFile != "" {
		data, err := os.ReadFile(def.PromptTemplateFile)
		if err == nil {
			return string(data)
		}
	}
	if def.PromptTemplate != "" {
		return def.PromptTemplate
	}
	return "It is now <<CURRENT_TIME>>. Complete your assigned step for task <<TASK_ID>>."
}

func pruningSettingsFor(cfg config.ContextPruningConfig) agentcontext.ContextPruningSettings {
	settings := agentcontext.DefaultContextPruningSettings()
	if cfg.Mode != "" {
		settings.Mode = agentcontext.ContextPruningMode(cfg.Mode)
	}
	if cfg.TTL != nil {
		settings.TTL = *cfg.TTL
	}
	if cfg.KeepLastAssistants != nil {
		settings.KeepLastAssistants = *cfg.KeepLastAssistants
	}
	if cfg.SoftTrimRatio != nil {
		settings.SoftTrimRatio = *cfg.SoftTrimRatio
	}
	if cfg.HardClearRatio != nil {
		settings.HardClearRatio = *cfg.HardClearRatio
	}
	if cfg.MinPrunableToolChars != nil {
		settings.MinPrunableToolChars = *cfg.MinPrunableToolChars
	}
	settings.Tools = agentcontext.ContextPruningToolMatch{Allow: cfg.Tools.Allow, Deny: cfg.Tools.Deny}
	if cfg.SoftTrim.MaxChars != nil {
		settings.SoftTrim.MaxChars = *cfg.SoftTrim.MaxChars
	}
	if cfg.SoftTrim.HeadChars != nil {
		settings.SoftTrim.HeadChars = *cfg.SoftTrim.HeadChars
	}
	if cfg.SoftTrim.TailChars != nil {
		settings.SoftTrim.TailChars = *cfg.SoftTrim.TailChars
	}
	if cfg.HardClear.Enabled != nil {
		settings.HardClear.Enabled = *cfg.HardClear.Enabled
	}
	if cfg.HardClear.Placeholder != "" {
		settings.HardClear.Placeholder = cfg.HardClear.Placeholder
	}
	return settings
}

// history converts state's durable messages into the pruned completion
// history this worker's turn will see. Pruning never mutates state.Messages.
func (w *Worker) history(state *State) []agent.CompletionMessage {
	ptrs := make([]*models.Message, len(state.Messages))
	copy(ptrs, state.Messages)
	pruned := agentcontext.PruneContextMessages(ptrs, w.pruning, w.charWindow)

	out := make([]agent.CompletionMessage, 0, len(pruned))
	for _, m := range pruned {
		if m == nil {
			continue
		}
		out = append(out, agent.CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Text,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	return out
}

// turnResult is what RunTurn produced, folded from the underlying
// WorkerTurnResult plus the artifact-free rendered text.
type turnResult struct {
	Text string
	Err  error
}

// RunTurn drives one worker turn, translating the Worker Runtime's
// ResponseChunk stream into kernel Events on bus: start_of_llm/end_of_llm
// around each internal LLM call (the runtime's iteration_start/end
// markers), message deltas, and tool_call/tool_call_result pairs.
func (w *Worker) RunTurn(ctx context.Context, bus *EventBus, state *State, agentID string) turnResult {
	messageID := uuid.New().String()

	req := agent.WorkerTurnRequest{
		WorkerName:     w.Name,
		AgentID:        agentID,
		SessionID:      state.TaskID,
		System:         w.System,
		PromptTemplate: w.Template,
		Vars:           map[string]string{"TASK_ID": state.TaskID},
		History:        w.history(state),
		MaxSteps:       w.MaxSteps,
	}

	chunks, done := w.runtime.RunWorkerTurn(ctx, req)

	var turnErr error
	for chunk := range chunks {
		switch {
		case chunk.Error != nil:
			turnErr = chunk.Error
		case chunk.Event != nil && chunk.Event.Type == models.EventIterationStart:
			_ = bus.Emit(ctx, Event{Type: EventStartOfLLM, Payload: LLMPayload{AgentName: w.Name}})
		case chunk.Event != nil && chunk.Event.Type == models.EventIterationEnd:
			_ = bus.Emit(ctx, Event{Type: EventEndOfLLM, Payload: LLMPayload{AgentName: w.Name}})
		case chunk.Text != "":
			_ = bus.Emit(ctx, Event{Type: EventMessage, Payload: MessagePayload{MessageID: messageID, Delta: Delta{Content: chunk.Text}}})
		case chunk.Thinking != "":
			_ = bus.Emit(ctx, Event{Type: EventMessage, Payload: MessagePayload{MessageID: messageID, Delta: Delta{ReasoningContent: chunk.Thinking}}})
		case chunk.ToolEvent != nil:
			w.emitToolLifecycle(ctx, bus, chunk)
		}
	}

	result := <-done
	return turnResult{Text: result.Text, Err: turnErr}
}

func (w *Worker) emitToolLifecycle(ctx context.Context, bus *EventBus, chunk *agent.ResponseChunk) {
	ev := chunk.ToolEvent
	switch ev.Stage {
	case models.ToolEventRequested:
		_ = bus.Emit(ctx, Event{Type: EventToolCall, Payload: ToolCallPayload{
			ToolCallID: ev.ToolCallID,
			ToolName:   ev.ToolName,
			ToolInput:  ev.Input,
		}})
	case models.ToolEventSucceeded, models.ToolEventFailed:
		result := ev.Output
		if result == "" && chunk.ToolResult != nil {
			result = chunk.ToolResult.Content
		}
		_ = bus.Emit(ctx, Event{Type: EventToolCallResult, Payload: ToolCallResultPayload{
			ToolCallID: ev.ToolCallID,
			ToolName:   ev.ToolName,
			ToolResult: result,
		}})
	}
}

// responseFormat wraps a worker's turn text the way the graph appends it
// back into session history, so the next supervisor/planner call sees a
// clearly attributed block rather than bare text.
const responseFormat = "Response from %s:\n\n<response>\n%s\n</response>\n\nPlease execute the next step."

func wrapWorkerResponse(worker, text string) string {
	return fmt.Sprintf(responseFormat, worker, text)
}

func nowMessage(role models.Role, text string) *models.Message {
	return &models.Message{ID: uuid.New().String(), Role: role, Text: text, CreatedAt: time.Now()}
}
