package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/artifacts"
	"github.com/flowforge/orchestrator/internal/config"
	"github.com/flowforge/orchestrator/internal/llm"
	"github.com/flowforge/orchestrator/internal/observability"
	"github.com/flowforge/orchestrator/internal/tools/taskfiles"
	"github.com/flowforge/orchestrator/pkg/models"
)

// NodeName identifies a node in the graph: the three fixed control nodes,
// one of the named workers, or the terminal node.
type NodeName string

const (
	NodeCoordinator NodeName = "coordinator"
	NodePlanner     NodeName = "planner"
	NodeSupervisor  NodeName = "supervisor"
	NodeEnd         NodeName = "END"
)

// handoffToken is the substring the coordinator's raw output carries when it
// wants to route to the planner instead of replying directly.
const handoffToken = "handoff_to_planner"

const supervisorRoutingSchema = `{
  "type": "object",
  "properties": {
    "next": {"type": "string"}
  },
  "required": ["next"]
}`

const plannerSystemPrompt = "You are the planning node of a multi-agent orchestrator. Given the conversation so far, produce a JSON object {\"steps\": [{\"worker_name\": \"...\", \"description\": \"...\"}]} choosing from the registered worker names. Respond with JSON only."

const coordinatorSystemPrompt = "You are the coordinator of a multi-agent orchestrator. For requests you can answer directly, reply conversationally. For requests that require research, coding, data analysis, document parsing, charting, or a written report, reply with exactly the token handoff_to_planner and nothing else."

func supervisorSystemPrompt(workerNames []string) string {
	return fmt.Sprintf(
		"You are the supervisor of a multi-agent orchestrator. Workers available: %s. "+
			"Given the conversation so far, choose which worker should act next, or \"FINISH\" if the task is complete. "+
			"Respond with JSON only: {\"next\": \"<worker name or FINISH>\"}.",
		strings.Join(workerNames, ", "))
}

// Graph is the kernel's C6 component: a static node table plus a dispatch
// loop whose transitions are decided by the three control nodes' LLM calls.
type Graph struct {
	gateway *llm.Gateway
	store   *artifacts.TaskStore
	workers map[string]*Worker
	tools   map[string]agent.Tool

	recursionLimit          int
	coordinatorBufferChunks int

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// WithObservability attaches the ambient metrics/tracing stack to the graph.
// Either argument may be nil; a nil tracer or metrics is a no-op at every
// call site (matching the rest of the kernel's "ambient stack is carried
// even when a Non-goal excludes the outer surface" policy without forcing
// every caller, including tests, to thread observability through NewGraph).
func (g *Graph) WithObservability(metrics *observability.Metrics, tracer *observability.Tracer) *Graph {
	g.metrics = metrics
	g.tracer = tracer
	return g
}

func (g *Graph) startSpan(ctx context.Context, name string) (context.Context, func()) {
	if g.tracer == nil {
		return ctx, func() {}
	}
	spanCtx, span := g.tracer.Start(ctx, name)
	return spanCtx, func() { span.End() }
}

// NewGraph builds a Graph from its dependencies. workerOrder fixes the
// iteration order used to build the supervisor's prompt (stable across
// calls, for deterministic tests).
func NewGraph(gateway *llm.Gateway, store *artifacts.TaskStore, workers map[string]*Worker, tools map[string]agent.Tool, cfg config.OrchestratorConfig, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	recursionLimit := cfg.RecursionLimit
	if recursionLimit <= 0 {
		recursionLimit = 50
	}
	bufferChunks := cfg.CoordinatorBufferChunks
	if bufferChunks <= 0 {
		bufferChunks = 8
	}
	return &Graph{
		gateway:                 gateway,
		store:                   store,
		workers:                 workers,
		tools:                   tools,
		recursionLimit:          recursionLimit,
		coordinatorBufferChunks: bufferChunks,
		logger:                  logger,
	}
}

func (g *Graph) workerNames() []string {
	names := make([]string, 0, len(g.workers))
	for name := range g.workers {
		names = append(names, name)
	}
	return names
}

func (g *Graph) isWorker(name string) bool {
	_, ok := g.workers[name]
	return ok
}

// Run drives the dispatch loop from NodeCoordinator to NodeEnd, emitting
// events onto bus as it goes. It always emits exactly one end_of_workflow,
// as the last event, whether the task completed naturally, hit the
// recursion cap, or was cancelled.
func (g *Graph) Run(ctx context.Context, bus *EventBus, state *State) {
	if g.metrics != nil {
		g.metrics.ActiveSessions.WithLabelValues("task").Inc()
		defer g.metrics.ActiveSessions.WithLabelValues("task").Dec()
	}

	if g.store != nil {
		dir, err := g.store.Create(state.TaskID)
		if err != nil {
			g.logger.Error("workflow: failed to create task directory", "task_id", state.TaskID, "error", err)
		} else {
			state.OutputDir = dir
		}
	}

	current := NodeCoordinator
	workerTurns := 0
	cappedOut := false

	for current != NodeEnd {
		if err := ctx.Err(); err != nil {
			break
		}

		spanCtx, endSpan := g.startSpan(ctx, "node."+string(current))

		var next NodeName
		switch current {
		case NodeCoordinator:
			next = g.runCoordinator(spanCtx, bus, state)
		case NodePlanner:
			next = g.runPlanner(spanCtx, bus, state)
		case NodeSupervisor:
			next = g.runSupervisor(spanCtx, bus, state)
		default:
			workerTurns++
			if workerTurns > g.recursionLimit {
				g.logger.Warn("workflow: recursion cap hit", "task_id", state.TaskID, "limit", g.recursionLimit)
				if g.metrics != nil {
					g.metrics.ErrorCounter.WithLabelValues("graph", "recursion_cap_hit").Inc()
				}
				cappedOut = true
				next = NodeEnd
			} else {
				next = g.runWorker(spanCtx, bus, state, string(current))
			}
		}
		endSpan()
		current = next
	}

	if g.metrics != nil {
		status := "success"
		if cappedOut {
			status = "recursion_cap"
		}
		g.metrics.RunAttempts.WithLabelValues(status).Inc()
	}

	_ = bus.Emit(context.Background(), Event{Type: EventEndOfWorkflow, Payload: WorkflowPayload{WorkflowID: state.WorkflowID}})
}

// runCoordinator streams the coordinator's reply, buffering up to
// coordinatorBufferChunks chunks to scan for the handoff token or a code
// fence before deciding whether to route to the planner (suppressing the
// buffer) or stream the reply to the client as message events.
func (g *Graph) runCoordinator(ctx context.Context, bus *EventBus, state *State) NodeName {
	req := &agent.CompletionRequest{System: coordinatorSystemPrompt, Messages: toCompletionMessages(state.Messages)}
	chunks, err := g.gateway.Stream(ctx, llm.RoleBasic, req)
	if err != nil {
		g.logger.Error("workflow: coordinator LLM call failed", "error", err)
		return NodeEnd
	}

	messageID := uuid.New().String()
	var buffered []llm.Chunk
	var accumulated strings.Builder
	handoff := false
	drained := false

	for c := range chunks {
		if c.Err != nil {
			g.logger.Error("workflow: coordinator stream error", "error", c.Err)
			break
		}
		if c.Done {
			continue
		}
		accumulated.WriteString(c.Content)
		if len(buffered) < g.coordinatorBufferChunks {
			buffered = append(buffered, c)
			text := accumulated.String()
			if strings.Contains(text, handoffToken) || strings.Contains(text, "```") {
				handoff = true
			}
			continue
		}
		if !drained {
			if handoff {
				// Already decided to hand off; drain remainder silently.
				continue
			}
			g.flushCoordinatorBuffer(ctx, bus, messageID, buffered)
			drained = true
		}
		_ = bus.Emit(ctx, Event{Type: EventMessage, Payload: MessagePayload{MessageID: messageID, Delta: Delta{Content: c.Content}}})
	}

	if handoff {
		return NodePlanner
	}
	if !drained {
		g.flushCoordinatorBuffer(ctx, bus, messageID, buffered)
	}
	return NodeEnd
}

func (g *Graph) flushCoordinatorBuffer(ctx context.Context, bus *EventBus, messageID string, buffered []llm.Chunk) {
	for _, c := range buffered {
		if c.Content == "" {
			continue
		}
		_ = bus.Emit(ctx, Event{Type: EventMessage, Payload: MessagePayload{MessageID: messageID, Delta: Delta{Content: c.Content}}})
	}
}

// runPlanner emits the deferred start_of_workflow, optionally runs a
// pre-plan web search, invokes the planner LLM, and parses its structured
// plan. Any failure to parse is task-terminal (planner -> END).
func (g *Graph) runPlanner(ctx context.Context, bus *EventBus, state *State) NodeName {
	_ = bus.Emit(ctx, Event{Type: EventStartOfWorkflow, Payload: WorkflowPayload{WorkflowID: state.WorkflowID}})

	role := llm.RoleBasic
	if state.Options.DeepThinking {
		role = llm.RoleReasoning
	}

	messages := toCompletionMessages(state.Messages)
	if state.Options.SearchBeforePlanning && len(messages) > 0 {
		if tool, ok := g.tools["web_search"]; ok {
			params, _ := json.Marshal(map[string]string{"query": state.LastUserText()})
			if result, err := tool.Execute(ctx, params); err == nil && result != nil {
				last := &messages[len(messages)-1]
				last.Content += "\n\n# Relative Search Results\n\n" + result.Content
			}
		}
	}

	_ = bus.Emit(ctx, Event{Type: EventStartOfLLM, Payload: LLMPayload{AgentName: "planner"}})
	msg, err := g.gateway.Invoke(ctx, role, &agent.CompletionRequest{System: plannerSystemPrompt, Messages: messages})
	_ = bus.Emit(ctx, Event{Type: EventEndOfLLM, Payload: LLMPayload{AgentName: "planner"}})
	if err != nil {
		g.logger.Error("workflow: planner LLM call failed", "error", err)
		return NodeEnd
	}

	cleaned := llm.CleanJSONFence(msg.Text)
	var plan Plan
	if err := json.Unmarshal([]byte(cleaned), &plan); err != nil || len(plan.Steps) == 0 {
		reason := "planner output contained no steps"
		if err != nil {
			reason = err.Error()
		}
		g.logger.Warn("workflow: planner output did not parse as a plan", "task_id", state.TaskID, "error", reason)
		_ = bus.Emit(ctx, Event{Type: EventMessage, Payload: MessagePayload{
			MessageID: uuid.New().String(),
			Delta:     Delta{Content: fmt.Sprintf("planning failed: could not parse a valid plan from the planner's output: %s", reason)},
		}})
		return NodeEnd
	}

	state.Plan = &plan
	state.Cursor = 0
	if _, err := g.store.WritePlan(state.TaskID, cleaned); err != nil {
		g.logger.Warn("workflow: failed to persist plan", "task_id", state.TaskID, "error", err)
	}
	_ = bus.Emit(ctx, Event{Type: EventPlanGenerated, Payload: PlanGeneratedPayload{PlanSteps: plan.Steps, TotalSteps: len(plan.Steps)}})
	return NodeSupervisor
}

// runSupervisor asks the LLM for a structured routing decision and
// validates the chosen worker name against the registered set, forcing
// FINISH on anything it doesn't recognize.
func (g *Graph) runSupervisor(ctx context.Context, bus *EventBus, state *State) NodeName {
	_ = bus.Emit(ctx, Event{Type: EventStartOfLLM, Payload: LLMPayload{AgentName: "supervisor"}})
	req := &agent.CompletionRequest{System: supervisorSystemPrompt(g.workerNames()), Messages: toCompletionMessages(state.Messages)}
	raw, err := g.gateway.InvokeStructured(ctx, llm.RoleBasic, req, []byte(supervisorRoutingSchema))
	_ = bus.Emit(ctx, Event{Type: EventEndOfLLM, Payload: LLMPayload{AgentName: "supervisor"}})
	if err != nil {
		g.logger.Warn("workflow: supervisor routing call failed, forcing FINISH", "task_id", state.TaskID, "error", err)
		return NodeEnd
	}

	var decision struct {
		Next string `json:"next"`
	}
	if err := json.Unmarshal(raw, &decision); err != nil || decision.Next == "" || decision.Next == "FINISH" || !g.isWorker(decision.Next) {
		return NodeEnd
	}

	state.NextWorker = decision.Next
	return NodeName(decision.Next)
}

// runWorker runs one worker's turn: step-tracking bracket (advisory against
// the plan cursor), start_of_agent/end_of_agent bracket, artifact write, and
// appending the wrapped response to session history before returning to the
// supervisor.
func (g *Graph) runWorker(ctx context.Context, bus *EventBus, state *State, name string) NodeName {
	worker, ok := g.workers[name]
	if !ok {
		g.logger.Error("workflow: supervisor routed to unknown worker", "worker", name)
		return NodeEnd
	}

	stepMatched := false
	var step PlanStep
	stepIndex := 0
	if state.Plan != nil && state.Cursor < len(state.Plan.Steps) && state.Plan.Steps[state.Cursor].WorkerName == name {
		stepMatched = true
		step = state.Plan.Steps[state.Cursor]
		stepIndex = state.Cursor
		_ = bus.Emit(ctx, Event{Type: EventStepStarted, Payload: StepPayload{StepIndex: stepIndex + 1, TotalSteps: len(state.Plan.Steps), StepInfo: step}})
	}

	agentID := uuid.New().String()
	_ = bus.Emit(ctx, Event{Type: EventStartOfAgent, Payload: AgentPayload{AgentName: name, AgentID: agentID}})
	result := worker.RunTurn(taskfiles.WithTaskID(ctx, state.TaskID), bus, state, agentID)
	_ = bus.Emit(ctx, Event{Type: EventEndOfAgent, Payload: AgentPayload{AgentName: name, AgentID: agentID}})

	if stepMatched {
		_ = bus.Emit(ctx, Event{Type: EventStepEnd, Payload: StepPayload{StepIndex: stepIndex + 1, TotalSteps: len(state.Plan.Steps), StepInfo: step}})
		state.Cursor = stepIndex + 1
	}

	text := result.Text
	if result.Err != nil {
		text = fmt.Sprintf("worker %q failed: %s", name, result.Err.Error())
	}

	g.writeArtifact(ctx, state, name, text)
	if state.Options.Debug {
		g.writeTrace(state, name, worker)
	}
	state.Messages = append(state.Messages, nowMessage(models.RoleAssistant, wrapWorkerResponse(name, text)))
	return NodeSupervisor
}

// writeTrace persists worker's recorded tape to the task directory when the
// caller opted into debug mode. A failure here never fails the task.
func (g *Graph) writeTrace(state *State, name string, worker *Worker) {
	if g.store == nil {
		return
	}
	traceJSON, err := worker.Trace()
	if err != nil {
		g.logger.Warn("workflow: failed to marshal worker trace", "worker", name, "error", err)
		return
	}
	if _, err := g.store.WriteTrace(state.TaskID, name, traceJSON); err != nil {
		g.logger.Warn("workflow: failed to write worker trace", "worker", name, "error", err)
	}
}

// writeArtifact persists a worker turn's artifact: the reporter's output
// becomes the task's final report, every other worker's becomes a titled
// summary. A write failure is logged and does not abort the task.
func (g *Graph) writeArtifact(ctx context.Context, state *State, name, text string) {
	if name == "reporter" {
		if _, err := g.store.WriteFinal(state.TaskID, text); err != nil {
			g.logger.Warn("workflow: failed to write final report", "task_id", state.TaskID, "error", err)
		}
		return
	}
	seed := []string{state.LastUserText()}
	ref, err := g.store.WriteSummary(ctx, state.TaskID, name, text, seed)
	if err != nil {
		g.logger.Warn("workflow: failed to write worker summary", "task_id", state.TaskID, "worker", name, "error", err)
		return
	}
	state.Summaries = append(state.Summaries, ref)
}

func toCompletionMessages(messages []*models.Message) []agent.CompletionMessage {
	out := make([]agent.CompletionMessage, 0, len(messages))
	for _, m := range messages {
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
