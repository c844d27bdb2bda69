package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/flowforge/orchestrator/internal/jobs"
	"github.com/flowforge/orchestrator/internal/tools/policy"
	"github.com/flowforge/orchestrator/pkg/models"
)

// Runtime drives the reason-act loop for one worker on one turn: render
// prompt, call the LLM, execute any requested tool, feed the observation
// back, repeat until the model stops asking for tools or the per-turn step
// cap is hit.
type Runtime struct {
	opts     RuntimeOptions
	tools    *ToolRegistry
	toolExec *ToolExecutor
	provider LLMProvider

	resolver   *policy.Resolver
	toolPolicy *policy.Policy

	sessionLocks   map[string]*sessionLock
	sessionLocksMu sync.Mutex
}

// NewRuntime builds a Runtime that serves provider's completions against
// tools, bounded by opts.
func NewRuntime(provider LLMProvider, tools *ToolRegistry, opts RuntimeOptions) *Runtime {
	merged := mergeRuntimeOptions(DefaultRuntimeOptions(), opts)
	return &Runtime{
		opts:         merged,
		tools:        tools,
		toolExec:     NewToolExecutor(tools, DefaultToolExecConfig()),
		provider:     provider,
		sessionLocks: make(map[string]*sessionLock),
	}
}

// WithPolicy scopes tool visibility and approval requirements to resolver/policy.
func (r *Runtime) WithPolicy(resolver *policy.Resolver, toolPolicy *policy.Policy) *Runtime {
	r.resolver = resolver
	r.toolPolicy = toolPolicy
	return r
}

// toolExecOverrides derives a per-tool ToolExecConfig from the runtime's
// baseline options. Every tool shares the same concurrency/timeout/retry
// budget today; the override hook exists so a future per-tool policy (e.g.
// a longer timeout for document_analyze) has somewhere to plug in.
func (r *Runtime) toolExecOverrides(toolName string) ToolExecConfig {
	return ToolExecConfig{
		Concurrency:    r.opts.ToolParallelism,
		PerToolTimeout: r.opts.ToolTimeout,
		MaxAttempts:    r.opts.ToolMaxAttempts,
		RetryBackoff:   r.opts.ToolRetryBackoff,
	}
}

// ApprovalChecker gates a tool call behind an external approval decision,
// independent of the static RequireApproval pattern list. A nil checker (or
// one with no decision func) approves everything.
type ApprovalChecker struct {
	decide func(ctx context.Context, toolName string, input json.RawMessage) (approved bool, reason string)
}

// NewApprovalChecker wraps decide as an ApprovalChecker.
func NewApprovalChecker(decide func(ctx context.Context, toolName string, input json.RawMessage) (bool, string)) *ApprovalChecker {
	return &ApprovalChecker{decide: decide}
}

// Check reports whether toolName is approved to run with input.
func (c *ApprovalChecker) Check(ctx context.Context, toolName string, input json.RawMessage) (bool, string) {
	if c == nil || c.decide == nil {
		return true, ""
	}
	return c.decide(ctx, toolName, input)
}

var promptVarPattern = regexp.MustCompile(`<<([A-Za-z0-9_]+)>>`)

// RenderPrompt substitutes `<<VAR>>` placeholders in template from vars,
// leaving unknown placeholders untouched. CURRENT_TIME is always available
// unless the caller overrides it.
func RenderPrompt(template string, vars map[string]string) string {
	merged := make(map[string]string, len(vars)+1)
	merged["CURRENT_TIME"] = time.Now().UTC().Format(time.RFC3339)
	for k, v := range vars {
		merged[k] = v
	}
	return promptVarPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := match[2 : len(match)-2]
		if v, ok := merged[key]; ok {
			return v
		}
		return match
	})
}

// WorkerTurnRequest is one worker's turn within a task.
type WorkerTurnRequest struct {
	WorkerName     string
	AgentID        string
	SessionID      string
	Model          string
	System         string
	PromptTemplate string
	Vars           map[string]string
	History        []CompletionMessage
	MaxSteps       int // 0 uses opts.MaxIterations
}

// WorkerTurnResult is what the worker produced over the whole turn.
type WorkerTurnResult struct {
	Text      string
	ToolCalls int
	Steps     int
}

// RunWorkerTurn executes the reason-act loop for req and streams
// ResponseChunks (message deltas, tool lifecycle events, the final result)
// on the returned channel, which is closed when the turn ends. The final
// WorkerTurnResult is sent as the last value read from done before it closes.
func (r *Runtime) RunWorkerTurn(ctx context.Context, req WorkerTurnRequest) (<-chan *ResponseChunk, <-chan WorkerTurnResult) {
	out := make(chan *ResponseChunk, 8)
	done := make(chan WorkerTurnResult, 1)

	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = r.opts.MaxIterations
	}
	if maxSteps <= 0 {
		maxSteps = 5
	}

	unlock := r.lockSession(req.SessionID)

	go func() {
		defer close(out)
		defer close(done)
		defer unlock()

		rendered := RenderPrompt(req.PromptTemplate, req.Vars)
		messages := append([]CompletionMessage{}, req.History...)
		if strings.TrimSpace(rendered) != "" {
			messages = append(messages, CompletionMessage{Role: "user", Content: rendered})
		}

		result := WorkerTurnResult{}
		totalToolCalls := 0

		for step := 1; step <= maxSteps; step++ {
			if err := ctx.Err(); err != nil {
				out <- &ResponseChunk{Error: err}
				done <- result
				return
			}

			out <- &ResponseChunk{Event: models.NewToolEvent(models.EventIterationStart, "", "").WithIteration(step - 1)}

			creq := &CompletionRequest{
				Model:    req.Model,
				System:   req.System,
				Messages: messages,
				Tools:    r.visibleTools(),
			}

			chunks, err := r.provider.Complete(ctx, creq)
			if err != nil {
				out <- &ResponseChunk{Event: models.NewToolEvent(models.EventIterationEnd, "", "").WithIteration(step - 1)}
				out <- &ResponseChunk{Error: err}
				done <- result
				return
			}

			msg, err := r.drainTurn(ctx, chunks, out)
			if err != nil {
				out <- &ResponseChunk{Event: models.NewToolEvent(models.EventIterationEnd, "", "").WithIteration(step - 1)}
				out <- &ResponseChunk{Error: err}
				done <- result
				return
			}

			out <- &ResponseChunk{Event: models.NewToolEvent(models.EventIterationEnd, "", "").WithIteration(step - 1)}

			if len(msg.ToolCalls) == 0 {
				result.Text = msg.Text
				result.Steps = step
				done <- result
				return
			}

			messages = append(messages, CompletionMessage{Role: "assistant", Content: msg.Text, ToolCalls: msg.ToolCalls})

			toolResults := make([]models.ToolResult, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				totalToolCalls++
				toolResults = append(toolResults, r.invokeTool(ctx, tc, out))
			}
			messages = append(messages, CompletionMessage{Role: "tool", ToolResults: toolResults})

			if step == maxSteps {
				result.Text = msg.Text
				result.Steps = step
				result.ToolCalls = totalToolCalls
				out <- &ResponseChunk{Error: fmt.Errorf("%w: worker %q exceeded %d steps", ErrMaxIterations, req.WorkerName, maxSteps)}
				done <- result
				return
			}
		}

		result.ToolCalls = totalToolCalls
		done <- result
	}()

	return out, done
}

// visibleTools returns the tool set scoped to the runtime's policy, if any.
func (r *Runtime) visibleTools() []Tool {
	tools := r.tools.AsLLMTools()
	if r.toolPolicy == nil {
		return tools
	}
	return filterToolsByPolicy(r.resolver, r.toolPolicy, tools)
}

// drainTurn relays one LLM call's chunks onto out as message deltas (text or
// reasoning-only) and assembles the full assistant message once the stream
// closes. A chunk with no text and no thinking is purely a control signal
// (e.g. the terminal Done chunk) and is not forwarded as a message.
func (r *Runtime) drainTurn(ctx context.Context, chunks <-chan *CompletionChunk, out chan<- *ResponseChunk) (*models.Message, error) {
	var text strings.Builder
	var toolCall *models.ToolCall
	var inputTokens, outputTokens int

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				msg := &models.Message{Role: models.RoleAssistant, Text: text.String(), CreatedAt: time.Now()}
				if toolCall != nil {
					msg.ToolCalls = []models.ToolCall{*toolCall}
				}
				return msg, nil
			}
			if chunk.Error != nil {
				return nil, chunk.Error
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				out <- &ResponseChunk{Text: chunk.Text}
			} else if chunk.Thinking != "" {
				out <- &ResponseChunk{Thinking: chunk.Thinking}
			}
			if chunk.ToolCall != nil {
				toolCall = chunk.ToolCall
			}
			if chunk.Done {
				inputTokens, outputTokens = chunk.InputTokens, chunk.OutputTokens
				msg := &models.Message{
					Role:      models.RoleAssistant,
					Text:      text.String(),
					CreatedAt: time.Now(),
					Metadata: map[string]any{
						"input_tokens":  inputTokens,
						"output_tokens": outputTokens,
					},
				}
				if toolCall != nil {
					msg.ToolCalls = []models.ToolCall{*toolCall}
				}
				return msg, nil
			}
		}
	}
}

// invokeTool validates, authorizes, and executes a single requested tool
// call, emitting tool_call / tool_call_result lifecycle events via out.
// Async tools (matched against opts.AsyncTools) are dispatched as a job and
// return immediately with a reference the worker can poll via
// task_files_json or a follow-up turn.
func (r *Runtime) invokeTool(ctx context.Context, tc models.ToolCall, out chan<- *ResponseChunk) models.ToolResult {
	started := time.Now()
	r.emitToolEvent(out, &models.ToolEvent{
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		Stage:      models.ToolEventRequested,
		Input:      tc.Input,
		StartedAt:  started,
	}, r.opts.DisableToolEvents)

	if _, ok := r.tools.Get(tc.Name); !ok {
		result := models.ToolResult{ToolCallID: tc.ID, Content: "tool not found: " + tc.Name, IsError: true}
		r.emitToolResult(out, tc, result, started, "")
		return result
	}

	if r.requiresApproval(r.opts, tc.Name, r.resolver) && r.opts.ApprovalChecker != nil {
		approved, reason := r.opts.ApprovalChecker.Check(ctx, tc.Name, tc.Input)
		if !approved {
			result := models.ToolResult{ToolCallID: tc.ID, Content: "approval denied: " + reason, IsError: true}
			r.emitToolResult(out, tc, result, started, reason)
			return result
		}
	}

	if r.isAsyncTool(r.opts, tc.Name, r.resolver) && r.opts.JobStore != nil {
		return r.dispatchAsyncTool(ctx, tc, started, out)
	}

	execResults := r.toolExec.ExecuteConcurrentlyWithOverrides(ctx, []models.ToolCall{tc}, nil, func(call models.ToolCall) ToolExecConfig {
		return r.toolExecOverrides(call.Name)
	})
	var result models.ToolResult
	if len(execResults) > 0 {
		result = execResults[0].Result
	} else {
		result = models.ToolResult{ToolCallID: tc.ID, Content: "tool execution produced no result", IsError: true}
	}

	result = guardToolResult(r.opts.ToolResultGuard, tc.Name, result, r.resolver)
	r.emitToolResult(out, tc, result, started, "")
	return result
}

func (r *Runtime) emitToolResult(out chan<- *ResponseChunk, tc models.ToolCall, result models.ToolResult, started time.Time, policyReason string) {
	stage := models.ToolEventSucceeded
	if result.IsError {
		stage = models.ToolEventFailed
	}
	out <- &ResponseChunk{ToolResult: &result}
	r.emitToolEvent(out, &models.ToolEvent{
		ToolCallID:   tc.ID,
		ToolName:     tc.Name,
		Stage:        stage,
		Output:       result.Content,
		PolicyReason: policyReason,
		StartedAt:    started,
		FinishedAt:   time.Now(),
	}, r.opts.DisableToolEvents)
}

func (r *Runtime) dispatchAsyncTool(ctx context.Context, tc models.ToolCall, started time.Time, out chan<- *ResponseChunk) models.ToolResult {
	job := &jobs.Job{
		ID:         tc.ID,
		ToolName:   tc.Name,
		ToolCallID: tc.ID,
		Status:     jobs.StatusQueued,
		CreatedAt:  started,
	}
	if err := r.opts.JobStore.Create(context.Background(), job); err != nil {
		result := models.ToolResult{ToolCallID: tc.ID, Content: "failed to queue async tool: " + err.Error(), IsError: true}
		r.emitToolResult(out, tc, result, started, "")
		return result
	}
	go r.runToolJob(tc, job, r.toolExec, r.opts.JobStore)

	result := models.ToolResult{ToolCallID: tc.ID, Content: fmt.Sprintf("queued as job %s", job.ID)}
	r.emitToolResult(out, tc, result, started, "")
	return result
}

// ExecuteConcurrentlyWithOverrides is ExecuteConcurrently with a per-call
// config override, used when a single tool (e.g. an async job retry) needs a
// different timeout/concurrency budget than the executor's baseline.
func (e *ToolExecutor) ExecuteConcurrentlyWithOverrides(ctx context.Context, toolCalls []models.ToolCall, emit EventCallback, override func(models.ToolCall) ToolExecConfig) []ToolExecResult {
	if override == nil || len(toolCalls) == 0 {
		return e.ExecuteConcurrently(ctx, toolCalls, emit)
	}

	results := make([]ToolExecResult, len(toolCalls))
	var wg sync.WaitGroup
	for i, tc := range toolCalls {
		cfg := override(tc)
		if cfg.Concurrency <= 0 {
			cfg.Concurrency = e.config.Concurrency
		}
		if cfg.PerToolTimeout <= 0 {
			cfg.PerToolTimeout = e.config.PerToolTimeout
		}
		if cfg.MaxAttempts <= 0 {
			cfg.MaxAttempts = e.config.MaxAttempts
		}
		scoped := NewToolExecutor(e.registry, cfg)
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()
			res := scoped.ExecuteConcurrently(ctx, []models.ToolCall{call}, emit)
			if len(res) > 0 {
				results[idx] = res[0]
			}
		}(i, tc)
	}
	wg.Wait()
	return results
}
