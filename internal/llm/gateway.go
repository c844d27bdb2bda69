// Package llm implements the orchestration kernel's LLM Gateway (C3): a
// uniform call/stream contract over N configured provider backends, with a
// role (basic | reasoning | vision) resolved to a concrete, cached provider
// chain at first use and an opt-in retry decorator bounded by the provider
// error categories agent/providers/errors.go already classifies.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/agent/providers"
	"github.com/flowforge/orchestrator/internal/backoff"
	"github.com/flowforge/orchestrator/pkg/models"
)

// Role names the three LLM roles the kernel resolves to a provider.
type Role string

const (
	RoleBasic     Role = "basic"
	RoleReasoning Role = "reasoning"
	RoleVision    Role = "vision"
)

// Factory builds a named provider backend. Gateway calls this at most once
// per provider name and caches the result.
type Factory func(providerName string) (agent.LLMProvider, error)

// RetryPolicy bounds the Gateway's opt-in retry decorator.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     backoff.BackoffPolicy
}

// DefaultRetryPolicy retries transient failures three times with the
// package's default exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: backoff.DefaultPolicy()}
}

// Gateway is the kernel's C3 component: invoke/stream/invoke_structured over
// a role, backed by a lazily instantiated, cached chain of providers.
type Gateway struct {
	factory  Factory
	bindings map[Role][]string // role -> ordered provider name chain
	retry    RetryPolicy

	mu       sync.Mutex
	backends map[string]agent.LLMProvider // provider name -> instance
}

// NewGateway builds a Gateway. bindings maps each role to an ordered list of
// provider names (primary first); factory instantiates a provider by name.
func NewGateway(factory Factory, bindings map[Role][]string, retry RetryPolicy) *Gateway {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &Gateway{
		factory:  factory,
		bindings: bindings,
		retry:    retry,
		backends: make(map[string]agent.LLMProvider),
	}
}

// ErrNoBinding indicates a role has no configured provider chain.
type ErrNoBinding struct{ Role Role }

func (e ErrNoBinding) Error() string { return fmt.Sprintf("llm: no provider bound to role %q", e.Role) }

// Bindings returns the configured role -> provider-chain table, for
// read-only introspection endpoints. The returned map is a copy.
func (g *Gateway) Bindings() map[Role][]string {
	out := make(map[Role][]string, len(g.bindings))
	for role, names := range g.bindings {
		chain := make([]string, len(names))
		copy(chain, names)
		out[role] = chain
	}
	return out
}

// resolve returns the provider chain for role, instantiating and caching any
// backend not yet built. Guarded by a single mutex, matching the spec's
// "writes... guarded by a single mutex per role/provider key" policy.
func (g *Gateway) resolve(role Role) ([]agent.LLMProvider, error) {
	names := g.bindings[role]
	if len(names) == 0 {
		return nil, ErrNoBinding{Role: role}
	}
	chain := make([]agent.LLMProvider, 0, len(names))
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, name := range names {
		if backend, ok := g.backends[name]; ok {
			chain = append(chain, backend)
			continue
		}
		backend, err := g.factory(name)
		if err != nil {
			return nil, fmt.Errorf("llm: instantiate provider %q: %w", name, err)
		}
		g.backends[name] = backend
		chain = append(chain, backend)
	}
	return chain, nil
}

// Invoke performs a single-shot completion for role, retrying transient
// provider failures per the Gateway's RetryPolicy and falling over to the
// next provider in the role's chain on a permanent error from the current one.
func (g *Gateway) Invoke(ctx context.Context, role Role, req *agent.CompletionRequest) (*models.Message, error) {
	chain, err := g.resolve(role)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, backend := range chain {
		msg, err := g.invokeOne(ctx, backend, req)
		if err == nil {
			return msg, nil
		}
		lastErr = err
		if !providers.ShouldFailover(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// invokeOne calls backend, retrying only the provider-error categories
// agent/providers/errors.go marks IsRetryable (rate-limit, timeout,
// transient-5xx), up to the Gateway's bounded attempt count, per spec.md
// §4.3's "configurable whitelist of retryable error categories".
func (g *Gateway) invokeOne(ctx context.Context, backend agent.LLMProvider, req *agent.CompletionRequest) (*models.Message, error) {
	var lastErr error
	for attempt := 1; attempt <= g.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunks, err := backend.Complete(ctx, req)
		if err == nil {
			var msg *models.Message
			msg, err = drainCompletion(chunks)
			if err == nil {
				return msg, nil
			}
		}
		lastErr = err
		if !providers.IsRetryable(err) || attempt == g.retry.MaxAttempts {
			return nil, err
		}
		if err := backoff.SleepWithBackoff(ctx, g.retry.Backoff, attempt); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func drainCompletion(chunks <-chan *agent.CompletionChunk) (*models.Message, error) {
	var text strings.Builder
	var toolCall *models.ToolCall
	var inputTokens, outputTokens int
	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		text.WriteString(chunk.Text)
		if chunk.ToolCall != nil {
			toolCall = chunk.ToolCall
		}
		if chunk.Done {
			inputTokens, outputTokens = chunk.InputTokens, chunk.OutputTokens
		}
	}
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

// Chunk is the Gateway's streaming unit, matching spec.md §4.3's
// "{id, content, reasoning_content?}" chunk shape.
type Chunk struct {
	ID                string
	Content           string
	ReasoningContent  string
	ToolCall          *models.ToolCall
	Done              bool
	Err               error
}

// Stream performs a streaming completion for role. The returned channel is
// closed (the spec's "sentinel close") when the backend finishes or errors.
// Only the primary provider in the role's chain is streamed: failover for a
// stream is only attempted if the stream errors before any content is sent.
func (g *Gateway) Stream(ctx context.Context, role Role, req *agent.CompletionRequest) (<-chan Chunk, error) {
	chain, err := g.resolve(role)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		var lastErr error
		for _, backend := range chain {
			sentAny, err := g.streamOne(ctx, backend, req, out)
			if err == nil {
				return
			}
			lastErr = err
			if sentAny || !providers.ShouldFailover(err) {
				out <- Chunk{Err: err, Done: true}
				return
			}
		}
		if lastErr != nil {
			out <- Chunk{Err: lastErr, Done: true}
		}
	}()
	return out, nil
}

// streamOne relays one backend's chunks onto out. It reports whether any
// content chunk was already delivered, since mid-stream failover would
// duplicate output to the caller.
func (g *Gateway) streamOne(ctx context.Context, backend agent.LLMProvider, req *agent.CompletionRequest, out chan<- Chunk) (bool, error) {
	chunks, err := backend.Complete(ctx, req)
	if err != nil {
		return false, err
	}
	sentAny := false
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return sentAny, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return sentAny, nil
			}
			if chunk.Error != nil {
				return sentAny, chunk.Error
			}
			seq++
			if chunk.Text == "" && chunk.Thinking == "" {
				if chunk.Done {
					out <- Chunk{ID: fmt.Sprintf("%d", seq), Done: true}
					return sentAny, nil
				}
				continue
			}
			sentAny = true
			out <- Chunk{
				ID:               fmt.Sprintf("%d", seq),
				Content:          chunk.Text,
				ReasoningContent: chunk.Thinking,
				ToolCall:         chunk.ToolCall,
				Done:             chunk.Done,
			}
			if chunk.Done {
				return sentAny, nil
			}
		}
	}
}

// InvokeStructured performs a completion and validates the resulting text as
// JSON against schema, used by the supervisor's routing decision and any
// other structured-output call site. The raw text is passed through the same
// fence-stripping cleaner the planner uses before parsing.
func (g *Gateway) InvokeStructured(ctx context.Context, role Role, req *agent.CompletionRequest, schema []byte) (json.RawMessage, error) {
	msg, err := g.Invoke(ctx, role, req)
	if err != nil {
		return nil, err
	}
	cleaned := CleanJSONFence(msg.Text)

	compiled, err := compileSchema(schema)
	if err != nil {
		return nil, fmt.Errorf("llm: compile structured-output schema: %w", err)
	}
	var decoded any
	if err := json.Unmarshal([]byte(cleaned), &decoded); err != nil {
		return nil, fmt.Errorf("llm: structured output is not valid JSON: %w", err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return nil, fmt.Errorf("llm: structured output failed schema validation: %w", err)
	}
	return json.RawMessage(cleaned), nil
}

var schemaCache sync.Map

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("structured-output.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
