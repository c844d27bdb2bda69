package llm

import (
	"context"

	"github.com/flowforge/orchestrator/internal/agent"
)

// roleProvider adapts a Gateway+Role+default model into an agent.LLMProvider,
// so a Worker Runtime (which is built around a single provider per turn) can
// be driven by the Gateway's role resolution, failover, and retry without
// knowing about either.
type roleProvider struct {
	gateway *Gateway
	role    Role
	model   string
}

// Provider returns an agent.LLMProvider backed by role. model is used when a
// CompletionRequest leaves Model empty.
func (g *Gateway) Provider(role Role, model string) agent.LLMProvider {
	return &roleProvider{gateway: g, role: role, model: model}
}

func (p *roleProvider) Name() string { return "gateway:" + string(p.role) }

func (p *roleProvider) Models() []agent.Model { return nil }

func (p *roleProvider) SupportsTools() bool { return true }

// Complete streams req through the Gateway, translating Chunk to
// agent.CompletionChunk.
func (p *roleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	chunks, err := p.gateway.Stream(ctx, p.role, req)
	if err != nil {
		return nil, err
	}

	out := make(chan *agent.CompletionChunk)
	go func() {
		defer close(out)
		for c := range chunks {
			if c.Err != nil {
				out <- &agent.CompletionChunk{Error: c.Err}
				return
			}
			out <- &agent.CompletionChunk{
				Text:     c.Content,
				Thinking: c.ReasoningContent,
				ToolCall: c.ToolCall,
				Done:     c.Done,
			}
		}
	}()
	return out, nil
}
