package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/agent/providers"
	"github.com/flowforge/orchestrator/internal/backoff"
)

type fakeProvider struct {
	name    string
	chunks  []*agent.CompletionChunk
	err     error
	calls   int
	failN   int // fail this many times before succeeding
}

func (p *fakeProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.calls++
	if p.calls <= p.failN {
		return nil, p.err
	}
	ch := make(chan *agent.CompletionChunk, len(p.chunks))
	for _, c := range p.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}
func (p *fakeProvider) Name() string            { return p.name }
func (p *fakeProvider) Models() []agent.Model   { return nil }
func (p *fakeProvider) SupportsTools() bool     { return true }

func textChunks(parts ...string) []*agent.CompletionChunk {
	out := make([]*agent.CompletionChunk, 0, len(parts)+1)
	for _, p := range parts {
		out = append(out, &agent.CompletionChunk{Text: p})
	}
	out = append(out, &agent.CompletionChunk{Done: true, InputTokens: 10, OutputTokens: 20})
	return out
}

func TestGateway_Invoke(t *testing.T) {
	primary := &fakeProvider{name: "p1", chunks: textChunks("hello ", "world")}
	gw := NewGateway(func(name string) (agent.LLMProvider, error) {
		return primary, nil
	}, map[Role][]string{RoleBasic: {"p1"}}, RetryPolicy{MaxAttempts: 1, Backoff: backoff.DefaultPolicy()})

	msg, err := gw.Invoke(context.Background(), RoleBasic, &agent.CompletionRequest{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if msg.Text != "hello world" {
		t.Fatalf("got %q", msg.Text)
	}
}

func TestGateway_NoBinding(t *testing.T) {
	gw := NewGateway(func(name string) (agent.LLMProvider, error) { return nil, nil }, nil, RetryPolicy{})
	_, err := gw.Invoke(context.Background(), RoleVision, &agent.CompletionRequest{})
	var nb ErrNoBinding
	if !errors.As(err, &nb) {
		t.Fatalf("expected ErrNoBinding, got %v", err)
	}
}

func TestGateway_BackendCachedOncePerProvider(t *testing.T) {
	builds := 0
	gw := NewGateway(func(name string) (agent.LLMProvider, error) {
		builds++
		return &fakeProvider{name: name, chunks: textChunks("ok")}, nil
	}, map[Role][]string{RoleBasic: {"p1"}, RoleReasoning: {"p1"}}, RetryPolicy{MaxAttempts: 1, Backoff: backoff.DefaultPolicy()})

	ctx := context.Background()
	if _, err := gw.Invoke(ctx, RoleBasic, &agent.CompletionRequest{}); err != nil {
		t.Fatal(err)
	}
	if _, err := gw.Invoke(ctx, RoleReasoning, &agent.CompletionRequest{}); err != nil {
		t.Fatal(err)
	}
	if builds != 1 {
		t.Fatalf("expected provider built once across roles sharing it, built %d times", builds)
	}
}

func TestGateway_FailoverOnPermanentError(t *testing.T) {
	bad := &fakeProvider{name: "bad", err: providers.NewProviderError("bad", "m", errors.New("invalid api key")).WithStatus(401), failN: 1}
	good := &fakeProvider{name: "good", chunks: textChunks("recovered")}

	gw := NewGateway(func(name string) (agent.LLMProvider, error) {
		if name == "bad" {
			return bad, nil
		}
		return good, nil
	}, map[Role][]string{RoleBasic: {"bad", "good"}}, RetryPolicy{MaxAttempts: 1, Backoff: backoff.DefaultPolicy()})

	msg, err := gw.Invoke(context.Background(), RoleBasic, &agent.CompletionRequest{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if msg.Text != "recovered" {
		t.Fatalf("expected failover to second provider, got %q", msg.Text)
	}
}

func TestGateway_RetriesTransientBeforeFailover(t *testing.T) {
	transient := providers.NewProviderError("p1", "m", errors.New("rate limit exceeded")).WithStatus(429)
	flaky := &fakeProvider{name: "p1", chunks: textChunks("ok"), err: transient, failN: 2}

	gw := NewGateway(func(name string) (agent.LLMProvider, error) { return flaky, nil },
		map[Role][]string{RoleBasic: {"p1"}},
		RetryPolicy{MaxAttempts: 3, Backoff: backoff.BackoffPolicy{InitialMs: 1, MaxMs: 1, Factor: 1, Jitter: 0}})

	msg, err := gw.Invoke(context.Background(), RoleBasic, &agent.CompletionRequest{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if msg.Text != "ok" {
		t.Fatalf("got %q", msg.Text)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 attempts (2 failures + success), got %d", flaky.calls)
	}
}

func TestGateway_Stream(t *testing.T) {
	primary := &fakeProvider{name: "p1", chunks: textChunks("a", "b", "c")}
	gw := NewGateway(func(name string) (agent.LLMProvider, error) { return primary, nil },
		map[Role][]string{RoleBasic: {"p1"}}, RetryPolicy{MaxAttempts: 1, Backoff: backoff.DefaultPolicy()})

	ch, err := gw.Stream(context.Background(), RoleBasic, &agent.CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	var got string
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("unexpected error chunk: %v", c.Err)
		}
		got += c.Content
	}
	if got != "abc" {
		t.Fatalf("got %q", got)
	}
}

func TestGateway_InvokeStructured(t *testing.T) {
	schema := []byte(`{"type":"object","required":["next"],"properties":{"next":{"type":"string"}}}`)
	primary := &fakeProvider{name: "p1", chunks: textChunks("```json\n{\"next\": \"researcher\"}\n```")}
	gw := NewGateway(func(name string) (agent.LLMProvider, error) { return primary, nil },
		map[Role][]string{RoleBasic: {"p1"}}, RetryPolicy{MaxAttempts: 1, Backoff: backoff.DefaultPolicy()})

	raw, err := gw.InvokeStructured(context.Background(), RoleBasic, &agent.CompletionRequest{}, schema)
	if err != nil {
		t.Fatalf("InvokeStructured: %v", err)
	}
	var decoded struct {
		Next string `json:"next"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Next != "researcher" {
		t.Fatalf("got %q", decoded.Next)
	}
}

func TestGateway_InvokeStructured_SchemaViolation(t *testing.T) {
	schema := []byte(`{"type":"object","required":["next"],"properties":{"next":{"type":"string"}}}`)
	primary := &fakeProvider{name: "p1", chunks: textChunks(`{"wrong_field": 1}`)}
	gw := NewGateway(func(name string) (agent.LLMProvider, error) { return primary, nil },
		map[Role][]string{RoleBasic: {"p1"}}, RetryPolicy{MaxAttempts: 1, Backoff: backoff.DefaultPolicy()})

	_, err := gw.InvokeStructured(context.Background(), RoleBasic, &agent.CompletionRequest{}, schema)
	if err == nil {
		t.Fatal("expected schema validation error")
	}
}
