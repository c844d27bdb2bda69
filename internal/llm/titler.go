package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowforge/orchestrator/internal/agent"
)

// titlePrompt is the fixed system prompt the Artifact Store uses to derive a
// summary's filename stem, per spec.md §4.1: "produce a <=50-char Chinese
// title, no path-hostile characters".
const titlePrompt = "Produce a single short title, no more than 50 characters, in Chinese, summarizing the content below. Do not use any of the characters / \\ : * ? \" < > |. Respond with the title only, nothing else."

// ArtifactTitler generates artifacts.Titler-shaped titles by calling the
// Gateway's basic role, matching the production coordinator's title
// generation call. It implements artifacts.Titler structurally — the
// artifacts package is never imported here, keeping C1 and C3 decoupled.
type ArtifactTitler struct {
	gateway *Gateway
}

// NewArtifactTitler builds an ArtifactTitler backed by gateway.
func NewArtifactTitler(gateway *Gateway) *ArtifactTitler {
	return &ArtifactTitler{gateway: gateway}
}

// Title asks the basic role to summarize content into a short title. Errors
// here are expected to be handled by the caller's fallback-title policy.
func (t *ArtifactTitler) Title(ctx context.Context, workerName, content string, seedMessages []string) (string, error) {
	var seed strings.Builder
	for _, s := range seedMessages {
		if s == "" {
			continue
		}
		seed.WriteString(s)
		seed.WriteString("\n")
	}

	req := &agent.CompletionRequest{
		System: titlePrompt,
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: fmt.Sprintf("Worker: %s\n\nContext:\n%s\n\nContent:\n%s", workerName, seed.String(), content)},
		},
	}
	msg, err := t.gateway.Invoke(ctx, RoleBasic, req)
	if err != nil {
		return "", fmt.Errorf("llm: title generation: %w", err)
	}
	return strings.TrimSpace(msg.Text), nil
}
