package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/agent/providers"
	"github.com/flowforge/orchestrator/internal/agent/routing"
	"github.com/flowforge/orchestrator/internal/config"
	"github.com/flowforge/orchestrator/internal/llm"
)

// routerProviderName is the reserved binding name a role chain uses to
// select the intelligent routing backend instead of a single provider.
const routerProviderName = "router"

// newProviderFactory builds the Gateway's Factory closure: a provider name
// resolves to a concrete agent.LLMProvider built from cfg.LLM.Providers[name],
// except for the reserved name "router", which builds an
// internal/agent/routing.Router wrapping every other configured provider,
// per cfg.LLM.Routing.
func newProviderFactory(cfg *config.Config) llm.Factory {
	var mu sync.Mutex
	built := make(map[string]agent.LLMProvider)

	return func(name string) (agent.LLMProvider, error) {
		mu.Lock()
		defer mu.Unlock()

		if p, ok := built[name]; ok {
			return p, nil
		}

		if name == routerProviderName {
			backends := make(map[string]agent.LLMProvider, len(cfg.LLM.Providers))
			for pname, pcfg := range cfg.LLM.Providers {
				if pname == routerProviderName {
					continue
				}
				p, ok := built[pname]
				if !ok {
					var err error
					p, err = newProviderFromConfig(pcfg)
					if err != nil {
						return nil, fmt.Errorf("llm: building provider %q for router: %w", pname, err)
					}
					built[pname] = p
				}
				backends[pname] = p
			}
			router := buildRouter(cfg.LLM, backends)
			built[routerProviderName] = router
			return router, nil
		}

		pcfg, ok := cfg.LLM.Providers[name]
		if !ok {
			return nil, fmt.Errorf("llm: provider %q is not configured", name)
		}
		p, err := newProviderFromConfig(pcfg)
		if err != nil {
			return nil, fmt.Errorf("llm: building provider %q: %w", name, err)
		}
		built[name] = p
		return p, nil
	}
}

// newProviderFromConfig constructs the concrete provider backend named by
// pcfg.Type, defaulting to anthropic when unset (matching
// config.LLMProviderConfig's doc comment).
func newProviderFromConfig(pcfg config.LLMProviderConfig) (agent.LLMProvider, error) {
	switch strings.ToLower(strings.TrimSpace(pcfg.Type)) {
	case "", "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       pcfg.APIKey,
			BaseURL:      pcfg.BaseURL,
			DefaultModel: pcfg.DefaultModel,
		})
	case "openai":
		return providers.NewOpenAIProvider(pcfg.APIKey), nil
	case "bedrock":
		return providers.NewBedrockProvider(providers.BedrockConfig{
			DefaultModel: pcfg.DefaultModel,
		})
	case "google":
		return providers.NewGoogleProvider(providers.GoogleConfig{
			APIKey:       pcfg.APIKey,
			DefaultModel: pcfg.DefaultModel,
		})
	case "ollama":
		return providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL:      pcfg.BaseURL,
			DefaultModel: pcfg.DefaultModel,
		}), nil
	case "azure":
		return providers.NewAzureOpenAIProvider(providers.AzureOpenAIConfig{
			Endpoint:     pcfg.BaseURL,
			APIKey:       pcfg.APIKey,
			TenantID:     pcfg.AzureAD.TenantID,
			ClientID:     pcfg.AzureAD.ClientID,
			ClientSecret: pcfg.AzureAD.ClientSecret,
			ADScope:      pcfg.AzureAD.Scope,
			APIVersion:   pcfg.APIVersion,
			DefaultModel: pcfg.DefaultModel,
		})
	case "openrouter":
		return providers.NewOpenRouterProvider(providers.OpenRouterConfig{
			APIKey:       pcfg.APIKey,
			DefaultModel: pcfg.DefaultModel,
		})
	case "copilot_proxy", "copilot":
		return providers.NewCopilotProxyProvider(providers.CopilotProxyConfig{
			BaseURL: pcfg.BaseURL,
		})
	default:
		return nil, fmt.Errorf("llm: unknown provider type %q", pcfg.Type)
	}
}

// buildRouter assembles a routing.Router from the orchestrator's routing
// config and the already-constructed backend providers it routes between.
// Ollama backends are treated as the router's "local" pool, matching
// LLMAutoDiscoverConfig's local-discovery intent.
func buildRouter(llmCfg config.LLMConfig, backends map[string]agent.LLMProvider) *routing.Router {
	rules := make([]routing.Rule, 0, len(llmCfg.Routing.Rules))
	for _, r := range llmCfg.Routing.Rules {
		rules = append(rules, routing.Rule{
			Name:   r.Name,
			Match:  routing.Match{Patterns: r.Match.Patterns, Tags: r.Match.Tags},
			Target: routing.Target{Provider: r.Target.Provider, Model: r.Target.Model},
		})
	}

	var localProviders []string
	for name, pcfg := range llmCfg.Providers {
		if strings.EqualFold(pcfg.Type, "ollama") {
			localProviders = append(localProviders, name)
		}
	}

	return routing.NewRouter(routing.Config{
		DefaultProvider: llmCfg.DefaultProvider,
		PreferLocal:     llmCfg.Routing.PreferLocal,
		LocalProviders:  localProviders,
		Rules:           rules,
		Fallback:        routing.Target{Provider: llmCfg.Routing.Fallback.Provider, Model: llmCfg.Routing.Fallback.Model},
		FailureCooldown: llmCfg.Routing.UnhealthyCooldown,
	}, backends)
}

// roleBindings converts the configured role -> provider-chain table into
// the Gateway's llm.Role-keyed shape. When intelligent routing is enabled,
// every role binds to the single "router" backend instead of its configured
// chain — the Router, not the Gateway's failover loop, owns provider
// selection in that mode.
func roleBindings(llmCfg config.LLMConfig) map[llm.Role][]string {
	bindings := make(map[llm.Role][]string, len(llmCfg.Roles))
	for name, binding := range llmCfg.Roles {
		if llmCfg.Routing.Enabled {
			bindings[llm.Role(name)] = []string{routerProviderName}
			continue
		}
		bindings[llm.Role(name)] = append([]string(nil), binding.Providers...)
	}
	return bindings
}
