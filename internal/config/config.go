// Package config loads the orchestrator's YAML configuration into a single
// typed Config tree, mirroring the include-resolving, env-expanding loader
// the rest of this codebase's ambient stack uses.
package config

import "time"

// Config is the root configuration for an orchestrator process.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	LLM           LLMConfig           `yaml:"llm"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Workers       WorkersConfig       `yaml:"workers"`
	Tools         ToolsConfig         `yaml:"tools"`
	Artifacts     ArtifactConfig      `yaml:"artifacts"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig configures the HTTP/SSE edge.
type ServerConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	MetricsPort int           `yaml:"metrics_port"`
	ReadHeader  time.Duration `yaml:"read_header_timeout"`
	Shutdown    time.Duration `yaml:"shutdown_timeout"`
}

// OrchestratorConfig configures the graph engine and event bus (C6/C7/C2).
type OrchestratorConfig struct {
	// RecursionLimit bounds supervisor<->worker oscillation. Default: 50.
	RecursionLimit int `yaml:"recursion_limit"`

	// EventBusCapacity is the bounded channel size for the per-task event bus.
	EventBusCapacity int `yaml:"event_bus_capacity"`

	// CoordinatorBufferChunks bounds how many streamed coordinator chunks are
	// buffered while scanning for the handoff token or a code fence.
	CoordinatorBufferChunks int `yaml:"coordinator_buffer_chunks"`

	// DeepThinkingDefault selects the reasoning LLM role for planning when the
	// caller does not specify deep_thinking_mode.
	DeepThinkingDefault bool `yaml:"deep_thinking_default"`

	// SearchBeforePlanningDefault enables the planner's pre-plan web search
	// injection when the caller does not specify search_before_planning.
	SearchBeforePlanningDefault bool `yaml:"search_before_planning_default"`
}

// DefaultOrchestratorConfig returns the baseline kernel configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		RecursionLimit:          50,
		EventBusCapacity:        256,
		CoordinatorBufferChunks: 8,
	}
}

// WorkersConfig binds each named worker to a provider role, prompt template,
// and static tool subset.
type WorkersConfig struct {
	Definitions []WorkerDefinition `yaml:"definitions"`
}

// WorkerDefinition configures one of the six specialized workers.
type WorkerDefinition struct {
	Name               string        `yaml:"name"`
	Role               string        `yaml:"role"`
	PromptTemplate     string        `yaml:"prompt_template"`
	PromptTemplateFile string        `yaml:"prompt_template_file"`
	Tools              []string      `yaml:"tools"`
	MaxSteps           int           `yaml:"max_steps"`
	ToolTimeout        time.Duration `yaml:"tool_timeout"`
	ContextPruning     ContextPruningConfig `yaml:"context_pruning"`
}

// ContextPruningConfig controls in-memory message pruning for a worker's
// render-time view of the session, per [[agent/context]]. It never mutates
// the durable SessionState.messages sequence.
type ContextPruningConfig struct {
	Mode                 string                  `yaml:"mode"`
	TTL                  *time.Duration          `yaml:"ttl"`
	KeepLastAssistants   *int                    `yaml:"keep_last_assistants"`
	SoftTrimRatio        *float64                `yaml:"soft_trim_ratio"`
	HardClearRatio       *float64                `yaml:"hard_clear_ratio"`
	MinPrunableToolChars *int                    `yaml:"min_prunable_tool_chars"`
	Tools                ContextPruningToolMatch `yaml:"tools"`
	SoftTrim             ContextPruningSoftTrim  `yaml:"soft_trim"`
	HardClear            ContextPruningHardClear `yaml:"hard_clear"`
}

type ContextPruningToolMatch struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

type ContextPruningSoftTrim struct {
	MaxChars  *int `yaml:"max_chars"`
	HeadChars *int `yaml:"head_chars"`
	TailChars *int `yaml:"tail_chars"`
}

type ContextPruningHardClear struct {
	Enabled     *bool  `yaml:"enabled"`
	Placeholder string `yaml:"placeholder"`
}

// ToolsConfig configures the tool registry (C4).
type ToolsConfig struct {
	WebSearch      ToolWebSearchConfig `yaml:"web_search"`
	Crawl          ToolCrawlConfig     `yaml:"crawl"`
	PythonREPL     ToolSandboxConfig   `yaml:"python_repl"`
	Shell          ToolSandboxConfig   `yaml:"shell"`
	Database       ToolDatabaseConfig  `yaml:"database"`
	DocumentParser ToolDocumentConfig  `yaml:"document_analyze"`
}

type ToolWebSearchConfig struct {
	Backend        string `yaml:"backend"`
	SearXNGURL     string `yaml:"searxng_url"`
	BraveAPIKey    string `yaml:"brave_api_key"`
	DefaultResults int    `yaml:"default_results"`
}

type ToolCrawlConfig struct {
	MaxPages int           `yaml:"max_pages"`
	Timeout  time.Duration `yaml:"timeout"`
}

type ToolSandboxConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxOutput  int           `yaml:"max_output_bytes"`
}

type ToolDatabaseConfig struct {
	Driver string `yaml:"driver"` // "postgres" or "sqlite"
	DSN    string `yaml:"dsn"`
}

type ToolDocumentConfig struct {
	MaxSizeBytes int64 `yaml:"max_size_bytes"`

	// FileServerBaseURL externalizes a UUID file id into a fetchable URL:
	// <base>/api/documents/<id>/download. Per spec.md §6's "File-server
	// base URL for externalising artifact paths."
	FileServerBaseURL string `yaml:"file_server_base_url"`
}

// ArtifactConfig configures the Artifact Store (C1).
type ArtifactConfig struct {
	RootDir       string        `yaml:"root_dir"`
	PruneInterval time.Duration `yaml:"prune_interval"`
	Retention     time.Duration `yaml:"retention"`
}
