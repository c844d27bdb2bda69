package main

import (
	"fmt"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/artifacts"
	"github.com/flowforge/orchestrator/internal/config"
	"github.com/flowforge/orchestrator/internal/tools/dbquery"
	"github.com/flowforge/orchestrator/internal/tools/docparse"
	"github.com/flowforge/orchestrator/internal/tools/sandbox"
	"github.com/flowforge/orchestrator/internal/tools/taskfiles"
	"github.com/flowforge/orchestrator/internal/tools/webcrawl"
	"github.com/flowforge/orchestrator/internal/tools/websearch"
)

// buildToolRegistry constructs the shared, process-wide tool table the Tool
// Registry (C4) hands each worker a static subset of. The database tools
// are only registered when a DSN is configured — a worker whose def.Tools
// names them anyway silently gets no tool, matching NewWorker's "unknown
// names are skipped" contract.
func buildToolRegistry(cfg config.ToolsConfig, store *artifacts.TaskStore) (map[string]agent.Tool, error) {
	registry := map[string]agent.Tool{}
	register := func(t agent.Tool) { registry[t.Name()] = t }

	register(websearch.New(cfg.WebSearch))
	register(webcrawl.New(cfg.Crawl))
	register(sandbox.NewPythonTool(cfg.PythonREPL))
	register(sandbox.NewShellTool(cfg.Shell))
	register(docparse.New(cfg.DocumentParser))
	register(taskfiles.New(store))

	if cfg.Database.DSN != "" {
		db, err := dbquery.Open(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("tools: opening database: %w", err)
		}
		register(dbquery.NewQueryTool(db))
		register(dbquery.NewTableInfoTool(db, cfg.Database.Driver))
		register(dbquery.NewRelationsTool(db, cfg.Database.Driver))
	}

	return registry, nil
}
