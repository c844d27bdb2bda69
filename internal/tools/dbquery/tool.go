// Package dbquery implements the database tools (C4): db_table_info,
// db_query, and db_relations, over a read-only SQL guard. Grounded on the
// original implementation's oracle_db helper, reworked onto database/sql
// with lib/pq (postgres) or modernc.org/sqlite (sqlite) as the driver.
package dbquery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/flowforge/orchestrator/internal/agent"
	"github.com/flowforge/orchestrator/internal/config"
)

const (
	maxRows   = 200
	maxCols   = 40
	maxCell   = 2000
	driverPg  = "postgres"
	driverLte = "sqlite"
)

// Open opens cfg's configured database. Callers share the single *sql.DB
// across the three tools below.
func Open(cfg config.ToolDatabaseConfig) (*sql.DB, error) {
	driver := driverPg
	if strings.EqualFold(cfg.Driver, "sqlite") {
		driver = driverLte
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("dbquery: open %s: %w", driver, err)
	}
	return db, nil
}

// guardReadOnly rejects any statement that is not, after trimming
// whitespace, a case-insensitive SELECT — the spec's SQL guard invariant:
// "for all strings s not beginning (case-insensitive, after trim) with
// SELECT, db_query(s) returns an error and does not touch the connection."
func guardReadOnly(stmt string) error {
	trimmed := strings.TrimSpace(stmt)
	if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		return fmt.Errorf("db_query: only SELECT statements are permitted")
	}
	lower := strings.ToLower(trimmed)
	for _, forbidden := range []string{"insert ", "update ", "delete ", "drop ", "alter ", "create ", "truncate ", ";"} {
		if strings.Contains(lower, forbidden) {
			return fmt.Errorf("db_query: statement contains a disallowed keyword %q", strings.TrimSpace(forbidden))
		}
	}
	return nil
}

// QueryTool implements agent.Tool for db_query: a bounded, read-only SQL
// query.
type QueryTool struct{ db *sql.DB }

func NewQueryTool(db *sql.DB) *QueryTool { return &QueryTool{db: db} }

func (t *QueryTool) Name() string { return "db_query" }

func (t *QueryTool) Description() string {
	return "Runs a read-only SELECT query against the configured database and returns a bounded result table."
}

func (t *QueryTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"sql": {"type": "string", "description": "A SELECT statement"},
			"limit": {"type": "integer", "description": "Maximum rows to return (default and hard cap 200)"}
		},
		"required": ["sql"]
	}`)
}

func (t *QueryTool) Execute(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		SQL   string `json:"sql"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return &agent.ToolResult{Content: "invalid db_query params: " + err.Error(), IsError: true}, nil
	}
	if err := guardReadOnly(p.SQL); err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	limit := maxRows
	if p.Limit > 0 && p.Limit < maxRows {
		limit = p.Limit
	}

	rows, err := t.db.QueryContext(ctx, p.SQL)
	if err != nil {
		return &agent.ToolResult{Content: "db_query failed: " + err.Error(), IsError: true}, nil
	}
	defer rows.Close()

	return &agent.ToolResult{Content: renderRows(rows, limit)}, nil
}

func renderRows(rows *sql.Rows, limit int) string {
	if limit <= 0 || limit > maxRows {
		limit = maxRows
	}
	cols, err := rows.Columns()
	if err != nil {
		return "db_query: failed to read columns: " + err.Error()
	}
	if len(cols) > maxCols {
		cols = cols[:maxCols]
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(cols, "\t"))
	sb.WriteString("\n")

	count := 0
	for rows.Next() && count < limit {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			sb.WriteString("scan error: " + err.Error() + "\n")
			break
		}
		cells := make([]string, len(values))
		for i, v := range values {
			cell := fmt.Sprintf("%v", v)
			if len(cell) > maxCell {
				cell = cell[:maxCell] + "..."
			}
			cells[i] = cell
		}
		sb.WriteString(strings.Join(cells, "\t"))
		sb.WriteString("\n")
		count++
	}
	if count == limit {
		sb.WriteString(fmt.Sprintf("... (truncated at %d rows)\n", limit))
	}
	return sb.String()
}

// TableInfoTool implements agent.Tool for db_table_info: column names and
// types for one table.
type TableInfoTool struct {
	db     *sql.DB
	driver string
}

func NewTableInfoTool(db *sql.DB, driver string) *TableInfoTool {
	return &TableInfoTool{db: db, driver: driver}
}

func (t *TableInfoTool) Name() string { return "db_table_info" }

func (t *TableInfoTool) Description() string {
	return "Returns column names and types for the named table."
}

func (t *TableInfoTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"table": {"type": "string", "description": "Table name"}
		},
		"required": ["table"]
	}`)
}

func (t *TableInfoTool) Execute(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		Table string `json:"table"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return &agent.ToolResult{Content: "invalid db_table_info params: " + err.Error(), IsError: true}, nil
	}
	if strings.ContainsAny(p.Table, " ;'\"") {
		return &agent.ToolResult{Content: "db_table_info: invalid table name", IsError: true}, nil
	}

	query := "SELECT column_name, data_type FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position"
	if t.driver == driverLte {
		query = fmt.Sprintf("PRAGMA table_info(%s)", p.Table)
	}

	var rows *sql.Rows
	var err error
	if t.driver == driverLte {
		rows, err = t.db.QueryContext(ctx, query)
	} else {
		rows, err = t.db.QueryContext(ctx, query, p.Table)
	}
	if err != nil {
		return &agent.ToolResult{Content: "db_table_info failed: " + err.Error(), IsError: true}, nil
	}
	defer rows.Close()

	return &agent.ToolResult{Content: renderRows(rows, maxRows)}, nil
}

// RelationsTool implements agent.Tool for db_relations: foreign-key
// relationships for one table (postgres only; sqlite reports none).
type RelationsTool struct {
	db     *sql.DB
	driver string
}

func NewRelationsTool(db *sql.DB, driver string) *RelationsTool {
	return &RelationsTool{db: db, driver: driver}
}

func (t *RelationsTool) Name() string { return "db_relations" }

func (t *RelationsTool) Description() string {
	return "Returns the foreign-key relationships for the named table."
}

func (t *RelationsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"table": {"type": "string", "description": "Table name"}
		},
		"required": ["table"]
	}`)
}

const relationsQuery = `
SELECT
	tc.constraint_name, kcu.column_name, ccu.table_name AS foreign_table, ccu.column_name AS foreign_column
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu ON tc.constraint_name = kcu.constraint_name
JOIN information_schema.constraint_column_usage ccu ON tc.constraint_name = ccu.constraint_name
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_name = $1`

func (t *RelationsTool) Execute(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	var p struct {
		Table string `json:"table"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return &agent.ToolResult{Content: "invalid db_relations params: " + err.Error(), IsError: true}, nil
	}
	if t.driver == driverLte {
		return &agent.ToolResult{Content: "db_relations: not supported for sqlite"}, nil
	}
	rows, err := t.db.QueryContext(ctx, relationsQuery, p.Table)
	if err != nil {
		return &agent.ToolResult{Content: "db_relations failed: " + err.Error(), IsError: true}, nil
	}
	defer rows.Close()
	return &agent.ToolResult{Content: renderRows(rows, maxRows)}, nil
}
