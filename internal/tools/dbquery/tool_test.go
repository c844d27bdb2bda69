package dbquery

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// TestQueryToolRejectsNonSelect matches spec.md §8 scenario 6: any
// statement that does not begin (case-insensitive, after trim) with SELECT
// returns an error result and never touches the connection. No
// mock.Expect* call is registered, so sqlmock fails the test outright if
// QueryContext is ever invoked.
func TestQueryToolRejectsNonSelect(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	tool := NewQueryTool(db)

	cases := []string{
		"DROP TABLE t",
		"  drop table t",
		"INSERT INTO t VALUES (1)",
		"UPDATE t SET x = 1",
		"DELETE FROM t",
		"SELECT * FROM t; DROP TABLE t",
		"not sql at all",
	}
	for _, stmt := range cases {
		t.Run(stmt, func(t *testing.T) {
			params, _ := json.Marshal(map[string]string{"sql": stmt})
			result, err := tool.Execute(context.Background(), params)
			if err != nil {
				t.Fatalf("Execute returned a Go error, want a guarded ToolResult: %v", err)
			}
			if !result.IsError {
				t.Fatalf("expected IsError=true for statement %q, got result=%+v", stmt, result)
			}
			if result.Content == "" {
				t.Fatalf("expected a non-empty guard error message for %q", stmt)
			}
		})
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected database interaction: %v", err)
	}
}

// TestQueryToolAllowsSelect exercises the accepted path through the guard:
// a well-formed SELECT reaches the database and its rows are rendered.
func TestQueryToolAllowsSelect(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "name"}).
		AddRow(1, "alpha").
		AddRow(2, "beta")
	mock.ExpectQuery("SELECT id, name FROM widgets").WillReturnRows(rows)

	tool := NewQueryTool(db)
	params, _ := json.Marshal(map[string]string{"sql": "SELECT id, name FROM widgets"})
	result, err := tool.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected a successful result, got error: %s", result.Content)
	}
	if !strings.Contains(result.Content, "alpha") || !strings.Contains(result.Content, "beta") {
		t.Fatalf("expected rendered rows to contain both values, got: %s", result.Content)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
