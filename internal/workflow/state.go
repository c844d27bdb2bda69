package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/internal/artifacts"
	"github.com/flowforge/orchestrator/pkg/models"
)

// NewTaskID returns a deterministic, sortable, filesystem-safe task
// identifier: <YYYYMMDD_HHMMSS>_<8-char uuid>, matching the original
// coordinator's naming scheme.
func NewTaskID() string {
	return fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102_150405"), uuid.New().String()[:8])
}

// Options carries the three per-run toggles the HTTP edge accepts on
// POST /chat/stream.
type Options struct {
	DeepThinking         bool
	SearchBeforePlanning bool
	Debug                bool
}

// PlanStep is one entry of a generated plan.
type PlanStep struct {
	WorkerName  string `json:"worker_name"`
	Description string `json:"description"`
}

// Plan is the planner's structured output, persisted via the Artifact Store
// and consulted by the graph's step-tracking logic.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

// State is one task's session state: the append-only message sequence the
// graph reads and writes, the plan (if any) and the supervisor's cursor into
// it, and the artifacts recorded so far.
type State struct {
	TaskID     string
	WorkflowID string
	OutputDir  string

	Messages []*models.Message

	Plan   *Plan
	Cursor int

	NextWorker string
	Options    Options

	Summaries []artifacts.SummaryRef
}

// LastUserText returns the text of the most recent user-role message, or "".
func (s *State) LastUserText() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == models.RoleUser {
			return s.Messages[i].Text
		}
	}
	return ""
}
