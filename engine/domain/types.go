package domain

import (
	"strings"
	"time"
)

// Outcome labels the terminal status of a Run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// Tree is the heterogeneous run-tree representation: a recursive tagged sum
// of map, list, or scalar, matching spec §9's "represent the tree as map |
// list | scalar, not a dynamic document." json.Unmarshal into map[string]any
// already produces exactly this shape for object/array/scalar JSON, so Tree
// is simply named for clarity at call sites; the extractor type-switches on
// map[string]any / []any / scalar the same way regardless.
type Tree = map[string]any

// RunPayload is the input to POST /runs. It accepts both the "new" format
// (steps-based run log) and the "legacy" format (task_text/run_tree/outcome)
// per spec §6, mirroring original_source/models/run.py's RunPayload.
type RunPayload struct {
	// New format fields.
	ID             string         `json:"id,omitempty"`
	RunID          string         `json:"run_id"`
	StartTimestamp string         `json:"start_timestamp,omitempty"`
	AgentID        string         `json:"agent_id"`
	UserID         string         `json:"user_id,omitempty"`
	UserTask       string         `json:"user_task,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Steps          []Tree         `json:"steps,omitempty"`
	FinalOutput    string         `json:"final_output,omitempty"`
	Duration       *int           `json:"duration,omitempty"`
	Status         string         `json:"status,omitempty"`
	AgentPrompt    string         `json:"agent_prompt,omitempty"`
	EndTimestamp   string         `json:"end_timestamp,omitempty"`

	// Legacy format fields.
	TaskText  string     `json:"task_text,omitempty"`
	RunTree   Tree       `json:"run_tree,omitempty"`
	Outcome   string     `json:"outcome,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// GetTaskText returns the task text from user_task or task_text.
func (p RunPayload) GetTaskText() string {
	if p.UserTask != "" {
		return p.UserTask
	}
	return p.TaskText
}

// GetRunTree returns the full run log as a tagged-tree, constructing it from
// the new-format fields when run_tree isn't supplied directly.
func (p RunPayload) GetRunTree() Tree {
	if p.RunTree != nil {
		return p.RunTree
	}
	steps := make([]any, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = s
	}
	return Tree{
		"id":              p.ID,
		"run_id":          p.RunID,
		"start_timestamp": p.StartTimestamp,
		"agent_id":        p.AgentID,
		"user_task":       p.UserTask,
		"metadata":        p.Metadata,
		"steps":           steps,
		"final_output":    p.FinalOutput,
		"duration":        p.Duration,
		"status":          p.Status,
		"agent_prompt":    p.AgentPrompt,
		"end_timestamp":   p.EndTimestamp,
	}
}

// GetOutcome derives the outcome from status or an explicit outcome field.
func (p RunPayload) GetOutcome() Outcome {
	if p.Outcome != "" {
		return Outcome(p.Outcome)
	}
	if p.Status != "" {
		switch strings.ToLower(p.Status) {
		case "complete", "success":
			return OutcomeSuccess
		case "failure":
			return OutcomeFailure
		default:
			return OutcomePartial
		}
	}
	return OutcomePartial
}

// GetCreatedAt derives the creation timestamp from created_at or, failing
// that, an ISO-8601 parse of start_timestamp. Returns the zero time if
// neither is present or start_timestamp fails to parse.
func (p RunPayload) GetCreatedAt() time.Time {
	if p.CreatedAt != nil {
		return *p.CreatedAt
	}
	if p.StartTimestamp != "" {
		if t, err := time.Parse(time.RFC3339, p.StartTimestamp); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339Nano, p.StartTimestamp); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ReferenceType enumerates the recognized vocabulary for References.
type ReferenceType string

const (
	RefSchema     ReferenceType = "schema"
	RefDocument   ReferenceType = "document"
	RefAPIResp    ReferenceType = "api_response"
	RefPriorRun   ReferenceType = "prior_run"
	RefUnknown    ReferenceType = "unknown"
)

// ArtifactType enumerates the recognized vocabulary for Artifacts.
type ArtifactType string

const (
	ArtSchema  ArtifactType = "schema"
	ArtPlan    ArtifactType = "plan"
	ArtReport  ArtifactType = "report"
	ArtCode    ArtifactType = "code"
	ArtUnknown ArtifactType = "unknown"
)

// Reference is an input consumed by a run (spec §3).
type Reference struct {
	ID        string        `json:"id"`
	Type      ReferenceType `json:"type"`
	Embedding []float32     `json:"-"`
	SourceRef string        `json:"source_ref"`
}

// Artifact is an output produced by a run (spec §3).
type Artifact struct {
	ID        string       `json:"id"`
	Type      ArtifactType `json:"type"`
	Embedding []float32    `json:"-"`
	Hash      string       `json:"hash"`
}

// Decision is one of the four admission-control outcomes (spec §4.4).
type Decision string

const (
	DecisionAdd     Decision = "ADD"
	DecisionNot     Decision = "NOT"
	DecisionReplace Decision = "REPLACE"
	DecisionMerge   Decision = "MERGE"
)

var validDecisions = map[Decision]bool{
	DecisionAdd: true, DecisionNot: true, DecisionReplace: true, DecisionMerge: true,
}

// IsValid reports whether d is one of the four recognized decisions.
func (d Decision) IsValid() bool { return validDecisions[d] }
