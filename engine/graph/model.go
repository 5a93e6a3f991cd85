// Package graph provides the Neo4j-backed graph store port (spec §4.7) for
// the agent-run knowledge base: the seven node labels and six relationship
// types of spec §3.
package graph

import "time"

// User is identified by an opaque user_id; created on first ingestion that
// names it.
type User struct {
	ID string `json:"id"`
}

// Agent is identified by an opaque agent_id; owned by at most one User via
// HAS_AGENT.
type Agent struct {
	ID string `json:"id"`
}

// Task is a canonical task description, deduplicated by embedding
// similarity (spec §3).
type Task struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunActive     RunStatus = "active"
	RunSuperseded RunStatus = "superseded"
)

// Run is one completed agent execution.
type Run struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agent_id"`
	UserID        string    `json:"user_id,omitempty"`
	Summary       string    `json:"summary"`
	ReasonAdded   []string  `json:"reason_added"`
	Embedding     []float32 `json:"embedding,omitempty"`
	RunTreeJSON   string    `json:"run_tree"`
	CreatedAt     time.Time `json:"created_at"`
	Status        RunStatus `json:"status"`
	SupersededBy  string    `json:"superseded_by,omitempty"`
}

// Reference is an input consumed by a run.
type Reference struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	SourceRef string    `json:"source_ref"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// Artifact is an output produced by a run.
type Artifact struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Hash      string    `json:"hash"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// Outcome is a singleton per label, shared across runs.
type Outcome struct {
	Label string `json:"label"`
}

// MemoryDecision is the admission-control audit record keyed by run_id.
type MemoryDecision struct {
	RunID           string    `json:"run_id"`
	Decision        string    `json:"decision"`
	TargetRunID     string    `json:"target_run_id,omitempty"`
	Reason          string    `json:"reason"`
	SimilarityScore *float64  `json:"similarity_score,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// EmbeddingCandidate is a dimension-mismatched node surfaced by
// RescanDimensionMismatches: its label and the text property to re-embed
// from, so the caller can regenerate and write back its embedding without
// a second round trip to discover what kind of node it is.
type EmbeddingCandidate struct {
	ID    string
	Label string
	Text  string
}

// RunCandidate is a label-scan result for the decision layer's similarity
// stage: run id, embedding, and the light descriptors needed to summarize
// it in an LLM prompt without a full neighborhood expansion.
type RunCandidate struct {
	ID        string
	Embedding []float32
	Outcome   string
	RefTypes  []string
	ArtTypes  []string
}

// RunDetail is a Run fully expanded with its neighborhood: References,
// Artifacts, and Outcome (spec §4.6).
type RunDetail struct {
	Run         Run
	References  []Reference
	Artifacts   []Artifact
	Outcome     string
	TaskText    string
}

// PartitionFilter scopes graph traversals to the (user_id, agent_id)
// partition per spec §4.4's three-branch rule.
type PartitionFilter struct {
	UserID  string
	AgentID string
}
