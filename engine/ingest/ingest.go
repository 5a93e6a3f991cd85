// Package ingest implements the memory builder orchestrator (spec §4.5):
// the ordered pipeline that turns one run payload into graph state, gated
// by the decision layer's admission-control verdict.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rishit2121/agentkb/engine/decision"
	"github.com/rishit2121/agentkb/engine/domain"
	"github.com/rishit2121/agentkb/engine/embed"
	"github.com/rishit2121/agentkb/engine/extract"
	"github.com/rishit2121/agentkb/engine/graph"
	"github.com/rishit2121/agentkb/engine/llm"
	"github.com/rishit2121/agentkb/engine/vectorindex"
)

// DefaultTaskSimilarityThreshold is τ_task (spec §3).
const DefaultTaskSimilarityThreshold = 0.85

// Store is the slice of the graph store port the memory builder drives
// directly (the decision layer takes its own narrower CandidateScanner/
// DecisionStore views of the same *graph.GraphStore). Narrowed to an
// interface here so ProcessRun is testable against fakes without Neo4j.
type Store interface {
	UpsertUser(ctx context.Context, userID string) error
	UpsertAgent(ctx context.Context, agentID string) error
	LinkHasAgent(ctx context.Context, userID, agentID string) error
	ScanTasks(ctx context.Context) ([]graph.Task, error)
	UpsertTask(ctx context.Context, t graph.Task) error
	UpsertOutcome(ctx context.Context, label string) error
	RunExists(ctx context.Context, id string) (bool, error)
	CommitRun(ctx context.Context, opts graph.CommitRunOpts) error
	UpsertReference(ctx context.Context, r graph.Reference) error
	UpsertArtifact(ctx context.Context, a graph.Artifact) error
	RunNeighborhood(ctx context.Context, runID string) (graph.RunDetail, error)
}

// Extractor is the reference/artifact extraction port (spec §4.3).
type Extractor interface {
	Extract(ctx context.Context, tree domain.Tree) ([]domain.Reference, []domain.Artifact, error)
}

// Decider is the admission-control port (spec §4.4).
type Decider interface {
	Decide(ctx context.Context, in decision.Input) (decision.Output, error)
}

// Deps holds everything the memory builder needs to process one run.
type Deps struct {
	GraphStore              Store
	Embedder                embed.Embedder
	Summarizer              llm.LLM
	Extractor               Extractor
	Decider                 Decider
	TaskSimilarityThreshold float64
	Logger                  *slog.Logger

	// VectorIndex is an optional provider-native vector index (spec §4.7).
	// When set, every committed Run's embedding is dual-written to it and a
	// superseded Run's point is removed; retrieval and the decision layer do
	// not read from it (they scan the graph store, engine/retrieval.Scanner),
	// so a write failure here never aborts ingestion.
	VectorIndex vectorindex.Index
}

// MemoryBuilder runs the six-step ingestion pipeline of spec §4.5.
type MemoryBuilder struct {
	deps Deps
	log  *slog.Logger
}

// New constructs a MemoryBuilder. deps.TaskSimilarityThreshold defaults to
// DefaultTaskSimilarityThreshold when zero.
func New(deps Deps) *MemoryBuilder {
	if deps.TaskSimilarityThreshold == 0 {
		deps.TaskSimilarityThreshold = DefaultTaskSimilarityThreshold
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &MemoryBuilder{deps: deps, log: log}
}

// SimilarRun mirrors decision.SimilarRun with a summary attached, for the
// NOT-branch response (spec §4.5's "top similar runs (id, summary, outcome,
// similarity)").
type SimilarRun struct {
	RunID      string  `json:"run_id"`
	Summary    string  `json:"summary"`
	Outcome    string  `json:"outcome"`
	Similarity float64 `json:"similarity"`
}

// Response is the decision-dependent shape of spec §6's POST /runs.
type Response struct {
	Decision         string       `json:"decision"`
	RunID            string       `json:"run_id,omitempty"`
	TaskID           string       `json:"task_id,omitempty"`
	ReferencesCount  int          `json:"references_count,omitempty"`
	ArtifactsCount   int          `json:"artifacts_count,omitempty"`
	TargetRunID      string       `json:"target_run_id,omitempty"`
	Reason           string       `json:"reason"`
	Summary          string       `json:"summary,omitempty"`
	ReasonAdded      []string     `json:"reason_added,omitempty"`
	SimilarityScore  *float64     `json:"similarity_score,omitempty"`
	SimilarRuns      []SimilarRun `json:"similar_runs,omitempty"`
}

// ProcessRun runs the ordered pipeline for one payload (spec §4.5). Any
// failure in steps 1-5 aborts with a structured error; step 6's graph
// writes are MERGE-idempotent so re-submission is safe.
func (b *MemoryBuilder) ProcessRun(ctx context.Context, payload domain.RunPayload) (Response, error) {
	if err := domain.ValidateRunPayload(payload); err != nil {
		return Response{}, err
	}

	// Step 1: upsert User/Agent, link if both present.
	if payload.UserID != "" {
		if err := b.deps.GraphStore.UpsertUser(ctx, payload.UserID); err != nil {
			return Response{}, fmt.Errorf("ingest: upsert user: %w", err)
		}
	}
	if err := b.deps.GraphStore.UpsertAgent(ctx, payload.AgentID); err != nil {
		return Response{}, fmt.Errorf("ingest: upsert agent: %w", err)
	}
	if payload.UserID != "" {
		if err := b.deps.GraphStore.LinkHasAgent(ctx, payload.UserID, payload.AgentID); err != nil {
			return Response{}, fmt.Errorf("ingest: link has_agent: %w", err)
		}
	}

	// Step 2: resolve the Task via the dedup rule of spec §3.
	taskText := payload.GetTaskText()
	taskID, err := b.resolveTask(ctx, taskText)
	if err != nil {
		return Response{}, fmt.Errorf("ingest: resolve task: %w", err)
	}

	// Step 3: summarize, then embed the summary.
	tree := payload.GetRunTree()
	outcome := payload.GetOutcome()
	summarized, err := b.deps.Summarizer.Summarize(ctx, tree, outcome)
	if err != nil {
		return Response{}, fmt.Errorf("ingest: summarize: %w", err)
	}
	runEmbedding, err := embed.EmbedValidated(ctx, b.deps.Embedder, summarized.Summary)
	if err != nil {
		return Response{}, fmt.Errorf("ingest: embed summary: %w", err)
	}

	// Step 4: extract References and Artifacts (held in memory only).
	references, artifacts, err := b.deps.Extractor.Extract(ctx, tree)
	if err != nil {
		return Response{}, fmt.Errorf("ingest: extract: %w", err)
	}

	// Step 5: invoke the decision layer.
	verdict, err := b.deps.Decider.Decide(ctx, decision.Input{
		RunID:        payload.RunID,
		RunSummary:   summarized.Summary,
		RunEmbedding: runEmbedding,
		TaskText:     taskText,
		Outcome:      outcome,
		References:   references,
		Artifacts:    artifacts,
		AgentID:      payload.AgentID,
		UserID:       payload.UserID,
	})
	if err != nil {
		return Response{}, fmt.Errorf("ingest: decide: %w", err)
	}

	// Step 6: branch on decision.
	if verdict.Decision == domain.DecisionNot {
		return b.notResponse(ctx, verdict), nil
	}
	return b.commitResponse(ctx, payload, outcome, summarized, runEmbedding, taskID, references, artifacts, verdict)
}

// resolveTask implements spec §3's Task dedup rule: reuse the best-matching
// existing Task's id when its similarity meets τ_task, else create one.
func (b *MemoryBuilder) resolveTask(ctx context.Context, text string) (string, error) {
	taskEmbedding, err := embed.EmbedValidated(ctx, b.deps.Embedder, text)
	if err != nil {
		return "", err
	}

	existing, err := b.deps.GraphStore.ScanTasks(ctx)
	if err != nil {
		return "", err
	}

	bestID := ""
	bestScore := -1.0
	for _, t := range existing {
		score, ok := domain.CosineSimilarity(taskEmbedding, t.Embedding)
		if !ok {
			continue
		}
		if score > bestScore {
			bestScore = score
			bestID = t.ID
		}
	}

	if bestID != "" && bestScore >= b.deps.TaskSimilarityThreshold {
		return bestID, nil
	}

	id := extract.ContentID("task", text)
	if err := b.deps.GraphStore.UpsertTask(ctx, graph.Task{ID: id, Text: text, Embedding: taskEmbedding}); err != nil {
		return "", err
	}
	return id, nil
}

func (b *MemoryBuilder) notResponse(ctx context.Context, verdict decision.Output) Response {
	return Response{
		Decision:        string(verdict.Decision),
		Reason:          verdict.Reason,
		SimilarityScore: verdict.SimilarityScore,
		SimilarRuns:     b.expandSimilarRuns(ctx, verdict.TopSimilar),
	}
}

// expandSimilarRuns fetches each candidate's summary via a neighborhood
// read; the decision layer's own scan only carries embeddings, not
// summaries, to keep the similarity stage a single label scan.
func (b *MemoryBuilder) expandSimilarRuns(ctx context.Context, candidates []decision.SimilarRun) []SimilarRun {
	out := make([]SimilarRun, 0, len(candidates))
	for _, c := range candidates {
		detail, err := b.deps.GraphStore.RunNeighborhood(ctx, c.RunID)
		summary := ""
		if err == nil {
			summary = detail.Run.Summary
		} else {
			b.log.Warn("ingest: failed to expand similar run summary", "run_id", c.RunID, "err", err)
		}
		out = append(out, SimilarRun{RunID: c.RunID, Summary: summary, Outcome: c.Outcome, Similarity: c.Similarity})
	}
	return out
}

func (b *MemoryBuilder) commitResponse(
	ctx context.Context,
	payload domain.RunPayload,
	outcome domain.Outcome,
	summarized llm.SummarizeResult,
	runEmbedding []float32,
	taskID string,
	references []domain.Reference,
	artifacts []domain.Artifact,
	verdict decision.Output,
) (Response, error) {
	if err := b.upsertReferences(ctx, references); err != nil {
		return Response{}, fmt.Errorf("ingest: upsert references: %w", err)
	}
	if err := b.upsertArtifacts(ctx, artifacts); err != nil {
		return Response{}, fmt.Errorf("ingest: upsert artifacts: %w", err)
	}

	reasonAdded := summarized.ReasonAdded
	if len(reasonAdded) == 0 {
		reasonAdded = []string{"Run added to memory for future retrieval."}
	}

	treeJSON, err := extract.CanonicalJSON(payload.GetRunTree())
	if err != nil {
		return Response{}, fmt.Errorf("ingest: marshal run tree: %w", err)
	}

	run := graph.Run{
		ID:          payload.RunID,
		AgentID:     payload.AgentID,
		UserID:      payload.UserID,
		Summary:     summarized.Summary,
		ReasonAdded: reasonAdded,
		Embedding:   runEmbedding,
		RunTreeJSON: treeJSON,
		CreatedAt:   runCreatedAt(payload),
		Status:      graph.RunActive,
	}

	supersedeTarget := ""
	if verdict.Decision == domain.DecisionReplace {
		exists, err := b.deps.GraphStore.RunExists(ctx, verdict.TargetRunID)
		if err != nil {
			return Response{}, fmt.Errorf("ingest: check replace target: %w", err)
		}
		if !exists {
			return Response{}, domain.NewNotFound("target_run_id", nil)
		}
		supersedeTarget = verdict.TargetRunID
	}

	if err := b.deps.GraphStore.UpsertOutcome(ctx, string(outcome)); err != nil {
		return Response{}, fmt.Errorf("ingest: upsert outcome: %w", err)
	}

	if err := b.deps.GraphStore.CommitRun(ctx, graph.CommitRunOpts{
		Run:               run,
		TaskID:            taskID,
		ReferenceIDs:      ids(references, func(r domain.Reference) string { return r.ID }),
		ArtifactIDs:       ids(artifacts, func(a domain.Artifact) string { return a.ID }),
		OutcomeLabel:      string(outcome),
		SupersedeTargetID: supersedeTarget,
	}); err != nil {
		return Response{}, fmt.Errorf("ingest: commit run: %w", err)
	}

	b.syncVectorIndex(ctx, run, supersedeTarget)

	return Response{
		Decision:        string(verdict.Decision),
		RunID:           payload.RunID,
		TaskID:          taskID,
		ReferencesCount: len(references),
		ArtifactsCount:  len(artifacts),
		TargetRunID:     verdict.TargetRunID,
		Reason:          verdict.Reason,
		Summary:         summarized.Summary,
		ReasonAdded:     reasonAdded,
	}, nil
}

// syncVectorIndex dual-writes a committed Run's embedding to the optional
// provider-native vector index (spec §4.7) and drops the superseded
// target's point, if one was superseded. Best-effort: failures are logged,
// never returned, since the graph store remains the source of truth.
func (b *MemoryBuilder) syncVectorIndex(ctx context.Context, run graph.Run, supersedeTarget string) {
	if b.deps.VectorIndex == nil {
		return
	}
	point := vectorindex.Point{
		ID:        run.ID,
		Embedding: run.Embedding,
		Payload:   map[string]string{"agent_id": run.AgentID, "user_id": run.UserID},
	}
	if err := b.deps.VectorIndex.Upsert(ctx, []vectorindex.Point{point}); err != nil {
		b.log.Warn("ingest: vector index upsert failed", "run_id", run.ID, "error", err)
	}
	if supersedeTarget != "" {
		if err := b.deps.VectorIndex.Delete(ctx, []string{supersedeTarget}); err != nil {
			b.log.Warn("ingest: vector index delete failed", "run_id", supersedeTarget, "error", err)
		}
	}
}

func runCreatedAt(payload domain.RunPayload) time.Time {
	if t := payload.GetCreatedAt(); !t.IsZero() {
		return t
	}
	return time.Now().UTC()
}

func (b *MemoryBuilder) upsertReferences(ctx context.Context, refs []domain.Reference) error {
	for _, r := range refs {
		if err := b.deps.GraphStore.UpsertReference(ctx, graph.Reference{
			ID: r.ID, Type: string(r.Type), SourceRef: r.SourceRef, Embedding: r.Embedding,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBuilder) upsertArtifacts(ctx context.Context, arts []domain.Artifact) error {
	for _, a := range arts {
		if err := b.deps.GraphStore.UpsertArtifact(ctx, graph.Artifact{
			ID: a.ID, Type: string(a.Type), Hash: a.Hash, Embedding: a.Embedding,
		}); err != nil {
			return err
		}
	}
	return nil
}

func ids[T any](items []T, f func(T) string) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = f(item)
	}
	return out
}
