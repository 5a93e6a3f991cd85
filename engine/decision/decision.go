// Package decision implements the admission-control layer (spec §4.4):
// a partition-scoped similarity scan, a deterministic pre-filter, and an
// LLM judge for the cases the pre-filter can't resolve on its own.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/rishit2121/agentkb/engine/domain"
	"github.com/rishit2121/agentkb/engine/graph"
	"github.com/rishit2121/agentkb/engine/llm"
)

// Defaults for the configurable constants spec.md §9 calls out by name.
const (
	DefaultSimilarityFloor = 0.70
	DefaultTopK            = 3
)

// CandidateScanner restricts candidate runs to a (user_id, agent_id)
// partition, implemented by *graph.GraphStore.
type CandidateScanner interface {
	CandidateRuns(ctx context.Context, p graph.PartitionFilter) ([]graph.RunCandidate, error)
}

// DecisionStore persists the admission-control audit trail, implemented by
// *graph.GraphStore.
type DecisionStore interface {
	UpsertDecision(ctx context.Context, d graph.MemoryDecision) error
}

// Options configures a Layer's thresholds.
type Options struct {
	SimilarityFloor float64
	TopK            int
	Logger          *slog.Logger
}

// DefaultOptions mirrors the defaults spec.md names explicitly.
func DefaultOptions() Options {
	return Options{SimilarityFloor: DefaultSimilarityFloor, TopK: DefaultTopK}
}

// Layer is the decision service: candidate scan → deterministic pre-filter
// → LLM judge → post-validation → persisted MemoryDecision.
type Layer struct {
	scanner CandidateScanner
	store   DecisionStore
	judge   llm.LLM
	floor   float64
	topK    int
	log     *slog.Logger
}

// New constructs a Layer. opts's zero values fall back to DefaultOptions.
func New(scanner CandidateScanner, store DecisionStore, judge llm.LLM, opts Options) *Layer {
	if opts.SimilarityFloor == 0 {
		opts.SimilarityFloor = DefaultSimilarityFloor
	}
	if opts.TopK == 0 {
		opts.TopK = DefaultTopK
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Layer{scanner: scanner, store: store, judge: judge, floor: opts.SimilarityFloor, topK: opts.TopK, log: log}
}

// Input is everything the decision layer needs about the run being
// evaluated (spec §4.4's decide() signature).
type Input struct {
	RunID        string
	RunSummary   string
	RunEmbedding []float32
	TaskText     string
	Outcome      domain.Outcome
	References   []domain.Reference
	Artifacts    []domain.Artifact
	AgentID      string
	UserID       string
}

// SimilarRun is one ranked candidate surfaced to callers (for the API
// response's "top similar runs" and the LLM judge prompt).
type SimilarRun struct {
	RunID      string
	Outcome    string
	Similarity float64
}

// Output is the admission-control verdict plus its supporting context.
type Output struct {
	Decision        domain.Decision
	TargetRunID     string
	Reason          string
	SimilarityScore *float64
	TopSimilar      []SimilarRun
}

type rankedCandidate struct {
	graph.RunCandidate
	similarity float64
}

// Decide evaluates in against its partition's existing runs and returns the
// admission-control verdict, persisting a MemoryDecision regardless of
// outcome (spec §4.4's "every decision, including NOT, is persisted").
func (l *Layer) Decide(ctx context.Context, in Input) (Output, error) {
	candidates, err := l.scanner.CandidateRuns(ctx, graph.PartitionFilter{UserID: in.UserID, AgentID: in.AgentID})
	if err != nil {
		return Output{}, fmt.Errorf("decision: scan candidates: %w", err)
	}

	var valid []rankedCandidate
	for _, c := range candidates {
		sim, ok := domain.CosineSimilarity(in.RunEmbedding, c.Embedding)
		if !ok {
			l.log.Warn("decision: skipping candidate with mismatched embedding dimension", "run_id", in.RunID, "candidate_id", c.ID)
			continue
		}
		valid = append(valid, rankedCandidate{RunCandidate: c, similarity: sim})
	}

	out := l.evaluate(ctx, in, valid)

	score := out.SimilarityScore
	decision := graph.MemoryDecision{
		RunID:           in.RunID,
		Decision:        string(out.Decision),
		TargetRunID:     out.TargetRunID,
		Reason:          out.Reason,
		SimilarityScore: score,
		Timestamp:       time.Now().UTC(),
	}
	if err := l.store.UpsertDecision(ctx, decision); err != nil {
		return out, fmt.Errorf("decision: persist: %w", err)
	}
	return out, nil
}

func (l *Layer) evaluate(ctx context.Context, in Input, valid []rankedCandidate) Output {
	if len(valid) == 0 {
		return Output{Decision: domain.DecisionAdd, Reason: "No similar runs"}
	}

	sort.Slice(valid, func(i, j int) bool { return valid[i].similarity > valid[j].similarity })

	best := valid[0].similarity
	if best < l.floor {
		score := best
		return Output{Decision: domain.DecisionAdd, Reason: "Best similarity below floor", SimilarityScore: &score, TopSimilar: toSimilarRuns(valid, l.topK)}
	}

	kept := make([]rankedCandidate, 0, l.topK)
	for _, c := range valid {
		if c.similarity < l.floor {
			break
		}
		kept = append(kept, c)
		if len(kept) == l.topK {
			break
		}
	}

	out := l.judgeStage(ctx, in, kept)
	out.TopSimilar = toSimilarRuns(valid, l.topK)
	return out
}

func toSimilarRuns(ranked []rankedCandidate, topK int) []SimilarRun {
	n := topK
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]SimilarRun, n)
	for i := 0; i < n; i++ {
		out[i] = SimilarRun{RunID: ranked[i].ID, Outcome: ranked[i].Outcome, Similarity: ranked[i].similarity}
	}
	return out
}

// judgeStage implements spec §4.4 stage 3: a compact prompt over at most two
// similar runs, parsed with the repair cascade, fail-open to ADD on any
// error (network, empty response, unparseable JSON).
func (l *Layer) judgeStage(ctx context.Context, in Input, kept []rankedCandidate) Output {
	similar := make([]llm.SimilarRunSummary, len(kept))
	for i, c := range kept {
		similar[i] = llm.SimilarRunSummary{
			RunID:      c.ID,
			Outcome:    c.Outcome,
			Similarity: c.similarity,
		}
	}

	prompt := llm.BuildDecisionPrompt(in.TaskText, in.Outcome, len(in.References), len(in.Artifacts), similar)

	raw, err := l.judge.Decide(ctx, prompt)
	if err != nil {
		l.log.Warn("decision: LLM judge unreachable, failing open to ADD", "run_id", in.RunID, "err", err)
		return Output{Decision: domain.DecisionAdd, Reason: "Error in LLM decision; defaulting to ADD"}
	}

	parsed := llm.ParseDecisionResponse(raw)
	l.log.Info("decision: judge responded", "run_id", in.RunID, "decision", parsed.Decision, "failed_open", parsed.FailedOpen)

	return l.postValidate(parsed, kept)
}

// postValidate implements spec §4.4's post-validation rules: coerce an
// out-of-set decision to ADD, backfill a missing target_run_id with the
// top-1 candidate (or coerce to ADD if there is none), and normalize the
// literal "null" sentinel to empty.
func (l *Layer) postValidate(parsed llm.DecisionResult, kept []rankedCandidate) Output {
	decision := domain.Decision(parsed.Decision)
	if !decision.IsValid() {
		return Output{Decision: domain.DecisionAdd, Reason: parsed.Reason}
	}

	targetRunID := parsed.TargetRunID
	if strings.EqualFold(targetRunID, "null") {
		targetRunID = ""
	}

	if (decision == domain.DecisionReplace || decision == domain.DecisionMerge) && targetRunID == "" {
		if len(kept) == 0 {
			return Output{Decision: domain.DecisionAdd, Reason: parsed.Reason}
		}
		targetRunID = kept[0].ID
	}

	return Output{Decision: decision, TargetRunID: targetRunID, Reason: parsed.Reason}
}
