// Package retrieval implements the retrieval engine of spec §4.6: turning a
// task description into ranked, expanded prior-run context plus a
// human-readable observation summary and a confidence score.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/rishit2121/agentkb/engine/domain"
	"github.com/rishit2121/agentkb/engine/embed"
	"github.com/rishit2121/agentkb/engine/graph"
)

// DefaultTopK is the default number of similar runs to return.
const DefaultTopK = 5

// Scanner is the partition-scoped candidate scan the ranking stage needs.
// *graph.GraphStore satisfies this directly.
type Scanner interface {
	CandidateRuns(ctx context.Context, p graph.PartitionFilter) ([]graph.RunCandidate, error)
}

// Expander reads a Run's full neighborhood, and lists Runs for retrieve_all.
// *graph.GraphStore satisfies this directly.
type Expander interface {
	RunNeighborhood(ctx context.Context, runID string) (graph.RunDetail, error)
	RetrieveAllRuns(ctx context.Context, p graph.PartitionFilter, limit int) ([]graph.RunDetail, error)
}

// Engine is the retrieval service (spec §4.6).
type Engine struct {
	scanner  Scanner
	expander Expander
	embedder embed.Embedder
	log      *slog.Logger
}

// New constructs a retrieval Engine.
func New(scanner Scanner, expander Expander, embedder embed.Embedder, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{scanner: scanner, expander: expander, embedder: embedder, log: log}
}

// Query is the input to Retrieve.
type Query struct {
	TaskText string
	Context  string
	AgentID  string
	UserID   string
	TopK     int
}

// RelatedRun is one expanded, ranked survivor of Retrieve.
type RelatedRun struct {
	RunID           string             `json:"run_id"`
	AgentID         string             `json:"agent_id"`
	Summary         string             `json:"summary"`
	Outcome         string             `json:"outcome"`
	RunTree         map[string]any     `json:"run_tree,omitempty"`
	References      []domain.Reference `json:"references"`
	Artifacts       []domain.Artifact  `json:"artifacts"`
	SimilarityScore float64            `json:"similarity_score"`
}

// Response is the output of Retrieve.
type Response struct {
	Observations   []string     `json:"observations"`
	RelatedRuns    []RelatedRun `json:"related_runs"`
	Confidence     float64      `json:"confidence"`
	QueryEmbedding []float32    `json:"query_embedding"`
}

// Retrieve runs the retrieve pipeline of spec §4.6: embed, rank by cosine
// similarity within the partition, expand each survivor's full context, then
// synthesize observations and a confidence score.
func (e *Engine) Retrieve(ctx context.Context, q Query) (Response, error) {
	queryText := q.Context
	if queryText == "" {
		queryText = q.TaskText
	}
	queryEmbedding, err := embed.EmbedValidated(ctx, e.embedder, queryText)
	if err != nil {
		return Response{}, fmt.Errorf("retrieval: embed query: %w", err)
	}

	candidates, err := e.scanner.CandidateRuns(ctx, graph.PartitionFilter{UserID: q.UserID, AgentID: q.AgentID})
	if err != nil {
		return Response{}, fmt.Errorf("retrieval: scan candidates: %w", err)
	}

	topK := q.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	type ranked struct {
		id         string
		outcome    string
		similarity float64
	}
	var rs []ranked
	for _, c := range candidates {
		score, ok := domain.CosineSimilarity(queryEmbedding, c.Embedding)
		if !ok {
			continue
		}
		rs = append(rs, ranked{id: c.ID, outcome: c.Outcome, similarity: score})
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].similarity > rs[j].similarity })
	if len(rs) > topK {
		rs = rs[:topK]
	}

	related := make([]RelatedRun, 0, len(rs))
	for _, r := range rs {
		detail, err := e.expander.RunNeighborhood(ctx, r.id)
		if err != nil {
			e.log.Warn("retrieval: failed to expand run, skipping", "run_id", r.id, "err", err)
			continue
		}
		related = append(related, RelatedRun{
			RunID:           detail.Run.ID,
			AgentID:         detail.Run.AgentID,
			Summary:         detail.Run.Summary,
			Outcome:         orUnknown(detail.Outcome),
			RunTree:         parseRunTree(detail.Run.RunTreeJSON),
			References:      detail.References,
			Artifacts:       detail.Artifacts,
			SimilarityScore: r.similarity,
		})
	}

	return Response{
		Observations:   analyzePatterns(related),
		RelatedRuns:    related,
		Confidence:     calculateConfidence(related),
		QueryEmbedding: queryEmbedding,
	}, nil
}

// AllQuery is the input to RetrieveAll.
type AllQuery struct {
	UserID  string
	AgentID string
	Limit   int
}

// RetrieveAll lists every Run in the partition, fully expanded, ordered by
// recency (spec §4.6).
func (e *Engine) RetrieveAll(ctx context.Context, q AllQuery) ([]RelatedRun, error) {
	details, err := e.expander.RetrieveAllRuns(ctx, graph.PartitionFilter{UserID: q.UserID, AgentID: q.AgentID}, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("retrieval: retrieve all: %w", err)
	}
	out := make([]RelatedRun, 0, len(details))
	for _, d := range details {
		out = append(out, RelatedRun{
			RunID:      d.Run.ID,
			AgentID:    d.Run.AgentID,
			Summary:    d.Run.Summary,
			Outcome:    orUnknown(d.Outcome),
			RunTree:    parseRunTree(d.Run.RunTreeJSON),
			References: d.References,
			Artifacts:  d.Artifacts,
		})
	}
	return out, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// parseRunTree parses the stored canonical-JSON run tree back to structure;
// a malformed or empty value is dropped rather than surfaced as an error,
// matching spec §4.6's "parsed back to structure" best-effort behavior.
func parseRunTree(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tree map[string]any
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return nil
	}
	return tree
}

// analyzePatterns synthesizes the observation list of spec §4.6.
func analyzePatterns(related []RelatedRun) []string {
	if len(related) == 0 {
		return []string{"No similar runs found in memory."}
	}

	var observations []string

	successCount, failureCount := 0, 0
	for _, r := range related {
		switch r.Outcome {
		case string(domain.OutcomeSuccess):
			successCount++
		case string(domain.OutcomeFailure):
			failureCount++
		}
	}
	if successCount > 0 {
		observations = append(observations, fmt.Sprintf(
			"Found %d successful similar run(s). Review their approaches for reference.", successCount))
	}
	if failureCount > 0 {
		observations = append(observations, fmt.Sprintf(
			"Found %d failed similar run(s). Be aware of potential pitfalls.", failureCount))
	}

	refTypes := sortedUniqueStrings(collect(related, func(r RelatedRun) []string {
		out := make([]string, len(r.References))
		for i, ref := range r.References {
			out[i] = string(ref.Type)
		}
		return out
	}))
	if len(refTypes) > 0 {
		observations = append(observations, "Similar runs typically reference: "+joinComma(refTypes))
	}

	artTypes := sortedUniqueStrings(collect(related, func(r RelatedRun) []string {
		out := make([]string, len(r.Artifacts))
		for i, a := range r.Artifacts {
			out[i] = string(a.Type)
		}
		return out
	}))
	if len(artTypes) > 0 {
		observations = append(observations, "Similar runs typically produce: "+joinComma(artTypes))
	}

	highSimilarity := 0
	for _, r := range related {
		if r.SimilarityScore > 0.9 {
			highSimilarity++
		}
	}
	if highSimilarity > 0 {
		observations = append(observations, fmt.Sprintf(
			"%d run(s) with very high similarity (>0.9). Consider reusing their approaches.", highSimilarity))
	}

	return observations
}

// calculateConfidence implements spec §4.6's weighted formula, rounded to
// two decimals.
func calculateConfidence(related []RelatedRun) float64 {
	if len(related) == 0 {
		return 0.0
	}

	countConfidence := math.Min(float64(len(related))/5.0, 1.0)

	var sumSimilarity float64
	outcomes := map[string]bool{}
	for _, r := range related {
		sumSimilarity += r.SimilarityScore
		outcomes[r.Outcome] = true
	}
	similarityConfidence := sumSimilarity / float64(len(related))

	outcomeConfidence := 0.7
	if len(outcomes) == 1 {
		outcomeConfidence = 1.0
	}

	confidence := 0.3*countConfidence + 0.5*similarityConfidence + 0.2*outcomeConfidence
	return math.Round(confidence*100) / 100
}

func collect(related []RelatedRun, f func(RelatedRun) []string) []string {
	var out []string
	for _, r := range related {
		out = append(out, f(r)...)
	}
	return out
}

func sortedUniqueStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
