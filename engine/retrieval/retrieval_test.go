package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/rishit2121/agentkb/engine/domain"
	"github.com/rishit2121/agentkb/engine/graph"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (fakeEmbedder) Dimension() int { return 2 }

type fakeScanner struct {
	candidates []graph.RunCandidate
	err        error
}

func (f fakeScanner) CandidateRuns(ctx context.Context, p graph.PartitionFilter) ([]graph.RunCandidate, error) {
	return f.candidates, f.err
}

type fakeExpander struct {
	neighborhoods map[string]graph.RunDetail
	all           []graph.RunDetail
}

func (f fakeExpander) RunNeighborhood(ctx context.Context, runID string) (graph.RunDetail, error) {
	d, ok := f.neighborhoods[runID]
	if !ok {
		return graph.RunDetail{}, errors.New("not found")
	}
	return d, nil
}

func (f fakeExpander) RetrieveAllRuns(ctx context.Context, p graph.PartitionFilter, limit int) ([]graph.RunDetail, error) {
	return f.all, nil
}

func TestRetrieveNoCandidatesReportsNoSimilarRuns(t *testing.T) {
	e := New(fakeScanner{}, fakeExpander{}, fakeEmbedder{}, nil)
	resp, err := e.Retrieve(context.Background(), Query{TaskText: "do a thing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Observations) != 1 || resp.Observations[0] != "No similar runs found in memory." {
		t.Fatalf("got %+v", resp.Observations)
	}
	if resp.Confidence != 0 {
		t.Fatalf("expected zero confidence, got %v", resp.Confidence)
	}
}

func TestRetrieveRanksAndExpandsSurvivors(t *testing.T) {
	scanner := fakeScanner{candidates: []graph.RunCandidate{
		{ID: "run_close", Embedding: []float32{1, 0}, Outcome: "success"},
		{ID: "run_far", Embedding: []float32{0, 1}, Outcome: "failure"},
		{ID: "run_mismatch", Embedding: []float32{1, 0, 0}, Outcome: "success"},
	}}
	expander := fakeExpander{neighborhoods: map[string]graph.RunDetail{
		"run_close": {
			Run:        graph.Run{ID: "run_close", Summary: "did the close thing"},
			Outcome:    "success",
			References: []domain.Reference{{ID: "ref_1", Type: domain.RefAPIResp}},
		},
		"run_far": {
			Run:     graph.Run{ID: "run_far", Summary: "did the far thing"},
			Outcome: "failure",
		},
	}}
	e := New(scanner, expander, fakeEmbedder{}, nil)

	resp, err := e.Retrieve(context.Background(), Query{TaskText: "do a thing", TopK: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.RelatedRuns) != 2 {
		t.Fatalf("expected mismatched-dimension candidate dropped, got %d runs", len(resp.RelatedRuns))
	}
	if resp.RelatedRuns[0].RunID != "run_close" {
		t.Fatalf("expected run_close ranked first, got %+v", resp.RelatedRuns)
	}
	if resp.RelatedRuns[0].SimilarityScore <= resp.RelatedRuns[1].SimilarityScore {
		t.Fatalf("expected descending similarity order, got %+v", resp.RelatedRuns)
	}

	foundSuccess, foundFailure := false, false
	for _, o := range resp.Observations {
		if o == "Found 1 successful similar run(s). Review their approaches for reference." {
			foundSuccess = true
		}
		if o == "Found 1 failed similar run(s). Be aware of potential pitfalls." {
			foundFailure = true
		}
	}
	if !foundSuccess || !foundFailure {
		t.Fatalf("expected success/failure observations, got %+v", resp.Observations)
	}
}

func TestRetrieveSkipsExpansionFailures(t *testing.T) {
	scanner := fakeScanner{candidates: []graph.RunCandidate{
		{ID: "run_missing", Embedding: []float32{1, 0}, Outcome: "success"},
	}}
	e := New(scanner, fakeExpander{}, fakeEmbedder{}, nil)

	resp, err := e.Retrieve(context.Background(), Query{TaskText: "do a thing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.RelatedRuns) != 0 {
		t.Fatalf("expected expansion failure to drop candidate, got %+v", resp.RelatedRuns)
	}
}

func TestCalculateConfidenceMatchesWeightedFormula(t *testing.T) {
	related := []RelatedRun{
		{Outcome: "success", SimilarityScore: 0.9},
		{Outcome: "success", SimilarityScore: 0.8},
	}
	// count=0.3*min(2/5,1)=0.12, similarity=0.5*0.85=0.425, outcome=0.2*1.0=0.2 => 0.745 -> 0.74 or 0.75
	got := calculateConfidence(related)
	if got != 0.75 {
		t.Fatalf("got %v", got)
	}
}

func TestRetrieveAllOrdersByExpanderAndExpandsAll(t *testing.T) {
	expander := fakeExpander{all: []graph.RunDetail{
		{Run: graph.Run{ID: "run_a", Summary: "first"}, Outcome: "success"},
		{Run: graph.Run{ID: "run_b", Summary: "second"}, Outcome: "failure"},
	}}
	e := New(fakeScanner{}, expander, fakeEmbedder{}, nil)

	out, err := e.RetrieveAll(context.Background(), AllQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].RunID != "run_a" || out[1].RunID != "run_b" {
		t.Fatalf("got %+v", out)
	}
}
