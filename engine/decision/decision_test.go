package decision

import (
	"context"
	"errors"
	"testing"

	"github.com/rishit2121/agentkb/engine/domain"
	"github.com/rishit2121/agentkb/engine/graph"
	"github.com/rishit2121/agentkb/engine/llm"
)

type fakeScanner struct {
	candidates []graph.RunCandidate
	err        error
}

func (f fakeScanner) CandidateRuns(ctx context.Context, p graph.PartitionFilter) ([]graph.RunCandidate, error) {
	return f.candidates, f.err
}

type fakeStore struct {
	saved []graph.MemoryDecision
}

func (f *fakeStore) UpsertDecision(ctx context.Context, d graph.MemoryDecision) error {
	f.saved = append(f.saved, d)
	return nil
}

type fakeJudge struct {
	response string
	err      error
}

func (f fakeJudge) Summarize(ctx context.Context, tree domain.Tree, outcome domain.Outcome) (llm.SummarizeResult, error) {
	return llm.SummarizeResult{}, nil
}

func (f fakeJudge) Decide(ctx context.Context, prompt string) (string, error) {
	return f.response, f.err
}

var _ llm.LLM = fakeJudge{}

func TestDecideAddsWhenNoCandidates(t *testing.T) {
	store := &fakeStore{}
	l := New(fakeScanner{}, store, fakeJudge{}, DefaultOptions())
	out, err := l.Decide(context.Background(), Input{RunID: "r1", RunEmbedding: []float32{1, 0}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Decision != domain.DecisionAdd || out.Reason != "No similar runs" {
		t.Fatalf("got %+v", out)
	}
	if len(store.saved) != 1 || store.saved[0].RunID != "r1" {
		t.Fatalf("not persisted: %+v", store.saved)
	}
}

func TestDecideAddsBelowFloorWithoutCallingJudge(t *testing.T) {
	store := &fakeStore{}
	scanner := fakeScanner{candidates: []graph.RunCandidate{
		{ID: "run_low", Embedding: []float32{0, 1}, Outcome: "success"},
	}}
	l := New(scanner, store, fakeJudge{err: errors.New("judge must not be called")}, DefaultOptions())
	out, err := l.Decide(context.Background(), Input{RunID: "r1", RunEmbedding: []float32{1, 0}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Decision != domain.DecisionAdd {
		t.Fatalf("got %+v", out)
	}
	if out.SimilarityScore == nil {
		t.Fatal("expected similarity score set")
	}
}

func TestDecideFallsThroughToJudgeAboveFloor(t *testing.T) {
	store := &fakeStore{}
	scanner := fakeScanner{candidates: []graph.RunCandidate{
		{ID: "run_hi", Embedding: []float32{1, 0}, Outcome: "success"},
	}}
	l := New(scanner, store, fakeJudge{response: `{"decision": "NOT", "reason": "redundant"}`}, DefaultOptions())
	out, err := l.Decide(context.Background(), Input{RunID: "r1", RunEmbedding: []float32{1, 0}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Decision != domain.DecisionNot {
		t.Fatalf("got %+v", out)
	}
}

func TestDecideFailsOpenOnJudgeError(t *testing.T) {
	store := &fakeStore{}
	scanner := fakeScanner{candidates: []graph.RunCandidate{
		{ID: "run_hi", Embedding: []float32{1, 0}, Outcome: "success"},
	}}
	l := New(scanner, store, fakeJudge{err: errors.New("provider down")}, DefaultOptions())
	out, err := l.Decide(context.Background(), Input{RunID: "r1", RunEmbedding: []float32{1, 0}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Decision != domain.DecisionAdd {
		t.Fatalf("got %+v", out)
	}
}

func TestPostValidateCoercesInvalidDecisionToAdd(t *testing.T) {
	l := New(fakeScanner{}, &fakeStore{}, fakeJudge{}, DefaultOptions())
	out := l.postValidate(llm.DecisionResult{Decision: "MAYBE"}, nil)
	if out.Decision != domain.DecisionAdd {
		t.Fatalf("got %+v", out)
	}
}

func TestPostValidateBackfillsTargetRunIDFromTopCandidate(t *testing.T) {
	l := New(fakeScanner{}, &fakeStore{}, fakeJudge{}, DefaultOptions())
	kept := []rankedCandidate{{RunCandidate: graph.RunCandidate{ID: "run_top"}, similarity: 0.9}}
	out := l.postValidate(llm.DecisionResult{Decision: "REPLACE", Reason: "better"}, kept)
	if out.TargetRunID != "run_top" {
		t.Fatalf("got %+v", out)
	}
}

func TestPostValidateCoercesReplaceWithoutCandidateToAdd(t *testing.T) {
	l := New(fakeScanner{}, &fakeStore{}, fakeJudge{}, DefaultOptions())
	out := l.postValidate(llm.DecisionResult{Decision: "REPLACE", Reason: "better"}, nil)
	if out.Decision != domain.DecisionAdd {
		t.Fatalf("got %+v", out)
	}
}

func TestPostValidateNullTargetRunIDBecomesEmpty(t *testing.T) {
	l := New(fakeScanner{}, &fakeStore{}, fakeJudge{}, DefaultOptions())
	out := l.postValidate(llm.DecisionResult{Decision: "NOT", TargetRunID: "null", Reason: "redundant"}, nil)
	if out.TargetRunID != "" {
		t.Fatalf("got %+v", out)
	}
}
