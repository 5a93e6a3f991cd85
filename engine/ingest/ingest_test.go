package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/rishit2121/agentkb/engine/decision"
	"github.com/rishit2121/agentkb/engine/domain"
	"github.com/rishit2121/agentkb/engine/graph"
	"github.com/rishit2121/agentkb/engine/llm"
)

type fakeEmbedder struct{ dims int }

func (f fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, f.dims)
	v[0] = 1
	return v, nil
}

func (f fakeEmbedder) Dimension() int { return f.dims }

type fakeSummarizer struct {
	summary string
	reasons []string
	err     error
}

func (f fakeSummarizer) Summarize(ctx context.Context, tree domain.Tree, outcome domain.Outcome) (llm.SummarizeResult, error) {
	if f.err != nil {
		return llm.SummarizeResult{}, f.err
	}
	return llm.SummarizeResult{Summary: f.summary, ReasonAdded: f.reasons}, nil
}

func (f fakeSummarizer) Decide(ctx context.Context, prompt string) (string, error) {
	return "", errors.New("not used")
}

type fakeExtractor struct {
	refs []domain.Reference
	arts []domain.Artifact
	err  error
}

func (f fakeExtractor) Extract(ctx context.Context, tree domain.Tree) ([]domain.Reference, []domain.Artifact, error) {
	return f.refs, f.arts, f.err
}

type fakeDecider struct {
	out decision.Output
	err error
}

func (f fakeDecider) Decide(ctx context.Context, in decision.Input) (decision.Output, error) {
	return f.out, f.err
}

type fakeGraphStore struct {
	tasks         []graph.Task
	committed     []graph.CommitRunOpts
	upsertedRefs  []graph.Reference
	upsertedArts  []graph.Artifact
	neighborhoods map[string]graph.RunDetail
	missingRuns   map[string]bool
}

func (s *fakeGraphStore) RunExists(ctx context.Context, id string) (bool, error) {
	return !s.missingRuns[id], nil
}

func (s *fakeGraphStore) UpsertUser(ctx context.Context, userID string) error  { return nil }
func (s *fakeGraphStore) UpsertAgent(ctx context.Context, agentID string) error { return nil }
func (s *fakeGraphStore) LinkHasAgent(ctx context.Context, userID, agentID string) error {
	return nil
}

func (s *fakeGraphStore) ScanTasks(ctx context.Context) ([]graph.Task, error) {
	return s.tasks, nil
}

func (s *fakeGraphStore) UpsertTask(ctx context.Context, t graph.Task) error {
	s.tasks = append(s.tasks, t)
	return nil
}

func (s *fakeGraphStore) UpsertOutcome(ctx context.Context, label string) error { return nil }

func (s *fakeGraphStore) CommitRun(ctx context.Context, opts graph.CommitRunOpts) error {
	s.committed = append(s.committed, opts)
	return nil
}

func (s *fakeGraphStore) UpsertReference(ctx context.Context, r graph.Reference) error {
	s.upsertedRefs = append(s.upsertedRefs, r)
	return nil
}

func (s *fakeGraphStore) UpsertArtifact(ctx context.Context, a graph.Artifact) error {
	s.upsertedArts = append(s.upsertedArts, a)
	return nil
}

func (s *fakeGraphStore) RunNeighborhood(ctx context.Context, runID string) (graph.RunDetail, error) {
	d, ok := s.neighborhoods[runID]
	if !ok {
		return graph.RunDetail{}, errors.New("not found")
	}
	return d, nil
}

func basePayload() domain.RunPayload {
	return domain.RunPayload{
		RunID:    "run_1",
		AgentID:  "agent_1",
		UserID:   "user_1",
		UserTask: "summarize the quarterly report",
		RunTree:  domain.Tree{"final_output": "done"},
		Outcome:  "success",
	}
}

func newBuilder(store *fakeGraphStore, dec Decider, ext Extractor) *MemoryBuilder {
	return New(Deps{
		GraphStore: store,
		Embedder:   fakeEmbedder{dims: 4},
		Summarizer: fakeSummarizer{summary: "did the thing", reasons: []string{"novel"}},
		Extractor:  ext,
		Decider:    dec,
	})
}

func TestProcessRunRejectsInvalidPayload(t *testing.T) {
	b := newBuilder(&fakeGraphStore{}, fakeDecider{}, fakeExtractor{})
	_, err := b.ProcessRun(context.Background(), domain.RunPayload{})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestProcessRunAddCommitsRunAndReferences(t *testing.T) {
	store := &fakeGraphStore{}
	dec := fakeDecider{out: decision.Output{Decision: domain.DecisionAdd, Reason: "no similar runs"}}
	ext := fakeExtractor{refs: []domain.Reference{{ID: "ref_1", Type: domain.RefAPIResp}}}

	b := newBuilder(store, dec, ext)
	resp, err := b.ProcessRun(context.Background(), basePayload())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != string(domain.DecisionAdd) {
		t.Fatalf("got decision %q", resp.Decision)
	}
	if resp.RunID != "run_1" || resp.ReferencesCount != 1 {
		t.Fatalf("got %+v", resp)
	}
	if len(store.committed) != 1 {
		t.Fatalf("expected one commit, got %d", len(store.committed))
	}
	if len(store.upsertedRefs) != 1 {
		t.Fatalf("expected one reference upsert, got %d", len(store.upsertedRefs))
	}
}

func TestProcessRunNotSkipsCommit(t *testing.T) {
	store := &fakeGraphStore{
		neighborhoods: map[string]graph.RunDetail{
			"run_prev": {Run: graph.Run{Summary: "previously did the thing"}},
		},
	}
	score := 0.91
	dec := fakeDecider{out: decision.Output{
		Decision:        domain.DecisionNot,
		Reason:          "redundant",
		SimilarityScore: &score,
		TopSimilar:      []decision.SimilarRun{{RunID: "run_prev", Outcome: "success", Similarity: score}},
	}}
	b := newBuilder(store, dec, fakeExtractor{})

	resp, err := b.ProcessRun(context.Background(), basePayload())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != string(domain.DecisionNot) {
		t.Fatalf("got %+v", resp)
	}
	if len(store.committed) != 0 {
		t.Fatal("NOT decision must not commit a run")
	}
	if len(resp.SimilarRuns) != 1 || resp.SimilarRuns[0].Summary != "previously did the thing" {
		t.Fatalf("expected expanded similar run summary, got %+v", resp.SimilarRuns)
	}
}

func TestProcessRunReplaceSetsSupersedeTarget(t *testing.T) {
	store := &fakeGraphStore{}
	dec := fakeDecider{out: decision.Output{
		Decision:    domain.DecisionReplace,
		TargetRunID: "run_old",
		Reason:      "supersedes prior attempt",
	}}
	b := newBuilder(store, dec, fakeExtractor{})

	resp, err := b.ProcessRun(context.Background(), basePayload())
	if err != nil {
		t.Fatal(err)
	}
	if resp.TargetRunID != "run_old" {
		t.Fatalf("got %+v", resp)
	}
	if len(store.committed) != 1 || store.committed[0].SupersedeTargetID != "run_old" {
		t.Fatalf("expected supersede target propagated, got %+v", store.committed)
	}
}

func TestProcessRunReplaceRejectsMissingTarget(t *testing.T) {
	store := &fakeGraphStore{missingRuns: map[string]bool{"run_gone": true}}
	dec := fakeDecider{out: decision.Output{
		Decision:    domain.DecisionReplace,
		TargetRunID: "run_gone",
		Reason:      "supersedes prior attempt",
	}}
	b := newBuilder(store, dec, fakeExtractor{})

	_, err := b.ProcessRun(context.Background(), basePayload())
	if err == nil {
		t.Fatal("expected error for missing replace target")
	}
	if len(store.committed) != 0 {
		t.Fatal("must not commit when replace target is missing")
	}
}

func TestResolveTaskReusesAboveThreshold(t *testing.T) {
	store := &fakeGraphStore{tasks: []graph.Task{
		{ID: "task_existing", Text: "summarize the report", Embedding: []float32{1, 0, 0, 0}},
	}}
	b := newBuilder(store, fakeDecider{}, fakeExtractor{})
	b.deps.TaskSimilarityThreshold = 0.5

	id, err := b.resolveTask(context.Background(), "anything")
	if err != nil {
		t.Fatal(err)
	}
	if id != "task_existing" {
		t.Fatalf("expected reuse of existing task, got %q", id)
	}
}

func TestResolveTaskCreatesNewBelowThreshold(t *testing.T) {
	// Orthogonal to the fake embedding [1,0,0,0]: similarity 0, below τ_task.
	store := &fakeGraphStore{tasks: []graph.Task{
		{ID: "task_far", Text: "an unrelated task", Embedding: []float32{0, 1, 0, 0}},
	}}
	b := newBuilder(store, fakeDecider{}, fakeExtractor{})

	id, err := b.resolveTask(context.Background(), "a brand new task")
	if err != nil {
		t.Fatal(err)
	}
	if id == "" || id == "task_far" {
		t.Fatalf("expected a newly generated task id, got %q", id)
	}
	if len(store.tasks) != 2 {
		t.Fatalf("expected task to be created, got %d", len(store.tasks))
	}
}
