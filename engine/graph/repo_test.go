package graph

import (
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

func TestFloatListRoundTrip(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	out := fromFloatList(toFloatList(in))
	if len(out) != len(in) {
		t.Fatalf("length = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestFloatListNil(t *testing.T) {
	if toFloatList(nil) != nil {
		t.Fatal("toFloatList(nil) should stay nil")
	}
	if fromFloatList(nil) != nil {
		t.Fatal("fromFloatList(nil) should stay nil")
	}
}

func TestStringListRoundTrip(t *testing.T) {
	in := []string{"a", "b"}
	out := fromStringListAny(toStringList(in))
	if len(out) != 2 || out[0] != "a" || out[1] != "b" {
		t.Fatalf("got %v", out)
	}
}

func TestRunFromNode(t *testing.T) {
	createdAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	node := dbtype.Node{
		Props: map[string]any{
			"id": "run_1", "agent_id": "agent_1", "user_id": "user_1",
			"summary": "did a thing", "reason_added": []any{"novel"},
			"embedding": []any{0.1, 0.2}, "run_tree": "{}",
			"created_at": createdAt.Format(time.RFC3339Nano),
			"status":     "active",
		},
	}
	run := runFromNode(node)
	if run.ID != "run_1" || run.AgentID != "agent_1" || run.Status != RunActive {
		t.Fatalf("unexpected run: %+v", run)
	}
	if !run.CreatedAt.Equal(createdAt) {
		t.Fatalf("created_at = %v, want %v", run.CreatedAt, createdAt)
	}
	if len(run.ReasonAdded) != 1 || run.ReasonAdded[0] != "novel" {
		t.Fatalf("reason_added = %v", run.ReasonAdded)
	}
	if len(run.Embedding) != 2 {
		t.Fatalf("embedding = %v", run.Embedding)
	}
}

func TestReferencesAndArtifactsFromNodesSkipNull(t *testing.T) {
	refs := referencesFromNodes([]any{nil, dbtype.Node{Props: map[string]any{"id": "ref_1", "type": "schema"}}})
	if len(refs) != 1 || refs[0].ID != "ref_1" {
		t.Fatalf("got %v", refs)
	}
	arts := artifactsFromNodes([]any{nil, dbtype.Node{Props: map[string]any{"id": "art_1", "type": "plan"}}})
	if len(arts) != 1 || arts[0].ID != "art_1" {
		t.Fatalf("got %v", arts)
	}
}
