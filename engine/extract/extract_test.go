package extract

import (
	"context"
	"testing"

	"github.com/rishit2121/agentkb/engine/domain"
)

type fakeEmbedder struct{ dims int }

func (f fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, f.dims)
	for i := range v {
		v[i] = float32(len(text)%7) / 7
	}
	return v, nil
}

func (f fakeEmbedder) Dimension() int { return f.dims }

func TestExtractFromStepsEmailDataReference(t *testing.T) {
	x := New(fakeEmbedder{dims: 4})
	tree := domain.Tree{
		"steps": []any{
			map[string]any{
				"step_id": "1",
				"step_input": map[string]any{
					"context": map[string]any{
						"emailData": map[string]any{"subject": "hi"},
					},
				},
			},
		},
	}
	refs, arts, err := x.Extract(context.Background(), tree)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 {
		t.Fatalf("refs = %v", refs)
	}
	if refs[0].Type != domain.RefAPIResp {
		t.Fatalf("type = %v", refs[0].Type)
	}
	if len(refs[0].Embedding) != 4 {
		t.Fatalf("embedding not set: %v", refs[0].Embedding)
	}
	if len(arts) != 0 {
		t.Fatalf("arts = %v", arts)
	}
}

func TestExtractFromStepsLLMCallArtifact(t *testing.T) {
	x := New(fakeEmbedder{dims: 4})
	tree := domain.Tree{
		"steps": []any{
			map[string]any{
				"step_id":     "2",
				"step_type":   "llm_call",
				"step_name":   "generate_reply",
				"step_output": map[string]any{"data": map[string]any{"text": "ok"}},
			},
		},
	}
	_, arts, err := x.Extract(context.Background(), tree)
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 1 {
		t.Fatalf("arts = %v", arts)
	}
	if arts[0].Type != domain.ArtCode {
		t.Fatalf("type = %v", arts[0].Type)
	}
}

func TestExtractFromStepsOutputIDReference(t *testing.T) {
	x := New(fakeEmbedder{dims: 4})
	tree := domain.Tree{
		"steps": []any{
			map[string]any{
				"step_id":     "3",
				"step_output": map[string]any{"data": map[string]any{"messageId": "abc123"}},
			},
		},
	}
	refs, _, err := x.Extract(context.Background(), tree)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].Type != domain.RefAPIResp {
		t.Fatalf("refs = %v", refs)
	}
}

func TestExtractFallbackWhenNoSteps(t *testing.T) {
	x := New(fakeEmbedder{dims: 4})
	tree := domain.Tree{
		"input": map[string]any{
			"type":   "schema",
			"source": "user_schema.json",
		},
		"output": map[string]any{
			"type": "report",
		},
	}
	refs, arts, err := x.Extract(context.Background(), tree)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].Type != domain.RefSchema || refs[0].SourceRef != "user_schema.json" {
		t.Fatalf("refs = %v", refs)
	}
	// "schema" is in both vocabularies, so the input map also yields an
	// Artifact; keys are visited in sorted order ("input" before "output").
	if len(arts) != 2 || arts[0].Type != domain.ArtSchema || arts[1].Type != domain.ArtReport {
		t.Fatalf("arts = %v", arts)
	}
}

func TestExtractFallbackSkipsStepsKey(t *testing.T) {
	x := New(fakeEmbedder{dims: 4})
	tree := domain.Tree{
		"steps": []any{
			map[string]any{"type": "schema"},
		},
	}
	// structured path finds nothing (no recognized step shape), and the
	// fallback must not pick up the "schema" type nested under "steps"
	// because it explicitly skips that key.
	refs, arts, err := x.Extract(context.Background(), tree)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 0 || len(arts) != 0 {
		t.Fatalf("expected nothing extracted, got refs=%v arts=%v", refs, arts)
	}
}

func TestExtractDedupesIdenticalContent(t *testing.T) {
	x := New(fakeEmbedder{dims: 4})
	step := map[string]any{
		"step_id":     "1",
		"step_output": map[string]any{"data": map[string]any{"id": "same"}},
	}
	tree := domain.Tree{"steps": []any{step, step}}
	refs, _, err := x.Extract(context.Background(), tree)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 {
		t.Fatalf("expected dedup to 1 reference, got %d", len(refs))
	}
}

func TestContentIDDeterministic(t *testing.T) {
	a := contentID("ref", `{"a":1}`)
	b := contentID("ref", `{"a":1}`)
	if a != b {
		t.Fatal("expected deterministic id")
	}
	if a[:4] != "ref_" {
		t.Fatalf("missing prefix: %q", a)
	}
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	out, err := canonicalJSON(map[string]any{"b": 1, "a": 2})
	if err != nil {
		t.Fatal(err)
	}
	if out != `{"a":2,"b":1}` {
		t.Fatalf("got %q", out)
	}
}
