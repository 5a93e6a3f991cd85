package llm

import (
	"strings"
	"testing"

	"github.com/rishit2121/agentkb/engine/domain"
)

func TestFormatRunTreeNesting(t *testing.T) {
	tree := domain.Tree{
		"status": "ok",
		"steps": []any{
			map[string]any{"id": "1"},
			map[string]any{"id": "2"},
		},
	}
	out := FormatRunTree(tree, 0)
	if !strings.Contains(out, "status: ok") {
		t.Fatalf("missing scalar line: %q", out)
	}
	if !strings.Contains(out, "steps: [list with 2 items]") {
		t.Fatalf("missing list summary: %q", out)
	}
}

func TestFormatRunTreeTruncatesLongScalars(t *testing.T) {
	tree := domain.Tree{"output": strings.Repeat("x", 300)}
	out := FormatRunTree(tree, 0)
	if !strings.Contains(out, "...") {
		t.Fatal("expected truncation marker")
	}
}

func TestBuildSummarizePromptIncludesOutcome(t *testing.T) {
	p := BuildSummarizePrompt(domain.Tree{"k": "v"}, domain.OutcomeSuccess)
	if !strings.Contains(p, "Run outcome: success") {
		t.Fatalf("missing outcome: %q", p)
	}
}

func TestBuildDecisionPromptNoSimilarRuns(t *testing.T) {
	p := BuildDecisionPrompt("index a corpus", domain.OutcomeSuccess, 2, 1, nil)
	if !strings.Contains(p, "No similar runs in memory.") {
		t.Fatalf("missing no-similar-runs line: %q", p)
	}
}

func TestBuildDecisionPromptCapsAtTwoSimilarRuns(t *testing.T) {
	similar := []SimilarRunSummary{
		{RunID: "run_aaaaaaaa", Summary: "first", Outcome: "success", Similarity: 0.9},
		{RunID: "run_bbbbbbbb", Summary: "second", Outcome: "success", Similarity: 0.8},
		{RunID: "run_cccccccc", Summary: "third", Outcome: "success", Similarity: 0.7},
	}
	p := BuildDecisionPrompt("x", domain.OutcomeSuccess, 0, 0, similar)
	if strings.Contains(p, "third") {
		t.Fatal("expected at most two similar runs in the prompt")
	}
	if !strings.Contains(p, "first") || !strings.Contains(p, "second") {
		t.Fatalf("missing expected similar runs: %q", p)
	}
}
