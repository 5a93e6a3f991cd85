package llm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rishit2121/agentkb/engine/domain"
)

// FormatRunTree renders a run tree for inclusion in a prompt: nested maps
// indent, lists show their length plus a recursive expansion of each map
// among their first three items; long scalar values truncate at 200
// characters.
func FormatRunTree(tree domain.Tree, indent int) string {
	var lines []string
	prefix := strings.Repeat("  ", indent)

	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := tree[key]
		switch v := value.(type) {
		case map[string]any:
			lines = append(lines, prefix+key+":")
			lines = append(lines, FormatRunTree(v, indent+1))
		case []any:
			lines = append(lines, fmt.Sprintf("%s%s: [list with %d items]", prefix, key, len(v)))
			limit := len(v)
			if limit > 3 {
				limit = 3
			}
			for i := 0; i < limit; i++ {
				if item, ok := v[i].(map[string]any); ok {
					lines = append(lines, fmt.Sprintf("%s  [%d]:", prefix, i))
					lines = append(lines, FormatRunTree(item, indent+2))
				}
			}
		default:
			s := fmt.Sprint(v)
			if len(s) > 200 {
				s = s[:200] + "..."
			}
			lines = append(lines, fmt.Sprintf("%s%s: %s", prefix, key, s))
		}
	}
	return strings.Join(lines, "\n")
}

// BuildSummarizePrompt composes the summarize() prompt of spec §4.2.
func BuildSummarizePrompt(tree domain.Tree, outcome domain.Outcome) string {
	var b strings.Builder
	b.WriteString(`You are a summarizer for an agent run that will be stored in a knowledge graph. Output valid JSON only, with two keys:

1. "summary": One short paragraph (2-4 sentences) that includes:
   - How well the run proceeded (success/failure/partial, key metrics, notable issues or successes).
   - Important information for memory (key decisions, findings, errors, outputs, or patterns worth remembering for future runs).

2. "why_added": An array of 2-4 short bullet-point reasons explaining WHY this run is valuable to add to memory. Focus on the concrete value for future retrieval; do not mention similarity scores or decision logic.

`)
	fmt.Fprintf(&b, "Run outcome: %s\n\n", outcome)
	b.WriteString("Full run log:\n")
	b.WriteString(FormatRunTree(tree, 0))
	b.WriteString(`

Output only a single JSON object, no markdown fences or preamble. Example format:
{"summary": "The run succeeded...", "why_added": ["Reason one.", "Reason two.", "Reason three."]}`)
	return b.String()
}

// SimilarRunSummary is the compact shape of a candidate run surfaced to the
// LLM judge (spec §4.4 Stage 3).
type SimilarRunSummary struct {
	RunID      string
	Summary    string
	Outcome    string
	Similarity float64
}

// BuildDecisionPrompt composes the admission-control judge prompt. At most
// two similar runs are included, per spec §4.4.
func BuildDecisionPrompt(taskText string, outcome domain.Outcome, refCount, artCount int, similar []SimilarRunSummary) string {
	var b strings.Builder
	b.WriteString(`You are a memory curator for an agent knowledge base. Decide whether a new run should be added to memory, given similar runs already stored.

Respond with a single JSON object: {"decision": "ADD"|"NOT"|"REPLACE"|"MERGE", "target_run_id": string or null, "reason": string}.

- ADD: the run is novel enough to be worth storing on its own.
- NOT: the run is redundant with an existing one; do not store it.
- REPLACE: the run is a strictly better version of one specific existing run; set target_run_id to its id.
- MERGE: the run is complementary to one specific existing run (adds detail, doesn't supersede it); set target_run_id to its id.

`)
	fmt.Fprintf(&b, "New run task: %s\n", taskText)
	fmt.Fprintf(&b, "New run outcome: %s\n", outcome)
	fmt.Fprintf(&b, "References: %d, Artifacts: %d\n\n", refCount, artCount)

	if len(similar) == 0 {
		b.WriteString("No similar runs in memory.\n")
	} else {
		b.WriteString("Similar runs already in memory:\n")
		limit := len(similar)
		if limit > 2 {
			limit = 2
		}
		for _, s := range similar[:limit] {
			prefix := s.RunID
			if len(prefix) > 8 {
				prefix = prefix[:8]
			}
			fmt.Fprintf(&b, "- %s (outcome=%s, similarity=%s): %s\n",
				prefix, s.Outcome, strconv.FormatFloat(s.Similarity, 'f', 2, 64), s.Summary)
		}
	}

	b.WriteString("\nRespond with the JSON object only.")
	return b.String()
}
