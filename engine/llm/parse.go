package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

var codeFenceRe = regexp.MustCompile("(?s)^```\\w*\\n?|\\n?```\\s*$")

// StripCodeFences removes a leading/trailing markdown code fence, tolerating
// an optional language tag (```json).
func StripCodeFences(s string) string {
	return strings.TrimSpace(codeFenceRe.ReplaceAllString(strings.TrimSpace(s), ""))
}

// ExtractBalancedObject finds the first `{` in s and returns the
// substring up to its matching `}`, tracking nesting depth so embedded
// objects don't terminate the match early. Returns ok=false if no
// balanced object is found.
func ExtractBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// jsonFieldRe rescues a single string field ("key": "value") when the
// surrounding object fails to parse as JSON at all, e.g. a truncated
// response missing its closing brace.
func jsonFieldRe(field string) *regexp.Regexp {
	return regexp.MustCompile(`"` + field + `"\s*:\s*"((?:[^"\\]|\\.)*)"`)
}

// Repair runs the strip-fences / strict-parse / balanced-brace-extract
// cascade of spec §4.2 and §9 against raw LLM output, returning the best
// candidate JSON object text it can find. It never fails: when no object
// can be isolated, it returns the stripped input unchanged so callers can
// still attempt a regex rescue.
func Repair(raw string) string {
	text := StripCodeFences(raw)
	if text == "" {
		return text
	}
	var probe any
	if json.Unmarshal([]byte(text), &probe) == nil {
		return text
	}
	if obj, ok := ExtractBalancedObject(text); ok {
		return obj
	}
	return text
}

// RescueStringField regex-rescues a single string field from text that
// failed to parse as JSON outright — the last resort before falling back
// to a default (spec §9's repair cascade).
func RescueStringField(text, field string) (string, bool) {
	m := jsonFieldRe(field).FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.ReplaceAll(m[1], `\"`, `"`), true
}

type summaryJSON struct {
	Summary   string `json:"summary"`
	WhyAdded  []string `json:"why_added"`
}

// ParseSummaryResponse parses a summarize() response per spec §4.2: strip
// fences, tolerate leading prose, extract the first balanced-brace object,
// and fall back to synthesized bullets when why_added is absent or empty.
func ParseSummaryResponse(raw string) SummarizeResult {
	text := strings.TrimSpace(raw)
	if text == "" {
		return SummarizeResult{
			Summary:     "No summary generated.",
			ReasonAdded: []string{"Run added to memory for future retrieval."},
		}
	}

	repaired := Repair(text)
	var parsed summaryJSON
	summary := ""
	var bullets []string
	if err := json.Unmarshal([]byte(repaired), &parsed); err == nil {
		summary = strings.TrimSpace(parsed.Summary)
		for _, b := range parsed.WhyAdded {
			b = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(b), "•-* "))
			if b != "" {
				bullets = append(bullets, b)
			}
		}
	}

	if summary == "" {
		if s, ok := RescueStringField(text, "summary"); ok {
			summary = s
		} else {
			summary = text
		}
	}

	if len(bullets) == 0 {
		firstSentence := strings.TrimSpace(strings.SplitN(summary, ". ", 2)[0])
		if firstSentence != "" && !strings.HasSuffix(firstSentence, ".") {
			firstSentence += "."
		}
		if firstSentence == "" {
			firstSentence = "Summary stored for context."
		}
		bullets = []string{"Run added to memory for future retrieval.", firstSentence}
	}

	return SummarizeResult{Summary: summary, ReasonAdded: bullets}
}

// FormatBullets renders reason_added entries as lines prefixed with "•",
// the human-visible justification format of spec §4.2.
func FormatBullets(bullets []string) string {
	lines := make([]string, len(bullets))
	for i, b := range bullets {
		lines[i] = "• " + b
	}
	return strings.Join(lines, "\n")
}

// DecisionResult is the raw (unvalidated) admission-control verdict parsed
// from an LLM judge response, before the decision layer's post-validation
// (spec §4.4) coerces it against the four-element decision set.
type DecisionResult struct {
	Decision    string
	TargetRunID string
	Reason      string
	FailedOpen  bool // true when parsing failed entirely and this is the fail-open default
}

type decisionJSON struct {
	Decision    string `json:"decision"`
	TargetRunID string `json:"target_run_id"`
	Reason      string `json:"reason"`
}

// ParseDecisionResponse parses a Decide() response per spec §4.4: strip
// fences, strict-parse, balanced-brace-extract, regex-rescue of the
// "decision" field, and fail open to ADD if every path fails.
func ParseDecisionResponse(raw string) DecisionResult {
	text := strings.TrimSpace(raw)
	if text == "" {
		return failOpenDecision()
	}

	repaired := Repair(text)
	var parsed decisionJSON
	if err := json.Unmarshal([]byte(repaired), &parsed); err == nil && parsed.Decision != "" {
		return DecisionResult{
			Decision:    strings.ToUpper(strings.TrimSpace(parsed.Decision)),
			TargetRunID: strings.TrimSpace(parsed.TargetRunID),
			Reason:      strings.TrimSpace(parsed.Reason),
		}
	}

	if d, ok := RescueStringField(text, "decision"); ok {
		targetRunID, _ := RescueStringField(text, "target_run_id")
		reason, _ := RescueStringField(text, "reason")
		return DecisionResult{
			Decision:    strings.ToUpper(strings.TrimSpace(d)),
			TargetRunID: strings.TrimSpace(targetRunID),
			Reason:      strings.TrimSpace(reason),
		}
	}

	return failOpenDecision()
}

func failOpenDecision() DecisionResult {
	return DecisionResult{
		Decision:   "ADD",
		Reason:     "Error in LLM decision; defaulting to ADD",
		FailedOpen: true,
	}
}
