// Package llm provides the chat-completion port of spec §4.2: summarizing a
// run and judging its admission to memory.
package llm

import (
	"context"

	"github.com/rishit2121/agentkb/engine/domain"
)

// SummarizeResult is the output of Summarize: prose summary plus "why this
// run is worth keeping" bullets.
type SummarizeResult struct {
	Summary     string
	ReasonAdded []string
}

// LLM is the chat-completion port. Implementations must translate
// provider-specific errors (timeouts, rate limits, 5xx) into
// domain.ErrProviderBusy so callers can fail open per spec.md §7.
type LLM interface {
	// Summarize prompts the provider for a JSON object with "summary" and
	// "why_added", parses it per the cascade in parse.go, and falls back to
	// synthesized bullets when why_added is absent (spec §4.2).
	Summarize(ctx context.Context, tree domain.Tree, outcome domain.Outcome) (SummarizeResult, error)

	// Decide requests a strict JSON decision object at low temperature.
	// The raw response is returned unparsed; callers (engine/decision) own
	// parsing so they can apply the admission-specific repair cascade.
	Decide(ctx context.Context, prompt string) (string, error)
}
