// Package embed provides the embedding port of spec §4.1: turn text into a
// fixed-dimension vector.
package embed

import (
	"context"

	"github.com/rishit2121/agentkb/engine/domain"
)

// Embedder turns text into a fixed-dimension vector. Implementations fix D
// at construction from provider configuration.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// EmbedValidated validates text before delegating to e, centralizing the
// InvalidInput check every caller of the port otherwise has to repeat.
func EmbedValidated(ctx context.Context, e Embedder, text string) ([]float32, error) {
	if err := domain.ValidateEmbedText(text); err != nil {
		return nil, err
	}
	return e.Embed(ctx, text)
}
