package embed

import (
	"context"

	"github.com/rishit2121/agentkb/engine/domain"
	"github.com/rishit2121/agentkb/pkg/ollama"
	"github.com/rishit2121/agentkb/pkg/resilience"
	"golang.org/x/time/rate"
)

// OllamaEmbedder adapts pkg/ollama's HTTP client to the Embedder port,
// wrapping every call with a circuit breaker and a token-bucket rate
// limiter so a struggling provider degrades to ProviderBusy rather than
// hanging or flooding requests (spec.md §7's fail-open requirement).
type OllamaEmbedder struct {
	client  *ollama.Client
	dims    int
	limiter *rate.Limiter
	breaker *resilience.Breaker
}

// NewOllamaEmbedder creates an Embedder backed by Ollama. dims is the
// provider's configured embedding dimensionality; ratePerSec bounds
// outbound request rate.
func NewOllamaEmbedder(baseURL, model string, dims int, ratePerSec float64) *OllamaEmbedder {
	return &OllamaEmbedder{
		client:  ollama.NewClient(baseURL, model),
		dims:    dims,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), max(1, int(ratePerSec))),
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
}

func (e *OllamaEmbedder) Dimension() int { return e.dims }

// Embed embeds text, rate limited and circuit-broken. A rejected limiter
// wait or an open breaker surfaces as ProviderBusy.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, domain.NewProviderBusy(err)
	}

	var out []float32
	err := e.breaker.Call(ctx, func(ctx context.Context) error {
		vec, err := e.client.Embed(ctx, text)
		if err != nil {
			return err
		}
		out = vec
		return nil
	})
	if err != nil {
		return nil, domain.NewProviderBusy(err)
	}
	return out, nil
}

var _ Embedder = (*OllamaEmbedder)(nil)
