package llm

import (
	"context"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/rishit2121/agentkb/engine/domain"
	"github.com/rishit2121/agentkb/pkg/resilience"
	"golang.org/x/time/rate"
)

// OpenAIClient implements the LLM port over OpenAI's chat completions API,
// wrapped with a circuit breaker and rate limiter matching the embedding
// port's fail-open behavior (spec.md §7).
type OpenAIClient struct {
	client        openai.Client
	summarizeModel string
	decideModel   string
	limiter       *rate.Limiter
	breaker       *resilience.Breaker
}

// NewOpenAIClient creates an LLM client. model is used for both operations
// unless summarizeModel/decideModel overrides are needed by the caller;
// callers that want per-operation models can construct two OpenAIClients.
func NewOpenAIClient(apiKey, baseURL, model string, ratePerSec float64) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		client:         openai.NewClient(opts...),
		summarizeModel: model,
		decideModel:    model,
		limiter:        rate.NewLimiter(rate.Limit(ratePerSec), max(1, int(ratePerSec))),
		breaker:        resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
}

// Summarize implements LLM.Summarize (spec §4.2).
func (c *OpenAIClient) Summarize(ctx context.Context, tree domain.Tree, outcome domain.Outcome) (SummarizeResult, error) {
	prompt := BuildSummarizePrompt(tree, outcome)

	raw, err := c.chat(ctx, c.summarizeModel, "You are a helpful assistant. Respond with valid JSON only.", prompt, 0.3, 1024)
	if err != nil {
		return SummarizeResult{}, err
	}
	return ParseSummaryResponse(raw), nil
}

// Decide implements LLM.Decide (spec §4.2).
func (c *OpenAIClient) Decide(ctx context.Context, prompt string) (string, error) {
	raw, err := c.chat(ctx, c.decideModel, "You are a memory curator for agent workflows. Respond with JSON only. No markdown, no code blocks.", prompt, 0.1, 200)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(raw) == "" {
		return "", domain.NewProviderMalformed(nil)
	}
	return raw, nil
}

// chat issues one chat-completion request. JSON-object forcing is left to
// the prompt itself (system message + explicit instructions), matching the
// strict-JSON-by-prompt approach the decision and summarize prompts both
// use rather than depending on provider-specific response_format support.
func (c *OpenAIClient) chat(ctx context.Context, model, systemPrompt, userPrompt string, temperature float64, maxTokens int64) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", domain.NewProviderBusy(err)
	}

	params := openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(temperature),
		MaxTokens:   openai.Int(maxTokens),
	}

	var content string
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		resp, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return domain.NewProviderMalformed(nil)
		}
		content = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	})
	if err != nil {
		return "", domain.NewProviderBusy(err)
	}
	return content, nil
}

var _ LLM = (*OpenAIClient)(nil)
