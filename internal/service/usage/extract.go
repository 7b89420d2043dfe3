package usage

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/spendguard/spendguard/pkg/models"
)

// ErrNoUsage is returned when a response carries no readable token usage
var ErrNoUsage = errors.New("no token usage in response")

// Extractor reads token counts from a provider response body
type Extractor interface {
	Extract(body []byte) (models.TokenCounts, error)
}

// ExtractorFunc adapts a function to the Extractor interface
type ExtractorFunc func(body []byte) (models.TokenCounts, error)

// Extract calls f(body)
func (f ExtractorFunc) Extract(body []byte) (models.TokenCounts, error) {
	return f(body)
}

// ExtractorRegistry maps provider names to extraction strategies.
// Providers without a registered strategy, and responses the registered
// strategy cannot read, go through the generic reader.
type ExtractorRegistry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
	fallback   Extractor
}

// NewExtractorRegistry creates a registry with the built-in strategies
func NewExtractorRegistry() *ExtractorRegistry {
	r := &ExtractorRegistry{
		extractors: make(map[string]Extractor),
		fallback:   ExtractorFunc(extractGeneric),
	}
	r.Register("openai", ExtractorFunc(extractOpenAI),
		"azure-openai", "openrouter", "groq", "deepseek", "mistral", "together")
	r.Register("anthropic", ExtractorFunc(extractAnthropic))
	r.Register("gemini", ExtractorFunc(extractGemini), "google", "vertex")
	return r
}

// Register adds a strategy under a provider name and optional aliases
func (r *ExtractorRegistry) Register(provider string, e Extractor, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[strings.ToLower(provider)] = e
	for _, alias := range aliases {
		r.extractors[strings.ToLower(alias)] = e
	}
}

// Extract reads token counts for a provider's response
func (r *ExtractorRegistry) Extract(provider string, body []byte) (models.TokenCounts, error) {
	r.mu.RLock()
	e, ok := r.extractors[strings.ToLower(provider)]
	r.mu.RUnlock()

	if ok {
		counts, err := e.Extract(body)
		if err == nil {
			return counts, nil
		}
	}
	return r.fallback.Extract(body)
}

// responseBody normalizes a hook response payload to JSON bytes
func responseBody(response any) ([]byte, error) {
	switch v := response.(type) {
	case nil:
		return nil, ErrNoUsage
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}

// directCounts handles responses that already are typed usage values
func directCounts(response any) (models.TokenCounts, bool) {
	switch v := response.(type) {
	case models.TokenCounts:
		return normalize(v), true
	case *models.TokenCounts:
		if v != nil {
			return normalize(*v), true
		}
	case openai.ChatCompletionResponse:
		return fromOpenAIUsage(v.Usage), true
	case *openai.ChatCompletionResponse:
		if v != nil {
			return fromOpenAIUsage(v.Usage), true
		}
	case openai.EmbeddingResponse:
		return fromOpenAIUsage(v.Usage), true
	}
	return models.TokenCounts{}, false
}

func extractOpenAI(body []byte) (models.TokenCounts, error) {
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.TokenCounts{}, err
	}
	counts := fromOpenAIUsage(resp.Usage)
	if counts.TotalTokens == 0 {
		return models.TokenCounts{}, ErrNoUsage
	}
	return counts, nil
}

func fromOpenAIUsage(u openai.Usage) models.TokenCounts {
	return normalize(models.TokenCounts{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	})
}

type anthropicResponse struct {
	Usage *struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

func extractAnthropic(body []byte) (models.TokenCounts, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.TokenCounts{}, err
	}
	if resp.Usage == nil {
		return models.TokenCounts{}, ErrNoUsage
	}
	// cache writes and reads are billed as input
	prompt := resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens
	return normalize(models.TokenCounts{
		PromptTokens:     prompt,
		CompletionTokens: resp.Usage.OutputTokens,
	}), nil
}

type geminiResponse struct {
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func extractGemini(body []byte) (models.TokenCounts, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.TokenCounts{}, err
	}
	if resp.UsageMetadata == nil {
		return models.TokenCounts{}, ErrNoUsage
	}
	return normalize(models.TokenCounts{
		PromptTokens:     resp.UsageMetadata.PromptTokenCount,
		CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      resp.UsageMetadata.TotalTokenCount,
	}), nil
}

// usageContainers are the objects searched by the generic extractor, in order.
// The empty name is the top level of the response.
var usageContainers = []string{"", "usage", "usageMetadata", "usage_metadata", "token_usage"}

var tokenFieldPairs = []struct {
	prompt, completion, total string
}{
	{"prompt_tokens", "completion_tokens", "total_tokens"},
	{"input_tokens", "output_tokens", "total_tokens"},
	{"promptTokenCount", "candidatesTokenCount", "totalTokenCount"},
	{"prompt_token_count", "candidates_token_count", "total_token_count"},
	{"inputTokens", "outputTokens", "totalTokens"},
	{"promptTokens", "completionTokens", "totalTokens"},
}

func extractGeneric(body []byte) (models.TokenCounts, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return models.TokenCounts{}, ErrNoUsage
	}

	for _, name := range usageContainers {
		obj := top
		if name != "" {
			raw, ok := top[name]
			if !ok {
				continue
			}
			var inner map[string]json.RawMessage
			if err := json.Unmarshal(raw, &inner); err != nil {
				continue
			}
			obj = inner
		}
		if counts, ok := readCountFields(obj); ok {
			return counts, nil
		}
	}
	return models.TokenCounts{}, ErrNoUsage
}

func readCountFields(obj map[string]json.RawMessage) (models.TokenCounts, bool) {
	for _, pair := range tokenFieldPairs {
		prompt, okP := intField(obj, pair.prompt)
		completion, okC := intField(obj, pair.completion)
		if !okP && !okC {
			continue
		}
		total, _ := intField(obj, pair.total)
		return normalize(models.TokenCounts{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      total,
		}), true
	}
	return models.TokenCounts{}, false
}

func intField(obj map[string]json.RawMessage, key string) (int, bool) {
	raw, ok := obj[key]
	if !ok {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil || n < 0 {
		return 0, false
	}
	return int(n), true
}

// readModelField reads a top-level "model" or "modelVersion" field, if any
func readModelField(body []byte) string {
	var resp struct {
		Model        string `json:"model"`
		ModelVersion string `json:"modelVersion"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	if resp.Model != "" {
		return resp.Model
	}
	return resp.ModelVersion
}

func normalize(c models.TokenCounts) models.TokenCounts {
	if c.TotalTokens == 0 {
		c.TotalTokens = c.PromptTokens + c.CompletionTokens
	}
	return c
}
