package usage

import (
	"strings"

	"github.com/spendguard/spendguard/pkg/models"
)

// PricingTable maps (provider, model) to per-1K token prices
type PricingTable struct {
	prices map[string]map[string]models.ModelPrice
}

// NewPricingTable creates a pricing table. Provider and model names are
// matched case-insensitively.
func NewPricingTable(prices map[string]map[string]models.ModelPrice) *PricingTable {
	t := &PricingTable{prices: make(map[string]map[string]models.ModelPrice, len(prices))}
	for provider, byModel := range prices {
		p := strings.ToLower(provider)
		if t.prices[p] == nil {
			t.prices[p] = make(map[string]models.ModelPrice, len(byModel))
		}
		for model, price := range byModel {
			t.prices[p][strings.ToLower(model)] = price
		}
	}
	return t
}

// DefaultPrices returns a built-in price list, in USD per 1K tokens.
// It is a starting point; deployments override it through configuration.
func DefaultPrices() map[string]map[string]models.ModelPrice {
	return map[string]map[string]models.ModelPrice{
		"openai": {
			"gpt-4o":        {PromptPer1K: 0.0025, CompletionPer1K: 0.01},
			"gpt-4o-mini":   {PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
			"gpt-4.1":       {PromptPer1K: 0.002, CompletionPer1K: 0.008},
			"gpt-4.1-mini":  {PromptPer1K: 0.0004, CompletionPer1K: 0.0016},
			"gpt-4-turbo":   {PromptPer1K: 0.01, CompletionPer1K: 0.03},
			"gpt-3.5-turbo": {PromptPer1K: 0.0005, CompletionPer1K: 0.0015},
			"o3-mini":       {PromptPer1K: 0.0011, CompletionPer1K: 0.0044},
		},
		"anthropic": {
			"claude-opus-4":     {PromptPer1K: 0.015, CompletionPer1K: 0.075},
			"claude-sonnet-4":   {PromptPer1K: 0.003, CompletionPer1K: 0.015},
			"claude-3-7-sonnet": {PromptPer1K: 0.003, CompletionPer1K: 0.015},
			"claude-3-5-sonnet": {PromptPer1K: 0.003, CompletionPer1K: 0.015},
			"claude-3-5-haiku":  {PromptPer1K: 0.0008, CompletionPer1K: 0.004},
		},
		"gemini": {
			"gemini-2.5-pro":   {PromptPer1K: 0.00125, CompletionPer1K: 0.01},
			"gemini-2.0-flash": {PromptPer1K: 0.0001, CompletionPer1K: 0.0004},
			"gemini-1.5-pro":   {PromptPer1K: 0.00125, CompletionPer1K: 0.005},
			"gemini-1.5-flash": {PromptPer1K: 0.000075, CompletionPer1K: 0.0003},
		},
	}
}

// Lookup finds the price of a model. An exact model match wins; otherwise the
// longest configured model name that prefixes the requested one is used, so
// dated snapshots ("gpt-4o-2024-08-06") resolve to their family.
func (t *PricingTable) Lookup(provider, model string) (models.ModelPrice, bool) {
	byModel, ok := t.prices[strings.ToLower(provider)]
	if !ok {
		return models.ModelPrice{}, false
	}

	model = strings.ToLower(model)
	if price, ok := byModel[model]; ok {
		return price, true
	}

	best := ""
	for name := range byModel {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return models.ModelPrice{}, false
	}
	return byModel[best], true
}

// Cost prices the given token counts. It reports false when no price matched,
// in which case the cost is zero.
func (t *PricingTable) Cost(provider, model string, counts models.TokenCounts) (float64, bool) {
	price, ok := t.Lookup(provider, model)
	if !ok {
		return 0, false
	}
	return Cost(price, counts), true
}

// Cost applies a per-1K price to token counts
func Cost(price models.ModelPrice, counts models.TokenCounts) float64 {
	return (float64(counts.PromptTokens)/1000)*price.PromptPer1K +
		(float64(counts.CompletionTokens)/1000)*price.CompletionPer1K
}
