// Package cost estimates what model-backed extraction spent on inference.
package cost

import (
	"strings"
	"sync"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

// Price is the cost in USD per one million tokens.
type Price struct {
	Input  float64
	Output float64
}

// Calculator maps model names to prices.
type Calculator struct {
	mu     sync.RWMutex
	prices map[string]Price
}

// NewCalculator returns a calculator loaded with list prices for common
// OpenAI-compatible models.
func NewCalculator() *Calculator {
	return &Calculator{prices: map[string]Price{
		"gpt-4o":        {Input: 2.50, Output: 10.00},
		"gpt-4o-mini":   {Input: 0.15, Output: 0.60},
		"gpt-4-turbo":   {Input: 10.00, Output: 30.00},
		"gpt-4.1":       {Input: 2.00, Output: 8.00},
		"gpt-4.1-mini":  {Input: 0.40, Output: 1.60},
		"gpt-3.5-turbo": {Input: 0.50, Output: 1.50},
		"o1-mini":       {Input: 3.00, Output: 12.00},

		"meta-llama/llama-3.3-70b-instruct-turbo": {Input: 0.88, Output: 0.88},
		"mistralai/mixtral-8x7b-instruct-v0.1":    {Input: 0.60, Output: 0.60},
		"qwen/qwen2.5-72b-instruct-turbo":         {Input: 1.20, Output: 1.20},
	}}
}

// SetPrice overrides the price of a model.
func (c *Calculator) SetPrice(model string, p Price) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[strings.ToLower(model)] = p
}

// lookup finds an exact match, then the longest known name that prefixes
// model, so dated snapshots such as gpt-4o-2024-08-06 resolve.
func (c *Calculator) lookup(model string) (Price, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.prices[model]; ok {
		return p, true
	}
	best, found := "", false
	for name := range c.prices {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best, found = name, true
		}
	}
	return c.prices[best], found
}

// Estimate returns the cost of usage in USD. Unknown models, such as local
// servers, cost nothing and report ok=false.
func (c *Calculator) Estimate(model string, usage types.TokenUsage) (usd float64, ok bool) {
	p, ok := c.lookup(model)
	if !ok {
		return 0, false
	}
	return float64(usage.PromptTokens)/1e6*p.Input + float64(usage.CompletionTokens)/1e6*p.Output, true
}
