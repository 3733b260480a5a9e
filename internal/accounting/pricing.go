package accounting

import (
	"fmt"

	"github.com/relayforge/llm-gateway/internal/store"
)

// cachedTokenMultiplier is the per-method rate applied to cached input
// tokens, as a fraction of the full input price.
var cachedTokenMultiplier = map[string]float64{
	store.PricingAnthropicCache: 0.10,
	store.PricingOpenAICache50:  0.50,
	store.PricingOpenAICache75:  0.75,
	store.PricingDeepSeekCache:  0.10,
	store.PricingGoogleCache:    0.10,
	store.PricingGoogleImplicit: 0.10,
	store.PricingGoogleExplicit: 0.10,
	store.PricingBedrockCache:   0.10,
}

// Calculate returns the USD cost of a request. Prices are per 1000 tokens.
//
// Cache-aware methods charge cached tokens at the method's discounted rate on
// top of the full input charge; the input term counts the whole prompt,
// cached tokens included. Existing wallet history was booked with this
// formula — changing it requires an operator decision, not a code fix.
func Calculate(method string, input, output, cached int, priceIn, priceOut float64) (float64, error) {
	if input < 0 || output < 0 || cached < 0 {
		return 0, fmt.Errorf("accounting: negative token count (input=%d output=%d cached=%d)", input, output, cached)
	}
	if cached > input {
		return 0, fmt.Errorf("accounting: cached tokens %d exceed input tokens %d", cached, input)
	}

	inputCost := float64(input) * priceIn
	if method != store.PricingStandard {
		k, ok := cachedTokenMultiplier[method]
		if !ok {
			return 0, fmt.Errorf("accounting: unknown pricing method %q", method)
		}
		inputCost += float64(cached) * priceIn * k
	}

	return (inputCost + float64(output)*priceOut) / 1000, nil
}
