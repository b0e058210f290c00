package cost

// ModelPrice is the USD price per million tokens for one model.
type ModelPrice struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// PriceTable maps provider -> model -> price. The table is static reference
// data, not logic the core owns: the defaults below can be replaced wholesale
// from configuration.
type PriceTable map[string]map[string]ModelPrice

// DefaultPrices returns the built-in price table. Prices are USD per million
// tokens as published by the providers.
func DefaultPrices() PriceTable {
	return PriceTable{
		"anthropic": {
			"claude-3-5-sonnet-latest":   {InputPerMTok: 3.00, OutputPerMTok: 15.00},
			"claude-3-5-sonnet-20241022": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
			"claude-3-5-haiku-20241022":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
			"claude-3-opus-20240229":     {InputPerMTok: 15.00, OutputPerMTok: 75.00},
		},
		"openai": {
			"gpt-4o":        {InputPerMTok: 2.50, OutputPerMTok: 10.00},
			"gpt-4o-mini":   {InputPerMTok: 0.15, OutputPerMTok: 0.60},
			"gpt-4-turbo":   {InputPerMTok: 10.00, OutputPerMTok: 30.00},
			"gpt-3.5-turbo": {InputPerMTok: 0.50, OutputPerMTok: 1.50},
		},
		"gemini": {
			"gemini-2.0-flash": {InputPerMTok: 0.10, OutputPerMTok: 0.40},
			"gemini-1.5-pro":   {InputPerMTok: 1.25, OutputPerMTok: 5.00},
		},
	}
}

// Cost computes the dollar cost of one call. Unknown provider/model pairs
// cost zero — the call is still counted, just not priced.
func (p PriceTable) Cost(provider, model string, inputTokens, outputTokens int) float64 {
	models, ok := p[provider]
	if !ok {
		return 0
	}
	price, ok := models[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*price.InputPerMTok +
		float64(outputTokens)/1e6*price.OutputPerMTok
}
