/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package provider

import "strings"

// ModelPrice is USD per million tokens.
type ModelPrice struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// priceTable holds published per-model prices. Unknown models fall back to
// defaultPrice so cost accounting degrades to an estimate instead of zero.
var priceTable = map[string]ModelPrice{
	"gpt-4o":            {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":       {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4.1":           {InputPerMTok: 2.00, OutputPerMTok: 8.00},
	"gpt-4.1-mini":      {InputPerMTok: 0.40, OutputPerMTok: 1.60},
	"claude-3-5-haiku":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"claude-3-5-sonnet": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-sonnet-4":   {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-haiku-4":    {InputPerMTok: 1.00, OutputPerMTok: 5.00},
}

var defaultPrice = ModelPrice{InputPerMTok: 1.00, OutputPerMTok: 4.00}

// PriceFor returns the price entry for a model. Versioned model ids (e.g.
// "claude-3-5-haiku-20241022") match their base entry by prefix.
func PriceFor(model string) ModelPrice {
	if p, ok := priceTable[model]; ok {
		return p
	}
	for base, p := range priceTable {
		if strings.HasPrefix(model, base) {
			return p
		}
	}
	return defaultPrice
}

// Cost computes the USD cost of a completion.
func Cost(model string, inputTokens, outputTokens int) float64 {
	p := PriceFor(model)
	return float64(inputTokens)*p.InputPerMTok/1e6 + float64(outputTokens)*p.OutputPerMTok/1e6
}
