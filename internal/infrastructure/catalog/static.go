package catalog

import (
	"context"
	"maps"
)

// Static serves prices from a fixed table, typically loaded from configuration.
type Static struct {
	prices map[string]int64
}

func NewStatic(prices map[string]int64) *Static {
	return &Static{prices: maps.Clone(prices)}
}

// UnitPrices returns the known prices among productIDs. Unknown products are omitted.
func (s *Static) UnitPrices(ctx context.Context, productIDs []string) (map[string]int64, error) {
	_ = ctx
	out := make(map[string]int64, len(productIDs))
	for _, id := range productIDs {
		if price, ok := s.prices[id]; ok {
			out[id] = price
		}
	}
	return out, nil
}
