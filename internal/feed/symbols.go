package feed

import (
	"sort"
	"strings"
)

// Classifier decides whether a market is expected to stream ticks. The
// market names and symbol substrings are venue-specific data, so they come
// from configuration.
type Classifier struct {
	markets  map[string]struct{}
	prefixes []string
}

func NewClassifier(markets, prefixes []string) Classifier {
	c := Classifier{markets: make(map[string]struct{}, len(markets))}
	for _, m := range markets {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			c.markets[m] = struct{}{}
		}
	}
	for _, p := range prefixes {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			c.prefixes = append(c.prefixes, p)
		}
	}
	return c
}

func (c Classifier) HasTickStream(s Symbol) bool {
	if _, ok := c.markets[strings.ToLower(s.Market)]; ok {
		return true
	}
	code := strings.ToLower(s.Symbol)
	for _, p := range c.prefixes {
		if strings.Contains(code, p) {
			return true
		}
	}
	return false
}

// Annotate sorts symbols by market then display name and tags each with
// HasTickStream.
func (c Classifier) Annotate(symbols []Symbol) []Symbol {
	out := make([]Symbol, len(symbols))
	copy(out, symbols)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Market != out[j].Market {
			return out[i].Market < out[j].Market
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	for i := range out {
		out[i].HasTickStream = c.HasTickStream(out[i])
	}
	return out
}
