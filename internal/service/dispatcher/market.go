package dispatcher

import (
	"strings"

	"github.com/krobus00/stream-gateway/internal/entity"
)

var marketSuffixes = []struct {
	suffix string
	market entity.Market
}{
	{".HK", entity.MarketHK},
	{".SZ", entity.MarketSZ},
	{".SH", entity.MarketSH},
	{".US", entity.MarketUS},
}

// InferMarket derives the listing market from a symbol. Suffixes win over
// numeric shape; anything unrecognised is treated as US.
func InferMarket(symbol string) entity.Market {
	s := strings.ToUpper(strings.TrimSpace(symbol))

	for _, candidate := range marketSuffixes {
		if strings.HasSuffix(s, candidate.suffix) {
			return candidate.market
		}
	}

	if !isDigits(s) {
		return entity.MarketUS
	}

	switch {
	case len(s) == 5:
		return entity.MarketHK
	case strings.HasPrefix(s, "00"), strings.HasPrefix(s, "30"):
		return entity.MarketSZ
	case strings.HasPrefix(s, "60"), strings.HasPrefix(s, "68"):
		return entity.MarketSH
	default:
		return entity.MarketUS
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
