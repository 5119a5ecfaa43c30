package dispatcher

import (
	"testing"

	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/stretchr/testify/assert"
)

func TestInferMarket(t *testing.T) {
	tests := []struct {
		symbol string
		want   entity.Market
	}{
		{"0700.HK", entity.MarketHK},
		{"00700", entity.MarketHK},
		{"000001.SZ", entity.MarketSZ},
		{"000001", entity.MarketSZ},
		{"300750", entity.MarketSZ},
		{"600000.SH", entity.MarketSH},
		{"688981", entity.MarketSH},
		{"AAPL", entity.MarketUS},
		{"BRK.B", entity.MarketUS},
		{"TSLA.US", entity.MarketUS},
		{"900901", entity.MarketUS},
		{"", entity.MarketUS},

		{"  0700.hk ", entity.MarketHK},
		{"600000.sh", entity.MarketSH},
		{"\t000001.Sz\n", entity.MarketSZ},
		{" 00700 ", entity.MarketHK},
		{"aapl", entity.MarketUS},
	}

	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			assert.Equal(t, tt.want, InferMarket(tt.symbol))
		})
	}
}

func TestInferMarket_Deterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		assert.Equal(t, entity.MarketHK, InferMarket("0700.HK"))
	}
}
