package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type Quote struct {
	Symbol       string          `json:"symbol"`
	Market       Market          `json:"market"`
	LastPrice    decimal.Decimal `json:"last_price"`
	PrevClose    decimal.Decimal `json:"prev_close"`
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	Volume       decimal.Decimal `json:"volume"`
	Turnover     decimal.Decimal `json:"turnover"`
	Timestamp    time.Time       `json:"timestamp"`
	ProviderName string          `json:"provider"`
}

func (q Quote) Change() decimal.Decimal {
	return q.LastPrice.Sub(q.PrevClose)
}

// ChangePercent is the move against the previous close in percent, zero when the
// previous close is unknown.
func (q Quote) ChangePercent() decimal.Decimal {
	if q.PrevClose.IsZero() {
		return decimal.Zero
	}
	return q.Change().Div(q.PrevClose).Mul(decimal.NewFromInt(100)).Round(4)
}
