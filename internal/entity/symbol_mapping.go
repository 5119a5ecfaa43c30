package entity

import "time"

type SymbolMapping struct {
	ID             string    `db:"id" json:"id"`
	Provider       string    `db:"provider" json:"provider"`
	Symbol         string    `db:"symbol" json:"symbol"`
	ProviderSymbol string    `db:"provider_symbol" json:"provider_symbol"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// [provider][symbol] = provider_symbol
type ProviderSymbolMapping map[string]map[string]string

func (m ProviderSymbolMapping) ToProvider(provider, symbol string) string {
	if mapped, ok := m[provider][symbol]; ok && mapped != "" {
		return mapped
	}
	return symbol
}
