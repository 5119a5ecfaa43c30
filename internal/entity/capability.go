package entity

import (
	"context"
	"time"
)

// Capability is a named operation a provider can execute.
// Implementations must be safe for concurrent use and immutable once registered.
type Capability interface {
	Name() string
	ProviderName() string
	SupportedMarkets() []Market
	SupportedSymbolFormats() []string
	Invoke(ctx context.Context, req CapabilityRequest) (*CapabilityResult, error)
}

type CapabilityRequest struct {
	Symbols       []string
	Market        Market
	ContextHandle any
	// Conn is the pooled upstream handle leased for this invocation.
	Conn    any
	Options map[string]any
}

type CapabilityResult struct {
	Data     any
	Metadata map[string]any
}

type ProviderRegistration struct {
	Name          string
	Priority      int
	Capabilities  map[string]Capability
	ContextHandle any
	RegisteredAt  time.Time
}

// SupportsMarket reports whether the capability declares the market. An empty
// declaration means every market is accepted.
func SupportsMarket(c Capability, market Market) bool {
	markets := c.SupportedMarkets()
	if len(markets) == 0 {
		return true
	}

	for _, m := range markets {
		if m == market {
			return true
		}
	}

	return false
}
