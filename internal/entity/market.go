package entity

type Market string

const (
	MarketHK Market = "HK"
	MarketSZ Market = "SZ"
	MarketSH Market = "SH"
	MarketUS Market = "US"
)

func (m Market) IsValid() bool {
	switch m {
	case MarketHK, MarketSZ, MarketSH, MarketUS:
		return true
	default:
		return false
	}
}

type MarketStatusCode string

const (
	MarketStatusTrading MarketStatusCode = "TRADING"
	MarketStatusPreOpen MarketStatusCode = "PRE_OPEN"
	MarketStatusLunch   MarketStatusCode = "LUNCH_BREAK"
	MarketStatusClosed  MarketStatusCode = "CLOSED"
	MarketStatusWeekend MarketStatusCode = "WEEKEND"
	MarketStatusUnknown MarketStatusCode = "UNKNOWN"
)

type MarketSession string

const (
	MarketSessionMorning   MarketSession = "MORNING"
	MarketSessionAfternoon MarketSession = "AFTERNOON"
	MarketSessionRegular   MarketSession = "REGULAR"
	MarketSessionNone      MarketSession = "NONE"
)

type MarketStatus struct {
	Market  Market           `json:"market"`
	Status  MarketStatusCode `json:"status"`
	Session MarketSession    `json:"session"`
}

// CacheMode selects how aggressive a TTL recommendation is.
type CacheMode string

const (
	CacheModeRealtime   CacheMode = "realtime"
	CacheModeAnalytical CacheMode = "analytical"
)
