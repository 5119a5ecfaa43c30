package constant

const (
	MarketDataStreamName       = "market_data"
	MarketDataStreamSubjectAll = "market_data.>"
	MarketDataSubjectPrefix    = "market_data"
)

const (
	IdentitySourceConfig   = "config"
	IdentitySourcePostgres = "postgres"
)

const (
	ProviderTypeWS   = "ws"
	ProviderTypeREST = "rest"
)
