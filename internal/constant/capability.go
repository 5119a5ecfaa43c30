package constant

const (
	CapabilityStockQuote     = "get-stock-quote"
	CapabilityStockBasicInfo = "get-stock-basic-info"
	CapabilityIndexQuote     = "get-index-quote"
	CapabilityHistoricalData = "get-historical-data"
)

// DataTypeCapabilities maps a logical data type to its canonical capability name.
var DataTypeCapabilities = map[string]string{
	"stock-quote":      CapabilityStockQuote,
	"stock-basic-info": CapabilityStockBasicInfo,
	"index-quote":      CapabilityIndexQuote,
	"historical-data":  CapabilityHistoricalData,
}
