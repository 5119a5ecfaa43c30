package marketstatus

import (
	"testing"
	"time"

	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/stretchr/testify/assert"
)

func TestService_GetStatus(t *testing.T) {
	svc := New()
	hkt := time.FixedZone("HKT", 8*60*60)

	tests := []struct {
		name    string
		market  entity.Market
		at      time.Time
		status  entity.MarketStatusCode
		session entity.MarketSession
	}{
		{"hk morning", entity.MarketHK, time.Date(2026, 3, 4, 10, 0, 0, 0, hkt), entity.MarketStatusTrading, entity.MarketSessionMorning},
		{"hk lunch", entity.MarketHK, time.Date(2026, 3, 4, 12, 30, 0, 0, hkt), entity.MarketStatusLunch, entity.MarketSessionNone},
		{"hk afternoon", entity.MarketHK, time.Date(2026, 3, 4, 15, 59, 0, 0, hkt), entity.MarketStatusTrading, entity.MarketSessionAfternoon},
		{"hk closed", entity.MarketHK, time.Date(2026, 3, 4, 16, 0, 0, 0, hkt), entity.MarketStatusClosed, entity.MarketSessionNone},
		{"sh pre open", entity.MarketSH, time.Date(2026, 3, 4, 9, 20, 0, 0, hkt), entity.MarketStatusPreOpen, entity.MarketSessionNone},
		{"sz afternoon close", entity.MarketSZ, time.Date(2026, 3, 4, 15, 0, 0, 0, hkt), entity.MarketStatusClosed, entity.MarketSessionNone},
		{"weekend", entity.MarketSZ, time.Date(2026, 3, 7, 10, 0, 0, 0, hkt), entity.MarketStatusWeekend, entity.MarketSessionNone},
		{"us regular", entity.MarketUS, time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC), entity.MarketStatusTrading, entity.MarketSessionRegular},
		{"unknown market", entity.Market("XX"), time.Date(2026, 3, 4, 10, 0, 0, 0, hkt), entity.MarketStatusUnknown, entity.MarketSessionNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := svc.GetStatus(tt.market, tt.at)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.session, got.Session)
			assert.Equal(t, tt.market, got.Market)
		})
	}
}

func TestService_GetRecommendedCacheTTL(t *testing.T) {
	svc := New()
	hkt := time.FixedZone("HKT", 8*60*60)
	trading := time.Date(2026, 3, 4, 10, 0, 0, 0, hkt)
	weekend := time.Date(2026, 3, 8, 10, 0, 0, 0, hkt)

	assert.Equal(t, 5*time.Second, svc.GetRecommendedCacheTTL(entity.MarketHK, entity.CacheModeRealtime, trading))
	assert.Equal(t, time.Minute, svc.GetRecommendedCacheTTL(entity.MarketHK, entity.CacheModeAnalytical, trading))
	assert.Equal(t, time.Hour, svc.GetRecommendedCacheTTL(entity.MarketHK, entity.CacheModeRealtime, weekend))
	assert.Equal(t, 5*time.Second, svc.GetRecommendedCacheTTL(entity.MarketHK, entity.CacheMode("bogus"), trading))
}
