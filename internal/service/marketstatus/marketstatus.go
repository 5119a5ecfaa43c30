package marketstatus

import (
	"time"

	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/sirupsen/logrus"
)

type window struct {
	start   int // minutes since local midnight
	end     int
	status  entity.MarketStatusCode
	session entity.MarketSession
}

type schedule struct {
	location *time.Location
	windows  []window
}

type Service struct {
	schedules map[entity.Market]schedule
	now       func() time.Time
}

func New() *Service {
	china := loadLocation("Asia/Shanghai", 8*60*60)
	return &Service{
		schedules: map[entity.Market]schedule{
			entity.MarketHK: {
				location: loadLocation("Asia/Hong_Kong", 8*60*60),
				windows: []window{
					{start: hm(9, 0), end: hm(9, 30), status: entity.MarketStatusPreOpen, session: entity.MarketSessionNone},
					{start: hm(9, 30), end: hm(12, 0), status: entity.MarketStatusTrading, session: entity.MarketSessionMorning},
					{start: hm(12, 0), end: hm(13, 0), status: entity.MarketStatusLunch, session: entity.MarketSessionNone},
					{start: hm(13, 0), end: hm(16, 0), status: entity.MarketStatusTrading, session: entity.MarketSessionAfternoon},
				},
			},
			entity.MarketSZ: chinaSchedule(china),
			entity.MarketSH: chinaSchedule(china),
			entity.MarketUS: {
				location: loadLocation("America/New_York", -5*60*60),
				windows: []window{
					{start: hm(4, 0), end: hm(9, 30), status: entity.MarketStatusPreOpen, session: entity.MarketSessionNone},
					{start: hm(9, 30), end: hm(16, 0), status: entity.MarketStatusTrading, session: entity.MarketSessionRegular},
				},
			},
		},
		now: time.Now,
	}
}

func chinaSchedule(location *time.Location) schedule {
	return schedule{
		location: location,
		windows: []window{
			{start: hm(9, 15), end: hm(9, 30), status: entity.MarketStatusPreOpen, session: entity.MarketSessionNone},
			{start: hm(9, 30), end: hm(11, 30), status: entity.MarketStatusTrading, session: entity.MarketSessionMorning},
			{start: hm(11, 30), end: hm(13, 0), status: entity.MarketStatusLunch, session: entity.MarketSessionNone},
			{start: hm(13, 0), end: hm(15, 0), status: entity.MarketStatusTrading, session: entity.MarketSessionAfternoon},
		},
	}
}

// GetStatus reports the trading phase of market at the given instant.
// Exchange holidays are not modelled.
func (s *Service) GetStatus(market entity.Market, at time.Time) entity.MarketStatus {
	sched, ok := s.schedules[market]
	if !ok {
		return entity.MarketStatus{Market: market, Status: entity.MarketStatusUnknown, Session: entity.MarketSessionNone}
	}

	if at.IsZero() {
		at = s.now()
	}
	local := at.In(sched.location)

	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return entity.MarketStatus{Market: market, Status: entity.MarketStatusWeekend, Session: entity.MarketSessionNone}
	}

	minutes := local.Hour()*60 + local.Minute()
	for _, w := range sched.windows {
		if minutes >= w.start && minutes < w.end {
			return entity.MarketStatus{Market: market, Status: w.status, Session: w.session}
		}
	}

	return entity.MarketStatus{Market: market, Status: entity.MarketStatusClosed, Session: entity.MarketSessionNone}
}

var ttlTable = map[entity.CacheMode]map[entity.MarketStatusCode]time.Duration{
	entity.CacheModeRealtime: {
		entity.MarketStatusTrading: 5 * time.Second,
		entity.MarketStatusPreOpen: 30 * time.Second,
		entity.MarketStatusLunch:   60 * time.Second,
		entity.MarketStatusClosed:  5 * time.Minute,
		entity.MarketStatusWeekend: time.Hour,
		entity.MarketStatusUnknown: 30 * time.Second,
	},
	entity.CacheModeAnalytical: {
		entity.MarketStatusTrading: time.Minute,
		entity.MarketStatusPreOpen: 5 * time.Minute,
		entity.MarketStatusLunch:   10 * time.Minute,
		entity.MarketStatusClosed:  time.Hour,
		entity.MarketStatusWeekend: 24 * time.Hour,
		entity.MarketStatusUnknown: 5 * time.Minute,
	},
}

func (s *Service) GetRecommendedCacheTTL(market entity.Market, mode entity.CacheMode, at time.Time) time.Duration {
	table, ok := ttlTable[mode]
	if !ok {
		table = ttlTable[entity.CacheModeRealtime]
	}

	return table[s.GetStatus(market, at).Status]
}

func loadLocation(name string, fallbackOffset int) *time.Location {
	location, err := time.LoadLocation(name)
	if err != nil {
		logrus.WithField("location", name).Warnf("load timezone failed, using fixed offset: %v", err)
		return time.FixedZone(name, fallbackOffset)
	}
	return location
}

func hm(hour, minute int) int {
	return hour*60 + minute
}
