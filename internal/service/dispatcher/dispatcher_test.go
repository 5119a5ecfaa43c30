package dispatcher

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/krobus00/stream-gateway/internal/service/marketstatus"
	"github.com/krobus00/stream-gateway/internal/service/pool"
	"github.com/krobus00/stream-gateway/internal/service/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCapability struct {
	name     string
	provider string
	markets  []entity.Market
	invoke   func(ctx context.Context, req entity.CapabilityRequest) (*entity.CapabilityResult, error)
}

func (f *fakeCapability) Name() string                      { return f.name }
func (f *fakeCapability) ProviderName() string              { return f.provider }
func (f *fakeCapability) SupportedMarkets() []entity.Market { return f.markets }
func (f *fakeCapability) SupportedSymbolFormats() []string  { return nil }
func (f *fakeCapability) Invoke(ctx context.Context, req entity.CapabilityRequest) (*entity.CapabilityResult, error) {
	return f.invoke(ctx, req)
}

func echoCapability(provider string) *fakeCapability {
	return &fakeCapability{
		name:     "get-stock-quote",
		provider: provider,
		invoke: func(_ context.Context, req entity.CapabilityRequest) (*entity.CapabilityResult, error) {
			return &entity.CapabilityResult{Data: map[string]any{"provider": provider, "symbols": req.Symbols, "market": req.Market}}, nil
		},
	}
}

// countingLookup records preferred-provider lookups.
type countingLookup struct {
	*registry.Registry
	mu    sync.Mutex
	calls map[string]int
}

func (c *countingLookup) GetCapability(provider, name string) (entity.Capability, bool) {
	c.mu.Lock()
	c.calls[provider]++
	c.mu.Unlock()
	return c.Registry.GetCapability(provider, name)
}

type nopHandle struct{}

func (nopHandle) Ping(context.Context) error { return nil }
func (nopHandle) Close() error               { return nil }

func newPool(providers ...string) *pool.Manager {
	m := pool.NewManager(pool.Config{MaxPerProvider: 2, LeaseTimeout: 20 * time.Millisecond})
	for _, p := range providers {
		m.RegisterProvider(p, func(context.Context) (pool.Handle, error) { return nopHandle{}, nil })
	}
	return m
}

func leasedTotal(m *pool.Manager) int {
	total := 0
	for _, s := range m.Stats() {
		total += s.Leased
	}
	return total
}

type memoryCache struct {
	mu     sync.Mutex
	values map[string]string
	failed bool
}

func (c *memoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed {
		return "", false, errors.New("cache down")
	}
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *memoryCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed {
		return errors.New("cache down")
	}
	switch v := value.(type) {
	case int64:
		c.values[key] = strconv.FormatInt(v, 10)
	}
	return nil
}

func TestDispatcher_PreferredProviderFallback(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("backup", echoCapability("backup")))
	require.NoError(t, reg.Register("preferred", &fakeCapability{name: "get-stock-basic-info", provider: "preferred"}))

	lookup := &countingLookup{Registry: reg, calls: map[string]int{}}
	d := New(lookup, newPool("backup", "preferred"), marketstatus.New(), Config{})

	result, err := d.Dispatch(context.Background(), Request{
		DataType:          "stock-quote",
		Symbols:           []string{"aapl"},
		PreferredProvider: "preferred",
	})
	require.NoError(t, err)

	assert.Equal(t, "backup", result.Provider)
	assert.Equal(t, "get-stock-quote", result.Capability)
	assert.Equal(t, entity.MarketUS, result.Market)
	assert.Equal(t, 1, lookup.calls["preferred"], "preferred provider looked up exactly once")
	assert.Equal(t, 1, lookup.calls["backup"])
	assert.False(t, result.Error.Valid)
}

func TestDispatcher_PreferredProviderUsedWhenAvailable(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("backup", echoCapability("backup")))
	require.NoError(t, reg.Register("preferred", echoCapability("preferred")))

	d := New(reg, newPool("backup", "preferred"), marketstatus.New(), Config{})

	result, err := d.Dispatch(context.Background(), Request{DataType: "stock-quote", Symbols: []string{"0700.HK"}, PreferredProvider: "preferred"})
	require.NoError(t, err)
	assert.Equal(t, "preferred", result.Provider)
	assert.Equal(t, entity.MarketHK, result.Market)
	require.NotNil(t, result.MarketStatus)
	assert.Equal(t, entity.MarketHK, result.MarketStatus.Market)
}

func TestDispatcher_ResolveErrors(t *testing.T) {
	d := New(registry.New(), newPool(), marketstatus.New(), Config{})

	_, _, err := d.Resolve("order-book", "")
	assert.ErrorIs(t, err, ErrUnsupportedDataType)

	_, _, err = d.Resolve("stock-quote", "anyone")
	assert.ErrorIs(t, err, ErrCapabilityNotFound)

	_, err = d.Dispatch(context.Background(), Request{DataType: "stock-quote"})
	assert.ErrorIs(t, err, ErrNoSymbols)
}

func TestDispatcher_ResolveAcceptsCanonicalName(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("alpha", echoCapability("alpha")))
	d := New(reg, newPool("alpha"), marketstatus.New(), Config{})

	capability, provider, err := d.Resolve("get-stock-quote", "")
	require.NoError(t, err)
	assert.Equal(t, "alpha", provider)
	assert.Equal(t, "get-stock-quote", capability.Name())
}

func TestDispatcher_MarketNotServed(t *testing.T) {
	reg := registry.New()
	capability := echoCapability("alpha")
	capability.markets = []entity.Market{entity.MarketUS}
	require.NoError(t, reg.Register("alpha", capability))

	d := New(reg, newPool("alpha"), marketstatus.New(), Config{})
	_, err := d.Dispatch(context.Background(), Request{DataType: "stock-quote", Symbols: []string{"600000.SH"}})
	assert.ErrorIs(t, err, ErrCapabilityNotFound)
}

func TestDispatcher_FallsBackToRankedProviderServingMarket(t *testing.T) {
	reg := registry.New()
	usOnly := echoCapability("us-feed")
	usOnly.markets = []entity.Market{entity.MarketUS}
	hkOnly := echoCapability("hk-feed")
	hkOnly.markets = []entity.Market{entity.MarketHK}
	require.NoError(t, reg.Register("us-feed", usOnly))
	require.NoError(t, reg.Register("hk-feed", hkOnly))
	require.Equal(t, []string{"us-feed", "hk-feed"}, reg.RankedProviders("get-stock-quote"))

	d := New(reg, newPool("us-feed", "hk-feed"), marketstatus.New(), Config{})

	result, err := d.Dispatch(context.Background(), Request{DataType: "stock-quote", Symbols: []string{"0700.HK"}})
	require.NoError(t, err)
	assert.Equal(t, "hk-feed", result.Provider)
	assert.Equal(t, entity.MarketHK, result.Market)

	// a preferred provider outside the market is skipped too
	result, err = d.Dispatch(context.Background(), Request{DataType: "stock-quote", Symbols: []string{"0700.HK"}, PreferredProvider: "us-feed"})
	require.NoError(t, err)
	assert.Equal(t, "hk-feed", result.Provider)

	result, err = d.Dispatch(context.Background(), Request{DataType: "stock-quote", Symbols: []string{"AAPL"}})
	require.NoError(t, err)
	assert.Equal(t, "us-feed", result.Provider)
}

func TestDispatcher_InvocationFailureWrappedAsNotFound(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("alpha", &fakeCapability{
		name: "get-stock-quote",
		invoke: func(context.Context, entity.CapabilityRequest) (*entity.CapabilityResult, error) {
			return nil, errors.New("upstream 502")
		},
	}))
	connPool := newPool("alpha")
	d := New(reg, connPool, marketstatus.New(), Config{})

	_, err := d.Dispatch(context.Background(), Request{DataType: "stock-quote", Symbols: []string{"AAPL"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCapabilityNotFound)
	assert.Contains(t, err.Error(), "fetch failed: upstream 502")
	assert.Equal(t, 0, leasedTotal(connPool))

	// a failed invocation discards its handle
	assert.Equal(t, uint64(1), connPool.Stats()[0].Evicted)
}

func TestDispatcher_TimeoutReleasesLease(t *testing.T) {
	reg := registry.New()
	unblock := make(chan struct{})
	require.NoError(t, reg.Register("alpha", &fakeCapability{
		name: "get-stock-quote",
		invoke: func(ctx context.Context, _ entity.CapabilityRequest) (*entity.CapabilityResult, error) {
			<-unblock
			return &entity.CapabilityResult{Data: "late"}, nil
		},
	}))
	connPool := newPool("alpha")
	d := New(reg, connPool, marketstatus.New(), Config{Timeout: 10 * time.Millisecond})

	_, err := d.Dispatch(context.Background(), Request{DataType: "stock-quote", Symbols: []string{"AAPL"}})
	assert.ErrorIs(t, err, ErrCapabilityNotFound)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the handle stays leased until the stuck invocation returns
	assert.Equal(t, 1, leasedTotal(connPool))
	close(unblock)
	assert.Eventually(t, func() bool { return leasedTotal(connPool) == 0 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_PoolExhaustedIsNotFound(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("alpha", echoCapability("alpha")))
	connPool := pool.NewManager(pool.Config{MaxPerProvider: 1})
	connPool.RegisterProvider("alpha", func(context.Context) (pool.Handle, error) { return nopHandle{}, nil })

	held, err := connPool.Lease(context.Background(), "alpha")
	require.NoError(t, err)
	defer connPool.Release(held)

	d := New(reg, connPool, marketstatus.New(), Config{})
	_, err = d.Dispatch(context.Background(), Request{DataType: "stock-quote", Symbols: []string{"AAPL"}})
	assert.ErrorIs(t, err, ErrCapabilityNotFound)
	assert.ErrorIs(t, err, pool.ErrPoolExhausted)
}

func TestDispatcher_PanickingCapabilityReleasesLease(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("alpha", &fakeCapability{
		name: "get-stock-quote",
		invoke: func(context.Context, entity.CapabilityRequest) (*entity.CapabilityResult, error) {
			panic("nil map")
		},
	}))
	connPool := newPool("alpha")
	d := New(reg, connPool, marketstatus.New(), Config{})

	_, err := d.Dispatch(context.Background(), Request{DataType: "stock-quote", Symbols: []string{"AAPL"}})
	assert.ErrorIs(t, err, ErrCapabilityNotFound)
	assert.Equal(t, 0, leasedTotal(connPool))
}

func TestDispatcher_SymbolMappingAndOptions(t *testing.T) {
	reg := registry.New()
	var seen entity.CapabilityRequest
	require.NoError(t, reg.RegisterProvider(entity.ProviderRegistration{
		Name:          "alpha",
		ContextHandle: "session-1",
		Capabilities: map[string]entity.Capability{
			"get-stock-quote": &fakeCapability{
				name: "get-stock-quote",
				invoke: func(_ context.Context, req entity.CapabilityRequest) (*entity.CapabilityResult, error) {
					seen = req
					return &entity.CapabilityResult{Data: "ok"}, nil
				},
			},
		},
	}))

	mapping := entity.ProviderSymbolMapping{"alpha": {"0700.HK": "HK.00700"}}
	d := New(reg, newPool("alpha"), marketstatus.New(), Config{}, WithSymbolMapper(mapping))

	_, err := d.Dispatch(context.Background(), Request{
		DataType: "stock-quote",
		Symbols:  []string{"0700.hk", "0700.HK", "9988.HK"},
		Options:  map[string]any{"fields": "last"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"HK.00700", "9988.HK"}, seen.Symbols)
	assert.Equal(t, entity.MarketHK, seen.Market)
	assert.Equal(t, "session-1", seen.ContextHandle)
	assert.NotNil(t, seen.Conn)
	assert.Equal(t, "last", seen.Options["fields"])
}

func TestDispatcher_TTLHintCache(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("alpha", echoCapability("alpha")))
	cache := &memoryCache{values: map[string]string{}}
	d := New(reg, newPool("alpha"), marketstatus.New(), Config{}, WithTTLHintCache(cache))

	result, err := d.Dispatch(context.Background(), Request{DataType: "stock-quote", Symbols: []string{"AAPL"}})
	require.NoError(t, err)
	assert.Positive(t, result.CacheTTL)
	assert.Len(t, cache.values, 1)

	for key := range cache.values {
		cache.values[key] = "42"
	}
	result, err = d.Dispatch(context.Background(), Request{DataType: "stock-quote", Symbols: []string{"AAPL"}})
	require.NoError(t, err)
	assert.Equal(t, int64(42), result.CacheTTL)

	cache.failed = true
	result, err = d.Dispatch(context.Background(), Request{DataType: "stock-quote", Symbols: []string{"AAPL"}})
	require.NoError(t, err, "cache failures never fail a dispatch")
	assert.Positive(t, result.CacheTTL)
}

func TestDispatcher_FetchBatchIsolation(t *testing.T) {
	reg := registry.New()
	var calls atomic.Int32
	require.NoError(t, reg.Register("alpha", &fakeCapability{
		name: "get-stock-quote",
		invoke: func(_ context.Context, req entity.CapabilityRequest) (*entity.CapabilityResult, error) {
			calls.Add(1)
			if req.Symbols[0] == "BROKEN" {
				return nil, errors.New("symbol rejected upstream")
			}
			return &entity.CapabilityResult{Data: req.Symbols[0]}, nil
		},
	}))
	d := New(reg, newPool("alpha"), marketstatus.New(), Config{})

	var results []Result
	assert.NotPanics(t, func() {
		results = d.FetchBatch(context.Background(), []Request{
			{DataType: "stock-quote", Symbols: []string{"AAPL"}},
			{DataType: "stock-quote", Symbols: []string{"BROKEN"}},
			{DataType: "stock-quote", Symbols: []string{"0700.HK"}},
		})
	})

	require.Len(t, results, 3)
	assert.Equal(t, int32(3), calls.Load())

	assert.Equal(t, "AAPL", results[0].Data)
	assert.False(t, results[0].Error.Valid)

	assert.Nil(t, results[1].Data)
	assert.True(t, results[1].Error.Valid)
	assert.NotEmpty(t, results[1].Error.String)
	assert.Equal(t, entity.MarketUS, results[1].Market)
	assert.NotNil(t, results[1].MarketStatus)

	assert.Equal(t, "0700.HK", results[2].Data)
	assert.Equal(t, entity.MarketHK, results[2].Market)
}

func TestDispatcher_FetchBatchRecoversResolveFailures(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("alpha", echoCapability("alpha")))
	d := New(reg, newPool("alpha"), marketstatus.New(), Config{})

	results := d.FetchBatch(context.Background(), []Request{
		{DataType: "unknown", Symbols: []string{"600000"}},
		{DataType: "stock-quote", Symbols: []string{"600000"}},
		{DataType: "stock-quote"},
	})

	require.Len(t, results, 3)
	assert.Contains(t, results[0].Error.String, "unsupported data type")
	assert.Equal(t, entity.MarketSH, results[0].Market)
	assert.False(t, results[1].Error.Valid)
	assert.True(t, results[2].Error.Valid)
	assert.Equal(t, entity.Market(""), results[2].Market)
}
