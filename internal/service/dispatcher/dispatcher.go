package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/krobus00/stream-gateway/internal/constant"
	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/krobus00/stream-gateway/internal/infrastructure"
	"github.com/krobus00/stream-gateway/internal/service/pool"
	"github.com/sirupsen/logrus"
)

const (
	defaultTimeout      = 5 * time.Second
	defaultBatchMaxSize = 50
	ttlHintKeyPrefix    = "stream_gateway:ttl_hint"
)

var (
	ErrUnsupportedDataType = errors.New("unsupported data type")
	ErrCapabilityNotFound  = errors.New("capability not found")
	ErrNoSymbols           = errors.New("at least one symbol is required")
)

// CapabilityLookup is the read side of the capability registry.
type CapabilityLookup interface {
	GetCapability(provider, name string) (entity.Capability, bool)
	RankedProviders(name string) []string
	ContextHandle(provider string) (any, bool)
}

type ConnectionPool interface {
	Lease(ctx context.Context, provider string) (*pool.Lease, error)
	Release(lease *pool.Lease)
}

type MarketStatusService interface {
	GetStatus(market entity.Market, at time.Time) entity.MarketStatus
	GetRecommendedCacheTTL(market entity.Market, mode entity.CacheMode, at time.Time) time.Duration
}

// TTLHintCache stores recommended cache TTLs. Failures are never fatal.
type TTLHintCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

type SymbolMapper interface {
	ToProvider(provider, symbol string) string
}

type Config struct {
	Timeout      time.Duration
	BatchMaxSize int
	DataTypes    map[string]string
}

type Request struct {
	DataType          string           `json:"data_type"`
	Symbols           []string         `json:"symbols"`
	Market            entity.Market    `json:"market,omitempty"`
	PreferredProvider string           `json:"preferred_provider,omitempty"`
	CacheMode         entity.CacheMode `json:"cache_mode,omitempty"`
	Options           map[string]any   `json:"options,omitempty"`
	Timeout           time.Duration    `json:"-"`
}

type Result struct {
	DataType     string               `json:"data_type"`
	Provider     string               `json:"provider,omitempty"`
	Capability   string               `json:"capability,omitempty"`
	Symbols      []string             `json:"symbols"`
	Market       entity.Market        `json:"market,omitempty"`
	MarketStatus *entity.MarketStatus `json:"market_status,omitempty"`
	Data         any                  `json:"data"`
	Metadata     map[string]any       `json:"metadata,omitempty"`
	Error        null.String          `json:"error"`
	CacheTTL     int64                `json:"cache_ttl"`
	FetchedAt    time.Time            `json:"fetched_at"`
}

type Dispatcher struct {
	registry     CapabilityLookup
	pool         ConnectionPool
	marketStatus MarketStatusService
	cache        TTLHintCache
	symbols      SymbolMapper
	cfg          Config
	now          func() time.Time
}

type Option func(*Dispatcher)

func WithTTLHintCache(cache TTLHintCache) Option {
	return func(d *Dispatcher) {
		d.cache = cache
	}
}

func WithSymbolMapper(mapper SymbolMapper) Option {
	return func(d *Dispatcher) {
		d.symbols = mapper
	}
}

func New(registry CapabilityLookup, connPool ConnectionPool, marketStatus MarketStatusService, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.BatchMaxSize <= 0 {
		cfg.BatchMaxSize = defaultBatchMaxSize
	}
	if cfg.DataTypes == nil {
		cfg.DataTypes = constant.DataTypeCapabilities
	}

	d := &Dispatcher{
		registry:     registry,
		pool:         connPool,
		marketStatus: marketStatus,
		cfg:          cfg,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *Dispatcher) BatchMaxSize() int {
	return d.cfg.BatchMaxSize
}

// CapabilityName maps a logical data type to its canonical capability name.
// Canonical names are accepted as-is.
func (d *Dispatcher) CapabilityName(dataType string) (string, error) {
	dataType = strings.TrimSpace(dataType)
	if name, ok := d.cfg.DataTypes[dataType]; ok {
		return name, nil
	}
	for _, name := range d.cfg.DataTypes {
		if name == dataType {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedDataType, dataType)
}

// Resolve finds the capability serving dataType. The preferred provider is
// tried once; on a miss the best ranked provider is used.
func (d *Dispatcher) Resolve(dataType, preferredProvider string) (entity.Capability, string, error) {
	return d.resolve(dataType, preferredProvider, "")
}

// resolve walks the ranked providers for the first one serving market. An
// empty market matches any provider.
func (d *Dispatcher) resolve(dataType, preferredProvider string, market entity.Market) (entity.Capability, string, error) {
	name, err := d.CapabilityName(dataType)
	if err != nil {
		return nil, "", err
	}

	serves := func(capability entity.Capability) bool {
		return market == "" || entity.SupportsMarket(capability, market)
	}

	preferredProvider = strings.TrimSpace(preferredProvider)
	if preferredProvider != "" {
		if capability, ok := d.registry.GetCapability(preferredProvider, name); ok && serves(capability) {
			return capability, preferredProvider, nil
		}

		logrus.WithFields(logrus.Fields{
			"preferred_provider": preferredProvider,
			"capability":         name,
			"market":             market,
		}).Debug("preferred provider unavailable, falling back")
	}

	ranked := d.registry.RankedProviders(name)
	if len(ranked) == 0 {
		return nil, "", fmt.Errorf("%w: %s", ErrCapabilityNotFound, name)
	}

	for _, provider := range ranked {
		if provider == preferredProvider {
			continue
		}
		capability, ok := d.registry.GetCapability(provider, name)
		if ok && serves(capability) {
			return capability, provider, nil
		}
	}

	return nil, "", fmt.Errorf("%w: no provider of %s serves market %s", ErrCapabilityNotFound, name, market)
}

// Dispatch resolves and invokes a capability through a pooled handle. Every
// failure after resolution, including pool exhaustion and timeouts, is
// reported as ErrCapabilityNotFound wrapping the cause.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	symbols := normalizeSymbols(req.Symbols)
	if len(symbols) == 0 {
		return nil, ErrNoSymbols
	}

	market := req.Market
	if market == "" {
		market = InferMarket(symbols[0])
	}

	capability, provider, err := d.resolve(req.DataType, req.PreferredProvider, market)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	contextHandle, _ := d.registry.ContextHandle(provider)
	capReq := entity.CapabilityRequest{
		Symbols:       d.providerSymbols(provider, symbols),
		Market:        market,
		ContextHandle: contextHandle,
		Options:       req.Options,
	}

	started := time.Now()
	capResult, err := d.invoke(ctx, provider, capability, capReq)
	infrastructure.DispatchDuration.WithLabelValues(provider, capability.Name()).Observe(time.Since(started).Seconds())
	if err != nil {
		infrastructure.DispatchTotal.WithLabelValues(provider, capability.Name(), "error").Inc()
		logrus.WithFields(logrus.Fields{
			"provider":   provider,
			"capability": capability.Name(),
			"symbols":    symbols,
			"market":     market,
		}).Warnf("dispatch failed: %v", err)
		return nil, fetchFailed(err)
	}
	infrastructure.DispatchTotal.WithLabelValues(provider, capability.Name(), "ok").Inc()

	result := d.newResult(ctx, req, symbols, market)
	result.Provider = provider
	result.Capability = capability.Name()
	if capResult != nil {
		result.Data = capResult.Data
		result.Metadata = capResult.Metadata
	}

	return result, nil
}

type invokeOutcome struct {
	result *entity.CapabilityResult
	err    error
}

// invoke runs the capability on a leased handle. On timeout the lease is
// handed to the still-running invocation, which releases it when it returns.
func (d *Dispatcher) invoke(ctx context.Context, provider string, capability entity.Capability, capReq entity.CapabilityRequest) (*entity.CapabilityResult, error) {
	lease, err := d.pool.Lease(ctx, provider)
	if err != nil {
		return nil, err
	}
	capReq.Conn = lease.Handle()

	done := make(chan invokeOutcome, 1)
	go func() {
		var out invokeOutcome
		defer func() {
			if recovered := recover(); recovered != nil {
				out = invokeOutcome{err: fmt.Errorf("capability panicked: %v", recovered)}
			}
			if out.err != nil {
				lease.MarkUnhealthy()
			}
			done <- out
		}()

		res, err := capability.Invoke(ctx, capReq)
		out = invokeOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		d.pool.Release(lease)
		return out.result, out.err
	case <-ctx.Done():
		lease.MarkUnhealthy()
		go func() {
			<-done
			d.pool.Release(lease)
		}()
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) newResult(ctx context.Context, req Request, symbols []string, market entity.Market) *Result {
	result := &Result{
		DataType:  req.DataType,
		Symbols:   symbols,
		Market:    market,
		FetchedAt: d.now().UTC(),
	}
	if market == "" || d.marketStatus == nil {
		return result
	}

	status := d.marketStatus.GetStatus(market, d.now())
	result.MarketStatus = &status
	result.CacheTTL = int64(d.cacheTTL(ctx, req, market, status).Seconds())

	return result
}

func (d *Dispatcher) cacheTTL(ctx context.Context, req Request, market entity.Market, status entity.MarketStatus) time.Duration {
	mode := req.CacheMode
	if mode == "" {
		mode = entity.CacheModeRealtime
	}

	key := fmt.Sprintf("%s:%s:%s:%s", ttlHintKeyPrefix, market, mode, status.Status)
	if d.cache != nil && ctx.Err() == nil {
		raw, ok, err := d.cache.Get(ctx, key)
		if err != nil {
			logrus.WithField("key", key).Warnf("read ttl hint failed: %v", err)
		}
		if ok {
			if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	ttl := d.marketStatus.GetRecommendedCacheTTL(market, mode, d.now())
	if d.cache != nil && ttl > 0 && ctx.Err() == nil {
		if err := d.cache.Set(ctx, key, int64(ttl.Seconds()), ttl); err != nil {
			logrus.WithField("key", key).Warnf("write ttl hint failed: %v", err)
		}
	}

	return ttl
}

func (d *Dispatcher) providerSymbols(provider string, symbols []string) []string {
	if d.symbols == nil {
		return symbols
	}

	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = d.symbols.ToProvider(provider, s)
	}
	return out
}

func fetchFailed(err error) error {
	return fmt.Errorf("%w: fetch failed: %w", ErrCapabilityNotFound, err)
}

func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		s = entity.NormalizeSymbol(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
