package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/stream-gateway/internal/config"
	"github.com/krobus00/stream-gateway/internal/constant"
	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/krobus00/stream-gateway/internal/service/pool"
)

const defaultUpstreamTimeout = 10 * time.Second

var (
	ErrNoConnection        = errors.New("no upstream connection leased")
	ErrUnknownProviderType = errors.New("unknown provider type")
	ErrUpstream            = errors.New("upstream error")
)

// Client is the pooled upstream handle a capability runs on.
type Client interface {
	pool.Handle
	Fetch(ctx context.Context, capability string, req entity.CapabilityRequest) (*upstreamResponse, error)
}

type upstreamRequest struct {
	ID      string         `json:"id"`
	Action  string         `json:"action"`
	Symbols []string       `json:"symbols"`
	Market  entity.Market  `json:"market,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type upstreamResponse struct {
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

type capability struct {
	name     string
	provider string
	markets  []entity.Market
	formats  []string
}

func (c *capability) Name() string                      { return c.name }
func (c *capability) ProviderName() string              { return c.provider }
func (c *capability) SupportedMarkets() []entity.Market { return c.markets }
func (c *capability) SupportedSymbolFormats() []string  { return c.formats }

func (c *capability) Invoke(ctx context.Context, req entity.CapabilityRequest) (*entity.CapabilityResult, error) {
	client, ok := req.Conn.(Client)
	if !ok || client == nil {
		return nil, ErrNoConnection
	}

	started := time.Now()
	resp, err := client.Fetch(ctx, c.name, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrUpstream, resp.Error)
	}

	data, err := c.decode(resp.Data, req.Market)
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", c.name, err)
	}

	return &entity.CapabilityResult{
		Data: data,
		Metadata: map[string]any{
			"request_id": resp.ID,
			"latency_ms": time.Since(started).Milliseconds(),
		},
	}, nil
}

// decode normalizes quote payloads; other capabilities pass through as raw JSON.
func (c *capability) decode(raw json.RawMessage, market entity.Market) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	switch c.name {
	case constant.CapabilityStockQuote, constant.CapabilityIndexQuote:
		var quotes []entity.Quote
		if err := json.Unmarshal(raw, &quotes); err != nil {
			return nil, err
		}
		for i := range quotes {
			quotes[i].ProviderName = c.provider
			if quotes[i].Market == "" {
				quotes[i].Market = market
			}
		}
		return quotes, nil
	default:
		return raw, nil
	}
}

// Provider is one configured upstream: its registry entry and the factory
// the connection pool uses to open handles.
type Provider struct {
	Name         string
	Registration entity.ProviderRegistration
	Factory      pool.Factory
}

func New(name string, cfg config.ProviderConfig) (*Provider, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("provider name is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("provider %s: url is required", name)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}

	var factory pool.Factory
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case constant.ProviderTypeWS:
		factory = func(ctx context.Context) (pool.Handle, error) {
			client, err := DialWS(ctx, cfg.URL, cfg.APIKey, timeout)
			if err != nil {
				return nil, err
			}
			return client, nil
		}
	case constant.ProviderTypeREST, "":
		factory = func(ctx context.Context) (pool.Handle, error) {
			client, err := NewRESTClient(ctx, cfg.URL, cfg.APIKey, timeout)
			if err != nil {
				return nil, err
			}
			return client, nil
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProviderType, cfg.Type)
	}

	capabilities := make(map[string]entity.Capability, len(cfg.Capabilities))
	for _, capCfg := range cfg.Capabilities {
		capName := strings.TrimSpace(capCfg.Name)
		if mapped, ok := constant.DataTypeCapabilities[capName]; ok {
			capName = mapped
		}
		if capName == "" {
			continue
		}

		markets := make([]entity.Market, 0, len(capCfg.Markets))
		for _, m := range capCfg.Markets {
			market := entity.Market(strings.ToUpper(strings.TrimSpace(m)))
			if !market.IsValid() {
				return nil, fmt.Errorf("provider %s capability %s: unknown market %q", name, capName, m)
			}
			markets = append(markets, market)
		}

		capabilities[capName] = &capability{
			name:     capName,
			provider: name,
			markets:  markets,
			formats:  capCfg.SymbolFormats,
		}
	}
	if len(capabilities) == 0 {
		return nil, fmt.Errorf("provider %s: at least one capability is required", name)
	}

	return &Provider{
		Name: name,
		Registration: entity.ProviderRegistration{
			Name:         name,
			Priority:     cfg.Priority,
			Capabilities: capabilities,
			ContextHandle: map[string]string{
				"type": cfg.Type,
				"url":  cfg.URL,
			},
		},
		Factory: factory,
	}, nil
}
