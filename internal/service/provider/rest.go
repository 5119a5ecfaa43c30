package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/krobus00/stream-gateway/internal/entity"
)

const maxUpstreamBody = 8 << 20

// RESTClient is a pooled HTTP session against a provider's REST API.
type RESTClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewRESTClient(_ context.Context, baseURL, apiKey string, timeout time.Duration) (*RESTClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("rest provider base url is required")
	}

	return &RESTClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 1,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

func (c *RESTClient) Fetch(ctx context.Context, capability string, req entity.CapabilityRequest) (*upstreamResponse, error) {
	payload := upstreamRequest{
		ID:      uuid.NewString(),
		Action:  capability,
		Symbols: req.Symbols,
		Market:  req.Market,
		Options: req.Options,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/"+capability, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-Id", payload.ID)
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, err
	}

	var out upstreamResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse upstream response: status=%d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusBadRequest && out.Error == "" {
		out.Error = fmt.Sprintf("status %d", resp.StatusCode)
	}
	if out.ID == "" {
		out.ID = payload.ID
	}

	return &out, nil
}

func (c *RESTClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *RESTClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
