package provider

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/sirupsen/logrus"
)

// WSClient is a dialed upstream websocket. Requests on one client are
// serialized; the pool leases it to one dispatch at a time.
type WSClient struct {
	url     string
	conn    *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex
}

func DialWS(ctx context.Context, url, apiKey string, timeout time.Duration) (*WSClient, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	header := http.Header{}
	if apiKey != "" {
		header.Set("X-API-Key", apiKey)
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetPongHandler(func(string) error {
		return nil
	})

	logrus.WithField("url", url).Debug("upstream websocket connected")

	return &WSClient{url: url, conn: conn, timeout: timeout}, nil
}

func (c *WSClient) Fetch(ctx context.Context, capability string, req entity.CapabilityRequest) (*upstreamResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// unblock reads when the caller gives up
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

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

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return nil, err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read response: %w", err)
		}

		var resp upstreamResponse
		if err := json.Unmarshal(message, &resp); err != nil {
			logrus.WithField("url", c.url).Warnf("skipping malformed upstream message: %v", err)
			continue
		}
		if resp.ID != payload.ID {
			// late reply to an abandoned request
			continue
		}
		return &resp, nil
	}
}

func (c *WSClient) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *WSClient) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}
