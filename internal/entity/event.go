package entity

import (
	"context"
	"time"
)

type Publisher interface {
	JetstreamEventInit(ctx context.Context) error
}

type Subscriber interface {
	JetstreamEventSubscribe(ctx context.Context) error
}

const (
	EventData        = "data"
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventAck         = "ack"
	EventError       = "error"
	EventPing        = "ping"
	EventPong        = "pong"
	EventWelcome     = "welcome"
)

// MarketDataEvent is pushed to clients and carried over the market data stream.
type MarketDataEvent struct {
	Symbol         string    `json:"symbol"`
	CapabilityType string    `json:"capability_type"`
	Provider       string    `json:"provider,omitempty"`
	Market         Market    `json:"market,omitempty"`
	Payload        any       `json:"payload"`
	Timestamp      time.Time `json:"timestamp"`
}
