package streaming

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/stream-gateway/internal/constant"
	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/krobus00/stream-gateway/internal/infrastructure"
	"github.com/krobus00/stream-gateway/internal/service/clientstate"
	"github.com/krobus00/stream-gateway/internal/service/dispatcher"
	"github.com/krobus00/stream-gateway/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	defaultRefreshInterval = 3 * time.Second
	defaultHandlerTimeout  = 5 * time.Second
	marketDataMaxAge       = time.Minute
)

// Refresher periodically fetches every active topic and fans the updates
// out to the rooms. With JetStream configured the updates travel over the
// market data stream so every gateway instance delivers to its own clients.
type Refresher struct {
	clients        *clientstate.Manager
	dispatcher     Dispatcher
	delivery       Delivery
	js             nats.JetStreamContext
	interval       time.Duration
	handlerTimeout time.Duration
}

type RefresherOption func(*Refresher)

func WithJetstream(js nats.JetStreamContext) RefresherOption {
	return func(r *Refresher) {
		r.js = js
	}
}

func WithHandlerTimeout(timeout time.Duration) RefresherOption {
	return func(r *Refresher) {
		if timeout > 0 {
			r.handlerTimeout = timeout
		}
	}
}

func NewRefresher(clients *clientstate.Manager, d Dispatcher, delivery Delivery, interval time.Duration, opts ...RefresherOption) *Refresher {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}

	r := &Refresher{
		clients:        clients,
		dispatcher:     d,
		delivery:       delivery,
		interval:       interval,
		handlerTimeout: defaultHandlerTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logrus.WithField("interval", r.interval.String()).Info("topic refresher started")
	for {
		select {
		case <-ctx.Done():
			logrus.Info("topic refresher stopped")
			return
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// Refresh runs one pass over the active topics and returns the number of
// updates delivered.
func (r *Refresher) Refresh(ctx context.Context) int {
	topics := r.clients.Topics()
	if len(topics) == 0 {
		return 0
	}

	reqs := make([]dispatcher.Request, 0, len(topics))
	for _, topic := range topics {
		capabilityType, symbol, ok := entity.SplitTopic(topic)
		if !ok {
			continue
		}
		reqs = append(reqs, dispatcher.Request{
			DataType:          capabilityType,
			Symbols:           []string{symbol},
			PreferredProvider: r.clients.PreferredProvider(topic),
		})
	}

	chunk := r.dispatcher.BatchMaxSize()
	if chunk <= 0 {
		chunk = len(reqs)
	}

	delivered := 0
	for start := 0; start < len(reqs); start += chunk {
		end := min(start+chunk, len(reqs))
		batch := reqs[start:end]

		results := r.dispatcher.FetchBatch(ctx, batch)
		for i, result := range results {
			req := batch[i]
			if result.Error.Valid {
				logrus.WithFields(logrus.Fields{
					"data_type": req.DataType,
					"symbol":    req.Symbols[0],
				}).Debugf("refresh failed: %s", result.Error.String)
				continue
			}
			if r.deliver(newEvent(req.DataType, req.Symbols[0], result)) {
				delivered++
			}
		}
	}

	return delivered
}

func (r *Refresher) deliver(event entity.MarketDataEvent) bool {
	if r.js != nil {
		err := util.PublishEvent(r.js, MarketDataSubject(event.CapabilityType, event.Symbol), event)
		if err == nil {
			infrastructure.BroadcastTotal.WithLabelValues("publish", "ok").Inc()
			return true
		}
		infrastructure.BroadcastTotal.WithLabelValues("publish", "failed").Inc()
		logrus.WithField("symbol", event.Symbol).Warnf("publish market data failed, broadcasting locally: %v", err)
	}

	return r.broadcast("refresh", event)
}

func (r *Refresher) broadcast(origin string, event entity.MarketDataEvent) bool {
	ok := r.delivery.Broadcast(entity.Topic(event.CapabilityType, event.Symbol), entity.EventData, event)
	if ok {
		infrastructure.BroadcastTotal.WithLabelValues(origin, "ok").Inc()
	} else {
		infrastructure.BroadcastTotal.WithLabelValues(origin, "failed").Inc()
	}
	return ok
}

func (r *Refresher) JetstreamEventInit(ctx context.Context) error {
	if r.js == nil {
		return nil
	}

	return infrastructure.EnsureStream(r.js, &nats.StreamConfig{
		Name:      constant.MarketDataStreamName,
		Subjects:  []string{constant.MarketDataStreamSubjectAll},
		Storage:   nats.MemoryStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    marketDataMaxAge,
		Replicas:  1,
	})
}

// JetstreamEventSubscribe attaches an ephemeral consumer so every instance
// receives every update for its own rooms.
func (r *Refresher) JetstreamEventSubscribe(ctx context.Context) error {
	if r.js == nil {
		return nil
	}
	if err := r.JetstreamEventInit(ctx); err != nil {
		return err
	}

	_, err := r.js.Subscribe(
		constant.MarketDataStreamSubjectAll,
		func(msg *nats.Msg) {
			err := util.ProcessWithTimeout(r.handlerTimeout, msg, r.handleMarketDataEvent)
			if err != nil {
				logrus.Errorf("error processing market data message: %v", err)
			}
		},
		nats.DeliverNew(),
		nats.AckNone(),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", constant.MarketDataStreamSubjectAll, err)
	}

	logrus.WithField("subject", constant.MarketDataStreamSubjectAll).Info("market data subscription ready")
	return nil
}

func (r *Refresher) handleMarketDataEvent(_ context.Context, msg *nats.Msg) error {
	var event entity.MarketDataEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return err
	}
	if event.CapabilityType == "" || event.Symbol == "" {
		return fmt.Errorf("market data event on %s is missing its topic", msg.Subject)
	}

	r.broadcast("bus", event)
	return nil
}

// MarketDataSubject is market_data.<capability type>.<symbol>.
func MarketDataSubject(capabilityType, symbol string) string {
	return fmt.Sprintf("%s.%s.%s", constant.MarketDataSubjectPrefix, util.SubjectToken(capabilityType), util.SubjectToken(entity.NormalizeSymbol(symbol)))
}
