package streaming

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/krobus00/stream-gateway/internal/service/admission"
	"github.com/krobus00/stream-gateway/internal/service/clientstate"
	"github.com/krobus00/stream-gateway/internal/service/dispatcher"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotConnected   = errors.New("connection is not registered")
	ErrServerInactive = errors.New("stream server is not active, reconnect to the active path")
)

type Admitter interface {
	AdmitRequest(ctx context.Context, payload *admission.PayloadCredentials, headers http.Header, query url.Values) admission.Decision
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatcher.Request) (*dispatcher.Result, error)
	FetchBatch(ctx context.Context, reqs []dispatcher.Request) []dispatcher.Result
	CapabilityName(dataType string) (string, error)
	BatchMaxSize() int
}

// Delivery is the live channel. Emit and Broadcast report false instead of
// failing. Only clients attached at the active path receive anything.
type Delivery interface {
	Emit(clientID, event string, payload any) bool
	Broadcast(room, event string, payload any) bool
	IsActivePath(path string) bool
}

type session struct {
	ctx       context.Context
	cancel    context.CancelFunc
	handshake Handshake
}

// Service handles the connection-level protocol: connect, subscribe,
// unsubscribe and disconnect.
type Service struct {
	admission  Admitter
	clients    *clientstate.Manager
	dispatcher Dispatcher
	delivery   Delivery

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

func NewService(admitter Admitter, clients *clientstate.Manager, d Dispatcher, delivery Delivery) *Service {
	return &Service{
		admission:  admitter,
		clients:    clients,
		dispatcher: d,
		delivery:   delivery,
		sessions:   make(map[string]*session),
	}
}

// Connect admits a new connection from its handshake and registers it.
// A denied connection never reaches the client state manager.
func (s *Service) Connect(ctx context.Context, connID string, handshake Handshake) admission.Decision {
	decision := s.admission.AdmitRequest(ctx, nil, handshake.Headers, handshake.Query)
	if !decision.Allowed {
		return decision
	}

	if _, err := s.clients.Register(connID, decision.Identity); err != nil {
		decision.Allowed = false
		decision.Err = err
		return decision
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.sessions[connID] = &session{ctx: sessCtx, cancel: cancel, handshake: handshake}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"conn_id":     connID,
		"identity_id": decision.Identity.ID,
		"remote_ip":   handshake.RemoteIP,
	}).Info("client connected")

	return decision
}

// Subscribe re-admits the message and records the subscription.
func (s *Service) Subscribe(ctx context.Context, connID string, req SubscribeRequest) Ack {
	ack := newAck(entity.EventSubscribe, req.RequestID)

	sess, ok := s.session(connID)
	if !ok {
		return ack.reject(ErrNotConnected)
	}
	if !s.delivery.IsActivePath(sess.handshake.Path) {
		return ack.reject(ErrServerInactive)
	}

	decision := s.admission.AdmitRequest(ctx, req.Credentials, sess.handshake.Headers, sess.handshake.Query)
	ack.Warnings = append(ack.Warnings, decision.Warnings...)
	if !decision.Allowed {
		ack.Errors = append(ack.Errors, admission.Reason(decision.Err))
		return ack
	}

	capabilityType := strings.TrimSpace(req.CapabilityType)
	if _, err := s.dispatcher.CapabilityName(capabilityType); err != nil {
		return ack.reject(err)
	}

	sub := entity.NewSubscription(capabilityType, req.Symbols, req.PreferredProvider.ValueOrZero())
	if len(sub.Symbols) == 0 {
		return ack.reject(clientstate.ErrInvalidSubscription)
	}
	if limit := s.dispatcher.BatchMaxSize(); limit > 0 && len(sub.Symbols) > limit {
		return ack.reject(fmt.Errorf("at most %d symbols per subscribe", limit))
	}

	if _, err := s.clients.Subscribe(connID, sub); err != nil {
		return ack.reject(err)
	}
	ack.Accepted = true
	return ack
}

// PushSnapshot fetches the current value of each requested symbol in the
// background and emits it to the client. Transports call it after the ack
// has been written so data never overtakes the ack. The work is cancelled
// when the client disconnects.
func (s *Service) PushSnapshot(connID string, req SubscribeRequest) {
	sess, ok := s.session(connID)
	if !ok {
		return
	}

	sub := entity.NewSubscription(req.CapabilityType, req.Symbols, req.PreferredProvider.ValueOrZero())
	if len(sub.Symbols) == 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pushSnapshot(sess.ctx, connID, sub)
	}()
}

func (s *Service) Unsubscribe(connID string, req UnsubscribeRequest) Ack {
	ack := newAck(entity.EventUnsubscribe, req.RequestID)

	if len(req.Symbols) == 0 {
		return ack.reject(errors.New("at least one symbol is required"))
	}

	if _, err := s.clients.Unsubscribe(connID, req.CapabilityType, req.Symbols); err != nil {
		return ack.reject(err)
	}
	ack.Accepted = true
	return ack
}

// Disconnect cancels in-flight work for the connection and drops its state.
// Safe to call more than once.
func (s *Service) Disconnect(connID string) {
	s.mu.Lock()
	sess, ok := s.sessions[connID]
	delete(s.sessions, connID)
	s.mu.Unlock()

	if ok {
		sess.cancel()
	}

	if last := s.clients.Deregister(connID); last != nil {
		logrus.WithFields(logrus.Fields{
			"conn_id":  connID,
			"topics":   len(last.Topics()),
			"duration": time.Since(last.ConnectedAt).String(),
		}).Info("client disconnected")
	}
}

// Wait blocks until background snapshot pushes have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) session(connID string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[connID]
	return sess, ok
}

func (s *Service) pushSnapshot(ctx context.Context, connID string, sub entity.Subscription) {
	reqs := make([]dispatcher.Request, 0, len(sub.Symbols))
	for _, symbol := range sub.SymbolList() {
		reqs = append(reqs, dispatcher.Request{
			DataType:          sub.CapabilityType,
			Symbols:           []string{symbol},
			PreferredProvider: sub.PreferredProvider,
		})
	}

	results := s.dispatcher.FetchBatch(ctx, reqs)
	if ctx.Err() != nil {
		// client went away, discard
		return
	}

	for i, result := range results {
		symbol := reqs[i].Symbols[0]
		if result.Error.Valid {
			s.delivery.Emit(connID, entity.EventError, map[string]any{
				"symbol":          symbol,
				"capability_type": sub.CapabilityType,
				"error":           result.Error.String,
			})
			continue
		}
		s.delivery.Emit(connID, entity.EventData, newEvent(sub.CapabilityType, symbol, result))
	}
}

func newEvent(capabilityType, symbol string, result dispatcher.Result) entity.MarketDataEvent {
	return entity.MarketDataEvent{
		Symbol:         symbol,
		CapabilityType: capabilityType,
		Provider:       result.Provider,
		Market:         result.Market,
		Payload:        result,
		Timestamp:      result.FetchedAt,
	}
}
