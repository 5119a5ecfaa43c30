package clientstate

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/sirupsen/logrus"
)

var (
	ErrClientNotFound      = errors.New("client not registered")
	ErrClientExists        = errors.New("client already registered")
	ErrInvalidSubscription = errors.New("subscription requires a capability type and at least one symbol")
	ErrIdentityRequired    = errors.New("identity is required")
)

type clientSlot struct {
	// serializes mutations for one connection
	mu   sync.Mutex
	conn atomic.Pointer[entity.ClientConnection]
}

// Manager owns per-connection subscription state. Mutations build a new
// ClientConnection and swap it in, so readers never observe a partial update.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*clientSlot
	now     func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		clients: make(map[string]*clientSlot),
		now:     time.Now,
	}
}

func (m *Manager) Register(connID string, identity *entity.AuthIdentity) (*entity.ClientConnection, error) {
	if identity == nil {
		return nil, ErrIdentityRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[connID]; ok {
		return nil, ErrClientExists
	}

	conn := &entity.ClientConnection{
		ID:            connID,
		Identity:      identity,
		ConnectedAt:   m.now().UTC(),
		Subscriptions: make(map[string]entity.Subscription),
	}
	slot := &clientSlot{}
	slot.conn.Store(conn)
	m.clients[connID] = slot

	logrus.WithFields(logrus.Fields{
		"conn_id":     connID,
		"identity_id": identity.ID,
		"clients":     len(m.clients),
	}).Debug("client registered")

	return conn, nil
}

// Subscribe merges symbols into the subscription for the capability type.
// A non-empty preferred provider replaces the previous one.
func (m *Manager) Subscribe(connID string, sub entity.Subscription) (*entity.ClientConnection, error) {
	if strings.TrimSpace(sub.CapabilityType) == "" || len(sub.Symbols) == 0 {
		return nil, ErrInvalidSubscription
	}

	return m.mutate(connID, func(next *entity.ClientConnection) {
		current, ok := next.Subscriptions[sub.CapabilityType]
		if !ok {
			current = entity.Subscription{
				CapabilityType: sub.CapabilityType,
				Symbols:        make(map[string]struct{}, len(sub.Symbols)),
			}
		}
		for symbol := range sub.Symbols {
			current.Symbols[symbol] = struct{}{}
		}
		if sub.PreferredProvider != "" {
			current.PreferredProvider = sub.PreferredProvider
		}
		next.Subscriptions[sub.CapabilityType] = current
	})
}

// Unsubscribe removes symbols from the subscription for capabilityType, or
// from every subscription when capabilityType is empty. Emptied subscriptions
// are dropped.
func (m *Manager) Unsubscribe(connID, capabilityType string, symbols []string) (*entity.ClientConnection, error) {
	capabilityType = strings.TrimSpace(capabilityType)

	return m.mutate(connID, func(next *entity.ClientConnection) {
		for capType, sub := range next.Subscriptions {
			if capabilityType != "" && capType != capabilityType {
				continue
			}
			for _, symbol := range symbols {
				delete(sub.Symbols, entity.NormalizeSymbol(symbol))
			}
			if len(sub.Symbols) == 0 {
				delete(next.Subscriptions, capType)
			}
		}
	})
}

// Deregister drops every piece of state for the connection. Safe to repeat.
func (m *Manager) Deregister(connID string) *entity.ClientConnection {
	m.mu.Lock()
	slot, ok := m.clients[connID]
	if ok {
		delete(m.clients, connID)
	}
	remaining := len(m.clients)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"conn_id": connID,
		"clients": remaining,
	}).Debug("client deregistered")

	return slot.conn.Load()
}

func (m *Manager) Get(connID string) (*entity.ClientConnection, bool) {
	m.mu.RLock()
	slot, ok := m.clients[connID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return slot.conn.Load(), true
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Snapshot returns the current view of every client. The returned values
// are shared and must not be mutated.
func (m *Manager) Snapshot() []*entity.ClientConnection {
	m.mu.RLock()
	out := make([]*entity.ClientConnection, 0, len(m.clients))
	for _, slot := range m.clients {
		out = append(out, slot.conn.Load())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// Subscribers returns the ids of clients subscribed to topic.
func (m *Manager) Subscribers(topic string) []string {
	capabilityType, symbol, ok := entity.SplitTopic(topic)
	if !ok {
		return nil
	}

	ids := make([]string, 0)
	for _, conn := range m.Snapshot() {
		sub, ok := conn.Subscriptions[capabilityType]
		if !ok {
			continue
		}
		if _, ok := sub.Symbols[symbol]; ok {
			ids = append(ids, conn.ID)
		}
	}
	return ids
}

// Topics returns every distinct topic with at least one subscriber.
func (m *Manager) Topics() []string {
	set := make(map[string]struct{})
	for _, conn := range m.Snapshot() {
		for _, topic := range conn.Topics() {
			set[topic] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for topic := range set {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// PreferredProvider returns the first preferred provider any subscriber of
// topic asked for.
func (m *Manager) PreferredProvider(topic string) string {
	capabilityType, symbol, ok := entity.SplitTopic(topic)
	if !ok {
		return ""
	}

	for _, conn := range m.Snapshot() {
		sub, ok := conn.Subscriptions[capabilityType]
		if !ok || sub.PreferredProvider == "" {
			continue
		}
		if _, ok := sub.Symbols[symbol]; ok {
			return sub.PreferredProvider
		}
	}
	return ""
}

func (m *Manager) mutate(connID string, apply func(next *entity.ClientConnection)) (*entity.ClientConnection, error) {
	m.mu.RLock()
	slot, ok := m.clients[connID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrClientNotFound
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	next := slot.conn.Load().Clone()
	apply(next)
	slot.conn.Store(next)

	return next, nil
}
