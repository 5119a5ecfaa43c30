package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/krobus00/stream-gateway/internal/infrastructure"
	"github.com/sirupsen/logrus"
)

const (
	defaultMaxPerProvider = 8
	defaultMaxFailures    = 3
	defaultPingTimeout    = 3 * time.Second
)

var (
	ErrPoolExhausted   = errors.New("connection pool exhausted")
	ErrPoolClosed      = errors.New("connection pool closed")
	ErrUnknownProvider = errors.New("no connection factory for provider")
)

// Handle is a reusable upstream connection.
type Handle interface {
	Ping(ctx context.Context) error
	Close() error
}

type Factory func(ctx context.Context) (Handle, error)

type Config struct {
	MaxPerProvider int
	LeaseTimeout   time.Duration
	MaxFailures    int
}

type ProviderStats struct {
	Provider string `json:"provider"`
	Idle     int    `json:"idle"`
	Leased   int    `json:"leased"`
	Total    int    `json:"total"`
	Cap      int    `json:"cap"`
	Created  uint64 `json:"created"`
	Evicted  uint64 `json:"evicted"`
}

type entry struct {
	id          uint64
	handle      Handle
	leasedSince time.Time
	healthy     bool
	failures    int
}

type providerPool struct {
	name    string
	factory Factory
	cap     int

	// one token per handle that is leased, being created or being pinged
	slots chan struct{}

	mu      sync.Mutex
	idle    []*entry
	total   int
	leased  int
	created uint64
	evicted uint64
	closed  bool
}

// Lease is the exclusive right to use one handle until Release.
type Lease struct {
	pool      *providerPool
	entry     *entry
	released  atomic.Bool
	unhealthy atomic.Bool
}

func (l *Lease) Handle() Handle {
	return l.entry.handle
}

func (l *Lease) Provider() string {
	return l.pool.name
}

func (l *Lease) ID() uint64 {
	return l.entry.id
}

func (l *Lease) LeasedSince() time.Time {
	return l.entry.leasedSince
}

// MarkUnhealthy makes Release close the handle instead of returning it.
func (l *Lease) MarkUnhealthy() {
	l.unhealthy.Store(true)
}

type Manager struct {
	cfg Config

	mu     sync.RWMutex
	pools  map[string]*providerPool
	nextID atomic.Uint64
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxPerProvider <= 0 {
		cfg.MaxPerProvider = defaultMaxPerProvider
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}

	return &Manager{
		cfg:   cfg,
		pools: make(map[string]*providerPool),
	}
}

// RegisterProvider installs the factory used to open handles for provider.
// Re-registering replaces the factory for handles created afterwards.
func (m *Manager) RegisterProvider(provider string, factory Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.pools[provider]; ok {
		existing.mu.Lock()
		existing.factory = factory
		existing.mu.Unlock()
		return
	}

	m.pools[provider] = &providerPool{
		name:    provider,
		factory: factory,
		cap:     m.cfg.MaxPerProvider,
		slots:   make(chan struct{}, m.cfg.MaxPerProvider),
	}
}

// Lease returns an idle handle or opens a new one while under the provider
// cap. At capacity it waits up to the lease timeout, then fails with
// ErrPoolExhausted.
func (m *Manager) Lease(ctx context.Context, provider string) (*Lease, error) {
	p, err := m.pool(provider)
	if err != nil {
		return nil, err
	}

	if err := m.acquireSlot(ctx, p); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolClosed
	}

	if n := len(p.idle); n > 0 {
		e := p.idle[n-1]
		p.idle = p.idle[:n-1]
		e.leasedSince = time.Now()
		p.leased++
		p.mu.Unlock()
		p.observe()

		return &Lease{pool: p, entry: e}, nil
	}

	// idle is empty and a slot is held, so total stays within cap
	p.total++
	factory := p.factory
	p.mu.Unlock()

	handle, err := factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		<-p.slots

		logrus.WithFields(logrus.Fields{
			"provider": provider,
		}).Warnf("open upstream handle failed: %v", err)
		return nil, fmt.Errorf("open %s handle: %w", provider, err)
	}

	e := &entry{
		id:          m.nextID.Add(1),
		handle:      handle,
		leasedSince: time.Now(),
		healthy:     true,
	}

	p.mu.Lock()
	p.leased++
	p.created++
	p.mu.Unlock()
	p.observe()

	return &Lease{pool: p, entry: e}, nil
}

// Release returns the handle to the idle set, or closes it when it was
// marked unhealthy. Releasing twice is a logged no-op.
func (m *Manager) Release(lease *Lease) {
	if lease == nil {
		return
	}
	if !lease.released.CompareAndSwap(false, true) {
		logrus.WithFields(logrus.Fields{
			"provider":  lease.pool.name,
			"handle_id": lease.entry.id,
		}).Warn("handle released twice, ignoring")
		return
	}

	p := lease.pool
	e := lease.entry

	p.mu.Lock()
	p.leased--
	e.leasedSince = time.Time{}
	discard := p.closed || lease.unhealthy.Load() || !e.healthy
	if discard {
		p.total--
		p.evicted++
	} else {
		p.idle = append(p.idle, e)
	}
	p.mu.Unlock()
	<-p.slots

	if discard {
		closeHandle(p.name, e)
		infrastructure.PoolEvictions.WithLabelValues(p.name).Inc()
	}
	p.observe()
}

// HealthCheck pings every idle handle once. Handles failing MaxFailures
// consecutive checks are evicted. Busy pools are skipped rather than waited on.
func (m *Manager) HealthCheck(ctx context.Context) {
	m.mu.RLock()
	pools := make([]*providerPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	for _, p := range pools {
		m.checkPool(ctx, p)
	}
}

func (m *Manager) StartHealthCheck(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.HealthCheck(ctx)
			}
		}
	}()
}

func (m *Manager) Stats() []ProviderStats {
	m.mu.RLock()
	pools := make([]*providerPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	stats := make([]ProviderStats, 0, len(pools))
	for _, p := range pools {
		stats = append(stats, p.stats())
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Provider < stats[j].Provider
	})

	return stats
}

// Close closes idle handles and marks every pool closed. Leased handles are
// closed when released.
func (m *Manager) Close() error {
	m.mu.RLock()
	pools := make([]*providerPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	for _, p := range pools {
		p.mu.Lock()
		p.closed = true
		idle := p.idle
		p.idle = nil
		p.total -= len(idle)
		p.evicted += uint64(len(idle))
		p.mu.Unlock()

		for _, e := range idle {
			closeHandle(p.name, e)
		}
		p.observe()
	}

	return nil
}

func (m *Manager) pool(provider string) (*providerPool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pools[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return p, nil
}

func (m *Manager) acquireSlot(ctx context.Context, p *providerPool) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	default:
	}

	if m.cfg.LeaseTimeout <= 0 {
		return ErrPoolExhausted
	}

	timer := time.NewTimer(m.cfg.LeaseTimeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		logrus.WithFields(logrus.Fields{
			"provider":      p.name,
			"cap":           p.cap,
			"lease_timeout": m.cfg.LeaseTimeout.String(),
		}).Warn("pool exhausted")
		return ErrPoolExhausted
	}
}

func (m *Manager) checkPool(ctx context.Context, p *providerPool) {
	p.mu.Lock()
	candidates := make([]*entry, len(p.idle))
	copy(candidates, p.idle)
	p.mu.Unlock()

	for _, e := range candidates {
		if ctx.Err() != nil {
			return
		}

		select {
		case p.slots <- struct{}{}:
		default:
			return
		}

		if !p.takeIdle(e) {
			<-p.slots
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
		err := e.handle.Ping(pingCtx)
		cancel()

		p.mu.Lock()
		if err != nil {
			e.failures++
		} else {
			e.failures = 0
		}
		// a pool closed during the ping never takes the handle back
		evict := p.closed || e.failures >= m.cfg.MaxFailures
		if evict {
			e.healthy = false
			p.total--
			p.evicted++
		} else {
			p.idle = append(p.idle, e)
		}
		p.mu.Unlock()
		<-p.slots

		if err != nil {
			logrus.WithFields(logrus.Fields{
				"provider":  p.name,
				"handle_id": e.id,
				"failures":  e.failures,
				"evicted":   evict,
			}).Warnf("upstream handle health check failed: %v", err)
		}
		if evict {
			closeHandle(p.name, e)
			infrastructure.PoolEvictions.WithLabelValues(p.name).Inc()
		}
	}
	p.observe()
}

func (p *providerPool) takeIdle(target *entry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.idle {
		if e == target {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return true
		}
	}
	return false
}

func (p *providerPool) stats() ProviderStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return ProviderStats{
		Provider: p.name,
		Idle:     len(p.idle),
		Leased:   p.leased,
		Total:    p.total,
		Cap:      p.cap,
		Created:  p.created,
		Evicted:  p.evicted,
	}
}

func (p *providerPool) observe() {
	s := p.stats()
	infrastructure.PoolHandles.WithLabelValues(p.name, "idle").Set(float64(s.Idle))
	infrastructure.PoolHandles.WithLabelValues(p.name, "leased").Set(float64(s.Leased))
}

func closeHandle(provider string, e *entry) {
	if err := e.handle.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"provider":  provider,
			"handle_id": e.id,
		}).Warnf("close upstream handle: %v", err)
	}
}
