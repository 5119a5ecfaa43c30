package pool

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	pingErr atomic.Pointer[error]
	closed  atomic.Bool
	inUse   atomic.Int32
}

func (h *fakeHandle) Ping(context.Context) error {
	if err := h.pingErr.Load(); err != nil {
		return *err
	}
	return nil
}

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

func (h *fakeHandle) failPing(err error) {
	h.pingErr.Store(&err)
}

type fakeFactory struct {
	mu      sync.Mutex
	handles []*fakeHandle
	failing atomic.Bool
}

func (f *fakeFactory) open(context.Context) (Handle, error) {
	if f.failing.Load() {
		return nil, errors.New("dial refused")
	}

	h := &fakeHandle{}
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	return h, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

func statsFor(t *testing.T, m *Manager, provider string) ProviderStats {
	t.Helper()
	for _, s := range m.Stats() {
		if s.Provider == provider {
			return s
		}
	}
	t.Fatalf("no stats for %s", provider)
	return ProviderStats{}
}

func TestManager_LeaseReusesIdleHandle(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(Config{MaxPerProvider: 2, LeaseTimeout: 50 * time.Millisecond})
	m.RegisterProvider("alpha", factory.open)

	first, err := m.Lease(context.Background(), "alpha")
	require.NoError(t, err)
	m.Release(first)

	second, err := m.Lease(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Same(t, first.Handle(), second.Handle())
	assert.Equal(t, 1, factory.count())
	m.Release(second)
}

func TestManager_LeaseUnknownProvider(t *testing.T) {
	m := NewManager(Config{})

	_, err := m.Lease(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestManager_PoolExhausted(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(Config{MaxPerProvider: 1, LeaseTimeout: 30 * time.Millisecond})
	m.RegisterProvider("alpha", factory.open)

	held, err := m.Lease(context.Background(), "alpha")
	require.NoError(t, err)

	started := time.Now()
	_, err = m.Lease(context.Background(), "alpha")
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(started), 25*time.Millisecond)

	m.Release(held)
	again, err := m.Lease(context.Background(), "alpha")
	require.NoError(t, err)
	m.Release(again)
}

func TestManager_LeaseWaitsForRelease(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(Config{MaxPerProvider: 1, LeaseTimeout: time.Second})
	m.RegisterProvider("alpha", factory.open)

	held, err := m.Lease(context.Background(), "alpha")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Release(held)
	}()

	next, err := m.Lease(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Same(t, held.Handle(), next.Handle())
	m.Release(next)
}

func TestManager_LeaseHonorsContext(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(Config{MaxPerProvider: 1, LeaseTimeout: time.Second})
	m.RegisterProvider("alpha", factory.open)

	held, err := m.Lease(context.Background(), "alpha")
	require.NoError(t, err)
	defer m.Release(held)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = m.Lease(ctx, "alpha")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, statsFor(t, m, "alpha").Leased)
}

func TestManager_DoubleReleaseIsNoop(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(Config{MaxPerProvider: 2})
	m.RegisterProvider("alpha", factory.open)

	lease, err := m.Lease(context.Background(), "alpha")
	require.NoError(t, err)

	m.Release(lease)
	m.Release(lease)

	stats := statsFor(t, m, "alpha")
	assert.Equal(t, 0, stats.Leased)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 1, stats.Total)
}

func TestManager_UnhealthyHandleDiscarded(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(Config{MaxPerProvider: 2})
	m.RegisterProvider("alpha", factory.open)

	lease, err := m.Lease(context.Background(), "alpha")
	require.NoError(t, err)
	lease.MarkUnhealthy()
	m.Release(lease)

	stats := statsFor(t, m, "alpha")
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, uint64(1), stats.Evicted)
	assert.True(t, factory.handles[0].closed.Load())
}

func TestManager_FactoryErrorReleasesSlot(t *testing.T) {
	factory := &fakeFactory{}
	factory.failing.Store(true)
	m := NewManager(Config{MaxPerProvider: 1})
	m.RegisterProvider("alpha", factory.open)

	for i := 0; i < 3; i++ {
		_, err := m.Lease(context.Background(), "alpha")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrPoolExhausted)
	}

	factory.failing.Store(false)
	lease, err := m.Lease(context.Background(), "alpha")
	require.NoError(t, err)
	m.Release(lease)
	assert.Equal(t, 1, statsFor(t, m, "alpha").Total)
}

func TestManager_HealthCheckEvictsAfterMaxFailures(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(Config{MaxPerProvider: 2, MaxFailures: 2})
	m.RegisterProvider("alpha", factory.open)

	lease, err := m.Lease(context.Background(), "alpha")
	require.NoError(t, err)
	m.Release(lease)

	handle := factory.handles[0]
	handle.failPing(errors.New("broken pipe"))

	m.HealthCheck(context.Background())
	stats := statsFor(t, m, "alpha")
	assert.Equal(t, 1, stats.Idle, "first failure keeps the handle")

	m.HealthCheck(context.Background())
	stats = statsFor(t, m, "alpha")
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, uint64(1), stats.Evicted)
	assert.True(t, handle.closed.Load())
}

func TestManager_HealthCheckSuccessResetsFailures(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(Config{MaxPerProvider: 1, MaxFailures: 2})
	m.RegisterProvider("alpha", factory.open)

	lease, err := m.Lease(context.Background(), "alpha")
	require.NoError(t, err)
	m.Release(lease)

	handle := factory.handles[0]
	handle.failPing(errors.New("timeout"))
	m.HealthCheck(context.Background())

	handle.pingErr.Store(nil)
	m.HealthCheck(context.Background())

	handle.failPing(errors.New("timeout"))
	m.HealthCheck(context.Background())

	assert.Equal(t, 1, statsFor(t, m, "alpha").Idle)
	assert.False(t, handle.closed.Load())
}

func TestManager_NoLeakUnderConcurrency(t *testing.T) {
	const (
		capacity = 3
		workers  = 24
		rounds   = 60
	)

	factory := &fakeFactory{}
	m := NewManager(Config{MaxPerProvider: capacity, LeaseTimeout: 5 * time.Millisecond, MaxFailures: 1})
	m.RegisterProvider("alpha", factory.open)

	var (
		leased    atomic.Int32
		maxLeased atomic.Int32
		wg        sync.WaitGroup
		stop      = make(chan struct{})
	)

	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				m.HealthCheck(context.Background())
				time.Sleep(time.Millisecond)
			}
		}
	}()

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))

			for i := 0; i < rounds; i++ {
				ctx, cancel := context.WithTimeout(context.Background(), time.Duration(rng.Intn(4))*time.Millisecond)
				lease, err := m.Lease(ctx, "alpha")
				cancel()
				if err != nil {
					continue
				}

				current := leased.Add(1)
				for {
					prev := maxLeased.Load()
					if current <= prev || maxLeased.CompareAndSwap(prev, current) {
						break
					}
				}

				h := lease.Handle().(*fakeHandle)
				assert.Equal(t, int32(1), h.inUse.Add(1), "handle leased twice")
				time.Sleep(time.Duration(rng.Intn(300)) * time.Microsecond)
				h.inUse.Add(-1)

				switch rng.Intn(5) {
				case 0:
					lease.MarkUnhealthy()
				case 1:
					h.failPing(errors.New("flaky"))
				}

				leased.Add(-1)
				m.Release(lease)
				if rng.Intn(4) == 0 {
					m.Release(lease)
				}
			}
		}(int64(w))
	}

	wg.Wait()
	close(stop)

	assert.LessOrEqual(t, maxLeased.Load(), int32(capacity))

	stats := statsFor(t, m, "alpha")
	assert.Equal(t, 0, stats.Leased)
	assert.LessOrEqual(t, stats.Total, capacity)
	assert.Equal(t, stats.Idle, stats.Total)
	assert.Equal(t, int(stats.Created-stats.Evicted), stats.Total)
}

func TestManager_CloseClosesIdleAndLateReleases(t *testing.T) {
	factory := &fakeFactory{}
	m := NewManager(Config{MaxPerProvider: 2})
	m.RegisterProvider("alpha", factory.open)

	a, err := m.Lease(context.Background(), "alpha")
	require.NoError(t, err)
	b, err := m.Lease(context.Background(), "alpha")
	require.NoError(t, err)
	m.Release(a)

	require.NoError(t, m.Close())
	m.Release(b)

	assert.True(t, factory.handles[0].closed.Load())
	assert.True(t, factory.handles[1].closed.Load())

	_, err = m.Lease(context.Background(), "alpha")
	assert.ErrorIs(t, err, ErrPoolClosed)
}

// gatedHandle blocks Ping until released.
type gatedHandle struct {
	fakeHandle
	pinging chan struct{}
	release chan struct{}
}

func (h *gatedHandle) Ping(context.Context) error {
	close(h.pinging)
	<-h.release
	return nil
}

func TestManager_CloseDuringHealthCheckClosesHandle(t *testing.T) {
	handle := &gatedHandle{pinging: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(Config{MaxPerProvider: 1})
	m.RegisterProvider("alpha", func(context.Context) (Handle, error) { return handle, nil })

	lease, err := m.Lease(context.Background(), "alpha")
	require.NoError(t, err)
	m.Release(lease)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.HealthCheck(context.Background())
	}()

	<-handle.pinging
	require.NoError(t, m.Close())
	close(handle.release)
	<-done

	stats := statsFor(t, m, "alpha")
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 0, stats.Total)
	assert.True(t, handle.closed.Load())
}
