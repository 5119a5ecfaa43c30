package clientstate

import (
	"sync"
	"testing"

	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIdentity() *entity.AuthIdentity {
	return entity.NewAuthIdentity("key-1", "desk", []string{"stream:read"}, nil)
}

func TestManager_RegisterTwice(t *testing.T) {
	m := NewManager()

	_, err := m.Register("c1", testIdentity())
	require.NoError(t, err)

	_, err = m.Register("c1", testIdentity())
	assert.ErrorIs(t, err, ErrClientExists)

	_, err = m.Register("c2", nil)
	assert.ErrorIs(t, err, ErrIdentityRequired)
	assert.Equal(t, 1, m.Count())
}

func TestManager_SubscribeMergesSymbols(t *testing.T) {
	m := NewManager()
	_, err := m.Register("c1", testIdentity())
	require.NoError(t, err)

	_, err = m.Subscribe("c1", entity.NewSubscription("stock-quote", []string{"aapl", "0700.hk"}, "alpha"))
	require.NoError(t, err)

	conn, err := m.Subscribe("c1", entity.NewSubscription("stock-quote", []string{"MSFT"}, ""))
	require.NoError(t, err)

	sub := conn.Subscriptions["stock-quote"]
	assert.Equal(t, []string{"0700.HK", "AAPL", "MSFT"}, sub.SymbolList())
	assert.Equal(t, "alpha", sub.PreferredProvider, "empty preference keeps the previous one")

	conn, err = m.Subscribe("c1", entity.NewSubscription("stock-quote", []string{"MSFT"}, "beta"))
	require.NoError(t, err)
	assert.Equal(t, "beta", conn.Subscriptions["stock-quote"].PreferredProvider)
}

func TestManager_SubscribeValidation(t *testing.T) {
	m := NewManager()

	_, err := m.Subscribe("missing", entity.NewSubscription("stock-quote", []string{"AAPL"}, ""))
	assert.ErrorIs(t, err, ErrClientNotFound)

	_, err = m.Register("c1", testIdentity())
	require.NoError(t, err)

	_, err = m.Subscribe("c1", entity.NewSubscription("stock-quote", []string{" "}, ""))
	assert.ErrorIs(t, err, ErrInvalidSubscription)

	_, err = m.Subscribe("c1", entity.NewSubscription("", []string{"AAPL"}, ""))
	assert.ErrorIs(t, err, ErrInvalidSubscription)
}

func TestManager_UnsubscribeRemovesEmptySubscription(t *testing.T) {
	m := NewManager()
	_, err := m.Register("c1", testIdentity())
	require.NoError(t, err)
	_, err = m.Subscribe("c1", entity.NewSubscription("stock-quote", []string{"AAPL", "MSFT"}, ""))
	require.NoError(t, err)
	_, err = m.Subscribe("c1", entity.NewSubscription("index-quote", []string{"HSI"}, ""))
	require.NoError(t, err)

	conn, err := m.Unsubscribe("c1", "stock-quote", []string{"aapl"})
	require.NoError(t, err)
	assert.Equal(t, []string{"MSFT"}, conn.Subscriptions["stock-quote"].SymbolList())

	conn, err = m.Unsubscribe("c1", "stock-quote", []string{"MSFT"})
	require.NoError(t, err)
	_, ok := conn.Subscriptions["stock-quote"]
	assert.False(t, ok)
	assert.Contains(t, conn.Subscriptions, "index-quote")

	conn, err = m.Unsubscribe("c1", "", []string{"HSI"})
	require.NoError(t, err)
	assert.Empty(t, conn.Subscriptions)
}

func TestManager_DeregisterIsIdempotent(t *testing.T) {
	m := NewManager()
	_, err := m.Register("c1", testIdentity())
	require.NoError(t, err)
	_, err = m.Subscribe("c1", entity.NewSubscription("stock-quote", []string{"AAPL"}, ""))
	require.NoError(t, err)

	last := m.Deregister("c1")
	require.NotNil(t, last)
	assert.Equal(t, []string{"stock-quote:AAPL"}, last.Topics())

	assert.Nil(t, m.Deregister("c1"))
	assert.Nil(t, m.Deregister("never"))
	assert.Equal(t, 0, m.Count())
	assert.Empty(t, m.Topics())
}

func TestManager_SubscribersAndTopics(t *testing.T) {
	m := NewManager()
	for _, id := range []string{"c1", "c2", "c3"} {
		_, err := m.Register(id, testIdentity())
		require.NoError(t, err)
	}

	_, _ = m.Subscribe("c1", entity.NewSubscription("stock-quote", []string{"AAPL"}, ""))
	_, _ = m.Subscribe("c2", entity.NewSubscription("stock-quote", []string{"AAPL", "0700.HK"}, "alpha"))
	_, _ = m.Subscribe("c3", entity.NewSubscription("index-quote", []string{"AAPL"}, ""))

	assert.Equal(t, []string{"c1", "c2"}, m.Subscribers("stock-quote:AAPL"))
	assert.Equal(t, []string{"c3"}, m.Subscribers("index-quote:AAPL"))
	assert.Empty(t, m.Subscribers("garbage"))
	assert.Equal(t, []string{"index-quote:AAPL", "stock-quote:0700.HK", "stock-quote:AAPL"}, m.Topics())
	assert.Equal(t, "alpha", m.PreferredProvider("stock-quote:0700.HK"))
	assert.Equal(t, "", m.PreferredProvider("index-quote:AAPL"))
}

func TestManager_SnapshotIsNotAffectedByLaterMutations(t *testing.T) {
	m := NewManager()
	_, err := m.Register("c1", testIdentity())
	require.NoError(t, err)
	_, err = m.Subscribe("c1", entity.NewSubscription("stock-quote", []string{"AAPL"}, ""))
	require.NoError(t, err)

	before, ok := m.Get("c1")
	require.True(t, ok)

	_, err = m.Subscribe("c1", entity.NewSubscription("stock-quote", []string{"MSFT"}, ""))
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL"}, before.Subscriptions["stock-quote"].SymbolList())
	after, _ := m.Get("c1")
	assert.Equal(t, []string{"AAPL", "MSFT"}, after.Subscriptions["stock-quote"].SymbolList())
}

func TestManager_ConcurrentSubscribeAndBroadcastReads(t *testing.T) {
	m := NewManager()
	_, err := m.Register("c1", testIdentity())
	require.NoError(t, err)

	pairs := [][]string{{"AAPL", "MSFT"}, {"TSLA", "NVDA"}}
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			conn, ok := m.Get("c1")
			if !ok {
				continue
			}
			sub, ok := conn.Subscriptions["stock-quote"]
			if !ok {
				continue
			}
			// a pair is always added or removed as a whole
			_, hasAAPL := sub.Symbols["AAPL"]
			_, hasMSFT := sub.Symbols["MSFT"]
			assert.Equal(t, hasAAPL, hasMSFT)
			_, hasTSLA := sub.Symbols["TSLA"]
			_, hasNVDA := sub.Symbols["NVDA"]
			assert.Equal(t, hasTSLA, hasNVDA)
		}
	}()

	for i := 0; i < 500; i++ {
		pair := pairs[i%2]
		_, err := m.Subscribe("c1", entity.NewSubscription("stock-quote", pair, ""))
		require.NoError(t, err)
		_, err = m.Unsubscribe("c1", "stock-quote", pair)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}
