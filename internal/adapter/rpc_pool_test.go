package adapter

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, urls ...string) (*RPCPool, map[string]*fakeBackend) {
	t.Helper()
	backends := make(map[string]*fakeBackend)
	for _, u := range urls {
		backends[u] = &fakeBackend{}
	}
	pool, err := NewRPCPool(context.Background(), &RPCPoolConfig{
		Endpoints:    urls,
		CooldownTime: time.Minute,
		Dial: func(ctx context.Context, url string) (EthBackend, error) {
			b, ok := backends[url]
			if !ok {
				return nil, fmt.Errorf("unknown endpoint %s", url)
			}
			return b, nil
		},
	})
	require.NoError(t, err)
	return pool, backends
}

func TestNewRPCPool_RequiresEndpoint(t *testing.T) {
	_, err := NewRPCPool(context.Background(), &RPCPoolConfig{Endpoints: []string{" ", ""}})
	assert.Error(t, err)

	_, err = NewRPCPool(context.Background(), nil)
	assert.Error(t, err)
}

func TestRPCPool_FailsOverOnlyOnUnavailability(t *testing.T) {
	pool, backends := newTestPool(t, "a", "b")
	ctx := context.Background()

	assert.False(t, pool.Report(ctx, pool.Client(), stderrors.New("execution reverted")))
	assert.Equal(t, 0, pool.CurrentIndex())

	assert.True(t, pool.Report(ctx, pool.Client(), stderrors.New("connection refused")))
	assert.Equal(t, 1, pool.CurrentIndex())
	assert.Same(t, backends["b"], pool.Client())
}

func TestRPCPool_StaleReportIgnored(t *testing.T) {
	pool, backends := newTestPool(t, "a", "b")
	ctx := context.Background()

	require.True(t, pool.Report(ctx, backends["a"], stderrors.New("connection refused")))
	// a second caller that still held the old client must not move the pool again
	assert.False(t, pool.Report(ctx, backends["a"], stderrors.New("connection refused")))
	assert.Equal(t, 1, pool.CurrentIndex())
}

func TestRPCPool_CooldownAndReset(t *testing.T) {
	pool, _ := newTestPool(t, "a", "b")
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	pool.now = func() time.Time { return now }

	require.True(t, pool.Report(ctx, pool.Client(), stderrors.New("503 service unavailable")))
	// primary is cooling down, nowhere to go
	assert.False(t, pool.Report(ctx, pool.Client(), stderrors.New("503 service unavailable")))
	assert.False(t, pool.TryResetToPrimary(ctx))

	now = now.Add(2 * time.Minute)
	assert.True(t, pool.TryResetToPrimary(ctx))
	assert.Equal(t, 0, pool.CurrentIndex())
}

func TestRPCPool_StatusAndClose(t *testing.T) {
	pool, backends := newTestPool(t, "a", "b")

	status := pool.Status()
	require.Len(t, status, 2)
	assert.True(t, status[0].IsCurrent)
	assert.True(t, status[0].Connected)
	assert.False(t, status[1].Connected)

	pool.Close()
	assert.True(t, backends["a"].closed)
}
