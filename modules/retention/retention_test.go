package retention

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	calls   int
	days    int
	deleted int64
	err     error
}

func (s *fakeStore) PruneOlderThan(_ context.Context, days int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.days = days
	return s.deleted, s.err
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestPrunesAfterStartupDelay(t *testing.T) {
	store := &fakeStore{deleted: 42}
	p := newWithSchedule(store, log.NewNopLogger(), 10*time.Millisecond, time.Hour, 30)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), p))
	defer services.StopAndAwaitTerminated(context.Background(), p) //nolint:errcheck

	require.Eventually(t, func() bool {
		return store.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 30, store.days)
}

func TestStopsDuringStartupDelay(t *testing.T) {
	store := &fakeStore{}
	p := newWithSchedule(store, log.NewNopLogger(), time.Hour, time.Hour, 30)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), p))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, services.StopAndAwaitTerminated(ctx, p))
	assert.Equal(t, 0, store.callCount())
}

func TestPruneErrorKeepsRunning(t *testing.T) {
	store := &fakeStore{err: errors.New("delete failed")}
	p := newWithSchedule(store, log.NewNopLogger(), time.Millisecond, 10*time.Millisecond, 30)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), p))
	defer services.StopAndAwaitTerminated(context.Background(), p) //nolint:errcheck

	require.Eventually(t, func() bool {
		return store.callCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, services.Running, p.State())
}
