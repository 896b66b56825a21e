package staging

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushAndPop(t *testing.T) {
	r := NewRing[int](100)

	require.True(t, r.TryPush(42))
	assert.Equal(t, 1, r.Len())

	batch := r.PopBatch(10)
	require.Len(t, batch, 1)
	assert.Equal(t, 42, batch[0])
	assert.True(t, r.IsEmpty())
}

func TestRejectWhenFull(t *testing.T) {
	r := NewRing[int](2)

	require.True(t, r.TryPush(1))
	require.True(t, r.TryPush(2))
	require.False(t, r.TryPush(3))
	assert.Equal(t, 2, r.Len())

	// Popping frees capacity again.
	require.Len(t, r.PopBatch(1), 1)
	assert.True(t, r.TryPush(3))
}

func TestCapacityBelowSlotCount(t *testing.T) {
	// 10 rounds up to 16 slots internally but the ring must still reject
	// at exactly 10.
	r := NewRing[int](10)
	assert.Equal(t, 10, r.Cap())

	for i := 0; i < 10; i++ {
		require.True(t, r.TryPush(i))
	}
	require.False(t, r.TryPush(10))
	assert.Equal(t, 10, r.Len())
}

func TestPopBatchMax(t *testing.T) {
	r := NewRing[int](100)

	for i := 0; i < 50; i++ {
		require.True(t, r.TryPush(i))
	}

	batch := r.PopBatch(20)
	require.Len(t, batch, 20)
	assert.Equal(t, 30, r.Len())
}

func TestFIFO(t *testing.T) {
	r := NewRing[int](64)

	for i := 0; i < 40; i++ {
		require.True(t, r.TryPush(i))
	}

	var got []int
	got = append(got, r.PopBatch(15)...)
	got = append(got, r.PopBatch(15)...)
	got = append(got, r.PopBatch(15)...)

	require.Len(t, got, 40)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestConcurrentNoLossAndBound(t *testing.T) {
	const (
		producers   = 8
		perProducer = 5000
		capacity    = 1024
	)

	r := NewRing[[2]int](capacity)

	var wg sync.WaitGroup
	pushed := make([]int, producers)

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if r.TryPush([2]int{p, i}) {
					pushed[p]++
				}
				if l := r.Len(); l > capacity {
					t.Errorf("len %d exceeds capacity %d", l, capacity)
					return
				}
			}
		}(p)
	}

	var mu sync.Mutex
	popped := make(map[[2]int]int)
	done := make(chan struct{})

	var cwg sync.WaitGroup
	for c := 0; c < 4; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				batch := r.PopBatch(128)
				mu.Lock()
				for _, v := range batch {
					popped[v]++
				}
				mu.Unlock()
				if len(batch) == 0 {
					select {
					case <-done:
						// Final drain after producers stop.
						for _, v := range r.PopBatch(capacity) {
							mu.Lock()
							popped[v]++
							mu.Unlock()
						}
						return
					default:
					}
				}
			}
		}()
	}

	wg.Wait()
	close(done)
	cwg.Wait()

	total := 0
	for p := 0; p < producers; p++ {
		total += pushed[p]
	}

	// Every popped value was pushed exactly once, and nothing pushed
	// successfully went missing.
	require.Len(t, popped, total)
	for v, n := range popped {
		require.Equal(t, 1, n, "value %v popped %d times", v, n)
	}
}

func TestFIFOPerProducerUnderConcurrency(t *testing.T) {
	const perProducer = 2000

	r := NewRing[[2]int](1 << 14)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !r.TryPush([2]int{p, i}) {
				}
			}
		}(p)
	}
	wg.Wait()

	lastSeen := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	for {
		batch := r.PopBatch(256)
		if len(batch) == 0 {
			break
		}
		for _, v := range batch {
			require.Greater(t, v[1], lastSeen[v[0]], "producer %d out of order", v[0])
			lastSeen[v[0]] = v[1]
		}
	}
	for p := 0; p < 4; p++ {
		assert.Equal(t, perProducer-1, lastSeen[p])
	}
}
