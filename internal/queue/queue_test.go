package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPop_FIFO(t *testing.T) {
	q := New[int](0, DropNewest)
	for i := 0; i < 500; i++ {
		_, err := q.Push(i)
		require.NoError(t, err)
	}
	require.Equal(t, 500, q.Len())

	ctx := context.Background()
	for i := 0; i < 500; i++ {
		got, err := q.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, i, got, "pop %d out of order", i)
	}
	assert.Equal(t, 0, q.Len())
}

func TestPushPop_InterleavedKeepsOrder(t *testing.T) {
	q := New[int](0, DropNewest)
	ctx := context.Background()
	next := 0
	for round := 0; round < 100; round++ {
		for i := 0; i < 3; i++ {
			_, _ = q.Push(round*3 + i)
		}
		for i := 0; i < 2; i++ {
			got, err := q.Pop(ctx)
			require.NoError(t, err)
			require.Equal(t, next, got)
			next++
		}
	}
	for q.Len() > 0 {
		got, err := q.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, next, got)
		next++
	}
	assert.Equal(t, 300, next)
}

func TestPop_BlocksUntilPush(t *testing.T) {
	q := New[string](0, DropNewest)
	got := make(chan string, 1)

	go func() {
		v, err := q.Pop(context.Background())
		if err == nil {
			got <- v
		}
	}()

	select {
	case <-got:
		t.Fatal("Pop returned before any Push")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := q.Push("hello")
	require.NoError(t, err)

	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not return after Push")
	}
}

func TestClose_UnblocksAllConsumers(t *testing.T) {
	q := New[int](0, DropNewest)
	const consumers = 8

	var wg sync.WaitGroup
	errs := make(chan error, consumers)
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Pop(context.Background())
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumers still blocked after Close")
	}
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrClosed)
	}
}

func TestClose_DrainsRemainingItems(t *testing.T) {
	q := New[int](0, DropNewest)
	for i := 0; i < 3; i++ {
		_, _ = q.Push(i)
	}
	q.Close()

	_, err := q.Push(99)
	assert.ErrorIs(t, err, ErrClosed)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		v, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, q.Closed())
}

func TestPop_ContextCancelled(t *testing.T) {
	q := New[int](0, DropNewest)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.Canceled), "err = %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not observe context cancellation")
	}
}

func TestConcurrentConsumers_NoDuplicatesNoLoss(t *testing.T) {
	q := New[int](0, DropNewest)
	const (
		items     = 5000
		consumers = 6
	)

	var (
		mu   sync.Mutex
		seen = make(map[int]int)
		wg   sync.WaitGroup
	)
	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := q.Pop(context.Background())
				if err != nil {
					return
				}
				mu.Lock()
				seen[v]++
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < items; i++ {
		_, err := q.Push(i)
		require.NoError(t, err)
	}
	q.Close()
	wg.Wait()

	require.Len(t, seen, items)
	for i := 0; i < items; i++ {
		require.Equal(t, 1, seen[i], "item %d delivered %d times", i, seen[i])
	}
}

func TestPerConsumerOrderFollowsPushOrder(t *testing.T) {
	q := New[int](0, DropNewest)
	const consumers = 4

	results := make([][]int, consumers)
	var wg sync.WaitGroup
	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for {
				v, err := q.Pop(context.Background())
				if err != nil {
					return
				}
				results[c] = append(results[c], v)
			}
		}(c)
	}

	for i := 0; i < 2000; i++ {
		_, _ = q.Push(i)
	}
	q.Close()
	wg.Wait()

	for c, got := range results {
		for i := 1; i < len(got); i++ {
			require.Less(t, got[i-1], got[i], "consumer %d saw reordering", c)
		}
	}
}

func TestBounded_DropNewest(t *testing.T) {
	q := New[int](2, DropNewest)
	_, err := q.Push(1)
	require.NoError(t, err)
	_, err = q.Push(2)
	require.NoError(t, err)

	evicted, err := q.Push(3)
	assert.ErrorIs(t, err, ErrFull)
	assert.Nil(t, evicted)
	assert.Equal(t, 2, q.Len())

	v, _ := q.TryPop()
	assert.Equal(t, 1, v)
	v, _ = q.TryPop()
	assert.Equal(t, 2, v)
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestBounded_DropOldest(t *testing.T) {
	q := New[int](2, DropOldest)
	_, _ = q.Push(1)
	_, _ = q.Push(2)

	evicted, err := q.Push(3)
	require.NoError(t, err)
	require.NotNil(t, evicted)
	assert.Equal(t, 1, *evicted)
	assert.Equal(t, 2, q.Len())

	v, _ := q.TryPop()
	assert.Equal(t, 2, v)
	v, _ = q.TryPop()
	assert.Equal(t, 3, v)
}

func TestPush_NeverBlocksWhenFull(t *testing.T) {
	q := New[int](1, DropNewest)
	_, _ = q.Push(0)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			_, _ = q.Push(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Push blocked on a full queue")
	}
}

func TestParseDropPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    DropPolicy
		wantErr bool
	}{
		{"", DropNewest, false},
		{"drop-newest", DropNewest, false},
		{"DROP-OLDEST", DropOldest, false},
		{"oldest", DropOldest, false},
		{"random", DropNewest, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDropPolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, s string) DropPolicy {
	t.Helper()
	p, err := ParseDropPolicy(s)
	require.NoError(t, err)
	return p
}
