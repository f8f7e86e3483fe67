package async

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDiskOnFire = errors.New("disk on fire")

type countingSource struct {
	calls  int32
	failAt int32 // 0 disables
	length int
}

func (s *countingSource) NextBatch(ctx context.Context) (*Batch, error) {
	n := atomic.AddInt32(&s.calls, 1)
	if s.failAt > 0 && n == s.failAt {
		return nil, errDiskOnFire
	}
	return &Batch{Inputs: []float32{float32(n)}, Labels: []int{int(n)}}, nil
}

func (s *countingSource) Len() int { return s.length }
func (s *countingSource) Reset()   { atomic.StoreInt32(&s.calls, 0) }

func TestLoaderDeliversInOrder(t *testing.T) {
	src := &countingSource{length: 5}
	loader, err := NewLoader(src, LoaderConfig{})
	require.NoError(t, err)
	require.NoError(t, loader.Start(context.Background()))
	defer loader.Stop()

	assert.Equal(t, DefaultQueueSize, loader.Stats().QueueCapacity)

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		batch, err := loader.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{i}, batch.Labels)
		assert.Equal(t, uint64(i-1), batch.BatchID)
		assert.Equal(t, 1, batch.Size())
	}
	_, err = loader.Next(ctx)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, uint64(5), loader.Stats().BatchesConsumed)
}

func TestLoaderBackpressure(t *testing.T) {
	src := &countingSource{length: 1000}
	loader, err := NewLoader(src, LoaderConfig{QueueSize: 3})
	require.NoError(t, err)
	require.NoError(t, loader.Start(context.Background()))

	// The producer fills the queue, holds one more batch and then blocks.
	require.Eventually(t, func() bool { return loader.Stats().QueuedBatches == 3 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&src.calls), int32(4))

	_, err = loader.Next(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&src.calls) == 5 }, time.Second, time.Millisecond)

	loader.Stop()
	assert.False(t, loader.Stats().IsRunning)
}

func TestLoaderErrorAfterGoodBatches(t *testing.T) {
	src := &countingSource{length: 10, failAt: 3}
	loader, err := NewLoader(src, LoaderConfig{})
	require.NoError(t, err)
	require.NoError(t, loader.Start(context.Background()))
	defer loader.Stop()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := loader.Next(ctx)
		require.NoError(t, err)
	}
	_, err = loader.Next(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch 2: disk on fire")
	assert.True(t, errors.Is(err, errDiskOnFire), "source errors keep their identity")
}

func TestLoaderConfigAndLifecycle(t *testing.T) {
	_, err := NewLoader(nil, LoaderConfig{})
	assert.Error(t, err)
	_, err = NewLoader(&countingSource{}, LoaderConfig{})
	assert.Error(t, err)

	loader, err := NewLoader(&countingSource{length: 100}, LoaderConfig{Batches: 2})
	require.NoError(t, err)
	require.NoError(t, loader.Start(context.Background()))
	assert.Error(t, loader.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = loader.Next(ctx)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}

	loader.Stop()
	loader.Stop()
}
