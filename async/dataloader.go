// Package async moves batch generation off the training goroutine. A single
// producer fills a bounded queue; the consumer blocks when it is empty and
// the producer blocks when it is full.
package async

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// DefaultQueueSize is the number of batches buffered ahead of the consumer.
const DefaultQueueSize = 100

// Batch is one step's worth of samples, flattened row-major.
type Batch struct {
	Inputs  []float32
	Labels  []int
	BatchID uint64
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Labels)
}

// Source represents a source of batches
type Source interface {
	// NextBatch returns the next batch of data
	NextBatch(ctx context.Context) (*Batch, error)

	// Len returns the number of batches in one epoch
	Len() int

	// Reset rewinds the source to the beginning of an epoch
	Reset()
}

// LoaderConfig holds configuration for the data loader
type LoaderConfig struct {
	QueueSize int // batches buffered ahead (default DefaultQueueSize)
	Batches   int // batches to produce before io.EOF (default Source.Len())
}

type item struct {
	batch *Batch
	err   error
}

// Loader prefetches batches from a Source in a background goroutine.
type Loader struct {
	source  Source
	batches int

	queue  chan item
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex     sync.RWMutex
	isRunning bool
	produced  uint64
	consumed  uint64
	done      bool
}

// NewLoader creates a loader over source.
func NewLoader(source Source, config LoaderConfig) (*Loader, error) {
	if source == nil {
		return nil, errors.Errorf("data source cannot be nil")
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.Batches <= 0 {
		config.Batches = source.Len()
	}
	if config.Batches <= 0 {
		return nil, errors.Errorf("source has no batches")
	}

	return &Loader{
		source:  source,
		batches: config.Batches,
		queue:   make(chan item, config.QueueSize),
	}, nil
}

// Start launches the producer. It stops after the configured number of
// batches, on the first source error, or when ctx is cancelled.
func (l *Loader) Start(ctx context.Context) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.isRunning {
		return errors.Errorf("data loader is already running")
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.isRunning = true

	l.wg.Add(1)
	go l.produce(ctx)
	return nil
}

func (l *Loader) produce(ctx context.Context) {
	defer l.wg.Done()
	defer close(l.queue)

	for i := 0; i < l.batches; i++ {
		batch, err := l.source.NextBatch(ctx)
		if err != nil {
			select {
			case l.queue <- item{err: errors.Wrapf(err, "batch %d", i)}:
			case <-ctx.Done():
			}
			return
		}

		l.mutex.Lock()
		batch.BatchID = l.produced
		l.produced++
		l.mutex.Unlock()

		select {
		case l.queue <- item{batch: batch}:
		case <-ctx.Done():
			return
		}
	}
}

// Next returns the next batch, blocking until one is ready. It returns
// io.EOF once every batch has been consumed. Source errors are returned in
// order, after the batches produced before them.
func (l *Loader) Next(ctx context.Context) (*Batch, error) {
	select {
	case it, ok := <-l.queue:
		if !ok {
			l.mutex.Lock()
			l.done = true
			l.mutex.Unlock()
			return nil, io.EOF
		}
		if it.err != nil {
			return nil, errors.Wrap(it.err, "data loader error")
		}
		l.mutex.Lock()
		l.consumed++
		l.mutex.Unlock()
		return it.batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop cancels the producer, waits for it and discards queued batches.
func (l *Loader) Stop() {
	l.mutex.Lock()
	if !l.isRunning {
		l.mutex.Unlock()
		return
	}
	l.isRunning = false
	cancel := l.cancel
	l.mutex.Unlock()

	cancel()
	for range l.queue {
	}
	l.wg.Wait()
}

// Stats returns statistics about the data loader
func (l *Loader) Stats() LoaderStats {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return LoaderStats{
		IsRunning:       l.isRunning && !l.done,
		BatchesProduced: l.produced,
		BatchesConsumed: l.consumed,
		QueuedBatches:   len(l.queue),
		QueueCapacity:   cap(l.queue),
	}
}

// LoaderStats provides statistics about the data loader
type LoaderStats struct {
	IsRunning       bool
	BatchesProduced uint64
	BatchesConsumed uint64
	QueuedBatches   int
	QueueCapacity   int
}
