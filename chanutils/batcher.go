package chanutils

import (
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/queue"
)

// BatcherConfig holds the configuration options for a Batcher.
type BatcherConfig[T any] struct {
	// QueueBufferSize sets the buffer size of the output channel of the
	// concurrent queue used by the Batcher.
	QueueBufferSize int

	// MaxBatch is the maximum number of items handed to Flush in one go.
	MaxBatch int

	// FlushInterval is the time after receiving an item that the batcher
	// will wait for more items before flushing the current batch.
	FlushInterval time.Duration

	// Logger is the logger that the Batcher should use for any logs. If
	// nil, nothing is logged.
	Logger btclog.Logger

	// Flush is called with every collected batch.
	Flush func(...T) error
}

// Batcher collects items added from any goroutine and hands them to a flush
// function in batches, as large as possible but never delayed by more than
// the flush interval.
type Batcher[T any] struct {
	started sync.Once
	stopped sync.Once

	cfg *BatcherConfig[T]
	log btclog.Logger

	queue *queue.ConcurrentQueue

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewBatcher constructs a new Batcher using the given BatcherConfig.
func NewBatcher[T any](cfg *BatcherConfig[T]) *Batcher[T] {
	logger := cfg.Logger
	if logger == nil {
		logger = btclog.Disabled
	}

	return &Batcher[T]{
		cfg:   cfg,
		log:   logger,
		queue: queue.NewConcurrentQueue(cfg.QueueBufferSize),
		quit:  make(chan struct{}),
	}
}

// Start starts the Batcher.
func (b *Batcher[T]) Start() {
	b.started.Do(func() {
		b.queue.Start()

		b.wg.Add(1)
		go b.manageNewItems()
	})
}

// Stop stops the Batcher. Items that haven't been flushed yet are dropped.
func (b *Batcher[T]) Stop() {
	b.stopped.Do(func() {
		close(b.quit)
		b.wg.Wait()

		b.queue.Stop()
	})
}

// Add adds a given item to the Batcher queue. It returns false if the batcher
// has been stopped.
func (b *Batcher[T]) Add(item T) bool {
	select {
	case b.queue.ChanIn() <- item:
		return true
	case <-b.quit:
		return false
	}
}

// manageNewItems collects items and hands them to the flush function. There
// are two conditions for flushing a batch: the first is if a certain
// threshold (MaxBatch) of items has been collected and the other is if at
// least one item has been collected and the flush interval has passed since
// the last one arrived.
//
// NOTE: this must be run in a goroutine.
func (b *Batcher[T]) manageNewItems() {
	defer b.wg.Done()

	batch := make([]T, 0, b.cfg.MaxBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}

		items := batch
		batch = make([]T, 0, b.cfg.MaxBatch)

		if err := b.cfg.Flush(items...); err != nil {
			b.log.Warnf("Unable to flush batch of %d items: %v",
				len(items), err)
		}
	}

	ticker := time.NewTicker(b.cfg.FlushInterval)
	ticker.Stop()

	for {
		select {
		case next, ok := <-b.queue.ChanOut():
			if !ok {
				return
			}

			batch = append(batch, next.(T))

			if len(batch) >= b.cfg.MaxBatch {
				// Batch is full, so stop the timer and flush.
				ticker.Stop()
				flush()
				continue
			}

			ticker.Reset(b.cfg.FlushInterval)

		case <-ticker.C:
			ticker.Stop()
			flush()

		case <-b.quit:
			ticker.Stop()
			return
		}
	}
}
