package request

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chainsync/blocksync"
	"github.com/chainsync/blocksync/block"
	"github.com/chainsync/blocksync/chanutils"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/queue"
)

const (
	// DefaultMaxBatch is the default number of requests coalesced into
	// one round of fetches.
	DefaultMaxBatch = 16

	// DefaultBatchTimeout is the default time the requester waits for
	// more requests before fetching.
	DefaultBatchTimeout = 50 * time.Millisecond

	// DefaultMaxRangeSize is the default maximum number of blocks asked
	// for in a single fetch.
	DefaultMaxRangeSize = blocksync.BatchLength

	// DefaultDedupeCapacity is the default number of in-flight ranges
	// tracked for de-duplication.
	DefaultDedupeCapacity = 256

	// DefaultFetchTimeout is the default time a single fetch may take.
	DefaultFetchTimeout = 10 * time.Second
)

// Fetcher retrieves blocks from the network.
type Fetcher interface {
	// FetchBlocks returns the blocks in the requested range. It may
	// return fewer blocks than asked for.
	FetchBlocks(ctx context.Context,
		req blocksync.MissingBlocksRequest) ([]*block.Block, error)
}

// Config holds the dependencies and tuning of a Requester.
type Config struct {
	// Fetcher is used to retrieve the missing blocks.
	Fetcher Fetcher

	// MaxBatch is the maximum number of requests coalesced before
	// fetching. Zero means DefaultMaxBatch.
	MaxBatch int

	// BatchTimeout is the time waited for more requests before
	// fetching. Zero means DefaultBatchTimeout.
	BatchTimeout time.Duration

	// MaxRangeSize is the maximum number of blocks in a single fetch.
	// Larger ranges are split. Zero means DefaultMaxRangeSize.
	MaxRangeSize uint32

	// DedupeCapacity is the maximum number of in-flight ranges tracked.
	// Zero means DefaultDedupeCapacity.
	DedupeCapacity uint64

	// FetchTimeout bounds a single fetch. Zero means
	// DefaultFetchTimeout.
	FetchTimeout time.Duration

	// ReplyBuffer is the buffer size of the reply queue.
	ReplyBuffer int
}

// heightRange identifies an in-flight fetch.
type heightRange struct {
	from block.Height
	to   block.Height
}

// inFlightEntry is the value kept for every range being fetched.
type inFlightEntry struct {
	started time.Time
}

// Size returns the weight of an entry in the in-flight cache. Every range
// counts as one.
func (f *inFlightEntry) Size() (uint64, error) {
	return 1, nil
}

// Requester fetches the blocks the block queue reports missing and delivers
// them as reply batches. Requests arriving close together are coalesced,
// overlapping ranges are merged and ranges already being fetched are skipped.
//
// A Requester implements blocksync.RequestComponent.
type Requester struct {
	started sync.Once
	stopped sync.Once
	running int32 // To be used atomically.

	cfg Config

	batcher *chanutils.Batcher[blocksync.MissingBlocksRequest]

	// inFlight holds the ranges currently being fetched.
	inFlight *lru.Cache[heightRange, *inFlightEntry]

	replyQueue *queue.ConcurrentQueue
	replies    chan []*block.Block

	ctx    context.Context
	cancel context.CancelFunc

	quit      chan struct{}
	wg        sync.WaitGroup
	fetcherWg sync.WaitGroup
}

// A compile-time check to ensure Requester satisfies the RequestComponent
// interface.
var _ blocksync.RequestComponent = (*Requester)(nil)

// New returns a Requester using the given config. Zero values in cfg are
// replaced by their defaults.
func New(cfg *Config) (*Requester, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("requester requires a fetcher")
	}

	r := &Requester{
		cfg:     *cfg,
		replies: make(chan []*block.Block),
		quit:    make(chan struct{}),
	}

	if r.cfg.MaxBatch == 0 {
		r.cfg.MaxBatch = DefaultMaxBatch
	}
	if r.cfg.BatchTimeout == 0 {
		r.cfg.BatchTimeout = DefaultBatchTimeout
	}
	if r.cfg.MaxRangeSize == 0 {
		r.cfg.MaxRangeSize = DefaultMaxRangeSize
	}
	if r.cfg.DedupeCapacity == 0 {
		r.cfg.DedupeCapacity = DefaultDedupeCapacity
	}
	if r.cfg.FetchTimeout == 0 {
		r.cfg.FetchTimeout = DefaultFetchTimeout
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.inFlight = lru.NewCache[heightRange, *inFlightEntry](
		r.cfg.DedupeCapacity,
	)
	r.replyQueue = queue.NewConcurrentQueue(r.cfg.ReplyBuffer)
	r.batcher = chanutils.NewBatcher(
		&chanutils.BatcherConfig[blocksync.MissingBlocksRequest]{
			QueueBufferSize: r.cfg.MaxBatch,
			MaxBatch:        r.cfg.MaxBatch,
			FlushInterval:   r.cfg.BatchTimeout,
			Logger:          log,
			Flush:           r.dispatch,
		},
	)

	return r, nil
}

// Start begins accepting requests and delivering replies.
func (r *Requester) Start() {
	r.started.Do(func() {
		log.Trace("Starting requester")

		r.replyQueue.Start()
		r.batcher.Start()

		r.wg.Add(1)
		go r.forwardReplies()

		atomic.StoreInt32(&r.running, 1)
	})
}

// Stop cancels all fetches, waits for them to return and closes the reply
// channel.
func (r *Requester) Stop() {
	r.stopped.Do(func() {
		log.Infof("Requester shutting down")
		atomic.StoreInt32(&r.running, 0)

		r.batcher.Stop()
		r.cancel()
		r.fetcherWg.Wait()

		close(r.quit)
		r.wg.Wait()

		r.replyQueue.Stop()
	})
}

// RequestMissingBlocks queues req. It never blocks; requests made before Start
// or after Stop are dropped.
func (r *Requester) RequestMissingBlocks(req blocksync.MissingBlocksRequest) {
	if req.Len() == 0 {
		return
	}

	if atomic.LoadInt32(&r.running) == 0 {
		log.Debugf("Requester not running, dropping request for %v",
			req)
		return
	}

	if !r.batcher.Add(req) {
		log.Debugf("Requester stopped, dropping request for %v", req)
	}
}

// Replies returns the channel reply batches are delivered on. It's closed
// when the requester is stopped.
func (r *Requester) Replies() <-chan []*block.Block {
	return r.replies
}

// InFlight returns the number of ranges currently being fetched.
func (r *Requester) InFlight() int {
	return r.inFlight.Len()
}

// dispatch merges a batch of requests and starts a fetch for every range that
// isn't in flight yet. It's called by the batcher's goroutine only.
func (r *Requester) dispatch(reqs ...blocksync.MissingBlocksRequest) error {
	for _, req := range splitRanges(mergeRanges(reqs), r.cfg.MaxRangeSize) {
		key := heightRange{from: req.From, to: req.To}
		if _, err := r.inFlight.Get(key); err == nil {
			log.Tracef("Already fetching %v", req)
			continue
		}

		if _, err := r.inFlight.Put(
			key, &inFlightEntry{started: time.Now()},
		); err != nil {
			return err
		}

		log.Debugf("Fetching %v", req)

		r.fetcherWg.Add(1)
		go r.fetch(key, req)
	}

	return nil
}

// fetch retrieves a single range and queues the reply. The range is
// forgotten afterwards, whatever the outcome, so a later gap can trigger it
// again.
//
// NOTE: This must be run as a goroutine.
func (r *Requester) fetch(key heightRange,
	req blocksync.MissingBlocksRequest) {

	defer r.fetcherWg.Done()
	defer r.inFlight.Delete(key)

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.FetchTimeout)
	defer cancel()

	blocks, err := r.cfg.Fetcher.FetchBlocks(ctx, req)
	if err != nil {
		if r.ctx.Err() == nil {
			log.Warnf("Unable to fetch %v: %v", req, err)
		}
		return
	}
	if len(blocks) == 0 {
		log.Debugf("No blocks returned for %v", req)
		return
	}

	log.Debugf("Fetched %d blocks for %v", len(blocks), req)

	select {
	case r.replyQueue.ChanIn() <- blocks:
	case <-r.ctx.Done():
	}
}

// forwardReplies moves reply batches from the unbounded queue to the typed
// reply channel and closes it on shutdown.
//
// NOTE: This must be run as a goroutine.
func (r *Requester) forwardReplies() {
	defer r.wg.Done()
	defer close(r.replies)

	for {
		select {
		case item, ok := <-r.replyQueue.ChanOut():
			if !ok {
				return
			}

			select {
			case r.replies <- item.([]*block.Block):
			case <-r.quit:
				return
			}

		case <-r.quit:
			return
		}
	}
}

// mergeRanges sorts the requests by start height and merges the ones that
// overlap or touch. A merged request keeps the target and head of the
// request that reaches highest.
func mergeRanges(
	reqs []blocksync.MissingBlocksRequest) []blocksync.MissingBlocksRequest {

	if len(reqs) == 0 {
		return nil
	}

	sorted := append([]blocksync.MissingBlocksRequest(nil), reqs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].From != sorted[j].From {
			return sorted[i].From < sorted[j].From
		}
		return sorted[i].To < sorted[j].To
	})

	merged := []blocksync.MissingBlocksRequest{sorted[0]}
	for _, req := range sorted[1:] {
		last := &merged[len(merged)-1]
		if req.From > last.To+1 {
			merged = append(merged, req)
			continue
		}

		if req.To >= last.To {
			last.To = req.To
			last.Target = req.Target
			last.Head = req.Head
		}
	}

	return merged
}

// splitRanges splits every request into consecutive requests of at most
// maxSize blocks. Only the last part of a split request keeps its target.
func splitRanges(reqs []blocksync.MissingBlocksRequest,
	maxSize uint32) []blocksync.MissingBlocksRequest {

	var split []blocksync.MissingBlocksRequest
	for _, req := range reqs {
		for req.Len() > maxSize {
			part := blocksync.MissingBlocksRequest{
				From: req.From,
				To:   req.From + maxSize - 1,
				Head: req.Head,
			}
			split = append(split, part)

			req.From += maxSize
		}

		split = append(split, req)
	}

	return split
}
