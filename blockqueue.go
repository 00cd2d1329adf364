package blocksync

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/chainsync/blocksync/block"
	"github.com/davecgh/go-spew/spew"
)

var (
	// ErrAnnouncementsClosed is returned by Next once the announcement
	// stream has been closed. No more progress is possible after that.
	ErrAnnouncementsClosed = errors.New("announcement stream closed")

	// ErrBackfillClosed is returned by Next when the request component
	// closed its reply stream while announcements are still flowing. The
	// queue can't fill gaps anymore, so this is fatal.
	ErrBackfillClosed = errors.New("backfill reply stream closed while " +
		"announcements are live")
)

// BlockQueueConfig holds the dependencies and limits of a BlockQueue.
type BlockQueueConfig struct {
	// ChainHead is the chain blocks are pushed into. Its height is read
	// before every admission decision and after every push.
	ChainHead ChainHead

	// Announcements delivers the blocks gossiped by peers.
	Announcements <-chan *block.Block

	// Requests is the component missing blocks are requested from. It may
	// be nil, in which case the queue only processes announcements.
	Requests RequestComponent

	// BufferMax is the maximum number of distinct heights kept in the
	// buffer. Zero means DefaultBufferMax.
	BufferMax uint32

	// WindowMax is the maximum distance ahead of the chain head at which
	// blocks are still buffered. Zero means DefaultWindowMax.
	WindowMax uint32

	// RequestMissing enables asking Requests for the blocks between the
	// head and a newly buffered block.
	RequestMissing bool

	// MissingThreshold is the minimum number of missing heights below a
	// buffered block before they're requested. Zero means
	// DefaultMissingThreshold.
	MissingThreshold uint32
}

// BufferedEntry is the set of candidate blocks buffered at one height, in the
// order they were received.
type BufferedEntry struct {
	Height block.Height
	Blocks []*block.Block
}

// BlockQueue sits in front of the chain head and reorders the blocks arriving
// from the announcement and backfill streams. Blocks that extend the head are
// pushed right away, blocks a little ahead of it are held until the gap below
// them is filled, and everything too far ahead is discarded.
//
// A BlockQueue has a single driver: Next and Run must not be called
// concurrently. The introspection methods are safe to call from any
// goroutine.
type BlockQueue struct {
	cfg BlockQueueConfig

	// mtx guards the buffer.
	mtx sync.Mutex

	// heights holds the buffered heights in ascending order. Every height
	// in it has a non-empty candidate list in blocks.
	heights []block.Height
	blocks  map[block.Height][]*block.Block

	progressLogger *blockProgressLogger
}

// NewBlockQueue returns a queue feeding cfg.ChainHead. Zero limits in cfg are
// replaced by their defaults.
func NewBlockQueue(cfg *BlockQueueConfig) (*BlockQueue, error) {
	if cfg.ChainHead == nil {
		return nil, errors.New("block queue requires a chain head")
	}
	if cfg.Announcements == nil {
		return nil, errors.New("block queue requires an announcement " +
			"stream")
	}
	if cfg.RequestMissing && cfg.Requests == nil {
		return nil, errors.New("requesting missing blocks requires a " +
			"request component")
	}

	q := &BlockQueue{
		cfg:    *cfg,
		blocks: make(map[block.Height][]*block.Block),
		progressLogger: newBlockProgressLogger(
			"Processed", "block", log,
		),
	}

	if q.cfg.BufferMax == 0 {
		q.cfg.BufferMax = DefaultBufferMax
	}
	if q.cfg.WindowMax == 0 {
		q.cfg.WindowMax = DefaultWindowMax
	}
	if q.cfg.MissingThreshold == 0 {
		q.cfg.MissingThreshold = DefaultMissingThreshold
	}

	return q, nil
}

// SubmitAnnouncement runs a single gossiped block through admission. The
// outcome is only visible through the chain head, the buffer and the log.
func (q *BlockQueue) SubmitAnnouncement(blk *block.Block) {
	if blk == nil {
		return
	}

	q.mtx.Lock()
	defer q.mtx.Unlock()

	q.admit(blk)
}

// SubmitBackfill runs every block of a backfill reply through admission. The
// reply is treated as an unordered set; blocks are admitted in ascending
// height order so a complete reply extends the head without being buffered.
func (q *BlockQueue) SubmitBackfill(blocks []*block.Block) {
	sorted := make([]*block.Block, 0, len(blocks))
	for _, blk := range blocks {
		if blk != nil {
			sorted = append(sorted, blk)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Height < sorted[j].Height
	})

	log.Debugf("Received backfill of %d blocks", len(sorted))

	q.mtx.Lock()
	defer q.mtx.Unlock()

	for _, blk := range sorted {
		q.admit(blk)
	}
}

// admit decides whether blk is pushed, buffered or discarded. The caller must
// hold mtx.
func (q *BlockQueue) admit(blk *block.Block) {
	height := blk.Height
	head := q.cfg.ChainHead.Height()

	switch {
	// Fork or stale block. The chain head applies its own fork choice.
	case height <= head:
		log.Debugf("Pushing block %v at or below head %d", blk, head)
		q.pushBlock(blk)

	// New head.
	case height == head+1:
		q.pushBlock(blk)
		q.pushBuffered()

	// height > head+1 here, so the difference can't wrap.
	case height-head > q.cfg.WindowMax:
		log.Warnf("Discarding block #%d outside of buffer window "+
			"(head %d, max %d ahead)", height, head,
			q.cfg.WindowMax)

	case uint32(len(q.heights)) >= q.cfg.BufferMax:
		log.Warnf("Discarding block #%d, buffer full (max %d)",
			height, q.cfg.BufferMax)

	default:
		q.insert(blk)

		log.Tracef("Buffered block %v (head %d, %d heights buffered)",
			blk, head, len(q.heights))

		q.requestMissing(head, blk)
	}
}

// pushBlock hands blk to the chain head. A rejection is logged and otherwise
// ignored.
func (q *BlockQueue) pushBlock(blk *block.Block) {
	if err := q.cfg.ChainHead.Accept(blk); err != nil {
		log.Errorf("Failed to push block %v: %v", blk, err)
		log.Tracef("Rejected block: %v", newLogClosure(func() string {
			return spew.Sdump(blk)
		}))
		return
	}

	log.Debugf("Block %v pushed", blk)
	q.progressLogger.LogBlockHeight(blk)
}

// pushBuffered drains the buffer for as long as its lowest height connects to
// the chain head. The head is re-read after every push since it may be
// advanced by others. If blocks remain buffered, the gap below the lowest of
// them is requested. The caller must hold mtx.
func (q *BlockQueue) pushBuffered() {
	for len(q.heights) > 0 {
		head := q.cfg.ChainHead.Height()

		lowest := q.heights[0]
		if lowest > head+1 {
			q.requestMissing(head, q.blocks[lowest][0])
			return
		}

		candidates := q.blocks[lowest]
		q.heights = q.heights[1:]
		delete(q.blocks, lowest)

		for _, blk := range candidates {
			log.Tracef("Pushing block #%d (currently at #%d, %d "+
				"heights left)", blk.Height, head, len(q.heights))

			q.pushBlock(blk)
		}
	}
}

// requestMissing asks the request component for the heights between the head
// and blk if missing blocks are requested and the gap reaches the threshold.
// Repeated requests for the same range are expected to be de-duplicated by
// the request component. The caller must hold mtx.
func (q *BlockQueue) requestMissing(head block.Height, blk *block.Block) {
	if !q.cfg.RequestMissing || blk.Height <= head+1 {
		return
	}

	if blk.Height-head-1 < q.cfg.MissingThreshold {
		return
	}

	req := MissingBlocksRequest{
		From:   head + 1,
		To:     blk.Height - 1,
		Target: blk.PrevHash,
		Head:   q.cfg.ChainHead.HeadHash(),
	}

	log.Debugf("Requesting missing %v", req)
	q.cfg.Requests.RequestMissingBlocks(req)
}

// insert appends blk to the candidates at its height. The caller must hold
// mtx.
func (q *BlockQueue) insert(blk *block.Block) {
	height := blk.Height

	if candidates, ok := q.blocks[height]; ok {
		q.blocks[height] = append(candidates, blk)
		return
	}

	i := sort.Search(len(q.heights), func(i int) bool {
		return q.heights[i] >= height
	})
	q.heights = append(q.heights, 0)
	copy(q.heights[i+1:], q.heights[i:])
	q.heights[i] = height

	q.blocks[height] = []*block.Block{blk}
}

// Next makes one unit of progress. It waits until an announcement or a
// backfill reply is available and admits it. Announcements always take
// priority over backfill replies.
//
// Next returns ErrAnnouncementsClosed once the announcement stream is closed,
// ErrBackfillClosed if the backfill reply stream closes before that, and the
// context's error if ctx is done first.
func (q *BlockQueue) Next(ctx context.Context) error {
	select {
	case blk, ok := <-q.cfg.Announcements:
		return q.handleAnnouncement(blk, ok)
	default:
	}

	var replies <-chan []*block.Block
	if q.cfg.Requests != nil {
		replies = q.cfg.Requests.Replies()
	}

	select {
	case blk, ok := <-q.cfg.Announcements:
		return q.handleAnnouncement(blk, ok)

	case blocks, ok := <-replies:
		if !ok {
			return ErrBackfillClosed
		}
		q.SubmitBackfill(blocks)
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *BlockQueue) handleAnnouncement(blk *block.Block, ok bool) error {
	if !ok {
		return ErrAnnouncementsClosed
	}

	q.SubmitAnnouncement(blk)

	return nil
}

// Run drives the queue until the announcement stream is closed, in which case
// it returns nil, or until a fatal error occurs or ctx is done.
func (q *BlockQueue) Run(ctx context.Context) error {
	for {
		err := q.Next(ctx)
		switch {
		case err == nil:

		case errors.Is(err, ErrAnnouncementsClosed):
			log.Infof("Announcement stream closed, block queue " +
				"exiting")
			return nil

		default:
			return err
		}
	}
}

// Len returns the number of distinct heights in the buffer.
func (q *BlockQueue) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	return len(q.heights)
}

// BufferedHeights returns the buffered heights in ascending order.
func (q *BlockQueue) BufferedHeights() []block.Height {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	return append([]block.Height(nil), q.heights...)
}

// BufferedBlocks returns a snapshot of the buffer in ascending height order.
// The snapshot doesn't change when the queue makes progress; take a new one
// to observe the current state.
func (q *BlockQueue) BufferedBlocks() []BufferedEntry {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	entries := make([]BufferedEntry, 0, len(q.heights))
	for _, height := range q.heights {
		entries = append(entries, BufferedEntry{
			Height: height,
			Blocks: append([]*block.Block(nil), q.blocks[height]...),
		})
	}

	return entries
}

// ForEachBuffered calls f for every buffered height in ascending order until
// f returns false. f sees a snapshot taken when ForEachBuffered was called,
// so it may call back into the queue.
func (q *BlockQueue) ForEachBuffered(f func(block.Height,
	[]*block.Block) bool) {

	for _, entry := range q.BufferedBlocks() {
		if !f(entry.Height, entry.Blocks) {
			return
		}
	}
}
