package blocksync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/chainsync/blocksync/block"
	"github.com/chainsync/blocksync/message"
	"github.com/lightningnetwork/lnd/queue"
)

// announcementMsg packages a decoded block announcement.
type announcementMsg struct {
	ann *message.BlockAnnouncement
}

// rawAnnouncementMsg packages the undecoded payload of a block announcement.
type rawAnnouncementMsg struct {
	payload []byte
}

// SyncManagerConfig holds options and dependencies needed by the SyncManager
// during operation.
type SyncManagerConfig struct {
	// ChainHead is the canonical chain announcements end up in once the
	// node is synced.
	ChainHead ChainHead

	// Requests is the component gaps are filled from. It may be nil.
	Requests RequestComponent

	// Anchor is the block the provisional chain is anchored at, usually
	// the last election block.
	Anchor *block.Block

	// ProvisionalLength is the number of heights above the anchor the
	// provisional chain tracks. Zero means DefaultProvisionalLength.
	ProvisionalLength uint32

	// BufferMax, WindowMax, RequestMissing and MissingThreshold configure
	// the block queue. See BlockQueueConfig.
	BufferMax        uint32
	WindowMax        uint32
	RequestMissing   bool
	MissingThreshold uint32

	// AnnouncementBuffer is the capacity of the channel feeding the block
	// queue.
	AnnouncementBuffer int
}

// SyncManager routes block announcements to the provisional chain while the
// node is catching up and to the block queue once it is synced. All
// announcements are handled by a single goroutine in the order they were
// queued; the block queue runs in a second goroutine.
type SyncManager struct {
	started  int32 // To be used atomically.
	shutdown int32 // To be used atomically.
	synced   int32 // To be used atomically.

	cfg *SyncManagerConfig

	provisional *ProvisionalChain
	blockQueue  *BlockQueue

	// announcements feeds decoded blocks into the block queue. It's closed
	// once the handler has exited, which stops the queue cleanly.
	announcements chan *block.Block

	// queueDone is closed once the block queue has exited.
	queueDone chan struct{}

	// input buffers queued announcements without blocking the callers.
	input *queue.ConcurrentQueue

	errMtx sync.Mutex
	err    error

	quit      chan struct{}
	handlerWg sync.WaitGroup
	queueWg   sync.WaitGroup
}

// NewSyncManager returns a new sync manager. Use Start to begin processing
// announcements.
func NewSyncManager(cfg *SyncManagerConfig) (*SyncManager, error) {
	if cfg.Anchor == nil {
		return nil, errors.New("sync manager requires an anchor block")
	}

	announcements := make(chan *block.Block, cfg.AnnouncementBuffer)

	blockQueue, err := NewBlockQueue(&BlockQueueConfig{
		ChainHead:        cfg.ChainHead,
		Announcements:    announcements,
		Requests:         cfg.Requests,
		BufferMax:        cfg.BufferMax,
		WindowMax:        cfg.WindowMax,
		RequestMissing:   cfg.RequestMissing,
		MissingThreshold: cfg.MissingThreshold,
	})
	if err != nil {
		return nil, err
	}

	return &SyncManager{
		cfg: cfg,
		provisional: NewProvisionalChain(
			cfg.Anchor, cfg.ProvisionalLength,
		),
		blockQueue:    blockQueue,
		announcements: announcements,
		queueDone:     make(chan struct{}),
		input:         queue.NewConcurrentQueue(cfg.AnnouncementBuffer),
		quit:          make(chan struct{}),
	}, nil
}

// Start begins the announcement handler and the block queue.
func (s *SyncManager) Start() {
	// Already started?
	if atomic.AddInt32(&s.started, 1) != 1 {
		return
	}

	log.Trace("Starting sync manager")

	s.input.Start()

	s.handlerWg.Add(1)
	go s.announcementHandler()

	s.queueWg.Add(1)
	go s.runBlockQueue()
}

// Stop gracefully shuts down the sync manager by stopping all asynchronous
// handlers and waiting for them to finish. Announcements still queued are
// dropped.
func (s *SyncManager) Stop() error {
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		log.Warnf("Sync manager is already in the process of " +
			"shutting down")
		return nil
	}

	log.Infof("Sync manager shutting down")
	close(s.quit)
	s.handlerWg.Wait()

	// The handler was the only sender, so closing the channel now lets
	// the block queue finish what it has and exit.
	close(s.announcements)
	s.queueWg.Wait()

	s.input.Stop()

	return nil
}

// QueueAnnouncement adds a decoded block announcement to the handling queue.
func (s *SyncManager) QueueAnnouncement(ann *message.BlockAnnouncement) {
	s.enqueue(&announcementMsg{ann: ann})
}

// QueueRawAnnouncement adds the undecoded payload of a block announcement to
// the handling queue. Payloads that fail to decode are logged and dropped by
// the handler.
func (s *SyncManager) QueueRawAnnouncement(payload []byte) {
	s.enqueue(&rawAnnouncementMsg{payload: payload})
}

func (s *SyncManager) enqueue(msg interface{}) {
	// No channel handling here because peers do not need to block on
	// announcements.
	if atomic.LoadInt32(&s.shutdown) != 0 {
		return
	}

	select {
	case s.input.ChanIn() <- msg:
	case <-s.quit:
	}
}

// SetSynced switches announcement routing. While not synced, announcements
// go to the provisional chain; once synced they go to the block queue.
func (s *SyncManager) SetSynced(synced bool) {
	var v int32
	if synced {
		v = 1
	}

	if atomic.SwapInt32(&s.synced, v) != v {
		log.Infof("Sync manager synced=%v, provisional chain at %d, "+
			"chain head at %d", synced, s.provisional.Tip(),
			s.cfg.ChainHead.Height())
	}
}

// IsSynced returns whether announcements are routed to the block queue.
func (s *SyncManager) IsSynced() bool {
	return atomic.LoadInt32(&s.synced) == 1
}

// Provisional returns the provisional chain announcements are staged in
// while the node isn't synced.
func (s *SyncManager) Provisional() *ProvisionalChain {
	return s.provisional
}

// BlockQueue returns the block queue announcements are fed into once the
// node is synced.
func (s *SyncManager) BlockQueue() *BlockQueue {
	return s.blockQueue
}

// Err returns the fatal error the block queue stopped with, if any.
func (s *SyncManager) Err() error {
	s.errMtx.Lock()
	defer s.errMtx.Unlock()

	return s.err
}

// announcementHandler is the main handler for the sync manager. It must be
// run as a goroutine. It processes announcements in a single goroutine so
// routing decisions are made in the order announcements were queued.
func (s *SyncManager) announcementHandler() {
	defer s.handlerWg.Done()

out:
	for {
		select {
		case m, ok := <-s.input.ChanOut():
			if !ok {
				break out
			}

			switch msg := m.(type) {
			case *announcementMsg:
				s.handleAnnouncement(msg.ann)

			case *rawAnnouncementMsg:
				ann, err := DecodeAnnouncement(msg.payload)
				if err != nil {
					log.Warnf("Dropping undecodable block "+
						"announcement: %v", err)
					continue
				}
				s.handleAnnouncement(ann)

			default:
				log.Warnf("Invalid message type in sync "+
					"handler: %T", msg)
			}

		case <-s.quit:
			break out
		}
	}

	log.Trace("Announcement handler done")
}

// handleAnnouncement routes a single announcement.
func (s *SyncManager) handleAnnouncement(ann *message.BlockAnnouncement) {
	if ann == nil {
		return
	}

	if !s.IsSynced() {
		s.provisional.Observe(ann)
		return
	}

	if ann.IsHash() {
		log.Tracef("Ignoring hash announcement %v", ann.Hash)
		return
	}

	select {
	case s.announcements <- ann.Block:
	case <-s.queueDone:
		log.Warnf("Block queue stopped, dropping announcement of %v",
			ann.Block)
	case <-s.quit:
	}
}

// runBlockQueue drives the block queue until it exits. A fatal error is
// logged and kept for Err.
func (s *SyncManager) runBlockQueue() {
	defer s.queueWg.Done()
	defer close(s.queueDone)

	err := s.blockQueue.Run(context.Background())
	if err == nil {
		log.Trace("Block queue done")
		return
	}

	log.Criticalf("Block queue stopped: %v", err)

	s.errMtx.Lock()
	s.err = err
	s.errMtx.Unlock()
}
