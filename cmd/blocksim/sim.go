package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/chainsync/blocksync"
	"github.com/chainsync/blocksync/block"
	"github.com/chainsync/blocksync/chainstore"
	"github.com/chainsync/blocksync/message"
	"github.com/chainsync/blocksync/request"
)

const (
	dbTimeout    = 10 * time.Second
	pollInterval = 20 * time.Millisecond
)

// errIncomplete is returned by run when the chain isn't complete before the
// configured timeout.
var errIncomplete = errors.New("chain incomplete")

// delivery is a single announcement in the delivery schedule.
type delivery struct {
	ann *message.BlockAnnouncement

	// order is the position the announcement is sorted by.
	order int

	// framed announcements go through the wire framing, the others are
	// handed over as raw payloads.
	framed bool
}

// chainFetcher serves backfill requests from the produced chain. Replies go
// through the wire framing like they would on a real connection.
type chainFetcher struct {
	blocks []*block.Block
	delay  time.Duration
}

// FetchBlocks returns the requested range after the simulated round trip.
func (f *chainFetcher) FetchBlocks(ctx context.Context,
	req blocksync.MissingBlocksRequest) ([]*block.Block, error) {

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var wire bytes.Buffer
	for h := req.From; h <= req.To && int(h) < len(f.blocks); h++ {
		ann := message.NewBlockAnnouncement(f.blocks[h])
		if err := message.WriteMessage(&wire, ann); err != nil {
			return nil, err
		}
	}

	var blocks []*block.Block
	for wire.Len() > 0 {
		msg, err := message.ReadMessage(&wire)
		if err != nil {
			return nil, err
		}

		ann, ok := msg.(*message.BlockAnnouncement)
		if !ok || ann.IsHash() {
			return nil, fmt.Errorf("unexpected reply %v", msg.Type())
		}
		blocks = append(blocks, ann.Block)
	}

	return blocks, nil
}

// simulation drives a sync manager with a lossy, reordered announcement
// stream of a produced chain.
type simulation struct {
	cfg *config
	rng *rand.Rand

	// blocks is the produced chain indexed by height.
	blocks []*block.Block
	forger *block.Builder

	db        walletdb.DB
	store     *chainstore.Store
	requester *request.Requester
	manager   *blocksync.SyncManager

	forged  int
	dropped int
}

// newSimulation produces the chain and sets up every component on top of a
// fresh database.
func newSimulation(cfg *config) (*simulation, error) {
	producerKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	forgerKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	builder := block.NewBuilder(producerKey, blocksync.BatchLength)
	genesis, err := builder.Genesis()
	if err != nil {
		return nil, err
	}
	chain, err := builder.Chain(genesis, int(cfg.NumBlocks))
	if err != nil {
		return nil, err
	}

	s := &simulation{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		blocks: append([]*block.Block{genesis}, chain...),
		forger: block.NewBuilder(forgerKey, blocksync.BatchLength),
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(cfg.DataDir, defaultDBFilename)
	if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	s.db, err = walletdb.Create("bdb", dbPath, true, dbTimeout)
	if err != nil {
		return nil, fmt.Errorf("unable to create database: %w", err)
	}

	s.store, err = chainstore.New(&chainstore.Config{
		DB:          s.db,
		Genesis:     genesis,
		ProducerKey: producerKey.PubKey(),
	})
	if err != nil {
		s.db.Close()
		return nil, err
	}

	s.requester, err = request.New(&request.Config{
		Fetcher: &chainFetcher{
			blocks: s.blocks,
			delay:  cfg.FetchDelay,
		},
	})
	if err != nil {
		s.db.Close()
		return nil, err
	}

	var requests blocksync.RequestComponent
	if !cfg.NoBackfill {
		requests = s.requester
	}

	s.manager, err = blocksync.NewSyncManager(&blocksync.SyncManagerConfig{
		ChainHead:      s.store,
		Requests:       requests,
		Anchor:         genesis,
		BufferMax:      cfg.BufferMax,
		WindowMax:      cfg.WindowMax,
		RequestMissing: !cfg.NoBackfill,
	})
	if err != nil {
		s.db.Close()
		return nil, err
	}

	return s, nil
}

// run delivers the whole chain and waits for the store to reach its tip.
func (s *simulation) run(ctx context.Context) error {
	s.requester.Start()
	s.manager.Start()

	log.Infof("Produced %d blocks, staging the first %d provisionally",
		s.cfg.NumBlocks, s.cfg.PreSync)

	if err := s.preSync(ctx); err != nil {
		return err
	}

	for _, d := range s.schedule() {
		if err := s.deliver(d); err != nil {
			return err
		}
	}

	log.Infof("Announced blocks up to #%d (%d dropped, %d forged)",
		s.cfg.NumBlocks, s.dropped, s.forged)

	target := s.blocks[len(s.blocks)-1]
	err := s.waitFor(ctx, func() bool {
		return s.store.Height() == target.Height
	})
	if err != nil {
		return err
	}

	if s.store.HeadHash() != target.Hash() {
		return fmt.Errorf("head %v doesn't match produced tip %v",
			s.store.HeadHash(), target.Hash())
	}

	return s.manager.Err()
}

// preSync announces the first blocks before the node is synced, waits for
// the provisional chain to connect them and promotes them to the store.
func (s *simulation) preSync(ctx context.Context) error {
	n := int(s.cfg.PreSync)
	if n == 0 {
		s.manager.SetSynced(true)
		return nil
	}

	deliveries := make([]delivery, 0, n)
	for _, blk := range s.blocks[1 : n+1] {
		deliveries = append(deliveries, s.newDelivery(blk))
	}
	s.shuffle(deliveries)

	for _, d := range deliveries {
		if err := s.deliver(d); err != nil {
			return err
		}
	}

	provisional := s.manager.Provisional()
	err := s.waitFor(ctx, func() bool {
		return len(provisional.Connected()) == n
	})
	if err != nil {
		return fmt.Errorf("provisional chain: %w", err)
	}

	for _, blk := range provisional.Connected() {
		if err := s.store.Accept(blk); err != nil {
			return fmt.Errorf("unable to promote block #%d: %w",
				blk.Height, err)
		}
	}

	log.Infof("Promoted %d provisional blocks, chain at height %d", n,
		s.store.Height())

	s.manager.SetSynced(true)

	return nil
}

// schedule builds the lossy, reordered announcements of every block after
// the pre-sync range. The last block is never dropped so the final gap is
// always noticed.
func (s *simulation) schedule() []delivery {
	var deliveries []delivery
	for _, blk := range s.blocks[s.cfg.PreSync+1:] {
		last := int(blk.Height) == len(s.blocks)-1

		if s.rng.Float64() < s.cfg.ForgeRate {
			parent := s.blocks[blk.Height-1]
			forged, err := s.forger.Fork(parent, blk.ViewNumber+1)
			if err == nil {
				deliveries = append(
					deliveries, s.newDelivery(forged),
				)
				s.forged++
			}
		}

		if !last && s.rng.Float64() < s.cfg.DropRate {
			log.Tracef("Dropping announcement of block #%d",
				blk.Height)
			s.dropped++
			continue
		}

		deliveries = append(deliveries, s.newDelivery(blk))
	}

	s.shuffle(deliveries)

	return deliveries
}

func (s *simulation) newDelivery(blk *block.Block) delivery {
	jitter := 0
	if s.cfg.Jitter > 0 {
		jitter = s.rng.Intn(s.cfg.Jitter + 1)
	}

	return delivery{
		ann:    message.NewBlockAnnouncement(blk),
		order:  int(blk.Height) + jitter,
		framed: s.rng.Intn(2) == 0,
	}
}

func (s *simulation) shuffle(deliveries []delivery) {
	sort.SliceStable(deliveries, func(i, j int) bool {
		return deliveries[i].order < deliveries[j].order
	})
}

// deliver hands a single announcement to the sync manager, either framed and
// parsed like a network message or as a raw announcement payload.
func (s *simulation) deliver(d delivery) error {
	if !d.framed {
		var payload bytes.Buffer
		if err := d.ann.Encode(&payload); err != nil {
			return err
		}

		s.manager.QueueRawAnnouncement(payload.Bytes())
		return nil
	}

	frame, err := message.Encode(d.ann)
	if err != nil {
		return err
	}
	msg, err := message.ReadMessage(bytes.NewReader(frame))
	if err != nil {
		return err
	}

	ann, ok := msg.(*message.BlockAnnouncement)
	if !ok {
		return fmt.Errorf("unexpected message %v", msg.Type())
	}

	s.manager.QueueAnnouncement(ann)

	return nil
}

// waitFor polls pred until it holds, the context is canceled or the
// configured timeout passes.
func (s *simulation) waitFor(ctx context.Context, pred func() bool) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	timeout := time.After(s.cfg.Timeout)
	for !pred() {
		select {
		case <-ticker.C:
		case <-timeout:
			return fmt.Errorf("%w at height %d after %v",
				errIncomplete, s.store.Height(), s.cfg.Timeout)
		case <-ctx.Done():
			return ctx.Err()
		}

		if err := s.manager.Err(); err != nil {
			return err
		}
	}

	return nil
}

// stop shuts every component down and closes the database.
func (s *simulation) stop() error {
	stopErr := s.manager.Stop()
	s.requester.Stop()

	if err := s.db.Close(); err != nil {
		return err
	}

	return stopErr
}
