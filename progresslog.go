package blocksync

import (
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/chainsync/blocksync/block"
)

// blockProgressLogger provides periodic logging for other services in order
// to show users progress of certain "actions" involving some or all current
// blocks. Ex: syncing to best chain, indexing all blocks, etc.
type blockProgressLogger struct {
	receivedLogBlocks int64
	lastBlockLogTime  time.Time

	subsystemLogger btclog.Logger
	progressAction  string
	entityType      string
	sync.Mutex
}

// newBlockProgressLogger returns a new block progress logger.
// The progress message is templated as follows:
//
//	{progressAction} {numProcessed} {entityType}s in the last {timePeriod}
//	(height {height}, {timestamp})
func newBlockProgressLogger(progressMessage, entityType string,
	logger btclog.Logger) *blockProgressLogger {

	return &blockProgressLogger{
		lastBlockLogTime: time.Now(),
		progressAction:   progressMessage,
		entityType:       entityType,
		subsystemLogger:  logger,
	}
}

// LogBlockHeight logs a new block height as an information message to show
// progress to the user. In order to prevent spam, it limits logging to one
// message every 10 seconds with duration and totals included.
func (b *blockProgressLogger) LogBlockHeight(blk *block.Block) {
	b.Lock()
	defer b.Unlock()

	b.receivedLogBlocks++

	now := time.Now()
	duration := now.Sub(b.lastBlockLogTime)
	if duration < time.Second*10 {
		return
	}

	// Truncate the duration to 10s of milliseconds.
	durationMillis := int64(duration / time.Millisecond)
	tDuration := 10 * time.Millisecond * time.Duration(durationMillis/10)

	// Log information about new block height.
	entityStr := b.entityType
	if b.receivedLogBlocks != 1 {
		entityStr += "s"
	}

	ts := time.UnixMilli(int64(blk.Timestamp))
	b.subsystemLogger.Infof("%s %d %s in the last %s (height %d, %s)",
		b.progressAction, b.receivedLogBlocks, entityStr, tDuration,
		blk.Height, ts)

	b.receivedLogBlocks = 0
	b.lastBlockLogTime = now
}
