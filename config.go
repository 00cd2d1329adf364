package blocksync

const (
	// BatchLength is the number of blocks in a batch. Every batch ends
	// with a macro block.
	BatchLength = 32

	// BatchesPerEpoch is the number of batches in an epoch. Every epoch
	// ends with an election macro block.
	BatchesPerEpoch = 4

	// EpochLength is the number of blocks in an epoch.
	EpochLength = BatchLength * BatchesPerEpoch

	// DefaultBufferMax is the default maximum number of distinct heights
	// the block queue keeps buffered.
	DefaultBufferMax = 4 * BatchLength

	// DefaultWindowMax is the default maximum distance ahead of the chain
	// head at which the block queue still buffers a block.
	DefaultWindowMax = 2 * BatchLength

	// DefaultMissingThreshold is the default number of missing heights
	// between the head and a buffered block from which on the queue asks
	// for the missing blocks.
	DefaultMissingThreshold = 1

	// DefaultProvisionalLength is the default number of heights above its
	// anchor the provisional chain tracks.
	DefaultProvisionalLength = EpochLength
)
