package blocksync

import (
	"bytes"
	"testing"

	"github.com/chainsync/blocksync/block"
	"github.com/chainsync/blocksync/message"
	"github.com/stretchr/testify/require"
)

func TestProvisionalChainAdd(t *testing.T) {
	chain := testChain(t, 5)
	p := NewProvisionalChain(chain[0], 0)

	require.Equal(t, StateMicroBlocks, p.State())
	require.Equal(t, chain[0], p.Anchor())
	require.Equal(t, chain[0], p.BlockAt(0))
	require.Zero(t, p.Tip())

	for _, blk := range chain[1:] {
		require.True(t, p.Add(blk))
	}
	require.EqualValues(t, 5, p.Tip())
	require.Empty(t, p.Missing())
	require.Equal(t, chain[1:], p.Connected())

	for i, blk := range chain {
		require.Equal(t, blk, p.BlockAt(block.Height(i)))
	}
	require.Nil(t, p.BlockAt(6))

	// Known blocks and blocks at or below the anchor are ignored.
	require.False(t, p.Add(chain[3]))
	require.Len(t, p.BlocksAt(3), 1)
	require.False(t, p.Add(chain[0]))
	require.False(t, p.Add(nil))
}

// TestProvisionalChainTieBreak checks the view number rule for competing
// blocks, in both arrival orders.
func TestProvisionalChainTieBreak(t *testing.T) {
	chain := testChain(t, 1)
	builder := block.NewBuilder(nil, BatchLength)

	low, err := builder.Fork(chain[0], 1)
	require.NoError(t, err)
	high, err := builder.Fork(chain[0], 2)
	require.NoError(t, err)
	equal, err := builder.Next(chain[0], 2, []byte("equal"))
	require.NoError(t, err)

	tests := []struct {
		name      string
		order     []*block.Block
		accepted  []bool
		occupants []*block.Block
		preferred *block.Block
	}{
		{
			name:      "lower view first",
			order:     []*block.Block{low, high},
			accepted:  []bool{true, true},
			occupants: []*block.Block{low, high},
			preferred: high,
		},
		{
			name:      "higher view first",
			order:     []*block.Block{high, low},
			accepted:  []bool{true, false},
			occupants: []*block.Block{high},
			preferred: high,
		},
		{
			name:      "equal view",
			order:     []*block.Block{high, equal},
			accepted:  []bool{true, true},
			occupants: []*block.Block{high, equal},
			preferred: equal,
		},
		{
			name:      "identical block",
			order:     []*block.Block{high, high},
			accepted:  []bool{true, false},
			occupants: []*block.Block{high},
			preferred: high,
		},
		{
			name:      "lower than preferred",
			order:     []*block.Block{chain[1], high, low},
			accepted:  []bool{true, true, false},
			occupants: []*block.Block{chain[1], high},
			preferred: high,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			p := NewProvisionalChain(chain[0], 0)

			for i, blk := range test.order {
				require.Equal(t, test.accepted[i], p.Add(blk))
			}

			require.Equal(t, test.occupants, p.BlocksAt(1))
			require.Equal(t, test.preferred, p.BlockAt(1))
		})
	}
}

func TestProvisionalChainGaps(t *testing.T) {
	chain := testChain(t, 6)
	p := NewProvisionalChain(chain[0], 0)

	require.True(t, p.Add(chain[5]))
	require.True(t, p.Add(chain[2]))

	require.EqualValues(t, 5, p.Tip())
	require.Equal(t, []block.Height{1, 3, 4}, p.Missing())
	require.Nil(t, p.BlockAt(3))
	require.Empty(t, p.Connected())

	require.True(t, p.Add(chain[1]))
	require.Equal(t, chain[1:3], p.Connected())

	require.True(t, p.Add(chain[3]))
	require.True(t, p.Add(chain[4]))
	require.Empty(t, p.Missing())
	require.Equal(t, chain[1:6], p.Connected())
}

func TestProvisionalChainBounds(t *testing.T) {
	chain := testChain(t, 6)
	p := NewProvisionalChain(chain[2], 3)

	require.False(t, p.Add(chain[1]))
	require.False(t, p.Add(chain[2]))
	require.True(t, p.Add(chain[5]))
	require.False(t, p.Add(chain[6]))

	require.Nil(t, p.BlockAt(1))
	require.Empty(t, p.BlocksAt(2))
	require.Equal(t, chain[2], p.BlockAt(2))
	require.EqualValues(t, 5, p.Tip())
}

func TestProvisionalChainState(t *testing.T) {
	builder := block.NewBuilder(nil, 2)
	genesis, err := builder.Genesis()
	require.NoError(t, err)
	chain, err := builder.Chain(genesis, 4)
	require.NoError(t, err)

	p := NewProvisionalChain(genesis, 0)
	p.SetState(StateMacroBlocks)
	require.Equal(t, StateMacroBlocks, p.State())

	// Only the macro blocks at heights 2 and 4 are kept.
	for _, blk := range chain {
		require.Equal(t, blk.IsMacro(), p.Add(blk))
	}
	require.Equal(t, []block.Height{1, 3}, p.Missing())

	p.SetState(StateMicroBlocks)
	require.True(t, p.Add(chain[0]))
	require.True(t, p.Add(chain[2]))
	require.Equal(t, chain, p.Connected())
}

func TestProvisionalChainObserve(t *testing.T) {
	chain := testChain(t, 3)
	p := NewProvisionalChain(chain[0], 0)

	// Hash announcements aren't actionable.
	p.Observe(message.NewHashAnnouncement(chain[1].Hash()))
	p.Observe(nil)
	require.Nil(t, p.BlockAt(1))

	p.Observe(message.NewBlockAnnouncement(chain[1]))
	require.Equal(t, chain[1], p.BlockAt(1))

	payload := encodeAnnouncement(t, message.NewBlockAnnouncement(chain[2]))
	p.ObserveRaw(payload)
	require.Equal(t, chain[2], p.BlockAt(2))

	// Undecodable payloads are dropped without touching the chain.
	payload = encodeAnnouncement(t, message.NewBlockAnnouncement(chain[3]))
	p.ObserveRaw(payload[:len(payload)-1])
	p.ObserveRaw(append(payload, 0))
	p.ObserveRaw([]byte{7})
	p.ObserveRaw(nil)
	require.Nil(t, p.BlockAt(3))
	require.EqualValues(t, 2, p.Tip())
}

func encodeAnnouncement(t *testing.T, ann *message.BlockAnnouncement) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, ann.Encode(&buf))

	return buf.Bytes()
}
