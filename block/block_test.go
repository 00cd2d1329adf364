package block

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func TestBlockEncoding(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	builder := NewBuilder(key, 4)
	genesis, err := builder.Genesis()
	require.NoError(t, err)

	chain, err := builder.Chain(genesis, 4)
	require.NoError(t, err)

	// Every fourth block closes a batch.
	require.Equal(t, KindMicro, chain[0].Kind)
	require.Equal(t, KindMacro, chain[3].Kind)

	for _, blk := range append([]*Block{genesis}, chain...) {
		raw, err := blk.Bytes()
		require.NoError(t, err)

		decoded, err := FromBytes(raw)
		require.NoError(t, err)
		require.Equal(t, blk, decoded)
		require.Equal(t, blk.Hash(), decoded.Hash())
	}
}

func TestBlockDecodeErrors(t *testing.T) {
	builder := NewBuilder(nil, 0)
	genesis, err := builder.Genesis()
	require.NoError(t, err)

	raw, err := genesis.Bytes()
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{
			name: "truncated header",
			data: raw[:10],
		},
		{
			name: "unknown kind",
			data: append([]byte{7}, raw[1:]...),
		},
		{
			name: "trailing bytes",
			data: append(append([]byte{}, raw...), 0x01),
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := FromBytes(test.data)
			require.Error(t, err)
		})
	}

	_, err = FromBytes(append([]byte{7}, raw[1:]...))
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestBlockSignature(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	builder := NewBuilder(key, 0)
	genesis, err := builder.Genesis()
	require.NoError(t, err)

	require.NoError(t, genesis.VerifySignature(key.PubKey()))
	require.ErrorIs(
		t, genesis.VerifySignature(other.PubKey()), ErrBadSignature,
	)

	// The signature doesn't cover itself, so the hash is unchanged by
	// signing, but tampering with the body invalidates it.
	tampered := *genesis
	tampered.Body = bytes.Repeat([]byte{1}, 4)
	require.NotEqual(t, genesis.Hash(), tampered.Hash())
	require.ErrorIs(
		t, tampered.VerifySignature(key.PubKey()), ErrBadSignature,
	)

	unsigned, err := NewBuilder(nil, 0).Genesis()
	require.NoError(t, err)
	require.ErrorIs(
		t, unsigned.VerifySignature(key.PubKey()), ErrMissingSignature,
	)
	require.Equal(t, genesis.Hash(), unsigned.Hash())
}

func TestForkHashesDiffer(t *testing.T) {
	builder := NewBuilder(nil, 0)
	genesis, err := builder.Genesis()
	require.NoError(t, err)

	chain, err := builder.Chain(genesis, 1)
	require.NoError(t, err)

	fork1, err := builder.Fork(genesis, 1)
	require.NoError(t, err)
	fork2, err := builder.Fork(genesis, 2)
	require.NoError(t, err)

	require.NotEqual(t, chain[0].Hash(), fork1.Hash())
	require.NotEqual(t, fork1.Hash(), fork2.Hash())
	require.Equal(t, fork1.Height, fork2.Height)
	require.Equal(t, genesis.Hash(), fork1.PrevHash)
}
