package block

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fragmentBytes(payload []byte) []byte {
	b := make([]byte, 0, 3+len(payload))
	b = append(b, 0x00) // flags
	b = append(b, byte(len(payload)>>8), byte(len(payload)))
	b = append(b, payload...)
	return b
}

func mustNew(t *testing.T, k, n uint8) *Aggregator {
	t.Helper()
	a, err := New(k, n)
	require.NoError(t, err)
	return a
}

func TestAcceptHappyPathInOrder(t *testing.T) {
	a := mustNew(t, 4, 6)

	var delivered []DeliveredFragment
	for i := uint8(0); i < 4; i++ {
		out, err := a.Accept(0, i, fragmentBytes([]byte{'a' + i}))
		require.NoError(t, err)
		delivered = append(delivered, out...)
	}

	require.Len(t, delivered, 4)
	for i, frag := range delivered {
		require.EqualValues(t, 0, frag.BlockIdx)
		require.EqualValues(t, i, frag.FragmentIdx)
		require.Equal(t, []byte{'a' + byte(i)}, frag.Payload)
	}
	require.EqualValues(t, 0, a.Counters().Recovered)
	require.EqualValues(t, 0, a.Counters().Lost)
}

func TestAcceptRecoversSingleLoss(t *testing.T) {
	a := mustNew(t, 4, 6)

	// Encode four data shards through the aggregator's own RS encoder by
	// feeding every fragment except data fragment 2, then supplying enough
	// parity to reconstruct it.
	encoder := a.rs

	shards := make([][]byte, 6)
	for i := range shards {
		shards[i] = make([]byte, shardSize)
	}
	copy(shards[0], fragmentBytes([]byte("zero")))
	copy(shards[1], fragmentBytes([]byte("one")))
	copy(shards[2], fragmentBytes([]byte("two")))
	copy(shards[3], fragmentBytes([]byte("three")))
	require.NoError(t, encoder.Encode(shards))

	var delivered []DeliveredFragment
	for i := uint8(0); i < 6; i++ {
		if i == 2 {
			continue // dropped, must be recovered via parity
		}
		out, err := a.Accept(1, i, shards[i])
		require.NoError(t, err)
		delivered = append(delivered, out...)
	}

	require.Len(t, delivered, 4)
	require.Equal(t, []byte("two"), delivered[2].Payload)
	require.EqualValues(t, 1, a.Counters().Recovered)
	require.EqualValues(t, 0, a.Counters().Lost)
}

func TestAcceptBlockIrrecoverableOnEviction(t *testing.T) {
	a := mustNew(t, 4, 6)

	// Only 2 of 4 data fragments arrive for block 0: not enough to recover.
	_, err := a.Accept(0, 0, fragmentBytes([]byte("x")))
	require.NoError(t, err)
	_, err = a.Accept(0, 1, fragmentBytes([]byte("y")))
	require.NoError(t, err)

	// Force eviction of block 0 by advancing far beyond the ring window.
	out, err := a.Accept(100, 0, fragmentBytes([]byte("z")))
	require.NoError(t, err)

	// Fewer than k unique fragments means zero of block 0 is delivered, even
	// the fragments that did arrive, and the full k counts as lost.
	require.Empty(t, out)
	require.GreaterOrEqual(t, a.Counters().Irrecoverable, uint64(1))
	require.EqualValues(t, 4, a.Counters().Lost)
}

func TestAcceptBlockIrrecoverableResolvesOnSingleBlockGap(t *testing.T) {
	// Mirrors the spec's worked example: block 0 gets only 4 of the 8 data
	// fragments it needs, then block 1 (just one block later, nowhere near
	// a full ring rotation) receives all 8 of its own. Block 0 must resolve
	// as irrecoverable immediately, and block 1 must deliver in full.
	a := mustNew(t, 8, 12)

	for i := uint8(0); i < 4; i++ {
		_, err := a.Accept(0, i, fragmentBytes([]byte{'a' + i}))
		require.NoError(t, err)
	}

	var delivered []DeliveredFragment
	for i := uint8(0); i < 8; i++ {
		out, err := a.Accept(1, i, fragmentBytes([]byte{'A' + i}))
		require.NoError(t, err)
		delivered = append(delivered, out...)
	}

	require.Len(t, delivered, 8)
	for i, frag := range delivered {
		require.EqualValues(t, 1, frag.BlockIdx)
		require.EqualValues(t, i, frag.FragmentIdx)
	}
	require.EqualValues(t, 8, a.Counters().Lost)
	require.EqualValues(t, 1, a.Counters().Irrecoverable)
}

func TestAcceptOutOfOrderArrivalStillOrdersDelivery(t *testing.T) {
	a := mustNew(t, 2, 3)

	out, err := a.Accept(0, 1, fragmentBytes([]byte("b")))
	require.NoError(t, err)
	require.Empty(t, out) // fragment 0 still missing

	out, err = a.Accept(0, 0, fragmentBytes([]byte("a")))
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, []byte("a"), out[0].Payload)
	require.Equal(t, []byte("b"), out[1].Payload)
}

func TestAcceptRejectsEvictedBlock(t *testing.T) {
	a := mustNew(t, 2, 3)

	_, err := a.Accept(100, 0, fragmentBytes([]byte("a")))
	require.NoError(t, err)

	_, err = a.Accept(0, 0, fragmentBytes([]byte("late")))
	require.Error(t, err)
}

func TestAcceptDuplicateFragmentIgnored(t *testing.T) {
	a := mustNew(t, 2, 3)

	_, err := a.Accept(0, 0, fragmentBytes([]byte("a")))
	require.NoError(t, err)

	_, err = a.Accept(0, 0, fragmentBytes([]byte("a-again")))
	require.Error(t, err)
	require.EqualValues(t, 1, a.Counters().Duplicate)
}

func TestAcceptFECOnlyFragmentConsumedSilently(t *testing.T) {
	a := mustNew(t, 1, 2)

	dataFrag := fragmentBytes([]byte("payload"))
	out, err := a.Accept(0, 0, dataFrag)
	require.NoError(t, err)
	require.Len(t, out, 1)

	parityFrag := make([]byte, 3)
	parityFrag[0] = byte(1) // FlagFECOnly
	out, err = a.Accept(1, 0, parityFrag)
	require.NoError(t, err)
	require.Empty(t, out)
}
