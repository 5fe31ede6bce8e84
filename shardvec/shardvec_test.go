package shardvec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/hyperdisk/coordinate"
	"github.com/outofforest/hyperdisk/shard"
)

func newTestShard(t *testing.T) *shard.Shard {
	t.Helper()
	s, err := shard.Create(t.TempDir(), "s")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewSingleEntry(t *testing.T) {
	requireT := require.New(t)

	s := newTestShard(t)
	v := New(coordinate.Zero, s)
	requireT.Equal(1, v.Size())
	requireT.Equal(coordinate.Zero, v.GetCoordinate(0))
	requireT.Same(s, v.GetShard(0))
}

func TestReplaceIsOneForOneAndImmutable(t *testing.T) {
	requireT := require.New(t)

	s1 := newTestShard(t)
	s2 := newTestShard(t)
	v1 := New(coordinate.Zero, s1)
	v2 := v1.Replace(0, coordinate.Zero, s2)

	requireT.Equal(1, v1.Size())
	requireT.Same(s1, v1.GetShard(0))

	requireT.Equal(1, v2.Size())
	requireT.Same(s2, v2.GetShard(0))
}

func TestReplaceFourAppendsAtPosition(t *testing.T) {
	requireT := require.New(t)

	s0 := newTestShard(t)
	v := New(coordinate.Zero, s0)

	s1, s2, s3, s4 := newTestShard(t), newTestShard(t), newTestShard(t), newTestShard(t)
	c1 := coordinate.Zero.WithPrimaryBit(1, false)
	c2 := coordinate.Zero.WithPrimaryBit(1, true)
	c3 := coordinate.Zero.WithPrimaryBit(2, false)
	c4 := coordinate.Zero.WithPrimaryBit(2, true)

	v2 := v.ReplaceFour(0, [4]Entry{
		{Coordinate: c1, Shard: s1},
		{Coordinate: c2, Shard: s2},
		{Coordinate: c3, Shard: s3},
		{Coordinate: c4, Shard: s4},
	})

	requireT.Equal(1, v.Size())
	requireT.Equal(4, v2.Size())
	requireT.Same(s1, v2.GetShard(0))
	requireT.Same(s2, v2.GetShard(1))
	requireT.Same(s3, v2.GetShard(2))
	requireT.Same(s4, v2.GetShard(3))
}

func TestFindContainsReverseOrder(t *testing.T) {
	requireT := require.New(t)

	wide := newTestShard(t)
	narrow := newTestShard(t)

	v := New(coordinate.Zero, wide)
	v = v.ReplaceFour(0, [4]Entry{
		{Coordinate: coordinate.Zero.WithPrimaryBit(1, false), Shard: narrow},
		{Coordinate: coordinate.Zero.WithPrimaryBit(1, true), Shard: newTestShard(t)},
		{Coordinate: coordinate.Zero.WithPrimaryBit(1, false), Shard: newTestShard(t)},
		{Coordinate: coordinate.Zero.WithPrimaryBit(1, true), Shard: newTestShard(t)},
	})

	var visited []int
	v.FindContainsReverse(coordinate.Point(0, 0), func(i int) bool {
		visited = append(visited, i)
		return true
	})

	requireT.NotEmpty(visited)
	requireT.Equal(2, visited[0])
}
