package wal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/hyperdisk/coordinate"
	"github.com/outofforest/hyperdisk/types"
)

func TestEmptyOnNew(t *testing.T) {
	requireT := require.New(t)

	w := New()
	requireT.True(w.Empty())
	requireT.Nil(w.Oldest())
}

func TestAppendAndDrain(t *testing.T) {
	requireT := require.New(t)

	w := New()
	w.Append(coordinate.Point(1, 1), []byte("k1"), types.Value{[]byte("v1")}, 1)
	w.Append(coordinate.Point(2, 2), []byte("k2"), types.Value{[]byte("v2")}, 2)

	requireT.False(w.Empty())

	cursor := w.Iterate()
	entries := cursor.Drain()
	requireT.Len(entries, 2)
	requireT.Equal([]byte("k1"), entries[0].Key)
	requireT.Equal([]byte("k2"), entries[1].Key)
}

func TestRemoveOldestOrder(t *testing.T) {
	requireT := require.New(t)

	w := New()
	w.Append(coordinate.Point(1, 1), []byte("k1"), nil, 1)
	w.Append(coordinate.Point(2, 2), []byte("k2"), nil, 2)
	w.Append(coordinate.Point(3, 3), []byte("k3"), nil, 3)

	requireT.Equal([]byte("k1"), w.Oldest().Key)
	w.RemoveOldest()
	requireT.Equal([]byte("k2"), w.Oldest().Key)
	w.RemoveOldest()
	requireT.Equal([]byte("k3"), w.Oldest().Key)
	w.RemoveOldest()
	requireT.True(w.Empty())
	requireT.Nil(w.Oldest())
}

func TestRemoveOldestOnEmptyIsNoop(t *testing.T) {
	requireT := require.New(t)

	w := New()
	w.RemoveOldest()
	requireT.True(w.Empty())
}

func TestCursorSeesEntriesAppendedDuringWalk(t *testing.T) {
	requireT := require.New(t)

	w := New()
	w.Append(coordinate.Point(1, 1), []byte("k1"), nil, 1)

	cursor := w.Iterate()
	first := cursor.Next()
	requireT.Equal([]byte("k1"), first.Key)
	requireT.False(cursor.Valid())

	w.Append(coordinate.Point(2, 2), []byte("k2"), nil, 2)
	requireT.True(cursor.Valid())
	second := cursor.Next()
	requireT.Equal([]byte("k2"), second.Key)
}

func TestConcurrentAppend(t *testing.T) {
	requireT := require.New(t)

	w := New()
	const producers = 32
	const perProducer = 64

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				w.Append(coordinate.Point(uint32(p), uint32(i)), []byte("k"), nil, uint64(i))
			}
		}(p)
	}
	wg.Wait()

	count := 0
	cursor := w.Iterate()
	for cursor.Valid() {
		cursor.Next()
		count++
	}
	requireT.Equal(producers*perProducer, count)
}
