package hyperdisk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/hyperdisk/hashfn"
	"github.com/outofforest/hyperdisk/types"
)

func newTestDisk(t *testing.T, arity uint16) *Disk {
	t.Helper()

	d, err := Open(Config{
		Dir:           t.TempDir(),
		Arity:         arity,
		HashFunc:      hashfn.HashFunc,
		InterlaceFunc: hashfn.InterlaceFunc,
	})
	require.NoError(t, err)

	return d
}

func TestPutGetBeforeFlush(t *testing.T) {
	requireT := require.New(t)

	d := newTestDisk(t, 2)
	requireT.NoError(d.Put([]byte("alice"), types.Value{[]byte("30")}, 1))

	value, version, err := d.Get([]byte("alice"))
	requireT.NoError(err)
	requireT.Equal(uint64(1), version)
	requireT.Equal(types.Value{[]byte("30")}, value)
}

func TestPutGetAfterFlush(t *testing.T) {
	requireT := require.New(t)

	d := newTestDisk(t, 2)
	requireT.NoError(d.Put([]byte("alice"), types.Value{[]byte("30")}, 1))
	requireT.NoError(d.Flush(context.Background()))

	value, version, err := d.Get([]byte("alice"))
	requireT.NoError(err)
	requireT.Equal(uint64(1), version)
	requireT.Equal(types.Value{[]byte("30")}, value)
}

func TestOverwriteAfterFlush(t *testing.T) {
	requireT := require.New(t)

	d := newTestDisk(t, 2)
	requireT.NoError(d.Put([]byte("alice"), types.Value{[]byte("30")}, 1))
	requireT.NoError(d.Flush(context.Background()))
	requireT.NoError(d.Put([]byte("alice"), types.Value{[]byte("31")}, 2))
	requireT.NoError(d.Flush(context.Background()))

	value, version, err := d.Get([]byte("alice"))
	requireT.NoError(err)
	requireT.Equal(uint64(2), version)
	requireT.Equal(types.Value{[]byte("31")}, value)
}

func TestDeleteBeforeFlushHidesValue(t *testing.T) {
	requireT := require.New(t)

	d := newTestDisk(t, 2)
	requireT.NoError(d.Put([]byte("alice"), types.Value{[]byte("30")}, 1))
	requireT.NoError(d.Del([]byte("alice")))

	_, _, err := d.Get([]byte("alice"))
	requireT.ErrorIs(err, ErrNotFound)
}

func TestDeleteAfterFlush(t *testing.T) {
	requireT := require.New(t)

	d := newTestDisk(t, 2)
	requireT.NoError(d.Put([]byte("alice"), types.Value{[]byte("30")}, 1))
	requireT.NoError(d.Flush(context.Background()))
	requireT.NoError(d.Del([]byte("alice")))
	requireT.NoError(d.Flush(context.Background()))

	_, _, err := d.Get([]byte("alice"))
	requireT.ErrorIs(err, ErrNotFound)
}

func TestGetMissingKey(t *testing.T) {
	requireT := require.New(t)

	d := newTestDisk(t, 2)
	_, _, err := d.Get([]byte("nobody"))
	requireT.ErrorIs(err, ErrNotFound)
}

func TestPutWrongArity(t *testing.T) {
	requireT := require.New(t)

	d := newTestDisk(t, 3)
	err := d.Put([]byte("alice"), types.Value{[]byte("30")}, 1)
	requireT.ErrorIs(err, ErrWrongArity)
}

func TestManyKeysSurviveFlush(t *testing.T) {
	requireT := require.New(t)

	d := newTestDisk(t, 2)

	const n = 500
	for i := 0; i < n; i++ {
		key := []byte{byte(i), byte(i >> 8)}
		requireT.NoError(d.Put(key, types.Value{key}, uint64(i)))
	}

	for !d.log.Empty() {
		requireT.NoError(d.Flush(context.Background()))
	}

	for i := 0; i < n; i++ {
		key := []byte{byte(i), byte(i >> 8)}
		value, version, err := d.Get(key)
		requireT.NoError(err)
		requireT.Equal(uint64(i), version)
		requireT.Equal(types.Value{key}, value)
	}
}

func TestDropRemovesDirectory(t *testing.T) {
	requireT := require.New(t)

	d := newTestDisk(t, 2)
	requireT.NoError(d.Put([]byte("alice"), types.Value{[]byte("30")}, 1))
	requireT.NoError(d.Flush(context.Background()))
	requireT.NoError(d.Drop())
}

func TestAsyncAndSync(t *testing.T) {
	requireT := require.New(t)

	d := newTestDisk(t, 2)
	requireT.NoError(d.Put([]byte("alice"), types.Value{[]byte("30")}, 1))
	requireT.NoError(d.Flush(context.Background()))
	requireT.NoError(d.Async())
	requireT.NoError(d.Sync())
}
