// Package hyperdisk implements the distributed key-value store's local disk subsystem:
// a shard vector partitioning the hash space, a write-ahead log absorbing writes ahead
// of placement, and a background maintenance engine that flushes, cleans, and splits
// (spec.md §4.6).
//
// LOCKING: only one thread at a time may mutate shards — a PUT/DEL landing on disk, or
// a clean/split/preallocate reorganizing the shard vector. mutate enforces this. Reading
// the shard vector pointer races against the mutator replacing it; shardsLock protects
// that pointer swap, not the shards themselves (those stay safe to read concurrently
// because only the mutate-holder ever writes to them). Readers detect races against
// in-flight writes by replaying the WAL on top of whatever shard-vector snapshot they
// saw, which is always "behind or equal to" the log.
package hyperdisk

import (
	"bytes"
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"

	"github.com/outofforest/hyperdisk/coordinate"
	"github.com/outofforest/hyperdisk/shard"
	"github.com/outofforest/hyperdisk/shardvec"
	"github.com/outofforest/hyperdisk/types"
	"github.com/outofforest/hyperdisk/wal"
)

// FlushInterval is how often the background loop calls Flush.
const FlushInterval = 10 * time.Millisecond

// PreallocateInterval is how often the background loop calls Preallocate.
const PreallocateInterval = time.Second

// Config configures a Disk.
type Config struct {
	// Dir is the directory holding the shard files. Created if missing.
	Dir string

	// Arity is the number of columns a value must carry, plus one for the key itself.
	Arity uint16

	// HashFunc hashes a key or attribute into 64 bits. Required.
	HashFunc types.HashFunc

	// InterlaceFunc mixes per-attribute value hashes into a single secondary hash.
	// Required.
	InterlaceFunc types.InterlaceFunc
}

// Disk is a local shard-backed key-value store.
type Disk struct {
	config Config

	mutate sync.Mutex

	shardsLock sync.RWMutex
	shards     *shardvec.Vector

	log *wal.WAL

	spareShardsLock sync.Mutex
	spareShards     []spareShard
	spareCounter    uint64
}

type spareShard struct {
	name  string
	shard *shard.Shard
}

// Open creates config.Dir if missing and starts a fresh disk in it: a single empty shard
// covering the whole hash space. Shard files already in the directory are not loaded.
func Open(config Config) (*Disk, error) {
	if config.HashFunc == nil || config.InterlaceFunc == nil {
		return nil, errors.New("hyperdisk: HashFunc and InterlaceFunc are required")
	}

	if err := os.MkdirAll(config.Dir, 0o700); err != nil {
		return nil, errors.WithStack(err)
	}

	d := &Disk{
		config: config,
		log:    wal.New(),
	}

	start := coordinate.Zero
	s, err := shard.Create(config.Dir, shardFilename(start))
	if err != nil {
		return nil, errors.Wrap(err, "create starting shard")
	}

	d.shards = shardvec.New(start, s)
	return d, nil
}

// Close unmaps and closes every current shard, live or spare. Mirrors Open: a Disk
// closed this way can be reopened later with Open, though (per spec.md §6) Open always
// starts fresh rather than recovering the prior shard vector.
func (d *Disk) Close() error {
	d.mutate.Lock()
	defer d.mutate.Unlock()
	d.shardsLock.Lock()
	defer d.shardsLock.Unlock()

	failed := false
	for i := 0; i < d.shards.Size(); i++ {
		if err := d.shards.GetShard(i).Close(); err != nil {
			failed = true
		}
	}

	d.spareShardsLock.Lock()
	for _, spare := range d.spareShards {
		if err := spare.shard.Close(); err != nil {
			failed = true
		}
	}
	d.spareShards = nil
	d.spareShardsLock.Unlock()

	if failed {
		return ErrCloseFailed
	}
	return nil
}

// Run drives the background maintenance loop (flush + preallocate) until ctx is
// canceled, in the teacher's parallel.Run/SpawnFn idiom.
func (d *Disk) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("flush", parallel.Continue, func(ctx context.Context) error {
			return d.runFlushLoop(ctx)
		})
		spawn("preallocate", parallel.Continue, func(ctx context.Context) error {
			return d.runPreallocateLoop(ctx)
		})
		return nil
	})
}

// Put validates arity, computes the record's point coordinate, and appends it to the
// WAL. The write is not visible to shard-level reads until flush drains it, but Get
// always replays the WAL, so it is visible to callers immediately.
func (d *Disk) Put(key []byte, value types.Value, version uint64) error {
	if int(d.config.Arity) != len(value)+1 {
		return ErrWrongArity
	}

	coord := d.pointCoordinate(key, value)
	d.log.Append(coord, key, value, version)
	return nil
}

// Del computes the key's tombstone coordinate and appends it to the WAL.
func (d *Disk) Del(key []byte) error {
	coord := d.keyCoordinate(key)
	d.log.Append(coord, key, nil, 0)
	return nil
}

// Get looks up key, consulting every shard whose coordinate covers it and then the WAL,
// which always wins because it is definitionally newer than any shard state a reader's
// snapshot could have seen.
func (d *Disk) Get(key []byte) (types.Value, uint64, error) {
	coord := d.keyCoordinate(key)
	cursor := d.log.Iterate()

	d.shardsLock.RLock()
	shards := d.shards
	d.shardsLock.RUnlock()

	var shardValue types.Value
	var shardVersion uint64
	shardFound := false

	shards.FindPrimaryContains(coord, func(i int) bool {
		value, version, rc := shards.GetShard(i).Get(coord.PrimaryHash, key)
		if rc == types.Success {
			shardValue, shardVersion, shardFound = value, version, true
			return false
		}
		return true
	})

	found := false
	walFound := false
	var walValue types.Value
	var walVersion uint64

	for e := cursor.Next(); e != nil; e = cursor.Next() {
		if !e.Coord.PrimaryContains(coord) || !bytes.Equal(e.Key, key) {
			continue
		}

		found = true
		if !e.Coord.IsTombstone() {
			walValue, walVersion, walFound = e.Value, e.Version, true
		} else {
			walFound = false
		}
	}

	if found {
		if walFound {
			return walValue, walVersion, nil
		}
		return nil, 0, ErrNotFound
	}

	if shardFound {
		return shardValue, shardVersion, nil
	}
	return nil, 0, ErrNotFound
}

// Drop removes every shard file and the disk's directory.
func (d *Disk) Drop() error {
	d.mutate.Lock()
	defer d.mutate.Unlock()
	d.shardsLock.Lock()
	defer d.shardsLock.Unlock()

	failed := false
	for i := 0; i < d.shards.Size(); i++ {
		if err := os.Remove(d.shardPath(shardFilename(d.shards.GetCoordinate(i)))); err != nil {
			failed = true
		}
	}

	if !failed {
		if err := os.Remove(d.config.Dir); err != nil {
			failed = true
		}
	}

	if failed {
		return ErrDropFailed
	}
	return nil
}

// Async issues an async msync on every current shard, aggregating failures.
func (d *Disk) Async() error {
	d.shardsLock.RLock()
	shards := d.shards
	d.shardsLock.RUnlock()

	failed := false
	for i := 0; i < shards.Size(); i++ {
		if err := shards.GetShard(i).Async(); err != nil {
			failed = true
		}
	}
	if failed {
		return ErrSyncFailed
	}
	return nil
}

// Sync issues a synchronous msync on every current shard, aggregating failures.
func (d *Disk) Sync() error {
	d.shardsLock.RLock()
	shards := d.shards
	d.shardsLock.RUnlock()

	failed := false
	for i := 0; i < shards.Size(); i++ {
		if err := shards.GetShard(i).Sync(); err != nil {
			failed = true
		}
	}
	if failed {
		return ErrSyncFailed
	}
	return nil
}

// MakeSnapshot is not implemented: the engine only supports per-shard snapshots
// (shard.Snapshot), used internally by split planning.
func (d *Disk) MakeSnapshot() error {
	return ErrNotImplemented
}

// MakeRollingSnapshot is not implemented, for the same reason as MakeSnapshot.
func (d *Disk) MakeRollingSnapshot() error {
	return ErrNotImplemented
}

func (d *Disk) shardPath(name string) string {
	return d.config.Dir + "/" + name
}

func (d *Disk) pointCoordinate(key []byte, value types.Value) coordinate.Coordinate {
	primaryHash := uint32(d.config.HashFunc(key))

	hashes := make([]uint64, len(value))
	for i, v := range value {
		hashes[i] = d.config.HashFunc(v)
	}
	secondaryHash := d.config.InterlaceFunc(hashes)

	return coordinate.Point(primaryHash, secondaryHash)
}

func (d *Disk) keyCoordinate(key []byte) coordinate.Coordinate {
	primaryHash := uint32(d.config.HashFunc(key))
	return coordinate.KeyOnly(primaryHash)
}

func (d *Disk) runFlushLoop(ctx context.Context) error {
	log := logger.Get(ctx)
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
			if err := d.Flush(ctx); err != nil {
				log.Error("flush failed", zap.Error(err))
			}
		}
	}
}

func (d *Disk) runPreallocateLoop(ctx context.Context) error {
	log := logger.Get(ctx)
	ticker := time.NewTicker(PreallocateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ticker.C:
			if err := d.Preallocate(); err != nil {
				log.Error("preallocate failed", zap.Error(err))
			}
		}
	}
}
