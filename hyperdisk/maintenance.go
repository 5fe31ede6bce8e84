package hyperdisk

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/outofforest/logger"

	"github.com/outofforest/hyperdisk/coordinate"
	"github.com/outofforest/hyperdisk/shard"
	"github.com/outofforest/hyperdisk/shardvec"
	"github.com/outofforest/hyperdisk/types"
)

// Flush is non-blocking: if another mutation is already in progress it returns success
// immediately, on the assumption that the thread making progress will catch up the WAL
// soon enough. Otherwise it drains up to FlushBatchSize of the oldest WAL entries,
// applying the delete-pass then (for puts) the insert-pass of each.
func (d *Disk) Flush(ctx context.Context) error {
	if !d.mutate.TryLock() {
		return nil
	}
	defer d.mutate.Unlock()

	for i := 0; i < types.FlushBatchSize && !d.log.Empty(); i++ {
		entry := d.log.Oldest()

		d.shardsLock.RLock()
		shards := d.shards
		d.shardsLock.RUnlock()

		var flushErr error
		// full is set when a shard was full: the entry stays in the WAL for the next Flush.
		full := false

		shards.FindPrimaryContains(entry.Coord, func(si int) bool {
			switch rc := shards.GetShard(si).Del(entry.Coord.PrimaryHash, entry.Key); rc {
			case types.Success:
				return false
			case types.NotFound:
				return true
			case types.DataFull, types.HashFull:
				full = true
				flushErr = d.dealWithFullShard(ctx, si)
				return false
			default:
				flushErr = errors.Errorf("hyperdisk: programming error, shard delete returned %v during flush", rc)
				return false
			}
		})
		if full || flushErr != nil {
			return flushErr
		}

		if !entry.Coord.IsTombstone() {
			shards.FindContainsReverse(entry.Coord, func(si int) bool {
				rc := shards.GetShard(si).Put(entry.Coord.PrimaryHash, entry.Coord.SecondaryHash,
					entry.Key, entry.Value, entry.Version)

				switch rc {
				case types.Success:
					return false
				case types.DataFull, types.HashFull, types.SearchFull:
					full = true
					flushErr = d.dealWithFullShard(ctx, si)
					return false
				default:
					flushErr = errors.Errorf("hyperdisk: programming error, shard put returned %v during flush", rc)
					return false
				}
			})
			if full || flushErr != nil {
				return flushErr
			}
		}

		d.log.RemoveOldest()
	}

	return nil
}

// dealWithFullShard decides whether shard i should be compacted or split, called while
// holding mutate.
func (d *Disk) dealWithFullShard(ctx context.Context, i int) error {
	d.shardsLock.RLock()
	shards := d.shards
	d.shardsLock.RUnlock()

	c := shards.GetCoordinate(i)
	s := shards.GetShard(i)

	if s.StaleSpace() >= types.CleanStaleThreshold {
		return d.cleanShard(ctx, i)
	}

	if c.PrimaryMask == coordinate.MaxUint32 || c.SecondaryMask == coordinate.MaxUint32 {
		// One axis is already fully fixed: there is no free bit left on it to split on.
		return ErrSplitFailed
	}

	return d.splitShard(ctx, i)
}

// cleanShard compacts shard i by copying its live entries into a fresh shard at the
// same coordinate, renaming the temp file over the canonical one, and swapping it into
// the shard vector.
func (d *Disk) cleanShard(ctx context.Context, i int) error {
	d.shardsLock.RLock()
	shards := d.shards
	d.shardsLock.RUnlock()

	c := shards.GetCoordinate(i)
	s := shards.GetShard(i)

	newShard, err := d.createTmpShard(c)
	if err != nil {
		return errors.Wrap(err, "create temp shard for clean")
	}

	if err := s.CopyTo(c, newShard); err != nil {
		_ = d.dropTmpShard(c)
		return errors.Wrap(err, "copy live entries during clean")
	}

	newShards := shards.Replace(i, c, newShard)

	if err := os.Rename(d.shardPath(shardTmpFilename(c)), d.shardPath(shardFilename(c))); err != nil {
		_ = d.dropTmpShard(c)
		return ErrDropFailed
	}

	d.shardsLock.Lock()
	d.shards = newShards
	d.shardsLock.Unlock()

	if err := s.Close(); err != nil {
		logger.Get(ctx).Error("failed to close superseded shard after clean", zap.Error(err))
	}

	return nil
}

// whichToSplit picks the bit position (1..31, never bit 0) not already fixed by mask
// that minimizes the absolute difference between the ones and zeros histograms, ties
// breaking toward the lower bit index.
func whichToSplit(mask uint32, zeros, ones [32]int) int {
	bestDiff := 1<<31 - 1
	pos := 0

	for i := 1; i < 32; i++ {
		if mask&(1<<uint(i)) != 0 {
			continue
		}

		diff := ones[i] - zeros[i]
		if diff < 0 {
			diff = -diff
		}

		if diff < bestDiff {
			pos = i
			bestDiff = diff
		}
	}

	return pos
}

// splitShard four-way splits shard i: one bit chosen on the secondary axis, then one
// bit chosen independently on the primary axis for each half of the secondary split.
func (d *Disk) splitShard(ctx context.Context, i int) error {
	d.shardsLock.RLock()
	shards := d.shards
	d.shardsLock.RUnlock()

	c := shards.GetCoordinate(i)
	s := shards.GetShard(i)

	var zeros, ones [32]int
	for snap := s.MakeSnapshot(); snap.Valid(); snap.Next() {
		for j := 1; j < 32; j++ {
			bit := uint32(1) << uint(j)
			if c.SecondaryMask&bit != 0 {
				continue
			}
			if snap.SecondaryHash()&bit != 0 {
				ones[j]++
			} else {
				zeros[j]++
			}
		}
	}

	secondarySplit := whichToSplit(c.SecondaryMask, zeros, ones)
	secondaryBit := uint32(1) << uint(secondarySplit)

	var zerosLower, zerosUpper, onesLower, onesUpper [32]int
	for snap := s.MakeSnapshot(); snap.Valid(); snap.Next() {
		for j := 1; j < 32; j++ {
			bit := uint32(1) << uint(j)
			if c.PrimaryMask&bit != 0 {
				continue
			}

			if snap.SecondaryHash()&secondaryBit != 0 {
				if snap.PrimaryHash()&bit != 0 {
					onesUpper[j]++
				} else {
					zerosUpper[j]++
				}
			} else {
				if snap.PrimaryHash()&bit != 0 {
					onesLower[j]++
				} else {
					zerosLower[j]++
				}
			}
		}
	}

	primaryLowerSplit := whichToSplit(c.PrimaryMask, zerosLower, onesLower)
	primaryLowerBit := uint32(1) << uint(primaryLowerSplit)
	primaryUpperSplit := whichToSplit(c.PrimaryMask, zerosUpper, onesUpper)
	primaryUpperBit := uint32(1) << uint(primaryUpperSplit)

	zeroZero := c.WithPrimaryBit(primaryLowerBit, false).WithSecondaryBit(secondaryBit, false)
	zeroOne := c.WithPrimaryBit(primaryUpperBit, false).WithSecondaryBit(secondaryBit, true)
	oneZero := c.WithPrimaryBit(primaryLowerBit, true).WithSecondaryBit(secondaryBit, false)
	oneOne := c.WithPrimaryBit(primaryUpperBit, true).WithSecondaryBit(secondaryBit, true)

	coords := [4]coordinate.Coordinate{zeroZero, zeroOne, oneZero, oneOne}
	created := make([]*shard.Shard, 0, 4)

	rollback := func() {
		for idx, sh := range created {
			_ = sh.Close()
			_ = d.dropShard(coords[idx])
		}
	}

	for _, cc := range coords {
		ns, err := d.createShard(cc)
		if err != nil {
			rollback()
			return ErrSplitFailed
		}
		if err := s.CopyTo(cc, ns); err != nil {
			created = append(created, ns)
			rollback()
			return ErrSplitFailed
		}
		created = append(created, ns)
	}

	newShards := shards.ReplaceFour(i, [4]shardvec.Entry{
		{Coordinate: coords[0], Shard: created[0]},
		{Coordinate: coords[1], Shard: created[1]},
		{Coordinate: coords[2], Shard: created[2]},
		{Coordinate: coords[3], Shard: created[3]},
	})

	d.shardsLock.Lock()
	d.shards = newShards
	d.shardsLock.Unlock()

	_ = d.dropShard(c)
	if err := s.Close(); err != nil {
		logger.Get(ctx).Error("failed to close superseded shard after split", zap.Error(err))
	}
	return nil
}

// Preallocate tops up the spare-shard pool so that clean/split have pre-zeroed shards
// ready to rename rather than create from scratch. Demand is estimated per live shard
// from its free/stale space, per disk::preallocate's table.
func (d *Disk) Preallocate() error {
	d.spareShardsLock.Lock()
	have := len(d.spareShards)
	d.spareShardsLock.Unlock()

	if have >= types.MaxSpareShards {
		return nil
	}

	d.shardsLock.RLock()
	shards := d.shards
	d.shardsLock.RUnlock()

	demand := 0
	for i := 0; i < shards.Size(); i++ {
		s := shards.GetShard(i)
		free := s.FreeSpace()
		stale := s.StaleSpace()

		switch {
		case free <= 25:
			demand += 0
		case free <= 50:
			demand++
		case free <= 75:
			if stale >= types.CleanStaleThreshold {
				demand++
			} else {
				demand += 2
			}
		default:
			if stale >= types.CleanStaleThreshold {
				demand++
			} else {
				demand += 4
			}
		}
	}

	d.spareShardsLock.Lock()
	needed := max(0, demand-len(d.spareShards))
	d.spareShardsLock.Unlock()

	for n := 0; n < needed; n++ {
		d.spareShardsLock.Lock()
		name := spareFilename(d.spareCounter)
		d.spareCounter++
		d.spareShardsLock.Unlock()

		s, err := shard.Create(d.config.Dir, name)
		if err != nil {
			return errors.Wrap(err, "preallocate spare shard")
		}

		d.spareShardsLock.Lock()
		d.spareShards = append(d.spareShards, spareShard{name: name, shard: s})
		d.spareShardsLock.Unlock()
	}

	return nil
}

// createShard gives back a shard ready to be used at coordinate c's canonical filename,
// reusing a spare from the pool (renamed in place) when one is available.
func (d *Disk) createShard(c coordinate.Coordinate) (*shard.Shard, error) {
	return d.createNamedShard(shardFilename(c))
}

// createTmpShard is the same as createShard but names the result with the "-tmp" suffix
// clean_shard renames over the canonical file once the copy succeeds.
func (d *Disk) createTmpShard(c coordinate.Coordinate) (*shard.Shard, error) {
	return d.createNamedShard(shardTmpFilename(c))
}

func (d *Disk) createNamedShard(name string) (*shard.Shard, error) {
	d.spareShardsLock.Lock()
	var spare spareShard
	hasSpare := false
	if len(d.spareShards) > 0 {
		spare = d.spareShards[0]
		d.spareShards = lo.Drop(d.spareShards, 1)
		hasSpare = true
	}
	d.spareShardsLock.Unlock()

	if hasSpare {
		if err := os.Rename(d.shardPath(spare.name), d.shardPath(name)); err != nil {
			return nil, errors.WithStack(err)
		}
		return spare.shard, nil
	}

	return shard.Create(d.config.Dir, name)
}

func (d *Disk) dropShard(c coordinate.Coordinate) error {
	if err := os.Remove(d.shardPath(shardFilename(c))); err != nil {
		return ErrDropFailed
	}
	return nil
}

func (d *Disk) dropTmpShard(c coordinate.Coordinate) error {
	if err := os.Remove(d.shardPath(shardTmpFilename(c))); err != nil {
		return ErrDropFailed
	}
	return nil
}
