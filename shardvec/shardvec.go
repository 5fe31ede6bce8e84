// Package shardvec implements the immutable, copy-on-write ordered list of
// (coordinate, shard) pairs that partitions the 2-D hash space across a disk's shards
// (spec.md §4.4).
//
// A Vector is never mutated in place: Replace/ReplaceFour return a new Vector sharing
// the unaffected entries with the original, in the spirit of the teacher's own
// copy-on-write pointer-swap idiom for advancing committed state
// (_examples/outofforest-quantum/db.go's prepareNextSnapshot/Commit). The disk package
// owns synchronizing which Vector is "current"; this package only builds values.
package shardvec

import (
	"github.com/outofforest/mass"

	"github.com/outofforest/hyperdisk/coordinate"
	"github.com/outofforest/hyperdisk/shard"
)

// Entry pairs a coordinate with the shard covering it.
type Entry struct {
	Coordinate coordinate.Coordinate
	Shard      *shard.Shard
}

var entryPool = mass.New[Entry](64)

// New builds the starting vector: a single shard covering the whole hash space.
func New(c coordinate.Coordinate, s *shard.Shard) *Vector {
	e := entryPool.New()
	e.Coordinate = c
	e.Shard = s
	return &Vector{entries: []*Entry{e}}
}

// Vector is an immutable ordered list of shard entries. The starting vector holds one
// shard covering the whole space at the zero coordinate; a split puts its four
// successors at the position of the shard they replace (see ReplaceFour).
type Vector struct {
	entries []*Entry
}

// Size returns the number of entries.
func (v *Vector) Size() int {
	return len(v.entries)
}

// GetCoordinate returns entry i's coordinate.
func (v *Vector) GetCoordinate(i int) coordinate.Coordinate {
	return v.entries[i].Coordinate
}

// GetShard returns entry i's shard.
func (v *Vector) GetShard(i int) *shard.Shard {
	return v.entries[i].Shard
}

// Replace returns a new vector with entry i substituted by a single (coordinate, shard)
// pair, used by clean_shard's one-for-one compaction.
func (v *Vector) Replace(i int, c coordinate.Coordinate, s *shard.Shard) *Vector {
	e := entryPool.New()
	e.Coordinate = c
	e.Shard = s

	entries := make([]*Entry, len(v.entries))
	copy(entries, v.entries)
	entries[i] = e
	return &Vector{entries: entries}
}

// ReplaceFour returns a new vector with entry i substituted by four successor pairs,
// used by split_shard's four-way split. The four successors are appended in place of
// the original entry, preserving the back-to-front narrowest-shard-wins ordering rule
// (spec.md §4.4): the original sat at position i, so its successors now occupy
// positions i..i+3, still after every entry that preceded it and before every entry
// that followed it.
func (v *Vector) ReplaceFour(i int, pairs [4]Entry) *Vector {
	entries := make([]*Entry, 0, len(v.entries)+3)
	entries = append(entries, v.entries[:i]...)

	for _, p := range pairs {
		e := entryPool.New()
		e.Coordinate = p.Coordinate
		e.Shard = p.Shard
		entries = append(entries, e)
	}

	entries = append(entries, v.entries[i+1:]...)
	return &Vector{entries: entries}
}

// FindPrimaryContains scans front-to-back for entries whose coordinate primary_contains
// p, invoking visit for each until it returns false. Used by get() and flush()'s
// delete-pass to reach every shard that could hold the key.
func (v *Vector) FindPrimaryContains(p coordinate.Coordinate, visit func(int) bool) {
	for i := 0; i < len(v.entries); i++ {
		if v.entries[i].Coordinate.PrimaryContains(p) {
			if !visit(i) {
				return
			}
		}
	}
}

// FindContainsReverse scans back-to-front for entries whose coordinate contains p,
// invoking visit for each until it returns false. Used by flush()'s insert pass so the
// narrowest (most recently split) covering shard wins.
func (v *Vector) FindContainsReverse(p coordinate.Coordinate, visit func(int) bool) {
	for i := len(v.entries) - 1; i >= 0; i-- {
		if v.entries[i].Coordinate.Contains(p) {
			if !visit(i) {
				return
			}
		}
	}
}
