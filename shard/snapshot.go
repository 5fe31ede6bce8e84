package shard

import "github.com/outofforest/hyperdisk/types"

// Snapshot is a forward iterator over a shard's live (non-stale) search log entries,
// used by the maintenance engine's split histograms (spec.md §6.4) without holding the
// shard open for mutation.
type Snapshot struct {
	shard *Shard
	index uint32
}

// MakeSnapshot builds a fresh iterator positioned at the first live entry.
func (s *Shard) MakeSnapshot() *Snapshot {
	snap := &Snapshot{shard: s}
	snap.skipStale()
	return snap
}

func (sn *Snapshot) skipStale() {
	for sn.index < types.SearchIndexEntries {
		_, offsetWord := sn.shard.searchLogEntry(sn.index)

		if uint32(offsetWord) == 0 {
			sn.index = types.SearchIndexEntries
			return
		}

		if uint32(offsetWord>>32) != 0 {
			sn.index++
			continue
		}

		return
	}
}

// Valid reports whether the iterator is positioned on a live entry.
func (sn *Snapshot) Valid() bool {
	return sn.index < types.SearchIndexEntries
}

// Next advances to the next live entry.
func (sn *Snapshot) Next() {
	sn.index++
	sn.skipStale()
}

// PrimaryHash returns the current entry's primary hash.
func (sn *Snapshot) PrimaryHash() uint32 {
	hashWord, _ := sn.shard.searchLogEntry(sn.index)
	return uint32(hashWord)
}

// SecondaryHash returns the current entry's secondary hash.
func (sn *Snapshot) SecondaryHash() uint32 {
	hashWord, _ := sn.shard.searchLogEntry(sn.index)
	return uint32(hashWord >> 32)
}

// Key returns a copy of the current entry's key.
func (sn *Snapshot) Key() []byte {
	_, offsetWord := sn.shard.searchLogEntry(sn.index)
	offset := uint32(offsetWord)
	keySize := sn.shard.dataKeySize(offset)
	return sn.shard.dataKeyBytes(offset, keySize)
}

// Value returns a copy of the current entry's value.
func (sn *Snapshot) Value() types.Value {
	_, offsetWord := sn.shard.searchLogEntry(sn.index)
	offset := uint32(offsetWord)
	keySize := sn.shard.dataKeySize(offset)
	return sn.shard.dataValue(offset, keySize)
}

// Version returns the current entry's version.
func (sn *Snapshot) Version() uint64 {
	_, offsetWord := sn.shard.searchLogEntry(sn.index)
	return sn.shard.dataVersion(uint32(offsetWord))
}
