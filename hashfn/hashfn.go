// Package hashfn supplies a ready-to-use default for the HashFunc/InterlaceFunc
// callbacks hyperdisk.Config accepts. The engine itself treats hashing as opaque
// (spec.md §6); this package exists so the engine is runnable standalone and in tests
// without every caller writing its own xxhash wrapper.
package hashfn

import (
	"github.com/cespare/xxhash"

	"github.com/outofforest/hyperdisk/types"
)

// Default64 hashes b with xxhash, matching the teacher's own use of
// xxhash.Sum64 for key hashing in quantum.go.
func Default64(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// LowerInterlace packs the low bits of each per-attribute hash into a single 32-bit
// secondary hash by interleaving them round-robin across bit positions, one bit per
// hash per round. This is a default bit schedule only: spec.md §4.1 explicitly leaves
// the schedule up to the caller, so any embedder that cares about cross-version
// stability should supply its own InterlaceFunc instead of relying on this one.
func LowerInterlace(hashes []uint64) uint32 {
	if len(hashes) == 0 {
		return 0
	}

	var out uint32
	bit := uint32(0)
	for round := 0; round < 32 && bit < 32; round++ {
		for _, h := range hashes {
			if bit >= 32 {
				break
			}
			if (h>>uint(round))&1 != 0 {
				out |= 1 << bit
			}
			bit++
		}
	}
	return out
}

// HashFunc adapts Default64 to types.HashFunc.
var HashFunc types.HashFunc = Default64

// InterlaceFunc adapts LowerInterlace to types.InterlaceFunc.
var InterlaceFunc types.InterlaceFunc = LowerInterlace
