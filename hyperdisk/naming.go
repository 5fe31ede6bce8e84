package hyperdisk

import (
	"fmt"

	"github.com/outofforest/hyperdisk/coordinate"
)

// shardFilename renders a shard's canonical on-disk name: its four coordinate fields as
// 16-digit hex, matching disk::shard_filename.
func shardFilename(c coordinate.Coordinate) string {
	return fmt.Sprintf("%016x-%016x-%016x-%016x", c.PrimaryMask, c.PrimaryHash, c.SecondaryMask, c.SecondaryHash)
}

// shardTmpFilename renders the temp name a clean writes its compacted copy under before
// renaming it over the canonical file.
func shardTmpFilename(c coordinate.Coordinate) string {
	return shardFilename(c) + "-tmp"
}

// spareFilename renders the name of the n-th pre-allocated spare shard.
func spareFilename(n uint64) string {
	return fmt.Sprintf("spare-%d", n)
}
