// Package types defines the primitive types and on-disk layout constants shared by the
// shard, shard vector, WAL, and disk packages.
package types

const (
	// HashTableEntries is the number of 8-byte slots in a shard's hash table. Must be a
	// power of two so HashTableEntries-1 can be used as a probing mask.
	HashTableEntries = 1 << 20

	// SearchIndexEntries is the number of entries in a shard's search log.
	SearchIndexEntries = 1 << 20

	// HashTableSize is the size in bytes of the hash table region.
	HashTableSize = HashTableEntries * 8

	// SearchIndexSize is the size in bytes of the search log region.
	SearchIndexSize = SearchIndexEntries * 16

	// IndexSegmentSize is the offset at which the data heap begins.
	IndexSegmentSize = HashTableSize + SearchIndexSize

	// FileSize is the fixed size of a shard file, in bytes.
	FileSize = IndexSegmentSize + DataSegmentSize

	// DataSegmentSize is the size in bytes of the data heap region.
	DataSegmentSize = 64 * 1024 * 1024

	// HashOffsetInvalid is the top bit of a hash-table slot's offset half; when set, the
	// slot is tombstoned.
	HashOffsetInvalid = uint32(1) << 31

	// SyncBoundary is the alignment used to decide when put() issues an async msync.
	SyncBoundary = 1 << 22

	// RecordAlignment is the byte alignment every data-heap record is padded to.
	RecordAlignment = 8

	// MaxSpareShards is the maximum number of pre-allocated empty shards preallocate()
	// keeps on hand.
	MaxSpareShards = 16

	// FlushBatchSize is the maximum number of WAL entries drained per flush() call.
	FlushBatchSize = 100

	// CleanStaleThreshold is the stale_space() percentage at or above which
	// deal_with_full_shard chooses to clean rather than split.
	CleanStaleThreshold = 30
)

// ReturnCode is the internal control-flow result of a shard or disk operation, mirroring
// the teacher's enum-style state constants.
type ReturnCode int

// ReturnCode values. Names match the taxonomy in spec.md §4.7/§7.
const (
	Success ReturnCode = iota
	NotFound
	WrongArity
	DataFull
	HashFull
	SearchFull
	SyncFailed
	DropFailed
	SplitFailed
	MissingDisk
)

// String renders the return code for logs and error messages.
func (r ReturnCode) String() string {
	switch r {
	case Success:
		return "SUCCESS"
	case NotFound:
		return "NOTFOUND"
	case WrongArity:
		return "WRONGARITY"
	case DataFull:
		return "DATAFULL"
	case HashFull:
		return "HASHFULL"
	case SearchFull:
		return "SEARCHFULL"
	case SyncFailed:
		return "SYNCFAILED"
	case DropFailed:
		return "DROPFAILED"
	case SplitFailed:
		return "SPLITFAILED"
	case MissingDisk:
		return "MISSINGDISK"
	default:
		return "UNKNOWN"
	}
}

// Value is an ordered sequence of opaque attribute columns.
type Value [][]byte

// HashFunc computes a 64-bit hash of a byte string. Injected by the caller; the engine
// treats it as opaque (spec.md §6).
type HashFunc func([]byte) uint64

// InterlaceFunc mixes a sequence of per-attribute hashes into a single 32-bit secondary
// hash. Injected by the caller; its bit schedule is opaque to this engine (spec.md §4.1).
type InterlaceFunc func([]uint64) uint32
