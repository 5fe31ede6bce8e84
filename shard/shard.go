// Package shard implements a single mmapped shard file: a fixed-size hash table, a
// dense search log, and an append-only data heap (spec.md §4.2/§4.3).
//
// A shard performs no internal locking of its own, mirroring the original's shard.cc:
// callers (the hyperdisk package) serialize mutation through a single mutator and
// synchronize readers against the shard vector swap, not against individual shards.
package shard

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/outofforest/hyperdisk/coordinate"
	"github.com/outofforest/hyperdisk/types"
)

const dataHeaderSize = 8 + 4 // version + key size

// Shard is a memory-mapped shard file.
type Shard struct {
	file *os.File
	data []byte

	dataOffset   uint32
	searchOffset uint32
}

// Create makes a brand-new, zero-filled shard file at dir/name, fsyncs it, and mmaps it.
// Any pre-existing file at that path is removed first, matching shard::create's
// unlinkat-then-O_EXCL dance.
func Create(dir, name string) (*Shard, error) {
	path := filepath.Join(dir, name)
	_ = os.Remove(path)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o700)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if err := zeroFill(file, types.FileSize); err != nil {
		file.Close()
		return nil, err
	}

	if err := file.Sync(); err != nil {
		file.Close()
		return nil, errors.WithStack(err)
	}

	return mapShard(file, false)
}

func zeroFill(file *os.File, size int) error {
	const chunk = 1 << 20
	buf := make([]byte, chunk)
	rem := size

	for rem > 0 {
		n := chunk
		if rem < n {
			n = rem
		}
		if _, err := file.Write(buf[:n]); err != nil {
			return errors.WithStack(err)
		}
		rem -= n
	}

	return nil
}

// Open maps an existing shard file at dir/name and replays its search log tail to
// recover the in-memory offsets, mirroring shard::open's recovery scan.
func Open(dir, name string) (*Shard, error) {
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_RDWR, 0o700)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return mapShard(file, true)
}

func mapShard(file *os.File, recover bool) (*Shard, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, types.FileSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "memory map shard failed")
	}

	s := &Shard{
		file:       file,
		data:       data,
		dataOffset: types.IndexSegmentSize,
	}

	if !recover {
		return s, nil
	}

	for s.searchOffset < types.SearchIndexEntries {
		_, offsetWord := s.searchLogEntry(s.searchOffset)
		if uint32(offsetWord) == 0 {
			break
		}
		s.dataOffset = uint32(offsetWord)
		s.searchOffset++
	}

	if s.searchOffset > 0 {
		keySize := s.dataKeySize(s.dataOffset)
		key := s.dataKeyBytes(s.dataOffset, keySize)
		value := s.dataValue(s.dataOffset, keySize)
		entrySize := dataSize(key, value)
		s.dataOffset = (s.dataOffset + entrySize + types.RecordAlignment - 1) &^ (types.RecordAlignment - 1)
	}

	return s, nil
}

// Close unmaps and closes the underlying file.
func (s *Shard) Close() error {
	if err := unix.Munmap(s.data); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(s.file.Close())
}

// Get looks up key by its primary hash.
func (s *Shard) Get(primaryHash uint32, key []byte) (types.Value, uint64, types.ReturnCode) {
	_, tableValue, ok := s.hashLookup(primaryHash, key)
	if !ok {
		return nil, 0, types.HashFull
	}
	tableOffset := uint32(tableValue >> 32)

	if tableOffset == 0 || tableOffset >= types.HashOffsetInvalid {
		return nil, 0, types.NotFound
	}

	version := s.dataVersion(tableOffset)
	keySize := s.dataKeySize(tableOffset)
	value := s.dataValue(tableOffset, keySize)
	return value, version, types.Success
}

// Put inserts or overwrites key with value at version, keyed by the primary/secondary
// hash pair.
func (s *Shard) Put(primaryHash, secondaryHash uint32, key []byte, value types.Value, version uint64) types.ReturnCode {
	size := dataSize(key, value)

	if uint64(s.dataOffset)+uint64(size) > types.FileSize {
		return types.DataFull
	}

	if s.searchOffset == types.SearchIndexEntries {
		return types.SearchFull
	}

	bucket, tableValue, ok := s.hashLookup(primaryHash, key)
	if !ok {
		return types.HashFull
	}
	tableOffset := uint32(tableValue >> 32)

	cur := s.dataOffset
	s.writeU64(cur, version)
	cur += 8
	s.writeU32(cur, uint32(len(key)))
	cur += 4
	copy(s.data[cur:], key)
	cur += uint32(len(key))
	s.writeU16(cur, uint16(len(value)))
	cur += 2

	for _, v := range value {
		s.writeU32(cur, uint32(len(v)))
		cur += 4
		copy(s.data[cur:], v)
		cur += uint32(len(v))
	}

	if tableOffset < types.HashOffsetInvalid {
		s.invalidateSearchLog(tableOffset, s.dataOffset)
	}

	s.writeSearchLog(s.searchOffset, primaryHash, secondaryHash, s.dataOffset)
	s.writeHashSlot(bucket, primaryHash, s.dataOffset)

	s.searchOffset++
	newDataOffset := (cur + types.RecordAlignment - 1) &^ (types.RecordAlignment - 1)

	// Issue an async msync whenever the record crosses a SyncBoundary-aligned (4MiB)
	// boundary of the file.
	if (s.dataOffset &^ uint32(types.SyncBoundary-1)) != (newDataOffset &^ uint32(types.SyncBoundary-1)) {
		_ = s.Async()
	}

	s.dataOffset = newDataOffset
	return types.Success
}

// Del tombstones key's hash table slot and advances the data offset, matching
// shard::del's "pretend to write 8 bytes" accounting.
func (s *Shard) Del(primaryHash uint32, key []byte) types.ReturnCode {
	bucket, tableValue, ok := s.hashLookup(primaryHash, key)
	if !ok {
		return types.HashFull
	}
	tableOffset := uint32(tableValue >> 32)

	if tableOffset == 0 || tableOffset >= types.HashOffsetInvalid {
		return types.NotFound
	}

	if uint64(s.dataOffset)+8 > types.FileSize {
		return types.DataFull
	}

	s.invalidateSearchLog(tableOffset, s.dataOffset)
	s.dataOffset += 8
	s.writeHashSlot(bucket, primaryHash, tableOffset|types.HashOffsetInvalid)
	return types.Success
}

// StaleSpace returns the percentage (0-100) of the shard's capacity tied up in
// invalidated search log entries, taking the larger of the data-bytes and entry-count
// ratios.
func (s *Shard) StaleSpace() int {
	var staleData, staleNum uint32
	_, firstOffset := s.searchLogEntry(0)
	start := uint32(firstOffset)
	startStale := uint32(firstOffset>>32) > 0

	var end uint32
	var i uint32

	for i = 1; i < types.SearchIndexEntries; i++ {
		_, offsetWord := s.searchLogEntry(i)
		end = uint32(offsetWord)

		if end == 0 {
			end = s.dataOffset
			break
		}

		if startStale {
			staleData += end - start
			staleNum++
		}

		start = end
		startStale = uint32(offsetWord>>32) > 0
	}

	if i == types.SearchIndexEntries {
		end = s.dataOffset
	}

	if startStale {
		staleData += end - start
		staleNum++
	}

	data := 100.0 * float64(staleData) / float64(types.DataSegmentSize)
	num := 100.0 * float64(staleNum) / float64(types.SearchIndexEntries)
	return int(max(data, num))
}

// UsedSpace returns the percentage (0-100) of the shard's capacity currently in use.
func (s *Shard) UsedSpace() int {
	data := 100.0 * float64(s.dataOffset-types.IndexSegmentSize) / float64(types.DataSegmentSize)
	num := 100.0 * float64(s.searchOffset) / float64(types.SearchIndexEntries)
	return int(max(data, num))
}

// FreeSpace returns the percentage (0-100) of the shard's capacity still available.
func (s *Shard) FreeSpace() int {
	return 100 - s.UsedSpace()
}

// Async issues an MS_ASYNC msync over the whole file.
func (s *Shard) Async() error {
	if err := unix.Msync(s.data, unix.MS_ASYNC); err != nil {
		return errors.Wrap(err, "async msync failed")
	}
	return nil
}

// Sync issues an MS_SYNC msync over the whole file.
func (s *Shard) Sync() error {
	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		return errors.Wrap(err, "sync msync failed")
	}
	return nil
}

// CopyTo copies every live entry intersecting c from s into the (assumed empty) dst
// shard, rebuilding dst's hash table and search log from scratch.
func (s *Shard) CopyTo(c coordinate.Coordinate, dst *Shard) error {
	clear(dst.data[:types.IndexSegmentSize])
	dst.dataOffset = types.IndexSegmentSize
	dst.searchOffset = 0

	for ent := uint32(0); ent < types.SearchIndexEntries; ent++ {
		hashWord, offsetWord := s.searchLogEntry(ent)

		if uint32(offsetWord>>32) != 0 {
			continue
		}

		primaryHash := uint32(hashWord)
		secondaryHash := uint32(hashWord >> 32)

		if !c.Intersects(coordinate.Point(primaryHash, secondaryHash)) {
			continue
		}

		entryStart := uint32(offsetWord)
		if entryStart == 0 {
			break
		}

		var entryEnd uint32
		if ent < types.SearchIndexEntries-1 {
			if _, nextOffsetWord := s.searchLogEntry(ent + 1); nextOffsetWord != 0 {
				entryEnd = uint32(nextOffsetWord)
			} else {
				entryEnd = s.dataOffset
			}
		} else {
			entryEnd = s.dataOffset
		}

		if entryStart > entryEnd || entryEnd > types.FileSize {
			return errors.Errorf("corrupt search log entry %d: start=%d end=%d", ent, entryStart, entryEnd)
		}
		if uint64(dst.dataOffset)+uint64(entryEnd-entryStart) > types.FileSize {
			return errors.Errorf("shard copy overflowed destination at entry %d", ent)
		}

		copy(dst.data[dst.dataOffset:], s.data[entryStart:entryEnd])

		dst.writeSearchLog(dst.searchOffset, primaryHash, secondaryHash, dst.dataOffset)

		bucket, err := dst.hashLookupEmptySlot(primaryHash)
		if err != nil {
			return err
		}
		dst.writeHashSlot(bucket, primaryHash, dst.dataOffset)

		dst.searchOffset++
		dst.dataOffset = (dst.dataOffset + (entryEnd - entryStart) + types.RecordAlignment - 1) &^ (types.RecordAlignment - 1)
	}

	return nil
}

// Fsck cross-checks the hash table against the search log, writing a description of any
// inconsistency to w, and returns whether the shard is consistent.
func (s *Shard) Fsck(w io.Writer) bool {
	ok := true
	zero := false

	for i := uint32(0); i < types.SearchIndexEntries; i++ {
		hashWord, offsetWord := s.searchLogEntry(i)

		if uint32(offsetWord) == 0 {
			zero = true
		}

		if zero && offsetWord != 0 {
			fmt.Fprintf(w, "entry %d in log has no offset but is invalidated at %d\n", i, uint32(offsetWord>>32))
			ok = false
		}

		if zero && hashWord != 0 {
			fmt.Fprintf(w, "entry %d in log has no offset but has non-zero hashes %d %d\n", i, uint32(hashWord), uint32(hashWord>>32))
			ok = false
		}

		if zero {
			continue
		}

		offset := uint32(offsetWord)
		keySize := s.dataKeySize(offset)
		key := s.dataKeyBytes(offset, keySize)

		bucket, tableValue, _ := s.hashLookup(uint32(hashWord), key)
		tableHash := uint32(tableValue)
		tableOffset := uint32(tableValue >> 32)

		if tableHash == uint32(hashWord) {
			if offsetWord < uint64(types.HashOffsetInvalid) && uint32(offsetWord) != tableOffset {
				fmt.Fprintf(w, "entry %d in log and entry %d in hash table do not match\n\tlog offset is %d\n\thash offset is %d\n",
					i, bucket, offset, tableValue)
				ok = false
			}
			continue
		}

		details := false
		if tableOffset != 0 {
			fmt.Fprintf(w, "entry %d does not match hash table entry and the hash table entry's offset is non-zero\n", i)
			details = true
		}
		if uint32(offsetWord>>32) == 0 {
			fmt.Fprintf(w, "entry %d does not match hash table entry and the search index is not invalidated\n", i)
			details = true
		}
		if details {
			ok = false
		}
	}

	return ok
}

// FsckQuiet is Fsck with diagnostics discarded, for callers that only want the
// consistency verdict.
func (s *Shard) FsckQuiet() bool {
	return s.Fsck(io.Discard)
}

// dataSize returns the on-disk footprint of a (key, value) record.
func dataSize(key []byte, value types.Value) uint32 {
	size := uint32(dataHeaderSize) + 2 + uint32(len(key)) + 4*uint32(len(value))
	for _, v := range value {
		size += uint32(len(v))
	}
	return size
}

func (s *Shard) dataVersion(offset uint32) uint64 {
	return s.readU64(offset)
}

func (s *Shard) dataKeySize(offset uint32) uint32 {
	return s.readU32(offset + 8)
}

func (s *Shard) dataKeyOffset(offset uint32) uint32 {
	return offset + dataHeaderSize
}

func (s *Shard) dataKeyBytes(offset, keySize uint32) []byte {
	start := s.dataKeyOffset(offset)
	key := make([]byte, keySize)
	copy(key, s.data[start:start+keySize])
	return key
}

func (s *Shard) dataValue(offset, keySize uint32) types.Value {
	cur := s.dataKeyOffset(offset) + keySize
	numDims := s.readU16(cur)
	cur += 2

	value := make(types.Value, numDims)
	for i := range value {
		size := s.readU32(cur)
		cur += 4
		v := make([]byte, size)
		copy(v, s.data[cur:cur+size])
		value[i] = v
		cur += size
	}
	return value
}

// hashLookup preserves the property that once a hash table slot is assigned to a
// particular key, it remains assigned to that key forever. ok is false only if the
// entire table was probed without finding either a match or a free slot.
func (s *Shard) hashLookup(primaryHash uint32, key []byte) (bucket uint32, value uint64, ok bool) {
	start := primaryHash & (types.HashTableEntries - 1)

	for off := uint32(0); off < types.HashTableEntries; off++ {
		b := (start + off) & (types.HashTableEntries - 1)
		entry := s.readHashSlot(b)
		thisHash := uint32(entry)
		thisOffset := uint32(entry>>32) & (types.HashOffsetInvalid - 1)

		if thisHash == primaryHash {
			keySize := s.dataKeySize(thisOffset)
			if keySize == uint32(len(key)) && bytes.Equal(s.dataKeyBytes(thisOffset, keySize), key) {
				return b, entry, true
			}
		}

		if uint32(entry>>32) == 0 {
			return b, entry, true
		}
	}

	return 0, 0, false
}

// hashLookupEmptySlot finds the first free slot for primaryHash without comparing keys,
// used when copying into a shard known to be empty of collisions.
func (s *Shard) hashLookupEmptySlot(primaryHash uint32) (uint32, error) {
	start := primaryHash & (types.HashTableEntries - 1)

	for off := uint32(0); off < types.HashTableEntries; off++ {
		b := (start + off) & (types.HashTableEntries - 1)
		entry := s.readHashSlot(b)
		if uint32(entry>>32) == 0 {
			return b, nil
		}
	}

	return 0, errors.New("shard hash table full")
}

// invalidateSearchLog binary-searches the monotonically increasing search log offsets
// for to_invalidate and marks it invalidated by invalidate_with.
func (s *Shard) invalidateSearchLog(toInvalidate, invalidateWith uint32) {
	low := int64(0)
	high := int64(types.SearchIndexEntries)

	for low <= high {
		mid := low + (high-low)/2
		_, offsetWord := s.searchLogEntry(uint32(mid))
		midOffset := uint32(offsetWord)

		switch {
		case midOffset == 0 || midOffset > toInvalidate:
			high = mid - 1
		case midOffset < toInvalidate:
			low = mid + 1
		default:
			s.writeSearchLogOffsetWord(uint32(mid), toInvalidate, invalidateWith)
			return
		}
	}
}

// --- raw byte accessors over the mmapped region ---

func (s *Shard) readU64(off uint32) uint64 {
	return binary.LittleEndian.Uint64(s.data[off : off+8])
}

func (s *Shard) writeU64(off uint32, v uint64) {
	binary.LittleEndian.PutUint64(s.data[off:off+8], v)
}

func (s *Shard) readU32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(s.data[off : off+4])
}

func (s *Shard) writeU32(off uint32, v uint32) {
	binary.LittleEndian.PutUint32(s.data[off:off+4], v)
}

func (s *Shard) readU16(off uint32) uint16 {
	return binary.LittleEndian.Uint16(s.data[off : off+2])
}

func (s *Shard) writeU16(off uint32, v uint16) {
	binary.LittleEndian.PutUint16(s.data[off:off+2], v)
}

func (s *Shard) readHashSlot(bucket uint32) uint64 {
	return s.readU64(bucket * 8)
}

func (s *Shard) writeHashSlot(bucket, primaryHash, offset uint32) {
	s.writeU64(bucket*8, uint64(offset)<<32|uint64(primaryHash))
}

func (s *Shard) searchLogEntry(index uint32) (hashWord, offsetWord uint64) {
	base := types.HashTableSize + index*16
	return s.readU64(base), s.readU64(base + 8)
}

func (s *Shard) writeSearchLog(index, primaryHash, secondaryHash, offset uint32) {
	base := types.HashTableSize + index*16
	s.writeU64(base, uint64(secondaryHash)<<32|uint64(primaryHash))
	s.writeU64(base+8, uint64(offset))
}

func (s *Shard) writeSearchLogOffsetWord(index, offset, invalidator uint32) {
	base := types.HashTableSize + index*16
	s.writeU64(base+8, uint64(invalidator)<<32|uint64(offset))
}
