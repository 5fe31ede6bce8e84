// Package wal implements the write-ahead log: a concurrent, append-only FIFO of pending
// writes that absorbs puts and deletes ahead of shard placement (spec.md §4.5).
//
// The shape mirrors the teacher's queue.Queue/queue.Reader
// (_examples/outofforest-quantum/queue/queue.go): a linked list grown by appenders and
// walked by readers without a shared lock on the read path. Unlike the teacher's
// single-producer queue, Append here must tolerate many concurrent producers (spec.md
// §4.5), so the tail pointer is protected by a mutex; the atomic length counter and the
// lock-free, pointer-chasing Cursor give readers (including the one drainer) a
// lock-free view of whatever has already been linked in.
package wal

import (
	"sync"
	"sync/atomic"

	"github.com/outofforest/mass"

	"github.com/outofforest/hyperdisk/coordinate"
	"github.com/outofforest/hyperdisk/types"
)

// Entry is a single pending write: a put (Coord.IsTombstone() == false) or a delete
// (Coord.IsTombstone() == true, Value/Version unused).
type Entry struct {
	Coord   coordinate.Coordinate
	Key     []byte
	Value   types.Value
	Version uint64

	next atomic.Pointer[Entry]
}

// New creates an empty WAL.
func New() *WAL {
	dummy := &Entry{}
	return &WAL{
		head: dummy,
		tail: dummy,
		pool: mass.New[Entry](1024),
	}
}

// WAL is the lock-free-read, finely-locked-write append-only FIFO described in
// spec.md §4.5.
type WAL struct {
	appendMu sync.Mutex
	tail     *Entry

	// head is mutated only by the single drainer (RemoveOldest's caller); appends never
	// touch it.
	head *Entry

	length int64

	pool *mass.Mass[Entry]
}

// Append adds a new entry to the tail of the log. Safe for concurrent use by many
// producers.
func (w *WAL) Append(coord coordinate.Coordinate, key []byte, value types.Value, version uint64) {
	e := w.pool.New()
	e.Coord = coord
	e.Key = key
	e.Value = value
	e.Version = version

	w.appendMu.Lock()
	w.tail.next.Store(e)
	w.tail = e
	w.appendMu.Unlock()

	atomic.AddInt64(&w.length, 1)
}

// Empty reports whether the log currently holds no entries.
func (w *WAL) Empty() bool {
	return atomic.LoadInt64(&w.length) == 0
}

// Oldest returns the oldest entry in the log, or nil if the log is empty. Only the
// single drainer thread may call Oldest/RemoveOldest.
func (w *WAL) Oldest() *Entry {
	return w.head.next.Load()
}

// RemoveOldest pops the oldest entry from the log. Only the single drainer thread may
// call this.
func (w *WAL) RemoveOldest() {
	next := w.head.next.Load()
	if next == nil {
		return
	}
	w.head = next
	atomic.AddInt64(&w.length, -1)
}

// Iterate returns a cursor that sees every entry appended up to and including any entry
// present in the log at the moment of a later Next call (spec.md §4.5). Safe to call
// concurrently with Append and with the drainer.
func (w *WAL) Iterate() *Cursor {
	return &Cursor{pos: w.head}
}

// Cursor is a stable, single-pass forward iterator over a WAL snapshot taken at
// Iterate() time, plus anything appended afterward that the cursor reaches before
// running out.
type Cursor struct {
	pos *Entry
}

// Valid reports whether a further call to Next would return an entry.
func (c *Cursor) Valid() bool {
	return c.pos.next.Load() != nil
}

// Next advances the cursor and returns the entry it moved onto, or nil if the cursor has
// caught up with the tail.
func (c *Cursor) Next() *Entry {
	next := c.pos.next.Load()
	if next == nil {
		return nil
	}
	c.pos = next
	return next
}

// Drain walks every entry currently reachable from the cursor, without blocking for
// entries appended after the walk starts exhausting what is already linked.
func (c *Cursor) Drain() []*Entry {
	var out []*Entry
	for c.Valid() {
		out = append(out, c.Next())
	}
	return out
}
