package hyperdisk

import (
	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get when no shard or WAL entry has the key.
var ErrNotFound = errors.New("not found")

// ErrWrongArity is returned by Put when the value's attribute count doesn't match the
// disk's configured arity.
var ErrWrongArity = errors.New("wrong arity")

// ErrSyncFailed is returned by Async/Sync when any shard's msync call fails.
var ErrSyncFailed = errors.New("sync failed")

// ErrCloseFailed is returned by Close when any shard's unmap/close call fails.
var ErrCloseFailed = errors.New("close failed")

// ErrDropFailed is returned by Drop when any shard file or the directory itself could not
// be removed, and by a clean when its temp file could not be renamed over the canonical one.
var ErrDropFailed = errors.New("drop failed")

// ErrSplitFailed is returned when a shard needs splitting but one of its axes is
// already fully saturated, or a split's shard creation failed partway through.
var ErrSplitFailed = errors.New("split failed")

// ErrNotImplemented is returned by the disk-wide snapshot operations, which this engine
// does not support; only shard.Snapshot (spec.md §4.3) is real.
var ErrNotImplemented = errors.New("not implemented")
