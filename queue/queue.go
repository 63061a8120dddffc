// Package queue implements the Upstream Queue Adapter (spec §4.1): the
// narrow peek/consume/waitForMore/inShutdown contract the Batch Assembler
// drains. Implementations here tail a live mongod oplog cursor, a legacy
// mgo-driver cursor, or a Kafka topic, and one wraps any of those with a
// disk-backed spill buffer.
package queue

import (
	"context"
	"errors"
)

// ErrTimeout reports that no entry became available within an adapter's
// wait window — mirrors collector/reader/oplog_reader.go's TimeoutError.
// None of the adapters in this package returns it; Peek reports an empty
// queue with ok=false instead.
var ErrTimeout = errors.New("queue: timed out waiting for next entry")

// ErrCollectionCapped reports that the underlying oplog collection cannot
// be found or is not capped as expected — mirrors
// collector/reader/oplog_reader.go's CollectionCappedError. None of the
// adapters in this package returns it.
var ErrCollectionCapped = errors.New("queue: oplog collection missing or not capped")

// UpstreamQueue is the contract spec §4.1 and §6 name. A single dedicated
// Batch Assembler goroutine is the only required caller; implementations
// are not required to be safe for concurrent use by multiple callers.
type UpstreamQueue interface {
	// Peek reports whether a raw entry is currently visible without
	// removing it. Non-blocking.
	Peek(ctx context.Context) (raw []byte, ok bool)

	// Consume removes the entry most recently returned by Peek.
	Consume(ctx context.Context)

	// WaitForMore blocks up to roughly one second awaiting producer
	// activity; it returns regardless of whether anything arrived, and
	// regardless on shutdown.
	WaitForMore(ctx context.Context)

	// InShutdown reports whether the adapter's source has signaled
	// shutdown — once true, remaining entries should still be drained,
	// but no more will ever arrive.
	InShutdown() bool
}
