// Package progress implements the Progress Finalizer (spec §4.10): the
// plain and journal-aware publishers of the applied/durable op-time, plus
// the checkpoint persistence that survives a process restart. Grounded
// directly on sync_tail.cpp's ApplyBatchFinalizer /
// ApplyBatchFinalizerForJournal for the finalizer shapes, and on
// collector/ckpt/ckpt_operation.go's CheckpointOperation for the
// persistence side.
package progress

import (
	"context"
	"sync"

	"github.com/kavadb/replica/oplog"
	"github.com/kavadb/replica/storage"

	LOG "github.com/vinllen/log4go"
)

// Finalizer is the capability set spec notes 9 describes as the abstraction
// behind the two concrete finalizer forms: record(opTime) plus a shutdown
// contract. The Top-Level Loop is handed one of these, selected once at
// construction by storage-engine durability, and never needs to know which.
type Finalizer interface {
	Record(opTime oplog.OpTime)
	Stop()
}

// PlainFinalizer publishes the applied op-time forward-only and does
// nothing else — the non-journaled-storage-engine variant of
// ApplyBatchFinalizer.
type PlainFinalizer struct {
	coord storage.ReplicationCoordinator
}

func NewPlainFinalizer(coord storage.ReplicationCoordinator) *PlainFinalizer {
	return &PlainFinalizer{coord: coord}
}

func (f *PlainFinalizer) Record(opTime oplog.OpTime) {
	f.coord.SetMyLastAppliedOpTimeForward(opTime)
}

func (f *PlainFinalizer) Stop() {}

// JournalFinalizer additionally runs one dedicated waiter goroutine that
// blocks on waitUntilDurable after each new applied op-time and publishes
// the durable op-time forward-only once the flush completes — grounded on
// ApplyBatchFinalizerForJournal's exact single-waiter-thread,
// single-outstanding-optime shape (SPEC_FULL.md §12.2).
type JournalFinalizer struct {
	coord storage.ReplicationCoordinator
	store storage.StorageInterface

	mu       sync.Mutex
	latest   oplog.OpTime
	hasWork  bool
	cond     *sync.Cond

	shutdown bool
	done     chan struct{}
}

func NewJournalFinalizer(coord storage.ReplicationCoordinator, store storage.StorageInterface) *JournalFinalizer {
	f := &JournalFinalizer{
		coord: coord,
		store: store,
		done:  make(chan struct{}),
	}
	f.cond = sync.NewCond(&f.mu)
	go f.run()
	return f
}

// Record publishes the applied op-time forward-only and wakes the waiter
// goroutine so it picks up the new latest op-time on its next iteration.
func (f *JournalFinalizer) Record(opTime oplog.OpTime) {
	f.coord.SetMyLastAppliedOpTimeForward(opTime)

	f.mu.Lock()
	if f.latest.Less(opTime) {
		f.latest = opTime
		f.hasWork = true
		f.cond.Signal()
	}
	f.mu.Unlock()
}

// run is the dedicated waiter thread: wait for a new op-time, call
// waitUntilDurable (may block arbitrarily long on disk), publish the
// durable op-time forward-only, repeat — ApplyBatchFinalizerForJournal's
// loop verbatim.
func (f *JournalFinalizer) run() {
	for {
		f.mu.Lock()
		for !f.hasWork && !f.shutdown {
			f.cond.Wait()
		}
		if f.shutdown {
			f.mu.Unlock()
			close(f.done)
			return
		}
		opTime := f.latest
		f.hasWork = false
		f.mu.Unlock()

		if err := f.store.WaitUntilDurable(context.Background()); err != nil {
			LOG.Warn("progress: waitUntilDurable failed: %v", err)
			continue
		}

		f.coord.SetMyLastDurableOpTimeForward(opTime)
	}
}

// Stop signals the waiter goroutine and joins it.
func (f *JournalFinalizer) Stop() {
	f.mu.Lock()
	f.shutdown = true
	f.cond.Signal()
	f.mu.Unlock()
	<-f.done
}

// NewFinalizer selects the plain or journal-aware variant by storage-engine
// durability, matching spec §4.10's "two variants selected by whether the
// storage engine is journaled."
func NewFinalizer(coord storage.ReplicationCoordinator, store storage.StorageInterface, engine storage.StorageEngine) Finalizer {
	if engine.IsDurable() {
		return NewJournalFinalizer(coord, store)
	}
	return NewPlainFinalizer(coord)
}
