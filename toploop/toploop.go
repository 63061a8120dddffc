// Package toploop ties the Batch Assembler, multiApply, and the Progress
// Finalizer into the steady-state replica loop spec §4.3 describes.
// Grounded directly on sync_tail.cpp's SyncTail::oplogApplication (lines
// 754-815), with the surrounding goroutine/shutdown idiom from
// collector/syncer.go's nimo.GoRoutineInLoop forever-loop style.
package toploop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kavadb/replica/batch"
	"github.com/kavadb/replica/oplog"
	"github.com/kavadb/replica/progress"
	"github.com/kavadb/replica/storage"

	LOG "github.com/vinllen/log4go"
)

// ErrOplogOutOfOrder is fatal per spec §4.3 step 3 / §7 ("applying an
// op-time not strictly greater than last-applied").
var ErrOplogOutOfOrder = fmt.Errorf("toploop: oplog out of order")

// MultiApplier is the narrow surface toploop drives per batch — apply.Engine
// satisfies this without toploop importing the apply package directly,
// keeping the dependency edge one-directional (apply depends on storage
// and partition; toploop only depends on the interfaces it actually calls).
type MultiApplier interface {
	MultiApply(ctx context.Context, entries []*oplog.GenericOplog) (oplog.OpTime, error)
}

// Loop is the single application-thread top-level loop spec §4.3 names.
type Loop struct {
	assembler *batch.Assembler
	applier   MultiApplier
	coord     storage.ReplicationCoordinator
	store     storage.StorageInterface
	finalizer progress.Finalizer

	// fsyncExclusion models "don't allow the fsync+lock thread to see
	// intermediate states of batch application" (spec §4.3 step 4):
	// a process-wide mutex held for the duration of multiApply.
	fsyncExclusion sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(assembler *batch.Assembler, applier MultiApplier, coord storage.ReplicationCoordinator,
	store storage.StorageInterface, finalizer progress.Finalizer) *Loop {
	return &Loop{
		assembler: assembler,
		applier:   applier,
		coord:     coord,
		store:     store,
		finalizer: finalizer,
		stopCh:    make(chan struct{}),
	}
}

// Run is SyncTail::oplogApplication's while(true) loop: per batch,
// tryToGoLiveAsASecondary, drain-sentinel handling, the out-of-order fatal
// check, the fsync exclusion, multiApply, and the finalizer hand-off, in
// that exact order. It returns only on shutdown.
func (l *Loop) Run(ctx context.Context) error {
	l.assembler.Start()
	defer l.assembler.Stop()

	for {
		select {
		case <-l.stopCh:
			return nil
		default:
		}

		l.tryToGoLiveAsASecondary(ctx)

		q, err := l.assembler.GetNextBatch(time.Second)
		if err != nil {
			// no batch ready within 1s: loop again so the periodic
			// go-live check above keeps running, matching the original's
			// comment on why getNextBatch uses a bounded wait.
			continue
		}

		if q.Empty() {
			if q.MustShutdown {
				return nil
			}
			continue
		}

		if len(q.Entries) == 1 && q.Entries[0].Parsed.Namespace == "" {
			// drained-sentinel: the upstream adapter coalesced and
			// signaled "caught up" rather than delivering a real op.
			if l.coord.IsWaitingForApplierToDrain() {
				l.coord.SignalDrainComplete(ctx)
			}
			continue
		}

		firstOpTime := q.Entries[0].Parsed.GetOpTime()
		lastOpTime := q.Entries[len(q.Entries)-1].Parsed.GetOpTime()

		if !l.coord.GetMyLastAppliedOpTime().Less(firstOpTime) {
			LOG.Crashf("toploop: %v: batch first op-time %v is not greater than last applied %v",
				ErrOplogOutOfOrder, firstOpTime, l.coord.GetMyLastAppliedOpTime())
			return ErrOplogOutOfOrder
		}

		if err := l.applyBatch(ctx, q.Entries, lastOpTime); err != nil {
			return err
		}
	}
}

// applyBatch holds the fsync exclusion for the whole multiApply call (spec
// §4.3 step 4/§5 "Parallel-Batch-Writer mode... held for the entire
// multiApply body"), then advances appliedThrough and hands the batch's
// last op-time to the finalizer (spec §4.3 step 5).
func (l *Loop) applyBatch(ctx context.Context, entries []*oplog.GenericOplog, lastOpTime oplog.OpTime) error {
	l.fsyncExclusion.Lock()
	defer l.fsyncExclusion.Unlock()

	if _, err := l.applier.MultiApply(ctx, entries); err != nil {
		LOG.Crashf("toploop: multiApply failed, treating as fatal for the batch: %v", err)
		return err
	}

	if err := l.store.SetAppliedThrough(ctx, lastOpTime); err != nil {
		LOG.Warn("toploop: persisting appliedThrough=%v failed: %v", lastOpTime, err)
	}
	l.finalizer.Record(lastOpTime)
	return nil
}

// tryToGoLiveAsASecondary is pure delegation to the replication
// coordinator under a global shared lock (spec §4.3 step 1) — this engine
// never decides the transition itself (spec §1 Non-goals), it only asks.
func (l *Loop) tryToGoLiveAsASecondary(ctx context.Context) {
	if l.coord.IsInPrimaryOrSecondaryState() && !l.coord.GetMaintenanceMode() && l.coord.IsRecovering() {
		l.coord.SetFollowerModeSecondary()
	}
}

// Stop signals Run to return after its current batch.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.finalizer.Stop()
}
