package apply

import (
	"context"
	"fmt"
	"time"

	"github.com/kavadb/replica/metrics"
	"github.com/kavadb/replica/oplog"
	"github.com/kavadb/replica/partition"
	"github.com/kavadb/replica/storage"

	LOG "github.com/vinllen/log4go"
)

// Engine ties the Oplog Writer Scheduler, Partitioner, and Apply Workers
// together into the two-phase multiApply orchestration spec §4.4 describes.
// Grounded directly on sync_tail.cpp's free function multiApply: prefetch
// (legacy engines only) → oplogDeleteFromPoint → oplog writer phase → join
// → minValid → apply phase → join.
type Engine struct {
	pool        *Pool
	scheduler   *Scheduler
	partitioner *partition.Partitioner
	store       storage.StorageInterface
	engine      storage.StorageEngine
	coord       storage.ReplicationCoordinator
	makeWorker  func() *Worker
}

// ErrApplyingWhilePrimary is fatal: spec §4.4/§7's "attempting to replicate
// ops while primary" precondition, grounded on sync_tail.cpp's multiApply
// (lines 1235-1240), which kills the node with CannotApplyOplogWhilePrimary
// rather than let a primary both accept writes and apply inbound ones.
var ErrApplyingWhilePrimary = fmt.Errorf("apply: attempting to replicate ops while primary")

func NewEngine(pool *Pool, scheduler *Scheduler, partitioner *partition.Partitioner,
	store storage.StorageInterface, engine storage.StorageEngine, coord storage.ReplicationCoordinator,
	makeWorker func() *Worker) *Engine {
	return &Engine{
		pool:        pool,
		scheduler:   scheduler,
		partitioner: partitioner,
		store:       store,
		engine:      engine,
		coord:       coord,
		makeWorker:  makeWorker,
	}
}

// MultiApply runs one batch through both phases and returns the last op's
// op-time on success. A non-nil error must be treated as fatal by the
// caller — spec §4.4's precondition/violation language ("being primary
// while applying is fatal"; non-OK apply status "is fatal for the batch").
func (e *Engine) MultiApply(ctx context.Context, entries []*oplog.GenericOplog) (oplog.OpTime, error) {
	start := time.Now()
	defer func() { metrics.ApplyBatches.Update(time.Since(start)) }()

	if len(entries) == 0 {
		return oplog.OpTime{}, fmt.Errorf("apply: multiApply called with empty batch")
	}

	// A primary that is neither draining its applier queue nor catching up
	// from a rollback must never also be the target of oplog application —
	// it would mean this node is writing and replicating into itself at the
	// same time. Draining (stepping up) and catch-up are the two sanctioned
	// windows where a "primary" node still legitimately applies ops.
	if e.coord.GetMemberStatePrimary() && !e.coord.IsWaitingForApplierToDrain() && !e.coord.IsCatchingUp() {
		LOG.Crashf("apply: %v", ErrApplyingWhilePrimary)
		return oplog.OpTime{}, ErrApplyingWhilePrimary
	}

	firstOp := entries[0].Parsed.GetOpTime()
	lastOp := entries[len(entries)-1].Parsed.GetOpTime()

	if e.engine.IsLegacyNonDocLocking() {
		if err := e.prefetch(ctx, entries); err != nil {
			return oplog.OpTime{}, fmt.Errorf("apply: prefetch pass failed: %w", err)
		}
	}

	// Acquire parallel-batch-writer mode conceptually: this engine models
	// the process-wide barrier as "nothing else reads or truncates the
	// oplog while this function runs" rather than a real lock, since that
	// exclusion is the storage engine's own concern, out of this engine's
	// scope (spec §1 Non-goals).
	e.store.SetOplogDeleteFromPoint(ctx, firstOp)

	oplogTasks := e.scheduler.Tasks(entries, e.pool.Size(), e.engine)
	if err := e.pool.Run(oplogTasks); err != nil {
		LOG.Crashf("apply: oplog writer phase failed: %v", err)
		return oplog.OpTime{}, err
	}

	e.store.SetOplogDeleteFromPoint(ctx, oplog.OpTime{})
	e.store.SetMinValidToAtLeast(ctx, lastOp)

	slots := e.partitioner.Partition(ctx, entries, e.pool.Size())

	applyTasks := make([]func() error, 0, len(slots))
	for _, slot := range slots {
		if len(slot) == 0 {
			continue
		}
		slot := slot
		worker := e.makeWorker()
		applyTasks = append(applyTasks, func() error {
			return worker.ApplySlot(ctx, slot)
		})
	}

	if err := e.pool.Run(applyTasks); err != nil {
		LOG.Crashf("apply: apply phase failed: %v", err)
		return oplog.OpTime{}, err
	}

	return lastOp, nil
}

// prefetch runs one task per op on the pool ahead of the real apply pass —
// spec §4.4 step 1, relevant only to the legacy non-doc-locking engine
// variant (mmapv1-era MongoDB); modern doc-locking engines skip this
// entirely. Each task only logs the op at debug level; it reads no
// document or index page.
func (e *Engine) prefetch(ctx context.Context, entries []*oplog.GenericOplog) error {
	tasks := make([]func() error, len(entries))
	for i, entry := range entries {
		entry := entry
		tasks[i] = func() error {
			LOG.Debug("apply: prefetch ns[%v] op[%v]", entry.Parsed.Namespace, entry.Parsed.Operation)
			return nil
		}
	}
	return e.pool.Run(tasks)
}
