package apply

import (
	"context"
	"fmt"
	"sort"

	"github.com/kavadb/replica/metrics"
	"github.com/kavadb/replica/oplog"

	LOG "github.com/vinllen/log4go"
)

// InsertVectorMaxBytes is the per-group insert payload cap spec §6 names as
// an external, configurable knob.
var InsertVectorMaxBytes = 16 * 1024 * 1024

// Worker applies one writer slot (spec §4.7): stable-sort by namespace,
// opportunistically group adjacent same-namespace inserts into one bulk
// insert (fallback to one-by-one on failure), dispatch everything else
// through the Single-Apply Dispatcher. Grounded on
// src/mongoshake/executor/executor.go's per-slot doSync loop, restructured
// around sync_tail.cpp's multiSyncApply_noAbort's exact insert-grouping
// scan and doNotGroupBefore cursor.
type Worker struct {
	dispatcher *Dispatcher
	// onFailure, when set, is given a chance to recover a failed single-op
	// apply instead of treating it as fatal — the Initial-Sync Apply
	// Variant (spec §4.9) installs shouldRetry here; the steady-state
	// worker leaves it nil and every failure is fatal.
	onFailure func(ctx context.Context, entry *oplog.GenericOplog, applyErr error) error
}

func NewWorker(dispatcher *Dispatcher) *Worker {
	return &Worker{dispatcher: dispatcher}
}

// ApplySlot runs the full §4.7 algorithm over one writer slot. A non-nil
// error is fatal for the whole batch (spec §4.7 step 5) — callers must treat
// it as such, not retry at the batch level.
func (w *Worker) ApplySlot(ctx context.Context, slot []*oplog.GenericOplog) error {
	if len(slot) > 1 {
		sort.SliceStable(slot, func(i, j int) bool {
			return slot[i].Parsed.Namespace < slot[j].Parsed.Namespace
		})
	}

	doNotGroupBefore := 0
	for i := 0; i < len(slot); {
		if i < doNotGroupBefore {
			if err := w.applySingle(ctx, slot[i]); err != nil {
				return err
			}
			i++
			continue
		}

		log := slot[i].Parsed
		if log.Operation != oplog.OpInsert || log.IsForCappedCollection {
			if err := w.applySingle(ctx, slot[i]); err != nil {
				return err
			}
			i++
			continue
		}

		end := scanInsertGroup(slot, i, InsertVectorMaxBytes)
		group := slot[i:end]
		if len(group) >= 2 {
			if err := w.applyGroup(ctx, group); err != nil {
				LOG.Warn("apply: grouped insert of %d ops on ns[%v] failed[%v], falling back to single-op apply",
					len(group), group[0].Parsed.Namespace, err)
				doNotGroupBefore = end
				if err := w.applySingle(ctx, slot[i]); err != nil {
					return err
				}
				i++
				continue
			}
			i = end
			continue
		}

		if err := w.applySingle(ctx, slot[i]); err != nil {
			return err
		}
		i++
	}

	return nil
}

func (w *Worker) applyGroup(ctx context.Context, group []*oplog.GenericOplog) error {
	ns := group[0].Parsed.Namespace
	if err := w.dispatcher.writer.InsertMany(ctx, ns, groupDocs(group)); err != nil {
		return err
	}
	metrics.ApplyOps.Inc(int64(len(group)))
	return nil
}

func (w *Worker) applySingle(ctx context.Context, entry *oplog.GenericOplog) error {
	err := w.dispatcher.Apply(ctx, entry.Parsed)
	if err == nil {
		metrics.ApplyOps.Inc(1)
		return nil
	}
	if w.onFailure != nil {
		if recoverErr := w.onFailure(ctx, entry, err); recoverErr == nil {
			metrics.ApplyOps.Inc(1)
			return nil
		} else {
			err = recoverErr
		}
	}
	return fmt.Errorf("apply: ns[%v] op[%v] failed: %w", entry.Parsed.Namespace, entry.Parsed.Operation, err)
}
