package apply

import (
	"context"

	"github.com/kavadb/replica/oplog"
	"github.com/kavadb/replica/storage"

	"go.mongodb.org/mongo-driver/bson"

	LOG "github.com/vinllen/log4go"
)

// kMinOplogEntriesPerThread mirrors sync_tail.cpp's kMinOplogEntriesPerThread:
// below 16 ops per worker, range-splitting the oplog write doesn't amortize
// its own per-task overhead, so a single task handles the whole batch.
const kMinOplogEntriesPerThread = 16

// Scheduler schedules the parallel bulk-insert of raw oplog entries into the
// local oplog collection (spec §4.5), split by contiguous range across the
// pool when it's safe and worthwhile to do so. Grounded on sync_tail.cpp's
// scheduleWritesToOplog / makeOplogWriterForRange.
type Scheduler struct {
	store storage.StorageInterface
	ns    string
}

func NewScheduler(store storage.StorageInterface) *Scheduler {
	return &Scheduler{store: store, ns: storage.OplogNS}
}

// Tasks returns the set of oplog-write tasks to schedule on the pool: one
// per contiguous range when ops.size() >= 16*poolSize and the storage
// engine supports document-level locking, otherwise a single task for the
// whole batch — spec §4.5's decision rule verbatim.
func (s *Scheduler) Tasks(entries []*oplog.GenericOplog, poolSize int, engine storage.StorageEngine) []func() error {
	if len(entries) >= kMinOplogEntriesPerThread*poolSize && engine.SupportsDocLocking() {
		return s.rangeTasks(entries, poolSize)
	}
	return []func() error{s.writeRangeFn(entries)}
}

func (s *Scheduler) rangeTasks(entries []*oplog.GenericOplog, poolSize int) []func() error {
	tasks := make([]func() error, 0, poolSize)
	total := len(entries)
	chunk := (total + poolSize - 1) / poolSize
	for start := 0; start < total; start += chunk {
		end := start + chunk
		if end > total {
			end = total
		}
		tasks = append(tasks, s.writeRangeFn(entries[start:end]))
	}
	return tasks
}

func (s *Scheduler) writeRangeFn(entries []*oplog.GenericOplog) func() error {
	return func() error {
		if err := s.store.InsertDocuments(context.Background(), s.ns, rawFromDocs(entries)); err != nil {
			LOG.Crashf("apply: oplog writer failed inserting %d entries into %v: %v", len(entries), s.ns, err)
			return err
		}
		return nil
	}
}

func rawFromDocs(entries []*oplog.GenericOplog) []bson.Raw {
	out := make([]bson.Raw, len(entries))
	for i, e := range entries {
		out[i] = bson.Raw(e.Raw)
	}
	return out
}
