package batch

import (
	"github.com/kavadb/replica/oplog"
)

// OpQueue is the unit the Batch Assembler hands to the Top-Level Loop: an
// ordered run of entries plus the byte/count accounting the assembler built
// up while filling it. Grounded on collector/batcher.go's batchGroup shape,
// narrowed from MongoShake's per-worker batch groups down to the single
// ordered sequence spec §3 names (this engine partitions later, in
// partition/, rather than at assembly time).
type OpQueue struct {
	Entries      []*oplog.GenericOplog
	ByteCount    int
	Count        int
	MustShutdown bool
}

func NewOpQueue() *OpQueue {
	return &OpQueue{}
}

func (q *OpQueue) Empty() bool {
	return len(q.Entries) == 0
}

// push appends an entry to the queue's end, mirroring OpQueueBatcher::push's
// accounting of byte count and entry count.
func (q *OpQueue) push(entry *oplog.GenericOplog) {
	q.Entries = append(q.Entries, entry)
	q.Count++
	if entry.Raw != nil {
		q.ByteCount += len(entry.Raw)
	}
}

// back returns the last entry pushed, or nil if the queue is empty.
func (q *OpQueue) back() *oplog.GenericOplog {
	if len(q.Entries) == 0 {
		return nil
	}
	return q.Entries[len(q.Entries)-1]
}
