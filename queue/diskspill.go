package queue

import (
	"context"
	"sync"

	diskqueue "github.com/nanmu42/go-diskqueue"

	LOG "github.com/vinllen/log4go"
)

// DiskSpillQueue wraps any UpstreamQueue with a disk-backed overflow buffer,
// replacing the teacher's hand-copied nsqio-derived disk queue
// (src/mongoshake/common/diskqueue.go) with the real nanmu42/go-diskqueue
// module. Entries reach the disk queue only through an explicit Spill call;
// the wrapper never moves entries from inner to disk by itself. Peek returns
// a disk-spilled entry first when one is ready, otherwise inner's next entry.
type DiskSpillQueue struct {
	inner UpstreamQueue
	dq    diskqueue.Interface

	mu       sync.Mutex
	buffered []byte
	hasBuf   bool
}

func NewDiskSpillQueue(inner UpstreamQueue, name, dataPath string, maxBytesPerFile int64) *DiskSpillQueue {
	dq := diskqueue.New(name, dataPath, maxBytesPerFile, 1<<10, 1<<20, 2500, 2e9,
		func(lvl diskqueue.LogLevel, f string, args ...interface{}) {
			LOG.Warn(f, args...)
		})
	return &DiskSpillQueue{inner: inner, dq: dq}
}

// Spill persists raw to disk instead of letting it block the producer side
// of inner; call this from the fetcher loop when inner's internal buffer is
// saturated.
func (q *DiskSpillQueue) Spill(raw []byte) error {
	return q.dq.Put(raw)
}

func (q *DiskSpillQueue) Peek(ctx context.Context) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.hasBuf {
		return q.buffered, true
	}

	select {
	case raw, ok := <-q.dq.ReadChan():
		if ok {
			q.buffered = raw
			q.hasBuf = true
			return raw, true
		}
	default:
	}

	return q.inner.Peek(ctx)
}

func (q *DiskSpillQueue) Consume(ctx context.Context) {
	q.mu.Lock()
	if q.hasBuf {
		q.hasBuf = false
		q.buffered = nil
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	q.inner.Consume(ctx)
}

func (q *DiskSpillQueue) WaitForMore(ctx context.Context) {
	q.inner.WaitForMore(ctx)
}

func (q *DiskSpillQueue) InShutdown() bool {
	return q.inner.InShutdown()
}

func (q *DiskSpillQueue) Close() {
	q.dq.Close()
}
