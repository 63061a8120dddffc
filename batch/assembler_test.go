package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kavadb/replica/oplog"
	"github.com/kavadb/replica/storage"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// fakeQueue is a minimal in-memory UpstreamQueue: a slice of raw entries
// plus a shutdown flag, mirroring the teacher's mockSyncer-style hand-rolled
// test doubles rather than a mocking framework.
type fakeQueue struct {
	mu       sync.Mutex
	entries  [][]byte
	shutdown bool
}

func newFakeQueue(entries ...[]byte) *fakeQueue {
	return &fakeQueue{entries: entries}
}

func (q *fakeQueue) Peek(ctx context.Context) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, false
	}
	return q.entries[0], true
}

func (q *fakeQueue) Consume(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) > 0 {
		q.entries = q.entries[1:]
	}
}

func (q *fakeQueue) WaitForMore(ctx context.Context) {}

func (q *fakeQueue) InShutdown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shutdown
}

func (q *fakeQueue) setShutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shutdown = true
}

type fakeCoord struct {
	storage.ReplicationCoordinator
	slaveDelaySecs int64
}

func (c *fakeCoord) GetSlaveDelaySecs() int64 { return c.slaveDelaySecs }

type fakeStorage struct {
	storage.StorageInterface
	maxSize int64
}

func (s *fakeStorage) GetOplogMaxSizeBytes(ctx context.Context, ns string) (int64, error) {
	return s.maxSize, nil
}

func mockEntry(ns, op string, ts int64) []byte {
	raw, _ := bson.Marshal(oplog.ParsedLog{
		Timestamp: primitive.Timestamp{T: uint32(ts), I: 0},
		Operation: op,
		Namespace: ns,
		Version:   oplog.SupportedVersion,
		Object:    bson.D{{Key: "_id", Value: 1}},
	})
	return raw
}

func TestAssemblerCommandIsolation(t *testing.T) {
	entries := [][]byte{
		mockEntry("a.x", oplog.OpInsert, 1),
		mockEntry("a.$cmd", oplog.OpCommand, 2),
		mockEntry("a.x", oplog.OpInsert, 3),
	}
	q := newFakeQueue(entries...)
	a := NewAssembler(q, &fakeCoord{}, &fakeStorage{maxSize: 1 << 30},
		Limits{OpsLimit: 50000, ConfiguredBytesLimit: 1 << 20})

	batches := drainBatches(t, a, 3)
	assert.Len(t, batches, 3)
	assert.Equal(t, 1, batches[0].Count)
	assert.Equal(t, oplog.OpInsert, batches[0].Entries[0].Parsed.Operation)
	assert.Equal(t, 1, batches[1].Count)
	assert.Equal(t, oplog.OpCommand, batches[1].Entries[0].Parsed.Operation)
	assert.Equal(t, 1, batches[2].Count)
	assert.Equal(t, oplog.OpInsert, batches[2].Entries[0].Parsed.Operation)
}

func TestAssemblerNormalBatchMergesUnderOpsLimit(t *testing.T) {
	entries := [][]byte{
		mockEntry("a.x", oplog.OpInsert, 1),
		mockEntry("a.x", oplog.OpInsert, 2),
	}
	q := newFakeQueue(entries...)
	q.setShutdown()
	a := NewAssembler(q, &fakeCoord{}, &fakeStorage{maxSize: 1 << 30},
		Limits{OpsLimit: 50000, ConfiguredBytesLimit: 1 << 20})

	batches := drainBatches(t, a, 1)
	assert.Len(t, batches, 1)
	assert.Equal(t, 2, batches[0].Count)
}

func TestValidateVersionFatalOnMismatch(t *testing.T) {
	log := &oplog.PartialLog{ParsedLog: oplog.ParsedLog{Version: 99}}
	assert.Panics(t, func() { validateVersion(log) })
}

func drainBatches(t *testing.T, a *Assembler, n int) []*OpQueue {
	t.Helper()
	go a.runOnce()
	var out []*OpQueue
	for i := 0; i < n; i++ {
		b, err := a.GetNextBatch(2 * time.Second)
		if err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
		out = append(out, b)
		if i+1 < n {
			go a.runOnce()
		}
	}
	return out
}
