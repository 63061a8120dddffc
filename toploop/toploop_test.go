package toploop

import (
	"context"
	"testing"
	"time"

	"github.com/kavadb/replica/batch"
	"github.com/kavadb/replica/oplog"
	"github.com/kavadb/replica/queue"
	"github.com/kavadb/replica/storage"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type fakeUpstream struct {
	entries [][]byte
	idx     int
}

func (u *fakeUpstream) Peek(ctx context.Context) ([]byte, bool) {
	if u.idx >= len(u.entries) {
		return nil, false
	}
	return u.entries[u.idx], true
}
func (u *fakeUpstream) Consume(ctx context.Context) { u.idx++ }
func (u *fakeUpstream) WaitForMore(ctx context.Context) {
	time.Sleep(time.Millisecond)
}
func (u *fakeUpstream) InShutdown() bool { return u.idx >= len(u.entries) }

var _ queue.UpstreamQueue = (*fakeUpstream)(nil)

type fakeCoord struct {
	lastApplied oplog.OpTime
}

func (c *fakeCoord) IsInPrimaryOrSecondaryState() bool                 { return true }
func (c *fakeCoord) GetMaintenanceMode() bool                          { return false }
func (c *fakeCoord) IsRecovering() bool                                { return false }
func (c *fakeCoord) GetMyLastAppliedOpTime() oplog.OpTime               { return c.lastApplied }
func (c *fakeCoord) SetFollowerModeSecondary() bool                     { return true }
func (c *fakeCoord) GetMemberStatePrimary() bool                        { return false }
func (c *fakeCoord) IsWaitingForApplierToDrain() bool                   { return false }
func (c *fakeCoord) SignalDrainComplete(ctx context.Context)           {}
func (c *fakeCoord) IsCatchingUp() bool                                 { return false }
func (c *fakeCoord) GetSlaveDelaySecs() int64                           { return 0 }
func (c *fakeCoord) SetMyLastAppliedOpTimeForward(ot oplog.OpTime) {
	if c.lastApplied.Less(ot) {
		c.lastApplied = ot
	}
}
func (c *fakeCoord) SetMyLastDurableOpTimeForward(ot oplog.OpTime) {}

type fakeStore struct{ applied oplog.OpTime }

func (s *fakeStore) InsertDocuments(ctx context.Context, ns string, docs []bson.Raw) error { return nil }
func (s *fakeStore) SetOplogDeleteFromPoint(ctx context.Context, ts oplog.OpTime)           {}
func (s *fakeStore) SetMinValidToAtLeast(ctx context.Context, ot oplog.OpTime)              {}
func (s *fakeStore) GetMinValid(ctx context.Context) oplog.OpTime                           { return oplog.OpTime{} }
func (s *fakeStore) SetAppliedThrough(ctx context.Context, ot oplog.OpTime) error {
	s.applied = ot
	return nil
}
func (s *fakeStore) GetOplogMaxSizeBytes(ctx context.Context, ns string) (int64, error) {
	return 1 << 30, nil
}
func (s *fakeStore) WaitUntilDurable(ctx context.Context) error { return nil }

var _ storage.StorageInterface = (*fakeStore)(nil)

type fakeFinalizer struct{ last oplog.OpTime }

func (f *fakeFinalizer) Record(ot oplog.OpTime) { f.last = ot }
func (f *fakeFinalizer) Stop()                  {}

type fakeApplier struct{ calls int }

func (a *fakeApplier) MultiApply(ctx context.Context, entries []*oplog.GenericOplog) (oplog.OpTime, error) {
	a.calls++
	return entries[len(entries)-1].Parsed.GetOpTime(), nil
}

func rawInsert(ns string, ts uint32) []byte {
	doc := bson.D{
		{Key: "ts", Value: primitive.Timestamp{T: ts}},
		{Key: "op", Value: "i"},
		{Key: "ns", Value: ns},
		{Key: "o", Value: bson.D{{Key: "_id", Value: int32(ts)}}},
	}
	raw, _ := bson.Marshal(doc)
	return raw
}

func TestLoopAppliesBatchAndAdvancesAppliedThrough(t *testing.T) {
	upstream := &fakeUpstream{entries: [][]byte{rawInsert("db.c", 10)}}
	coord := &fakeCoord{}
	store := &fakeStore{}
	asm := batch.NewAssembler(upstream, coord, store, batch.Limits{OpsLimit: 100, ConfiguredBytesLimit: 1 << 20})
	applier := &fakeApplier{}
	finalizer := &fakeFinalizer{}

	loop := New(asm, applier, coord, store, finalizer)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	deadline := time.After(2 * time.Second)
	for applier.calls == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for multiApply to be called")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	loop.Stop()
	<-done

	assert.Equal(t, 1, applier.calls)
	assert.Equal(t, uint32(10), store.applied.Timestamp.T)
	assert.Equal(t, uint32(10), finalizer.last.Timestamp.T)
}
