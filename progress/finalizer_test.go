package progress

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

type fakeCoord struct {
	mu          sync.Mutex
	lastApplied oplog.OpTime
	lastDurable oplog.OpTime
}

func (c *fakeCoord) IsInPrimaryOrSecondaryState() bool       { return true }
func (c *fakeCoord) GetMaintenanceMode() bool                { return false }
func (c *fakeCoord) IsRecovering() bool                      { return false }
func (c *fakeCoord) GetMyLastAppliedOpTime() oplog.OpTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastApplied
}
func (c *fakeCoord) SetFollowerModeSecondary() bool { return true }
func (c *fakeCoord) GetMemberStatePrimary() bool    { return false }
func (c *fakeCoord) IsWaitingForApplierToDrain() bool { return false }
func (c *fakeCoord) SignalDrainComplete(ctx context.Context) {}
func (c *fakeCoord) IsCatchingUp() bool                       { return false }
func (c *fakeCoord) GetSlaveDelaySecs() int64                 { return 0 }
func (c *fakeCoord) SetMyLastAppliedOpTimeForward(ot oplog.OpTime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastApplied.Less(ot) {
		c.lastApplied = ot
	}
}
func (c *fakeCoord) SetMyLastDurableOpTimeForward(ot oplog.OpTime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastDurable.Less(ot) {
		c.lastDurable = ot
	}
}

func (c *fakeCoord) getLastDurable() oplog.OpTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDurable
}

var _ storage.ReplicationCoordinator = (*fakeCoord)(nil)

type fakeStore struct {
	durableCalls int32
	durableDelay time.Duration
}

func (s *fakeStore) InsertDocuments(ctx context.Context, ns string, docs []bson.Raw) error { return nil }
func (s *fakeStore) SetOplogDeleteFromPoint(ctx context.Context, ts oplog.OpTime)           {}
func (s *fakeStore) SetMinValidToAtLeast(ctx context.Context, ot oplog.OpTime)              {}
func (s *fakeStore) GetMinValid(ctx context.Context) oplog.OpTime                           { return oplog.OpTime{} }
func (s *fakeStore) SetAppliedThrough(ctx context.Context, ot oplog.OpTime) error           { return nil }
func (s *fakeStore) GetOplogMaxSizeBytes(ctx context.Context, ns string) (int64, error)     { return 0, nil }
func (s *fakeStore) WaitUntilDurable(ctx context.Context) error {
	s.durableCalls++
	if s.durableDelay > 0 {
		time.Sleep(s.durableDelay)
	}
	return nil
}

var _ storage.StorageInterface = (*fakeStore)(nil)

func TestPlainFinalizerPublishesForwardOnly(t *testing.T) {
	coord := &fakeCoord{}
	f := NewPlainFinalizer(coord)

	later := oplog.OpTime{Timestamp: primitive.Timestamp{T: 5}}
	earlier := oplog.OpTime{Timestamp: primitive.Timestamp{T: 2}}

	f.Record(later)
	f.Record(earlier)

	assert.Equal(t, later, coord.GetMyLastAppliedOpTime())
	f.Stop()
}

func TestJournalFinalizerPublishesDurableAfterWait(t *testing.T) {
	coord := &fakeCoord{}
	store := &fakeStore{}
	f := NewJournalFinalizer(coord, store)

	ot := oplog.OpTime{Timestamp: primitive.Timestamp{T: 7}}
	f.Record(ot)

	deadline := time.After(2 * time.Second)
	for coord.getLastDurable().Timestamp.T != 7 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for durable op-time to publish")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	f.Stop()
	assert.GreaterOrEqual(t, store.durableCalls, int32(1))
}

func TestNewFinalizerSelectsByDurability(t *testing.T) {
	coord := &fakeCoord{}
	store := &fakeStore{}

	plain := NewFinalizer(coord, store, fakeEngine{durable: false})
	_, isPlain := plain.(*PlainFinalizer)
	assert.True(t, isPlain)
	plain.Stop()

	journaled := NewFinalizer(coord, store, fakeEngine{durable: true})
	_, isJournal := journaled.(*JournalFinalizer)
	assert.True(t, isJournal)
	journaled.Stop()
}

type fakeEngine struct{ durable bool }

func (e fakeEngine) SupportsDocLocking() bool     { return true }
func (e fakeEngine) IsDurable() bool              { return e.durable }
func (e fakeEngine) IsLegacyNonDocLocking() bool  { return false }

var _ storage.StorageEngine = fakeEngine{}
