package partition

import (
	"context"
	"testing"

	"github.com/kavadb/replica/oplog"
	"github.com/kavadb/replica/storage"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type fakeEngine struct {
	docLocking bool
}

func (e *fakeEngine) SupportsDocLocking() bool   { return e.docLocking }
func (e *fakeEngine) IsDurable() bool            { return true }
func (e *fakeEngine) IsLegacyNonDocLocking() bool { return !e.docLocking }

type fakeFetcher struct {
	byNS map[string]storage.CollectionProperties
}

func (f *fakeFetcher) GetCollectionProperties(ctx context.Context, ns string) (storage.CollectionProperties, error) {
	return f.byNS[ns], nil
}

func insertEntry(ns string, id int, ts uint32) *oplog.GenericOplog {
	return &oplog.GenericOplog{
		Parsed: &oplog.PartialLog{
			ParsedLog: oplog.ParsedLog{
				Namespace: ns,
				Operation: oplog.OpInsert,
				Timestamp: primitive.Timestamp{T: ts},
				Object:    bson.D{{Key: "_id", Value: id}},
			},
		},
	}
}

func TestPartitionerSameDocHashesToSameSlot(t *testing.T) {
	fetcher := &fakeFetcher{byNS: map[string]storage.CollectionProperties{
		"db.c": {IsCapped: false, HasCollation: false},
	}}
	p := NewPartitioner(&fakeEngine{docLocking: true}, NewPropertiesCache(fetcher))

	entries := []*oplog.GenericOplog{
		insertEntry("db.c", 7, 1),
		insertEntry("db.c", 7, 2),
		insertEntry("db.c", 9, 3),
	}
	slots := p.Partition(context.Background(), entries, 4)

	var slotOfID7 []int
	for i, slot := range slots {
		for _, e := range slot {
			if e.Parsed.GetIdElement() == 7 {
				slotOfID7 = append(slotOfID7, i)
			}
		}
	}
	assert.Len(t, slotOfID7, 2)
	assert.Equal(t, slotOfID7[0], slotOfID7[1])
}

func TestPartitionerCappedCollectionSingleSlotAndFlagSet(t *testing.T) {
	fetcher := &fakeFetcher{byNS: map[string]storage.CollectionProperties{
		"db.cap": {IsCapped: true},
		"db.nc":  {IsCapped: false},
	}}
	p := NewPartitioner(&fakeEngine{docLocking: true}, NewPropertiesCache(fetcher))

	var entries []*oplog.GenericOplog
	for i := 0; i < 50; i++ {
		entries = append(entries, insertEntry("db.cap", i, uint32(i)))
	}
	for i := 0; i < 50; i++ {
		entries = append(entries, insertEntry("db.nc", i, uint32(i)))
	}

	slots := p.Partition(context.Background(), entries, 4)

	cappedSlot := -1
	usedSlots := map[int]bool{}
	for i, slot := range slots {
		for _, e := range slot {
			if e.Parsed.Namespace == "db.cap" {
				if cappedSlot == -1 {
					cappedSlot = i
				}
				assert.Equal(t, cappedSlot, i, "all capped-collection ops must land in one slot")
				assert.True(t, e.Parsed.IsForCappedCollection)
			} else {
				usedSlots[i] = true
			}
		}
	}
	assert.GreaterOrEqual(t, len(usedSlots), 2, "non-capped inserts should spread across multiple slots")
}

func TestPartitionerNonSimpleCollationHashesByNamespace(t *testing.T) {
	fetcher := &fakeFetcher{byNS: map[string]storage.CollectionProperties{
		"db.c": {HasCollation: true},
	}}
	p := NewPartitioner(&fakeEngine{docLocking: true}, NewPropertiesCache(fetcher))

	entries := []*oplog.GenericOplog{
		insertEntry("db.c", 1, 1),
		insertEntry("db.c", 2, 2),
	}
	slots := p.Partition(context.Background(), entries, 4)

	found := -1
	for i, slot := range slots {
		if len(slot) > 0 {
			if found == -1 {
				found = i
			}
			assert.Equal(t, found, i)
		}
	}
	assert.NotEqual(t, -1, found)
}
