package storage

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kavadb/replica/oplog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	LOG "github.com/vinllen/log4go"
)

// MongoStorage implements StorageInterface and CollectionPropertiesFetcher
// against a live mongod, and carries the progress markers (appliedThrough
// and minValid, both forward-only, and oplogDeleteFromPoint) spec §3 describes.
// Grounded on common/community_client.go's connection idiom and on
// sync_tail.cpp's StorageInterface/StorageEngine collaborator surface.
type MongoStorage struct {
	conn *Conn

	mu                 sync.Mutex
	appliedThrough     oplog.OpTime
	minValid           oplog.OpTime
	oplogDeleteFromPoint oplog.OpTime

	durableFlag int32 // atomic bool: does the engine journal?
}

func NewMongoStorage(conn *Conn, durable bool) *MongoStorage {
	s := &MongoStorage{conn: conn}
	if durable {
		atomic.StoreInt32(&s.durableFlag, 1)
	}
	return s
}

func (s *MongoStorage) InsertDocuments(ctx context.Context, ns string, docs []bson.Raw) error {
	if len(docs) == 0 {
		return nil
	}
	db, coll := splitNS(ns)
	models := make([]mongo.WriteModel, 0, len(docs))
	for _, d := range docs {
		models = append(models, mongo.NewInsertOneModel().SetDocument(d))
	}
	_, err := s.conn.Client.Database(db).Collection(coll).
		BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return err
}

// minValid and appliedThrough are forward-only: their setters never let the
// marker regress (spec §4.10 / §5.5). oplogDeleteFromPoint is set and
// cleared as given.

func (s *MongoStorage) SetOplogDeleteFromPoint(ctx context.Context, ts oplog.OpTime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oplogDeleteFromPoint = ts
}

func (s *MongoStorage) SetMinValidToAtLeast(ctx context.Context, ot oplog.OpTime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.minValid.Less(ot) {
		s.minValid = ot
	}
}

func (s *MongoStorage) GetMinValid(ctx context.Context) oplog.OpTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minValid
}

func (s *MongoStorage) SetAppliedThrough(ctx context.Context, ot oplog.OpTime) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appliedThrough.Less(ot) {
		s.appliedThrough = ot
	}
	return nil
}

func (s *MongoStorage) GetAppliedThrough() oplog.OpTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appliedThrough
}

func (s *MongoStorage) GetOplogMaxSizeBytes(ctx context.Context, ns string) (int64, error) {
	db, coll := splitNS(ns)
	res := s.conn.Client.Database(db).RunCommand(ctx, bson.D{{Key: "collStats", Value: coll}})
	var decoded bson.M
	if err := res.Decode(&decoded); err != nil {
		LOG.Warn("storage: collStats on %s failed: %v", ns, err)
		return 0, err
	}
	if v, ok := decoded["maxSize"]; ok {
		if f, ok := v.(float64); ok {
			return int64(f), nil
		}
		if i, ok := v.(int64); ok {
			return i, nil
		}
	}
	return 0, nil
}

func (s *MongoStorage) WaitUntilDurable(ctx context.Context) error {
	// journal flush: fsync with j:true semantics, delegated to the driver's
	// write concern machinery on the next write; here we simply issue an
	// explicit fsync command, matching the original's waitUntilDurable hook.
	return s.conn.Client.Database("admin").RunCommand(ctx, bson.D{{Key: "fsync", Value: 1}}).Err()
}

func (s *MongoStorage) SupportsDocLocking() bool      { return true } // WiredTiger: always true
func (s *MongoStorage) IsDurable() bool                { return atomic.LoadInt32(&s.durableFlag) == 1 }
func (s *MongoStorage) IsLegacyNonDocLocking() bool     { return false }

// CollectionProperties fetch, grounded on sync_tail.cpp's
// CachedCollectionProperties::getCollectionPropertiesImpl.
func (s *MongoStorage) GetCollectionProperties(ctx context.Context, ns string) (CollectionProperties, error) {
	db, coll := splitNS(ns)
	res := s.conn.Client.Database(db).RunCommand(ctx, bson.D{{Key: "collStats", Value: coll}})
	var decoded bson.M
	if err := res.Decode(&decoded); err != nil {
		// collection (or database) does not exist yet: treat as unrestricted.
		return CollectionProperties{}, nil
	}

	props := CollectionProperties{}
	if capped, ok := decoded["capped"].(bool); ok {
		props.IsCapped = capped
	}

	idx := s.conn.Client.Database(db).Collection(coll).Indexes()
	cur, err := idx.List(ctx)
	if err == nil {
		for cur.Next(ctx) {
			var spec bson.M
			if err := cur.Decode(&spec); err != nil {
				continue
			}
			if spec["name"] == "_id_" {
				if _, ok := spec["collation"]; ok {
					props.HasCollation = true
				}
			}
		}
	}

	return props, nil
}

func splitNS(ns string) (db, coll string) {
	for i := 0; i < len(ns); i++ {
		if ns[i] == '.' {
			return ns[:i], ns[i+1:]
		}
	}
	return ns, ""
}
