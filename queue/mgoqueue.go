package queue

import (
	"context"
	"sync"
	"time"

	"github.com/vinllen/mgo"
	"github.com/vinllen/mgo/bson"

	LOG "github.com/vinllen/log4go"
	mongodriverprimitive "go.mongodb.org/mongo-driver/bson/primitive"
)

// MgoQueue tails a pre-4.0 oplog cursor through the legacy vinllen/mgo
// driver, the protocol the teacher's own src/mongoshake mirror used before
// migrating to go.mongodb.org/mongo-driver. Kept as a distinct adapter
// (not merged into MongoQueue) because mgo's own cursor/session lifecycle
// differs enough to warrant a separate, simpler fetcher loop.
type MgoQueue struct {
	session *mgo.Session
	query   bson.M

	mu       sync.Mutex
	buffered *bson.Raw
	iter     *mgo.Iter

	shutdownMu sync.Mutex
	shutdown   bool
}

func NewMgoQueue(session *mgo.Session, query bson.M) *MgoQueue {
	return &MgoQueue{session: session, query: query}
}

// MgoQueryFromTimestamp is QueryFromTimestamp's legacy-mgo counterpart: the
// same "resume strictly after ts" filter, packed into the
// (highWord<<32 | lowWord) MongoTimestamp encoding pre-4.0 drivers use,
// grounded on utils.ExtractMongoTimestamp's inverse in
// src/mongoshake/collector/coordinator/utils.go.
func MgoQueryFromTimestamp(ts mongodriverprimitive.Timestamp) bson.M {
	packed := bson.MongoTimestamp(int64(ts.T)<<32 | int64(ts.I))
	return bson.M{"ts": bson.M{"$gt": packed}}
}

func (q *MgoQueue) ensureIter() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.iter != nil {
		return
	}
	q.iter = q.session.DB("local").C("oplog.rs").Find(q.query).
		Tail(time.Second)
}

func (q *MgoQueue) Peek(ctx context.Context) ([]byte, bool) {
	q.ensureIter()
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.buffered != nil {
		return q.buffered.Data, true
	}

	var raw bson.Raw
	if q.iter.Next(&raw) {
		q.buffered = &raw
		return raw.Data, true
	}
	if err := q.iter.Err(); err != nil && err != mgo.ErrCursor {
		LOG.Warn("MgoQueue: iterator error: %v", err)
	}
	return nil, false
}

func (q *MgoQueue) Consume(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buffered = nil
}

func (q *MgoQueue) WaitForMore(ctx context.Context) {
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
	}
}

func (q *MgoQueue) InShutdown() bool {
	q.shutdownMu.Lock()
	defer q.shutdownMu.Unlock()
	return q.shutdown
}

func (q *MgoQueue) Shutdown() {
	q.shutdownMu.Lock()
	defer q.shutdownMu.Unlock()
	q.shutdown = true
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.iter != nil {
		q.iter.Close()
	}
}
