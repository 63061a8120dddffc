package queue

import (
	"context"
	"sync"
	"time"

	"github.com/kavadb/replica/storage"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"

	LOG "github.com/vinllen/log4go"
)

// retEntry mirrors collector/reader/oplog_reader.go's retOplog: a raw
// document plus whatever error the fetcher goroutine hit pulling it.
type retEntry struct {
	raw []byte
	err error
}

// MongoQueue tails a live mongod oplog via a tailable cursor on a dedicated
// fetcher goroutine and buffers entries through a channel, exactly the
// shape of collector/reader/oplog_reader.go's OplogReader: a single
// producer goroutine decoupled from the consumer so the Batch Assembler
// never blocks on network I/O directly.
type MongoQueue struct {
	conn *storage.Conn
	ns   string

	entryChan chan retEntry

	fetcherMu    sync.Mutex
	fetcherStarted bool

	shutdownMu sync.Mutex
	shutdown   bool

	buffered *retEntry // last value popped off entryChan by Peek, pending Consume
}

func NewMongoQueue(conn *storage.Conn) *MongoQueue {
	return &MongoQueue{
		conn:      conn,
		ns:        storage.OplogNS,
		entryChan: make(chan retEntry, 256),
	}
}

// QueryFromTimestamp builds the tailable-cursor filter EnsureFetcher needs
// to resume immediately after ts, the way OplogReader.getQueryTimestamp does.
func QueryFromTimestamp(ts primitive.Timestamp) bson.M {
	return bson.M{"ts": bson.M{"$gt": ts}}
}

// EnsureFetcher starts the background tailing goroutine on first use; a
// mutex-guarded flag keeps later calls from starting a second one, as in
// OplogReader.StartFetcher.
func (q *MongoQueue) EnsureFetcher(ctx context.Context, queryTimestamp bson.M) {
	q.fetcherMu.Lock()
	defer q.fetcherMu.Unlock()
	if q.fetcherStarted {
		return
	}
	q.fetcherStarted = true
	go q.fetch(ctx, queryTimestamp)
}

func (q *MongoQueue) fetch(ctx context.Context, queryTimestamp bson.M) {
	db, coll := splitNS(q.ns)
	findOpts := options.Find().SetCursorType(options.TailableAwait).SetOplogReplay(true)

	for {
		if q.InShutdown() {
			return
		}

		cursor, err := q.conn.Client.Database(db).Collection(coll).Find(ctx, queryTimestamp, findOpts)
		if err != nil {
			LOG.Warn("MongoQueue: open tailable cursor failed: %v, retrying", err)
			time.Sleep(time.Second)
			continue
		}

		for cursor.Next(ctx) {
			q.entryChan <- retEntry{raw: append([]byte(nil), cursor.Current...)}
		}
		if err := cursor.Err(); err != nil {
			q.entryChan <- retEntry{err: err}
		}
		cursor.Close(ctx)

		if q.InShutdown() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (q *MongoQueue) Peek(ctx context.Context) ([]byte, bool) {
	if q.buffered != nil {
		if q.buffered.err != nil {
			return nil, false
		}
		return q.buffered.raw, true
	}

	select {
	case e := <-q.entryChan:
		q.buffered = &e
		if e.err != nil {
			LOG.Warn("MongoQueue: fetcher error: %v", e.err)
			return nil, false
		}
		return e.raw, true
	default:
		return nil, false
	}
}

func (q *MongoQueue) Consume(ctx context.Context) {
	q.buffered = nil
}

func (q *MongoQueue) WaitForMore(ctx context.Context) {
	select {
	case e := <-q.entryChan:
		q.buffered = &e
	case <-time.After(time.Second):
	case <-ctx.Done():
	}
}

func (q *MongoQueue) InShutdown() bool {
	q.shutdownMu.Lock()
	defer q.shutdownMu.Unlock()
	return q.shutdown
}

func (q *MongoQueue) Shutdown() {
	q.shutdownMu.Lock()
	defer q.shutdownMu.Unlock()
	q.shutdown = true
}

func splitNS(ns string) (db, coll string) {
	for i := 0; i < len(ns); i++ {
		if ns[i] == '.' {
			return ns[:i], ns[i+1:]
		}
	}
	return ns, ""
}
