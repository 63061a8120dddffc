package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/kavadb/replica/oplog"
	"github.com/kavadb/replica/storage"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	LOG "github.com/vinllen/log4go"
)

const checkpointNameField = "name"

// CheckpointContext is appliedThrough's on-disk shape: the crash-recovery
// resume marker spec's GLOSSARY names, persisted outside this process so a
// restart can pick up mid-batch. Grounded on
// collector/ckpt/ckpt_operation.go's CheckpointContext, trimmed to fields
// this engine's single-source apply pipeline needs (no oplog-disk-queue
// bookkeeping — that concern belongs to the Upstream Queue Adapter's own
// disk-spill variant, not checkpointing).
type CheckpointContext struct {
	Name      string `bson:"name" json:"name"`
	Timestamp int64  `bson:"ts" json:"ts"`
	Term      int64  `bson:"term" json:"term"`
}

func (cc *CheckpointContext) String() string {
	out, err := json.Marshal(cc)
	if err != nil {
		return err.Error()
	}
	return string(out)
}

// ToCheckpointContext packs an op-time into the on-disk shape Insert
// persists; the destination's own Name is filled in by its Insert/Get
// filter, so callers don't need to know it.
func ToCheckpointContext(ot oplog.OpTime) *CheckpointContext {
	return &CheckpointContext{Timestamp: int64(ot.Timestamp.T)<<32 | int64(ot.Timestamp.I), Term: ot.Term}
}

// FromCheckpointContext is ToCheckpointContext's inverse, used to seed the
// replication coordinator's last-applied op-time on restart.
func FromCheckpointContext(cc *CheckpointContext) oplog.OpTime {
	return oplog.OpTime{
		Timestamp: extractTimestamp(cc.Timestamp),
		Term:      cc.Term,
	}
}

func extractTimestamp(v int64) primitive.Timestamp {
	return primitive.Timestamp{T: uint32(v >> 32), I: uint32(v)}
}

// CheckpointOperation is the persistence contract spec §4.3's
// "persist appliedThrough" step needs, generalized from
// collector/ckpt/ckpt_operation.go's CheckpointOperation interface (same
// Get/Insert shape, this engine only ever has one named checkpoint: its own
// appliedThrough marker).
type CheckpointOperation interface {
	Get() (*CheckpointContext, bool)
	Insert(ckpt *CheckpointContext) error
	String() string
}

// MongoCheckpoint persists appliedThrough into a collection on the local
// storage engine — grounded directly on
// collector/ckpt/ckpt_operation.go's MongoCheckpoint.
type MongoCheckpoint struct {
	CheckpointContext

	conn   *storage.Conn
	DB, Table string
}

func NewMongoCheckpoint(conn *storage.Conn, db, table, name string) *MongoCheckpoint {
	return &MongoCheckpoint{
		CheckpointContext: CheckpointContext{Name: name},
		conn:              conn,
		DB:                db,
		Table:             table,
	}
}

func (ckpt *MongoCheckpoint) Get() (*CheckpointContext, bool) {
	value := new(CheckpointContext)
	err := ckpt.conn.Client.Database(ckpt.DB).Collection(ckpt.Table).
		FindOne(context.Background(), bson.M{checkpointNameField: ckpt.Name}).Decode(value)
	if err == nil {
		LOG.Info("progress: loaded existing checkpoint %v", value)
		return value, true
	}
	if err == mongo.ErrNoDocuments {
		value.Name = ckpt.Name
		LOG.Info("progress: no checkpoint found for %v, starting fresh", ckpt.Name)
		return value, false
	}
	LOG.Error("progress: checkpoint lookup for %v failed: %v", ckpt.Name, err)
	return nil, false
}

func (ckpt *MongoCheckpoint) Insert(updates *CheckpointContext) error {
	opts := options.Update().SetUpsert(true)
	filter := bson.M{checkpointNameField: ckpt.Name}
	updates.Name = ckpt.Name
	update := bson.M{"$set": updates}

	_, err := ckpt.conn.Client.Database(ckpt.DB).Collection(ckpt.Table).
		UpdateOne(context.Background(), filter, update, opts)
	if err != nil {
		LOG.Warn("progress: checkpoint upsert for %v failed: %v", ckpt.Name, err)
		return err
	}
	return nil
}

// HttpApiCheckpoint persists appliedThrough by GET/POST against an external
// checkpoint service — grounded directly on
// collector/ckpt/ckpt_operation.go's HttpApiCheckpoint, used when no local
// mongod is appropriate for storing the marker.
type HttpApiCheckpoint struct {
	CheckpointContext
	URL string
}

func NewHttpApiCheckpoint(url, name string) *HttpApiCheckpoint {
	return &HttpApiCheckpoint{CheckpointContext: CheckpointContext{Name: name}, URL: url}
}

func (ckpt *HttpApiCheckpoint) Get() (*CheckpointContext, bool) {
	resp, err := http.Get(ckpt.URL)
	if err != nil {
		LOG.Warn("progress: http checkpoint GET %v failed: %v", ckpt.URL, err)
		return nil, false
	}
	defer resp.Body.Close()

	stream, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, false
	}
	value := new(CheckpointContext)
	if err := json.Unmarshal(stream, value); err != nil {
		return nil, false
	}
	if value.Name == "" {
		value.Name = ckpt.Name
		return value, false
	}
	return value, true
}

func (ckpt *HttpApiCheckpoint) Insert(insert *CheckpointContext) error {
	insert.Name = ckpt.Name
	body, _ := json.Marshal(insert)
	resp, err := http.Post(ckpt.URL, "application/json", bytes.NewReader(body))
	if err != nil || resp.StatusCode != http.StatusOK {
		LOG.Warn("progress: http checkpoint POST %v failed: %v", ckpt.URL, err)
		return fmt.Errorf("progress: checkpoint post failed: %v", err)
	}
	defer resp.Body.Close()
	return nil
}
