package storage

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kavadb/replica/oplog"
	"go.mongodb.org/mongo-driver/bson"

	LOG "github.com/vinllen/log4go"
)

// MongoReplCoordinator is a thin ReplicationCoordinator that defers role
// decisions to the upstream replica set's own replSetGetStatus, the way
// collector/coordinator/replication.go's sanitizeMongoDB queries source
// topology rather than reimplementing an election. This engine never
// promotes or demotes itself (spec §1 Non-goals) — it only reads state and
// forwards progress.
type MongoReplCoordinator struct {
	conn *Conn

	mu                sync.Mutex
	lastApplied        oplog.OpTime
	lastDurable        oplog.OpTime
	waitingForDrain    bool
	catchingUp         bool
	recovering         int32
	maintenanceMode    int32
	slaveDelaySecs     int64
}

func NewMongoReplCoordinator(conn *Conn, slaveDelaySecs int64) *MongoReplCoordinator {
	return &MongoReplCoordinator{conn: conn, slaveDelaySecs: slaveDelaySecs}
}

func (c *MongoReplCoordinator) IsInPrimaryOrSecondaryState() bool {
	res := c.conn.Client.Database("admin").RunCommand(context.Background(), bson.D{{Key: "replSetGetStatus", Value: 1}})
	var decoded bson.M
	if err := res.Decode(&decoded); err != nil {
		LOG.Warn("coordinator: replSetGetStatus failed: %v", err)
		return false
	}
	myState, _ := decoded["myState"].(int32)
	// 1 = PRIMARY, 2 = SECONDARY
	return myState == 1 || myState == 2
}

func (c *MongoReplCoordinator) GetMaintenanceMode() bool {
	return atomic.LoadInt32(&c.maintenanceMode) == 1
}

func (c *MongoReplCoordinator) IsRecovering() bool {
	return atomic.LoadInt32(&c.recovering) == 1
}

func (c *MongoReplCoordinator) SetFollowerModeSecondary() bool {
	atomic.StoreInt32(&c.recovering, 0)
	return true
}

func (c *MongoReplCoordinator) GetMemberStatePrimary() bool {
	res := c.conn.Client.Database("admin").RunCommand(context.Background(), bson.D{{Key: "isMaster", Value: 1}})
	var decoded bson.M
	if err := res.Decode(&decoded); err != nil {
		return false
	}
	ismaster, _ := decoded["ismaster"].(bool)
	return ismaster
}

func (c *MongoReplCoordinator) GetMyLastAppliedOpTime() oplog.OpTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastApplied
}

func (c *MongoReplCoordinator) SetMyLastAppliedOpTimeForward(ot oplog.OpTime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastApplied.Less(ot) {
		c.lastApplied = ot
	}
}

func (c *MongoReplCoordinator) SetMyLastDurableOpTimeForward(ot oplog.OpTime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastDurable.Less(ot) {
		c.lastDurable = ot
	}
}

func (c *MongoReplCoordinator) IsWaitingForApplierToDrain() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitingForDrain
}

func (c *MongoReplCoordinator) SignalDrainComplete(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitingForDrain = false
}

func (c *MongoReplCoordinator) IsCatchingUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.catchingUp
}

func (c *MongoReplCoordinator) GetSlaveDelaySecs() int64 {
	return atomic.LoadInt64(&c.slaveDelaySecs)
}
