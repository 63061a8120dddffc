package apply

import (
	"context"
	"testing"

	"github.com/kavadb/replica/oplog"
	"github.com/kavadb/replica/storage"

	"github.com/stretchr/testify/assert"
)

type stubCoord struct {
	primary    bool
	draining   bool
	catchingUp bool
}

func (c *stubCoord) IsInPrimaryOrSecondaryState() bool            { return true }
func (c *stubCoord) GetMaintenanceMode() bool                     { return false }
func (c *stubCoord) IsRecovering() bool                           { return false }
func (c *stubCoord) GetMyLastAppliedOpTime() oplog.OpTime         { return oplog.OpTime{} }
func (c *stubCoord) SetFollowerModeSecondary() bool               { return true }
func (c *stubCoord) GetMemberStatePrimary() bool                  { return c.primary }
func (c *stubCoord) IsWaitingForApplierToDrain() bool             { return c.draining }
func (c *stubCoord) SignalDrainComplete(ctx context.Context)      {}
func (c *stubCoord) IsCatchingUp() bool                           { return c.catchingUp }
func (c *stubCoord) GetSlaveDelaySecs() int64                     { return 0 }
func (c *stubCoord) SetMyLastAppliedOpTimeForward(ot oplog.OpTime) {}
func (c *stubCoord) SetMyLastDurableOpTimeForward(ot oplog.OpTime) {}

var _ storage.ReplicationCoordinator = (*stubCoord)(nil)

func oneEntry() []*oplog.GenericOplog {
	return []*oplog.GenericOplog{
		{Raw: []byte("x"), Parsed: &oplog.PartialLog{ParsedLog: oplog.ParsedLog{Operation: oplog.OpInsert, Namespace: "a.b"}}},
	}
}

func TestMultiApplyRefusesWhilePrimary(t *testing.T) {
	e := &Engine{coord: &stubCoord{primary: true}}

	_, err := e.MultiApply(context.Background(), oneEntry())
	assert.ErrorIs(t, err, ErrApplyingWhilePrimary)
}
