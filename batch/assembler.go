package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kavadb/replica/oplog"
	"github.com/kavadb/replica/queue"
	"github.com/kavadb/replica/storage"

	"go.mongodb.org/mongo-driver/bson"

	nimo "github.com/gugemichael/nimo4go"
	LOG "github.com/vinllen/log4go"
)

// Limits holds the op-count cap and the configured byte cap, fixed at
// construction. At the start of every batch (spec §4.2 step 1) runOnce
// reads slave-delay from the coordinator and recomputes the effective byte
// cap as the min of ConfiguredBytesLimit and 10% of the oplog's own max
// size, the way SyncTail::oplogApplication recomputes replBatchLimitBytes.
type Limits struct {
	OpsLimit       int
	ConfiguredBytesLimit int64
}

// Assembler runs on its own goroutine (collector/syncer.go's
// nimo.GoRoutineInLoop idiom) draining an UpstreamQueue into OpQueue
// batches and handing them to the Top-Level Loop through a single-slot
// rendezvous — sync_tail.cpp's SyncTail::OpQueueBatcher.
type Assembler struct {
	upstream queue.UpstreamQueue
	coord    storage.ReplicationCoordinator
	store    storage.StorageInterface
	limits   Limits

	// slotCh is the single-slot rendezvous between this goroutine and the
	// Top-Level Loop: capacity 1, so Start blocks publishing a new batch
	// until GetNextBatch has drained the previous one.
	slotCh chan *OpQueue

	mu     sync.Mutex
	paused bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewAssembler(upstream queue.UpstreamQueue, coord storage.ReplicationCoordinator,
	store storage.StorageInterface, limits Limits) *Assembler {
	return &Assembler{
		upstream: upstream,
		coord:    coord,
		store:    store,
		limits:   limits,
		slotCh:   make(chan *OpQueue, 1),
		stopCh:   make(chan struct{}),
	}
}

func (a *Assembler) Start() {
	nimo.GoRoutineInLoop(a.runOnce)
}

func (a *Assembler) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// runOnce assembles exactly one batch and publishes it, matching the body
// of SyncTail::OpQueueBatcher::run's per-iteration loop.
func (a *Assembler) runOnce() {
	ctx := context.Background()
	bytesLimit := a.bytesLimit()
	slaveDelay := a.coord.GetSlaveDelaySecs()

	q := NewOpQueue()
	for {
		if a.isPaused() {
			time.Sleep(10 * time.Millisecond)
			select {
			case <-a.stopCh:
				LOG.Crashf("assembler: shutdown requested while paused (rsSyncApplyStop active)")
			default:
			}
			continue
		}

		end := a.tryPopAndWaitForMore(ctx, q, bytesLimit, slaveDelay)
		if end {
			break
		}
	}

	if q.Empty() && !q.MustShutdown {
		return
	}

	a.publish(q)
}

func (a *Assembler) bytesLimit() int64 {
	maxSize, err := a.store.GetOplogMaxSizeBytes(context.Background(), storage.OplogNS)
	if err != nil || maxSize <= 0 {
		return a.limits.ConfiguredBytesLimit
	}
	tenPercent := maxSize / 10
	if tenPercent < a.limits.ConfiguredBytesLimit {
		return tenPercent
	}
	return a.limits.ConfiguredBytesLimit
}

// tryPopAndWaitForMore implements spec §4.2.1's Pop-And-Peek policy,
// grounded directly on SyncTail::tryPopAndWaitForMore (sync_tail.cpp
// lines 824-913): exactly one of no-entry, byte-limit, slave-delay,
// must-stand-alone, or normal fires per call.
func (a *Assembler) tryPopAndWaitForMore(ctx context.Context, q *OpQueue, bytesLimit int64, slaveDelaySecs int64) bool {
	raw, ok := a.upstream.Peek(ctx)
	if !ok {
		if q.Empty() {
			if a.upstream.InShutdown() {
				q.MustShutdown = true
			} else {
				a.upstream.WaitForMore(ctx)
			}
		}
		return true
	}

	entry, err := parseEntry(raw)
	if err != nil {
		LOG.Crashf("assembler: failed to parse oplog entry: %v", err)
	}
	validateVersion(entry.Parsed)

	if !q.Empty() && q.ByteCount+len(raw) > int(bytesLimit) {
		return true
	}

	if slaveDelaySecs > 0 {
		delayBoundary := time.Now().Unix() - slaveDelaySecs
		if int64(entry.Parsed.Timestamp.T) > delayBoundary {
			if q.Empty() {
				time.Sleep(time.Second)
			}
			return true
		}
	}

	if entry.Parsed.MustStandAlone(raw) {
		if q.Empty() {
			a.upstream.Consume(ctx)
			q.push(entry)
		}
		return true
	}

	a.upstream.Consume(ctx)
	q.push(entry)
	return q.Count >= a.limits.OpsLimit
}

func parseEntry(raw []byte) (*oplog.GenericOplog, error) {
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &oplog.GenericOplog{Raw: raw, Parsed: oplog.NewPartialLog(doc)}, nil
}

// validateVersion enforces spec §4.2's "version validation occurs inline on
// every parsed entry" rule — an unsupported version is always fatal,
// matching sync_tail.cpp's OplogVersionMismatch assertion.
func validateVersion(log *oplog.PartialLog) {
	if log.Version != 0 && log.Version != oplog.SupportedVersion {
		LOG.Crashf("assembler: oplog entry carries unsupported version[%v], supported[%v], entry[%v]",
			log.Version, oplog.SupportedVersion, log)
	}
}

func (a *Assembler) isPaused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// Pause/Resume model the rsSyncApplyStop fail-point spec §6 names.
func (a *Assembler) Pause()  { a.mu.Lock(); a.paused = true; a.mu.Unlock() }
func (a *Assembler) Resume() { a.mu.Lock(); a.paused = false; a.mu.Unlock() }

// publish blocks until the single slot is empty, then fills it — mirroring
// "wait until the single-slot rendezvous is empty, then publish the batch
// and notify" (spec §4.2 step 5). The channel send itself is the wait: it
// blocks while slotCh already holds an unconsumed batch.
func (a *Assembler) publish(q *OpQueue) {
	a.slotCh <- q
}

// GetNextBatch is the consumer side: it waits up to maxWait for a non-empty
// slot or a shutdown marker, then atomically moves the slot out, exactly as
// spec §4.2 describes getNextBatch(maxWait).
func (a *Assembler) GetNextBatch(maxWait time.Duration) (*OpQueue, error) {
	select {
	case q := <-a.slotCh:
		return q, nil
	case <-time.After(maxWait):
		return nil, fmt.Errorf("batch: no batch available within %s", maxWait)
	}
}
