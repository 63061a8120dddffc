package main

import (
	"context"
	"fmt"
	"time"

	"github.com/kavadb/replica/apply"
	"github.com/kavadb/replica/batch"
	"github.com/kavadb/replica/config"
	"github.com/kavadb/replica/metrics"
	"github.com/kavadb/replica/oplog"
	"github.com/kavadb/replica/partition"
	"github.com/kavadb/replica/progress"
	"github.com/kavadb/replica/queue"
	"github.com/kavadb/replica/storage"
	"github.com/kavadb/replica/toploop"

	nimo "github.com/gugemichael/nimo4go"
	"github.com/vinllen/mgo"
	LOG "github.com/vinllen/log4go"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// startup wires every package named in SPEC_FULL.md §14's module layout
// into one running Top-Level Loop, the way collector.go's own startup
// connects coordinator, tunnel, and HTTP API — generalized to this engine's
// single-source, single-target apply pipeline.
func startup() error {
	syncConn, err := storage.NewConn(config.Options.SyncSourceURL, config.Options.SyncSourceSslRootCaFile)
	if err != nil {
		return fmt.Errorf("connect to sync source: %w", err)
	}
	localConn, err := storage.NewConn(config.Options.LocalStorageURL, config.Options.LocalStorageSslRootCaFile)
	if err != nil {
		return fmt.Errorf("connect to local storage: %w", err)
	}

	mongoStore := storage.NewMongoStorage(localConn, true)
	coord := storage.NewMongoReplCoordinator(syncConn, config.Options.SlaveDelaySecs)
	engine := mongoStore

	ckpt := newCheckpoint()
	if saved, found := ckpt.Get(); found {
		ot := progress.FromCheckpointContext(saved)
		coord.SetMyLastAppliedOpTimeForward(ot)
		LOG.Info("replicad: resuming from checkpoint %v", saved)
	}

	upstream, err := newUpstreamQueue(syncConn, coord.GetMyLastAppliedOpTime())
	if err != nil {
		return fmt.Errorf("build upstream queue: %w", err)
	}

	limits := batch.Limits{
		OpsLimit:             config.Options.ReplBatchLimitOperations,
		ConfiguredBytesLimit: config.Options.ReplBatchLimitBytes,
	}
	assembler := batch.NewAssembler(upstream, coord, mongoStore, limits)

	apply.InsertVectorMaxBytes = config.Options.InsertVectorMaxBytes
	writer := apply.NewMongoWriter(localConn.Client)
	propsCache := partition.NewPropertiesCache(mongoStore)
	partitioner := partition.NewPartitioner(engine, propsCache)
	pool := apply.NewPool(config.Options.ReplWriterThreadCount)
	scheduler := apply.NewScheduler(mongoStore)

	makeWorker := func() *apply.Worker {
		return apply.NewWorker(apply.NewDispatcher(writer, true))
	}
	engineApplier := apply.NewEngine(pool, scheduler, partitioner, mongoStore, engine, coord, makeWorker)

	finalizer := progress.NewFinalizer(coord, mongoStore, engine)
	persistCheckpointLoop(ckpt, coord, time.Duration(config.Options.CheckpointIntervalSecs)*time.Second)

	loop := toploop.New(assembler, engineApplier, coord, mongoStore, finalizer)

	serveStatus()

	LOG.Info("replicad: entering steady-state apply loop")
	return loop.Run(context.Background())
}

// newUpstreamQueue selects and wires the Upstream Queue Adapter variant
// config.Options.UpstreamKind names, optionally wrapped in a disk-spill
// buffer, matching SPEC_FULL.md §11's dependency-to-component table.
func newUpstreamQueue(conn *storage.Conn, resumeFrom oplog.OpTime) (queue.UpstreamQueue, error) {
	var base queue.UpstreamQueue

	switch config.Options.UpstreamKind {
	case "kafka":
		kq, err := queue.NewKafkaQueue(config.Options.KafkaBrokers, config.Options.KafkaTopic, 0, -1)
		if err != nil {
			return nil, err
		}
		base = kq
	case "mgo":
		session, err := mgo.Dial(config.Options.SyncSourceURL)
		if err != nil {
			return nil, fmt.Errorf("dial legacy mgo upstream: %w", err)
		}
		session.SetMode(mgo.Monotonic, true)
		base = queue.NewMgoQueue(session, queue.MgoQueryFromTimestamp(resumeFrom.Timestamp))
	default:
		mq := queue.NewMongoQueue(conn)
		mq.EnsureFetcher(context.Background(), queue.QueryFromTimestamp(resumeFrom.Timestamp))
		base = mq
	}

	if config.Options.DiskSpillEnabled {
		return queue.NewDiskSpillQueue(base, config.Options.Id, config.Options.DiskSpillDataPath,
			config.Options.DiskSpillMaxBytesFile), nil
	}
	return base, nil
}

func newCheckpoint() progress.CheckpointOperation {
	if config.Options.CheckpointStorage == "api" {
		return progress.NewHttpApiCheckpoint(config.Options.CheckpointStorageUrl, config.Options.Id)
	}
	conn, err := storage.NewConn(config.Options.CheckpointStorageUrl, config.Options.CheckpointStorageUrlMongoSslRootCaFile)
	if err != nil {
		LOG.Crashf("replicad: connect to checkpoint storage failed: %v", err)
		return nil
	}
	return progress.NewMongoCheckpoint(conn, config.Options.CheckpointStorageDb,
		config.Options.CheckpointStorageCollection, config.Options.Id)
}

// persistCheckpointLoop periodically snapshots the coordinator's
// last-applied op-time to durable storage, so a restart can resume near
// where this process left off; with no saved checkpoint, startup tails the
// sync source from a zero op-time — nimo.GoRoutineInTimer drives it the way the teacher
// drives its own periodic checkpoint flush in collector/coordinator.
func persistCheckpointLoop(ckpt progress.CheckpointOperation, coord *storage.MongoReplCoordinator, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	nimo.GoRoutineInTimer(interval, func() {
		ot := coord.GetMyLastAppliedOpTime()
		if ot.Timestamp == (primitive.Timestamp{}) {
			return
		}
		if err := ckpt.Insert(progress.ToCheckpointContext(coord.GetMyLastAppliedOpTime())); err != nil {
			LOG.Warn("replicad: checkpoint persist failed: %v", err)
		}
	})
}

// serveStatus registers /apply/status and /apply/conf and starts listening,
// the same nimo.HttpRestProvider shape utils.InitHttpApi registers
// "/conf" against, generalized with a second read-only metrics endpoint.
func serveStatus() {
	if config.Options.SystemProfilePort <= 0 {
		return
	}
	rest := nimo.NewHttpRestProvider(config.Options.SystemProfilePort + 1)
	rest.RegisterAPI("/apply/conf", nimo.HttpGet, func([]byte) interface{} {
		return config.GetSafeOptions()
	})
	rest.RegisterAPI("/apply/status", nimo.HttpGet, func([]byte) interface{} {
		return metrics.TakeSnapshot()
	})
	nimo.GoRoutine(func() {
		if err := rest.Listen(); err != nil {
			LOG.Warn("replicad: status http listen failed: %v", err)
		}
	})
}
