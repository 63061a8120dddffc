// Package storage defines the narrow external-collaborator interfaces this
// engine consumes (spec §6) and one concrete mongo-driver-backed
// implementation of them. Nothing in batch/, partition/, or toploop/ talks
// to a database directly; they talk to these interfaces. apply/ uses them
// too, and also writes through its own mongo-driver-backed apply.MongoWriter.
package storage

import (
	"context"

	"github.com/kavadb/replica/oplog"
	"go.mongodb.org/mongo-driver/bson"
)

// StorageInterface is the per-node storage-engine-facing surface the apply
// engine drives: writing the oplog, bumping crash-recovery markers, and
// reporting the oplog's configured size.
type StorageInterface interface {
	InsertDocuments(ctx context.Context, ns string, docs []bson.Raw) error
	SetOplogDeleteFromPoint(ctx context.Context, ts oplog.OpTime)
	SetMinValidToAtLeast(ctx context.Context, ot oplog.OpTime)
	GetMinValid(ctx context.Context) oplog.OpTime
	SetAppliedThrough(ctx context.Context, ot oplog.OpTime) error
	GetOplogMaxSizeBytes(ctx context.Context, ns string) (int64, error)
	WaitUntilDurable(ctx context.Context) error
}

// StorageEngine reports capabilities that gate parallelism decisions: the
// Partitioner's id-hash mixing gate and the Oplog Writer Scheduler's
// range-split gate both read these.
type StorageEngine interface {
	SupportsDocLocking() bool
	IsDurable() bool
	IsLegacyNonDocLocking() bool
}

// CollectionProperties is the cached shape the Partitioner reads per
// namespace: whether inserts into it must stay ordered, and whether its
// default collation makes id-hashing unsafe. Grounded verbatim on
// sync_tail.cpp's CachedCollectionProperties::CollectionProperties.
type CollectionProperties struct {
	IsCapped      bool
	HasCollation  bool // non-simple (non-nil) default collation
}

// CollectionPropertiesFetcher fetches CollectionProperties for a namespace,
// used by partition.Partitioner under its per-batch cache.
type CollectionPropertiesFetcher interface {
	GetCollectionProperties(ctx context.Context, ns string) (CollectionProperties, error)
}

// ReplicationCoordinator is the replication state machine this engine
// defers to for role transitions and drain signaling. Entirely external:
// the apply engine only calls these methods, never decides sync source or
// promotes/demotes itself (spec §1 Non-goals).
type ReplicationCoordinator interface {
	IsInPrimaryOrSecondaryState() bool
	GetMaintenanceMode() bool
	IsRecovering() bool
	GetMyLastAppliedOpTime() oplog.OpTime
	SetFollowerModeSecondary() bool
	GetMemberStatePrimary() bool
	IsWaitingForApplierToDrain() bool
	SignalDrainComplete(ctx context.Context)
	IsCatchingUp() bool
	GetSlaveDelaySecs() int64
	SetMyLastAppliedOpTimeForward(ot oplog.OpTime)
	SetMyLastDurableOpTimeForward(ot oplog.OpTime)
}

// DocFetcher opens a point-query connection to the sync source to recover a
// document missed during initial sync (spec §4.9.1). Deliberately not the
// same type as the tailing UpstreamQueue reader — see SPEC_FULL.md §13.1.
type DocFetcher interface {
	Connect(ctx context.Context, hostname string) error
	FindOne(ctx context.Context, ns string, query bson.M) (bson.M, error)
	Close()
}
