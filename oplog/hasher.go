package oplog

import (
	LOG "github.com/vinllen/log4go"
)

const (
	DefaultHashValue = 0
)

// Hasher assigns an oplog entry to one of N writer slots. Two entries that
// hash to the same value under the same mod are guaranteed to apply in the
// same slot, and therefore in source order relative to each other.
type Hasher interface {
	DistributeOplogByMod(log *PartialLog, mod int) uint32
}

// PrimaryKeyHasher hashes by document _id when available, falling back to
// namespace. partition.Partitioner does not use it: it computes its own
// namespace hash and mixes in Hash of the _id behind its doc-locking /
// capped-collection safety gate.
type PrimaryKeyHasher struct{}

// NamespaceHasher hashes by namespace only, the ordering a collection needs
// when per-document parallelism is unsafe. apply.Scheduler does not use it;
// it splits the oplog write-out by contiguous range.
type NamespaceHasher struct{}

func (*NamespaceHasher) DistributeOplogByMod(log *PartialLog, mod int) uint32 {
	if mod == 1 {
		return 0
	}
	if len(log.Namespace) == 0 {
		return DefaultHashValue
	}
	return stringHashValue(log.Namespace) % uint32(mod)
}

// GetIdOrNSFromOplog returns the value this entry should be hashed on: the
// document _id for CRUD ops, the namespace for commands.
func GetIdOrNSFromOplog(log *PartialLog) interface{} {
	switch log.Operation {
	case OpInsert, OpDelete:
		return GetKey(log.Object, PrimaryKey)
	case OpUpdate:
		if id := GetKey(log.Query, PrimaryKey); id != nil {
			return id
		}
		return GetKey(log.Object, PrimaryKey)
	case OpCommand:
		return log.Namespace
	default:
		LOG.Warn("GetIdOrNSFromOplog: unrecognized operation %s", log.Operation)
		return log.Namespace
	}
}

// stringHashValue is the Java String.hashCode() algorithm: 31*h + c per rune.
func stringHashValue(s string) uint32 {
	var hashValue uint32
	for _, c := range s {
		hashValue = 31*hashValue + uint32(c)
	}
	return hashValue
}

// Hash folds an arbitrary _id value (ObjectID, string, int, ...) into a
// 32-bit hash. Mirrors the teacher's oplog.Hash, generalized from
// bson.ObjectId (mgo) to primitive.ObjectID (mongo-driver).
func Hash(hashObject interface{}) uint32 {
	switch object := hashObject.(type) {
	case interface{ Hex() string }:
		return stringHashValue(object.Hex())
	case string:
		return stringHashValue(object)
	case int:
		return uint32(object)
	case int32:
		return uint32(object)
	case int64:
		return uint32(object)
	case nil:
		LOG.Warn("Hash object is nil, using default value %d", DefaultHashValue)
	default:
		LOG.Warn("Hash object is unknown type[%T] value[%v], using default value %d",
			hashObject, hashObject, DefaultHashValue)
	}
	return DefaultHashValue
}

// DistributeOplogByMod assigns an op to a slot by _id (or namespace for
// commands/noops), so that same-document ops always land together.
func (*PrimaryKeyHasher) DistributeOplogByMod(log *PartialLog, mod int) uint32 {
	if mod == 1 {
		return 0
	}

	var hashObject interface{}
	switch log.Operation {
	case OpInsert, OpDelete, OpUpdate, OpCommand:
		hashObject = GetIdOrNSFromOplog(log)
	case OpNoop:
		return DefaultHashValue
	}

	if hashObject == nil {
		LOG.Warn("PrimaryKeyHasher: could not extract hash object from %v, falling back to namespace", log)
		hashObject = log.Namespace
	}

	return Hash(hashObject) % uint32(mod)
}
