package partition

import (
	"context"

	"github.com/kavadb/replica/oplog"
	"github.com/kavadb/replica/storage"

	LOG "github.com/vinllen/log4go"
)

// Partitioner assigns each op in a batch to one of N writer slots (spec
// §4.6), grounded directly on sync_tail.cpp's fillWriterVectors: a
// namespace hash, optionally mixed with a document-id hash when it's safe
// to parallelize within a namespace.
type Partitioner struct {
	engine storage.StorageEngine
	props  *PropertiesCache
}

func NewPartitioner(engine storage.StorageEngine, props *PropertiesCache) *Partitioner {
	return &Partitioner{engine: engine, props: props}
}

// Partition splits entries across n writer slots. It never reorders entries
// within a slot — callers rely on that for the stable-sort step in
// apply.Worker (spec §4.7 step 1) to remain meaningful.
func (p *Partitioner) Partition(ctx context.Context, entries []*oplog.GenericOplog, n int) [][]*oplog.GenericOplog {
	slots := make([][]*oplog.GenericOplog, n)

	// collection properties are cached for this batch only
	p.props.mu.Lock()
	p.props.byNS = make(map[string]storage.CollectionProperties)
	p.props.mu.Unlock()

	for _, entry := range entries {
		log := entry.Parsed
		slot := p.slotFor(ctx, log, n)
		slots[slot] = append(slots[slot], entry)
	}

	return slots
}

func (p *Partitioner) slotFor(ctx context.Context, log *oplog.PartialLog, n int) uint32 {
	if n == 1 {
		return 0
	}

	nsHash := hashNamespace(log.Namespace)

	if !log.IsCrudOpType() {
		return nsHash % uint32(n)
	}

	props, err := p.props.Get(ctx, log.Namespace)
	if err != nil {
		LOG.Warn("partitioner: fetching collection properties for ns[%v] failed: %v, falling back to namespace hash",
			log.Namespace, err)
		return nsHash % uint32(n)
	}

	if props.IsCapped && log.Operation == oplog.OpInsert {
		log.IsForCappedCollection = true
	}

	// Safe to mix in the document id only when the engine supports
	// doc-level locking, the collection isn't capped (insertion order must
	// be preserved), and there's no non-simple collation (id equality under
	// a collation isn't the same as byte equality).
	if p.engine.SupportsDocLocking() && !props.IsCapped && !props.HasCollation {
		idHash := oplog.Hash(log.GetIdElement())
		return mix32(nsHash, idHash) % uint32(n)
	}

	return nsHash % uint32(n)
}

func hashNamespace(ns string) uint32 {
	var h uint32
	for _, c := range ns {
		h = 31*h + uint32(c)
	}
	return h
}

// mix32 folds a second hash into a first one with a MurmurHash3-style
// avalanche finalizer, giving the combined (ns, id) hash the same spread
// properties stringHashValue alone wouldn't: two ops differing only in id
// must land in different slots about as often as they land in the same one.
func mix32(a, b uint32) uint32 {
	h := a ^ b
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}
