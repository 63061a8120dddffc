package apply

import (
	"github.com/kavadb/replica/oplog"
	"go.mongodb.org/mongo-driver/bson"
)

// insertGroupMaxCount is the "group size ≤ 64" cap spec §4.7 step 3 names.
const insertGroupMaxCount = 64

// scanInsertGroup finds the longest run starting at i of inserts sharing a
// namespace, not for a capped collection, bounded by maxBytes and
// insertGroupMaxCount — spec §4.7 step 3, grounded on
// src/mongoshake/executor/combiner.go's LogsGroupCombiner.mergeToGroups,
// generalized from "same op+ns" grouping to the spec's byte/count-capped
// insert-only grouping.
func scanInsertGroup(entries []*oplog.GenericOplog, i int, maxBytes int) (end int) {
	first := entries[i].Parsed
	if first.Operation != oplog.OpInsert || first.IsForCappedCollection {
		return i + 1
	}

	ns := first.Namespace
	size := len(entries[i].Raw)
	end = i + 1
	for end < len(entries) && end-i < insertGroupMaxCount {
		next := entries[end].Parsed
		if next.Operation != oplog.OpInsert || next.Namespace != ns || next.IsForCappedCollection {
			break
		}
		nextSize := size + len(entries[end].Raw)
		if nextSize > maxBytes {
			break
		}
		size = nextSize
		end++
	}
	return end
}

// groupDocs pulls the insertable document out of every member of an
// insert-group so the caller can pass them to Writer.InsertMany in one
// call instead of one round trip per document.
func groupDocs(group []*oplog.GenericOplog) []bson.D {
	docs := make([]bson.D, len(group))
	for i, e := range group {
		docs[i] = e.Parsed.Object
	}
	return docs
}
