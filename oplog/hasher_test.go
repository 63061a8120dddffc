package oplog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestPrimaryKeyHasherSameId(t *testing.T) {
	hasher := &PrimaryKeyHasher{}

	a := &PartialLog{ParsedLog: ParsedLog{Operation: OpInsert, Namespace: "db.c",
		Object: bson.D{{Key: PrimaryKey, Value: "x1"}}}}
	b := &PartialLog{ParsedLog: ParsedLog{Operation: OpDelete, Namespace: "db.c",
		Object: bson.D{{Key: PrimaryKey, Value: "x1"}}}}

	assert.Equal(t, hasher.DistributeOplogByMod(a, 8), hasher.DistributeOplogByMod(b, 8))
}

func TestPrimaryKeyHasherModOne(t *testing.T) {
	hasher := &PrimaryKeyHasher{}
	a := &PartialLog{ParsedLog: ParsedLog{Operation: OpInsert, Namespace: "db.c",
		Object: bson.D{{Key: PrimaryKey, Value: "x1"}}}}
	assert.Equal(t, uint32(0), hasher.DistributeOplogByMod(a, 1))
}

func TestOpTimeOrdering(t *testing.T) {
	earlier := OpTime{Timestamp: primitive.Timestamp{T: 1, I: 0}}
	later := OpTime{Timestamp: primitive.Timestamp{T: 2, I: 0}}

	assert.True(t, earlier.Less(later))
	assert.False(t, later.Less(earlier))
	assert.True(t, earlier.LessOrEqual(earlier))
}
