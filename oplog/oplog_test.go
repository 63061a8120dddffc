package oplog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestOpTimeLess(t *testing.T) {
	early := OpTime{Timestamp: primitive.Timestamp{T: 1, I: 0}}
	late := OpTime{Timestamp: primitive.Timestamp{T: 1, I: 1}}
	assert.True(t, early.Less(late))
	assert.False(t, late.Less(early))
	assert.True(t, early.LessOrEqual(early))

	sameTimeHigherTerm := OpTime{Timestamp: early.Timestamp, Term: 1}
	assert.True(t, early.Less(sameTimeHigherTerm))
}

func TestOpTimeIsZero(t *testing.T) {
	assert.True(t, OpTime{}.IsZero())
	assert.False(t, OpTime{Timestamp: primitive.Timestamp{T: 1}}.IsZero())
}

func TestNewPartialLog(t *testing.T) {
	input := bson.M{
		"ts": primitive.Timestamp{T: 1},
		"v":  int32(2),
		"ns": "a.b",
		"op": "i",
		"o": bson.D{
			{Key: "key1", Value: "value1"},
		},
		"o2": bson.D{
			{Key: "_id", Value: "123"},
		},
		"useless": "can't see me",
	}

	output := NewPartialLog(input)
	assert.Equal(t, 2, output.Version)
	assert.Equal(t, "i", output.Operation)
	assert.Equal(t, "a.b", output.Namespace)
	assert.Equal(t, primitive.Timestamp{T: 1}, output.Timestamp)
	assert.Equal(t, bson.D{{Key: "key1", Value: "value1"}}, output.Object)
}

func TestGetIdElement(t *testing.T) {
	insert := &PartialLog{ParsedLog: ParsedLog{
		Operation: OpInsert,
		Object:    bson.D{{Key: "_id", Value: "doc1"}, {Key: "x", Value: 1}},
	}}
	assert.Equal(t, "doc1", insert.GetIdElement())

	update := &PartialLog{ParsedLog: ParsedLog{
		Operation: OpUpdate,
		Query:     bson.D{{Key: "_id", Value: "doc2"}},
		Object:    bson.D{{Key: "$set", Value: bson.D{{Key: "x", Value: 1}}}},
	}}
	assert.Equal(t, "doc2", update.GetIdElement())

	command := &PartialLog{ParsedLog: ParsedLog{Operation: OpCommand}}
	assert.Nil(t, command.GetIdElement())
}

func TestIsCrudOpType(t *testing.T) {
	assert.True(t, (&PartialLog{ParsedLog: ParsedLog{Operation: OpInsert}}).IsCrudOpType())
	assert.True(t, (&PartialLog{ParsedLog: ParsedLog{Operation: OpUpdate}}).IsCrudOpType())
	assert.True(t, (&PartialLog{ParsedLog: ParsedLog{Operation: OpDelete}}).IsCrudOpType())
	assert.False(t, (&PartialLog{ParsedLog: ParsedLog{Operation: OpCommand}}).IsCrudOpType())
	assert.False(t, (&PartialLog{ParsedLog: ParsedLog{Operation: OpNoop}}).IsCrudOpType())
}

func TestMustStandAlone(t *testing.T) {
	raw := []byte("x")

	assert.True(t, (&PartialLog{}).MustStandAlone(nil), "empty raw is the drained sentinel")
	assert.True(t, (&PartialLog{ParsedLog: ParsedLog{Operation: OpCommand}}).MustStandAlone(raw))
	assert.True(t, (&PartialLog{ParsedLog: ParsedLog{
		Operation: OpInsert,
		Namespace: "test.system.indexes",
	}}).MustStandAlone(raw))
	assert.False(t, (&PartialLog{ParsedLog: ParsedLog{
		Operation: OpInsert,
		Namespace: "test.coll",
	}}).MustStandAlone(raw))
}

func TestGetKey(t *testing.T) {
	input := bson.D{
		{Key: "_id", Value: "value1"},
		{Key: "key2", Value: "value2"},
	}
	assert.Equal(t, "value1", GetKey(input, ""))
	assert.Equal(t, "value2", GetKey(input, "key2"))
	assert.Equal(t, nil, GetKey(input, "unknown"))
}

func TestConvertBsonM2D(t *testing.T) {
	input := bson.M{"k1": "b", "k2": 12}
	d := ConvertBsonM2D(input)
	assert.Len(t, d, 2)

	back := bson.M{}
	for _, ele := range d {
		back[ele.Key] = ele.Value
	}
	assert.Equal(t, input, back)
}

func TestDiffUpdateOplogToNormalHandlesDiffFormat(t *testing.T) {
	diff := bson.D{
		{Key: "$v", Value: 2},
		{Key: "diff", Value: bson.D{
			{Key: "d", Value: bson.D{{Key: "removed", Value: false}}},
			{Key: "u", Value: bson.D{{Key: "updated", Value: 1}}},
		}},
	}

	normal, err := DiffUpdateOplogToNormal(diff)
	assert.NoError(t, err)
	assert.Equal(t, bson.D{
		{Key: "$unset", Value: bson.D{{Key: "removed", Value: false}}},
		{Key: "$set", Value: bson.D{{Key: "updated", Value: 1}}},
	}, normal)
}

func TestDiffUpdateOplogToNormalPassesThroughClassicFormat(t *testing.T) {
	classic := bson.D{
		{Key: "$set", Value: bson.D{{Key: "x", Value: 1}}},
	}

	normal, err := DiffUpdateOplogToNormal(classic)
	assert.NoError(t, err)
	assert.Equal(t, classic, normal)
}

func TestDiffUpdateOplogToNormalRejectsUnknownDiffKey(t *testing.T) {
	diff := bson.D{
		{Key: "diff", Value: bson.D{{Key: "s", Value: bson.D{}}}},
	}

	_, err := DiffUpdateOplogToNormal(diff)
	assert.Error(t, err)
}
