package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vinllen/mgo/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestMgoQueryFromTimestamp(t *testing.T) {
	ts := primitive.Timestamp{T: 1653449035, I: 3}

	got := MgoQueryFromTimestamp(ts)

	want := bson.M{"ts": bson.M{"$gt": bson.MongoTimestamp(int64(1653449035)<<32 | 3)}}
	assert.Equal(t, want, got)
}
