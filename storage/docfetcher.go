package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDocFetcher implements DocFetcher with a plain mongo.Client connection
// — deliberately not the tailing UpstreamQueue reader. sync_tail.cpp's own
// comment flags reusing the oplog-reader type for a non-oplog point query as
// a design smell (SPEC_FULL.md §13.1); this resolves it by using the most
// ordinary read connection available instead.
type MongoDocFetcher struct {
	client *mongo.Client
}

func (f *MongoDocFetcher) Connect(ctx context.Context, hostname string) error {
	opts := options.Client().ApplyURI(fmt.Sprintf("mongodb://%s", hostname)).SetConnectTimeout(10 * time.Second)
	client, err := mongo.NewClient(opts)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	f.client = client
	return nil
}

func (f *MongoDocFetcher) FindOne(ctx context.Context, ns string, query bson.M) (bson.M, error) {
	db, coll := splitNS(ns)
	var out bson.M
	err := f.client.Database(db).Collection(coll).FindOne(ctx, query).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	return out, err
}

func (f *MongoDocFetcher) Close() {
	if f.client != nil {
		f.client.Disconnect(context.Background())
		f.client = nil
	}
}
