package persist

import (
	"context"
	"fmt"
	"log"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// windowsCollection holds one document per closed window, keyed by the
// same (platform, symbol, kind, window_size_ms, window_end_ms) tuple as
// the durable windows log. simStateCollection holds small singleton
// documents keyed by "key" — the archiver's cursor, for now.
const (
	windowsCollection  = "windows"
	simStateCollection = "sim_state"
)

// EnsureIndexes creates idempotent indexes on all collections.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	type idx struct {
		collection string
		model      mongo.IndexModel
	}

	indexes := []idx{
		{
			collection: windowsCollection,
			model: mongo.IndexModel{
				Keys: bson.D{
					{Key: "platform", Value: 1},
					{Key: "symbol", Value: 1},
					{Key: "kind", Value: 1},
					{Key: "window_size_ms", Value: 1},
					{Key: "window_end_ms", Value: 1},
				},
				Options: options.Index().SetUnique(true),
			},
		},
		{
			// Serves both "latest window" lookups and time-ranged scans
			// for a fixed (platform, symbol, kind, window size), newest
			// first.
			collection: windowsCollection,
			model: mongo.IndexModel{
				Keys: bson.D{
					{Key: "platform", Value: 1},
					{Key: "symbol", Value: 1},
					{Key: "kind", Value: 1},
					{Key: "window_size_ms", Value: 1},
					{Key: "window_end_ms", Value: -1},
				},
			},
		},
		{
			collection: simStateCollection,
			model: mongo.IndexModel{
				Keys:    bson.D{{Key: "key", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}

	for _, i := range indexes {
		_, err := db.Collection(i.collection).Indexes().CreateOne(ctx, i.model)
		if err != nil {
			return fmt.Errorf("create index on %s: %w", i.collection, err)
		}
	}

	log.Println("MongoDB indexes ensured")
	return nil
}
