package persist

import (
	"context"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// RunRetention periodically deletes window documents older than the
// retention period. Blocks until ctx is cancelled. Pass retentionDays <=
// 0 to disable.
func RunRetention(ctx context.Context, store *Store, retentionDays int) {
	if retentionDays <= 0 {
		log.Println("window retention disabled (keep forever)")
		return
	}

	interval := 1 * time.Hour
	log.Printf("window retention: pruning windows older than %d days every %v", retentionDays, interval)

	// Run once immediately on startup, then on the ticker.
	prune(ctx, store, retentionDays)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune(ctx, store, retentionDays)
		}
	}
}

func prune(ctx context.Context, store *Store, retentionDays int) {
	cutoffMs := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()

	result, err := store.db.Collection(windowsCollection).DeleteMany(ctx, bson.M{
		"window_end_ms": bson.M{"$lt": cutoffMs},
	})
	if err != nil {
		log.Printf("window retention prune error: %v", err)
		return
	}

	if result.DeletedCount > 0 {
		log.Printf("window retention: pruned %d windows older than %d days", result.DeletedCount, retentionDays)
	}
}
