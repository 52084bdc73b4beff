package persist

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/taltech/windowpipe/internal/winkey"
)

// windowRecord is one drained (key, value) pair lifted off a worker's
// ring buffer, still in its wire form.
type windowRecord struct {
	key   []byte
	value []byte
}

// Mirror copies every closed window the orchestrator drains into the
// windows collection, so the query API can serve "latest window" and
// time-ranged lookups without replaying the durable log. It is the
// event-sourced counterpart of a periodic full-state snapshot: since the
// durable windows log is already the source of truth, Mirror only ever
// needs to upsert the one document a drained record names, not recompute
// the world.
type Mirror struct {
	store *Store
	queue chan windowRecord
}

// NewMirror returns a Mirror backed by store, buffering up to queueSize
// undelivered records before Enqueue starts reporting back-pressure.
func NewMirror(store *Store, queueSize int) *Mirror {
	return &Mirror{store: store, queue: make(chan windowRecord, queueSize)}
}

// Enqueue hands one drained (key, value) pair to the mirror for
// upserting. It copies both slices, since the ring buffer may reuse
// their backing storage as soon as the caller returns. Reports false,
// without blocking, if the internal queue is full — callers should log
// and move on rather than stall the drain loop.
func (m *Mirror) Enqueue(key, value []byte) bool {
	rec := windowRecord{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	}
	select {
	case m.queue <- rec:
		return true
	default:
		return false
	}
}

// Run drains the queue and upserts each window document until ctx is
// canceled, then drains whatever remains queued with a bounded shutdown
// timeout before returning.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-m.queue:
			if err := m.upsert(ctx, rec); err != nil {
				log.Printf("persist: mirror upsert error: %v", err)
			}
		case <-ctx.Done():
			m.drainRemaining()
			return ctx.Err()
		}
	}
}

func (m *Mirror) drainRemaining() {
	for {
		select {
		case rec := <-m.queue:
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.upsert(shutdownCtx, rec); err != nil {
				log.Printf("persist: mirror final upsert error: %v", err)
			}
			cancel()
		default:
			return
		}
	}
}

func (m *Mirror) upsert(ctx context.Context, rec windowRecord) error {
	key, err := winkey.Unpack(rec.key)
	if err != nil {
		return fmt.Errorf("persist: unpacking window key: %w", err)
	}

	filter := bson.M{
		"platform":       key.Platform.String(),
		"symbol":         key.Symbol,
		"kind":           key.Kind.String(),
		"window_size_ms": int64(key.WindowSizeMs),
		"window_end_ms":  int64(key.WindowEndMs),
	}
	update := bson.M{"$set": bson.M{
		"platform":       key.Platform.String(),
		"symbol":         key.Symbol,
		"kind":           key.Kind.String(),
		"window_size_ms": int64(key.WindowSizeMs),
		"window_end_ms":  int64(key.WindowEndMs),
		"value":          rec.value,
		"updated_at":     time.Now(),
	}}

	_, err = m.store.db.Collection(windowsCollection).UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("persist: upserting window %s/%s/%s: %w", key.Platform, key.Symbol, key.Kind, err)
	}
	return nil
}
