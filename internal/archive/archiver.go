// Package archive moves closed windows out of the hot windows collection
// once they age past a configurable cutoff: first to local gzipped NDJSON,
// then — when an S3 bucket is configured — on to cold object storage.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Archiver periodically moves aged windows from MongoDB to local gzipped
// NDJSON files, optionally mirroring each archive file to S3, and deletes
// the oldest local archives once total size exceeds maxBytes.
type Archiver struct {
	db       *mongo.Database
	dir      string
	maxBytes int64
	interval time.Duration
	maxAge   time.Duration

	s3     *s3.Client
	bucket string
	prefix string
}

// New creates a new Archiver. s3Client may be nil, in which case the S3
// upload tier is disabled and only the local gzip tier runs.
func New(db *mongo.Database, dir string, maxGB, intervalHours, afterHours int, s3Client *s3.Client, bucket, prefix string) *Archiver {
	return &Archiver{
		db:       db,
		dir:      dir,
		maxBytes: int64(maxGB) * 1 << 30,
		interval: time.Duration(intervalHours) * time.Hour,
		maxAge:   time.Duration(afterHours) * time.Hour,
		s3:       s3Client,
		bucket:   bucket,
		prefix:   prefix,
	}
}

// Run starts the periodic archive loop. Blocks until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	log.Printf("window archiver: dir=%s max=%dGB interval=%v age=%v s3=%v",
		a.dir, a.maxBytes>>30, a.interval, a.maxAge, a.s3 != nil)

	a.cycle(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cycle(ctx)
		}
	}
}

func (a *Archiver) cycle(ctx context.Context) {
	cursorMs, err := a.loadCursor(ctx)
	if err != nil {
		log.Printf("window archiver: load cursor: %v", err)
		return
	}

	cutoffMs := time.Now().Add(-a.maxAge).UnixMilli()
	if cursorMs >= cutoffMs {
		return
	}

	windows, err := a.queryWindows(ctx, cursorMs, cutoffMs)
	if err != nil {
		log.Printf("window archiver: query: %v", err)
		return
	}
	if len(windows) == 0 {
		a.saveCursor(ctx, cutoffMs)
		return
	}

	batches := groupByDay(windows)
	days := make([]string, 0, len(batches))
	for day := range batches {
		days = append(days, day)
	}
	sort.Strings(days)

	for _, day := range days {
		batch := batches[day]

		path, err := a.writeBatch(day, batch)
		if err != nil {
			log.Printf("window archiver: write %s: %v", day, err)
			return
		}

		if a.s3 != nil {
			if err := a.uploadBatch(ctx, path, day); err != nil {
				log.Printf("window archiver: s3 upload %s: %v", day, err)
				return
			}
		}

		if err := a.deleteBatch(ctx, batch); err != nil {
			log.Printf("window archiver: delete %s: %v", day, err)
			return
		}

		log.Printf("window archiver: archived %d windows for %s", len(batch), day)
	}

	a.saveCursor(ctx, cutoffMs)
	a.rotate()
}

// archivedWindow mirrors the windows collection document, plus the
// Mongo-assigned object id the archiver needs to delete the row once
// it's been safely written out.
type archivedWindow struct {
	ID           bson.ObjectID `bson:"_id"            json:"-"`
	Platform     string        `bson:"platform"       json:"platform"`
	Symbol       string        `bson:"symbol"         json:"symbol"`
	Kind         string        `bson:"kind"           json:"kind"`
	WindowSizeMs int64         `bson:"window_size_ms" json:"window_size_ms"`
	WindowEndMs  int64         `bson:"window_end_ms"  json:"window_end_ms"`
	Value        []byte        `bson:"value"          json:"value"`
}

func (a *Archiver) loadCursor(ctx context.Context) (int64, error) {
	var doc struct {
		ValueInt int64 `bson:"value_int"`
	}
	err := a.db.Collection("sim_state").FindOne(ctx, bson.M{"key": "archive_cursor"}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return 0, nil
		}
		return 0, err
	}
	return doc.ValueInt, nil
}

func (a *Archiver) saveCursor(ctx context.Context, ms int64) {
	_, err := a.db.Collection("sim_state").UpdateOne(ctx,
		bson.M{"key": "archive_cursor"},
		bson.M{"$set": bson.M{
			"key":        "archive_cursor",
			"value_int":  ms,
			"updated_at": time.Now(),
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		log.Printf("window archiver: save cursor: %v", err)
	}
}

func (a *Archiver) queryWindows(ctx context.Context, fromMs, toMs int64) ([]archivedWindow, error) {
	filter := bson.M{
		"window_end_ms": bson.M{"$gte": fromMs, "$lt": toMs},
	}
	opts := options.Find().SetSort(bson.D{{Key: "window_end_ms", Value: 1}})

	cur, err := a.db.Collection("windows").Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find windows: %w", err)
	}
	defer cur.Close(ctx)

	var windows []archivedWindow
	if err := cur.All(ctx, &windows); err != nil {
		return nil, fmt.Errorf("decode windows: %w", err)
	}
	return windows, nil
}

func groupByDay(windows []archivedWindow) map[string][]archivedWindow {
	batches := make(map[string][]archivedWindow)
	for _, w := range windows {
		day := time.UnixMilli(w.WindowEndMs).UTC().Format("2006/01/02")
		batches[day] = append(batches[day], w)
	}
	return batches
}

// writeBatch writes windows as gzipped NDJSON to dir/windows/YYYY/MM/DD.jsonl.gz
// and returns the path written.
func (a *Archiver) writeBatch(day string, windows []archivedWindow) (string, error) {
	path := filepath.Join(a.dir, "windows", day+".jsonl.gz")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}

	buf, err := gzipNDJSON(windows)
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	return path, nil
}

func gzipNDJSON(windows []archivedWindow) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, w := range windows {
		if err := enc.Encode(w); err != nil {
			gz.Close()
			return nil, fmt.Errorf("encode: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// uploadBatch mirrors the already-written local archive file to
// s3://bucket/prefix/windows/YYYY/MM/DD.jsonl.gz.
func (a *Archiver) uploadBatch(ctx context.Context, localPath, day string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read local archive: %w", err)
	}

	key := filepath.ToSlash(filepath.Join(a.prefix, "windows", day+".jsonl.gz"))
	_, err = a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &a.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (a *Archiver) deleteBatch(ctx context.Context, windows []archivedWindow) error {
	ids := make([]bson.ObjectID, len(windows))
	for i, w := range windows {
		ids[i] = w.ID
	}

	_, err := a.db.Collection("windows").DeleteMany(ctx, bson.M{
		"_id": bson.M{"$in": ids},
	})
	if err != nil {
		return fmt.Errorf("delete archived windows: %w", err)
	}
	return nil
}

// rotate deletes the oldest local archive files until total size is under maxBytes.
func (a *Archiver) rotate() {
	root := filepath.Join(a.dir, "windows")

	type entry struct {
		path string
		size int64
	}

	var files []entry
	var total int64

	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		files = append(files, entry{path: path, size: info.Size()})
		total += info.Size()
		return nil
	})

	if total <= a.maxBytes {
		return
	}

	// Sort oldest first (path is YYYY/MM/DD so lexicographic = chronological).
	sort.Slice(files, func(i, j int) bool {
		return files[i].path < files[j].path
	})

	for _, f := range files {
		if total <= a.maxBytes {
			break
		}
		if err := os.Remove(f.path); err != nil {
			log.Printf("window archiver: remove %s: %v", f.path, err)
			continue
		}
		total -= f.size
		log.Printf("window archiver: rotated out %s (%d bytes)", f.path, f.size)
	}
}
