package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/taltech/windowpipe/internal/orderwindow"
	"github.com/taltech/windowpipe/internal/tradewindow"
	"github.com/taltech/windowpipe/internal/winenc"
)

// ErrNoWindow is returned by LatestWindow when no window document matches
// the requested tuple.
var ErrNoWindow = errors.New("persist: no window found")

// WindowDoc is one persisted window document: the same (platform, symbol,
// kind, window size, window end) identity as the durable windows log,
// plus its winenc-encoded aggregate. The aggregate stays encoded rather
// than flattened into bson fields, since a trade window and an
// order-book window carry entirely different shapes — callers decode
// with TradeAggregate or OrderAccumulator once they know Kind.
type WindowDoc struct {
	Platform     string    `json:"platform"     bson:"platform"`
	Symbol       string    `json:"symbol"       bson:"symbol"`
	Kind         string    `json:"kind"         bson:"kind"`
	WindowSizeMs int64     `json:"windowSizeMs" bson:"window_size_ms"`
	WindowEndMs  int64     `json:"windowEndMs"  bson:"window_end_ms"`
	Value        []byte    `json:"-"            bson:"value"`
	UpdatedAt    time.Time `json:"updatedAt"    bson:"updated_at"`
}

// TradeAggregate decodes Value as a trade window aggregate. Callers must
// only call this when Kind == "trade".
func (d WindowDoc) TradeAggregate() (tradewindow.Aggregate, error) {
	return winenc.DecodeTrade(d.Value)
}

// OrderAccumulator decodes Value as an order-book window accumulator.
// Callers must only call this when Kind == "order".
func (d WindowDoc) OrderAccumulator() (orderwindow.Accumulator, error) {
	return winenc.DecodeOrder(d.Value)
}

// WindowFilter controls which window documents to return. WindowSizeMs
// of zero matches every window size.
type WindowFilter struct {
	Platform     string
	Symbol       string
	Kind         string
	WindowSizeMs int64
	Limit        int
	From         *int64
	To           *int64
}

// WindowReader abstracts read-only access to persisted windows.
type WindowReader interface {
	QueryWindows(ctx context.Context, f WindowFilter) ([]WindowDoc, error)
	LatestWindow(ctx context.Context, platform, symbol, kind string, windowSizeMs int64) (WindowDoc, error)
}

// MongoWindowReader implements WindowReader using a mongo.Database.
type MongoWindowReader struct {
	db *mongo.Database
}

// NewMongoWindowReader creates a new MongoWindowReader.
func NewMongoWindowReader(db *mongo.Database) *MongoWindowReader {
	return &MongoWindowReader{db: db}
}

// QueryWindows returns windows for a (platform, symbol, kind) tuple,
// newest first, with optional window size and window_end_ms range
// filters.
func (r *MongoWindowReader) QueryWindows(ctx context.Context, f WindowFilter) ([]WindowDoc, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}

	filter := bson.M{
		"platform": f.Platform,
		"symbol":   f.Symbol,
		"kind":     f.Kind,
	}
	if f.WindowSizeMs > 0 {
		filter["window_size_ms"] = f.WindowSizeMs
	}
	if f.From != nil || f.To != nil {
		rng := bson.M{}
		if f.From != nil {
			rng["$gte"] = *f.From
		}
		if f.To != nil {
			rng["$lte"] = *f.To
		}
		filter["window_end_ms"] = rng
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "window_end_ms", Value: -1}}).
		SetLimit(int64(f.Limit))

	cursor, err := r.db.Collection(windowsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query windows: %w", err)
	}
	defer cursor.Close(ctx)

	docs := []WindowDoc{}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode windows: %w", err)
	}
	return docs, nil
}

// LatestWindow returns the most recently closed window for one exact
// (platform, symbol, kind, window size) tuple.
func (r *MongoWindowReader) LatestWindow(ctx context.Context, platform, symbol, kind string, windowSizeMs int64) (WindowDoc, error) {
	filter := bson.M{
		"platform":       platform,
		"symbol":         symbol,
		"kind":           kind,
		"window_size_ms": windowSizeMs,
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "window_end_ms", Value: -1}})

	var doc WindowDoc
	err := r.db.Collection(windowsCollection).FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return WindowDoc{}, ErrNoWindow
	}
	if err != nil {
		return WindowDoc{}, fmt.Errorf("query latest window: %w", err)
	}
	return doc, nil
}
