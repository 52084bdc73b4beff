// Package worker drives one OS process's share of the pipeline: for every
// symbol it owns, it replays a symbol's durable event log from a
// checkpoint (backfill), flushes whatever window was left open by that
// replay, and only then switches the symbol to live events. Every closed
// window is written onto a shared-memory ring buffer the orchestrator
// drains.
//
// Trade and order-book events need different decoders, different window
// handlers and different wire encoders, so — mirroring how the pipeline
// this was ported from keeps trade and order workers as two separate
// modules rather than one generic one — this package exposes a
// TradeWorker and an OrderWorker side by side instead of a single
// type-parameterized worker.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taltech/windowpipe/internal/eventlog"
	"github.com/taltech/windowpipe/internal/gapfill"
	"github.com/taltech/windowpipe/internal/platform"
	"github.com/taltech/windowpipe/internal/rawevent"
	"github.com/taltech/windowpipe/internal/ringbuf"
	"github.com/taltech/windowpipe/internal/winenc"
	"github.com/taltech/windowpipe/internal/winkey"
	"github.com/taltech/windowpipe/internal/windowhandler"
)

// backfillBatchSize is how many raw records one IterateFrom call reads
// from the durable log per page while backfilling.
const backfillBatchSize = 1000

// emitRetryDelay is how long Emit waits before retrying a full ring
// buffer.
const emitRetryDelay = 10 * time.Millisecond

// Config describes one OS worker process's share of the pipeline: a
// single platform, a single event kind, the symbols it owns, and the
// window sizes it maintains for each of them.
type Config struct {
	Platform      platform.Platform
	Kind          winkey.Kind
	Symbols       []string
	WindowSizesMs []int64
	// CheckpointMs is the last persisted window_end_ms per symbol, from
	// the orchestrator's checkpoint scan. Zero means "no checkpoint yet".
	CheckpointMs map[string]int64
}

// ID returns a stable, human-readable identifier for cfg, used for
// logging and shared-memory segment naming. Matches
// "<platform>-<kind>-<symbols>-<window sizes>".
func ID(cfg Config) string {
	symbols := append([]string(nil), cfg.Symbols...)
	sort.Strings(symbols)

	sizes := append([]int64(nil), cfg.WindowSizesMs...)
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	sizeStrs := make([]string, len(sizes))
	for i, s := range sizes {
		sizeStrs[i] = strconv.FormatInt(s, 10)
	}

	return fmt.Sprintf("%s-%s-%s-%s", cfg.Platform, cfg.Kind, strings.Join(symbols, "_"), strings.Join(sizeStrs, "_"))
}

// Emitter writes closed windows to the shared ring buffer the
// orchestrator reads, retrying a full buffer rather than dropping a
// window.
type Emitter struct {
	buf       *ringbuf.Buffer
	platform  platform.Platform
	kind      winkey.Kind
	isStopped func() bool
	written   int
}

// NewEmitter returns an Emitter bound to buf for the given platform and
// kind. isStopped is polled between retries so a worker told to shut
// down doesn't spin forever against a full buffer.
func NewEmitter(buf *ringbuf.Buffer, p platform.Platform, kind winkey.Kind, isStopped func() bool) *Emitter {
	return &Emitter{buf: buf, platform: p, kind: kind, isStopped: isStopped}
}

// Written returns how many windows have been successfully emitted.
func (e *Emitter) Written() int { return e.written }

// Emit encodes (symbol, windowSizeMs, windowEndMs) into a winkey.Key and
// writes the key/value pair to the ring buffer, blocking with a fixed
// retry delay until it is accepted or the worker is stopped.
func (e *Emitter) Emit(symbol string, windowSizeMs, windowEndMs int64, value []byte) error {
	key, err := winkey.Pack(winkey.Key{
		WindowEndMs:  uint64(windowEndMs),
		Symbol:       symbol,
		Kind:         e.kind,
		WindowSizeMs: uint32(windowSizeMs),
		Platform:     e.platform,
	})
	if err != nil {
		return fmt.Errorf("worker: packing window key for %s: %w", symbol, err)
	}

	for {
		if e.buf.Write(key, value) {
			e.written++
			return nil
		}
		if e.isStopped() {
			return nil
		}
		time.Sleep(emitRetryDelay)
	}
}

// drainLog pages through log starting at start (nil means the
// beginning), calling handle on every record's raw value, until the log
// is exhausted or isStopped reports true.
func drainLog(log eventlog.Log, start []byte, isStopped func() bool, handle func(raw []byte) error) error {
	if start == nil {
		start = gapfill.SerializeID(0)
	}
	for {
		if isStopped() {
			return nil
		}
		recs, err := log.IterateFrom(start, backfillBatchSize)
		if err != nil {
			return fmt.Errorf("worker: iterating log: %w", err)
		}
		if len(recs) == 0 {
			return nil
		}
		for _, rec := range recs {
			if isStopped() {
				return nil
			}
			if err := handle(rec.Value); err != nil {
				return err
			}
		}
		last := gapfill.ParseID(recs[len(recs)-1].ID)
		start = gapfill.SerializeID(last + 1)
	}
}

// backfillStartKey resolves the log key to resume backfill from.
// checkpointMs <= 0 means there is no checkpoint, so backfill starts at
// the beginning of the log.
func backfillStartKey(log eventlog.Log, checkpointMs int64, timeOf func([]byte) int64) ([]byte, error) {
	if checkpointMs <= 0 {
		return nil, nil
	}
	key, err := eventlog.FindFirstKeyAfterCheckpoint(log, checkpointMs, timeOf)
	if err != nil {
		return nil, fmt.Errorf("worker: checkpoint search: %w", err)
	}
	return key, nil
}

func tradeTimeOf(raw []byte) int64 {
	var tr rawevent.Trade
	if err := json.Unmarshal(raw, &tr); err != nil {
		return 0
	}
	return tr.TimeMs
}

func orderTimeOf(raw []byte) int64 {
	var ob rawevent.OrderBook
	if err := json.Unmarshal(raw, &ob); err != nil {
		return 0
	}
	return ob.TimeMs
}

// TradeWorker drives backfill and live replay for every trade window
// size configured on a single symbol.
type TradeWorker struct {
	Symbol        string
	WindowSizesMs []int64
	Handlers      []*windowhandler.TradeHandler
}

// NewTradeWorker returns a TradeWorker with one fresh TradeHandler per
// window size.
func NewTradeWorker(symbol string, windowSizesMs []int64) *TradeWorker {
	handlers := make([]*windowhandler.TradeHandler, len(windowSizesMs))
	for i, ws := range windowSizesMs {
		handlers[i] = windowhandler.NewTradeHandler(ws)
	}
	return &TradeWorker{Symbol: symbol, WindowSizesMs: windowSizesMs, Handlers: handlers}
}

func (w *TradeWorker) handle(ev windowhandler.TradeEvent, emit *Emitter) error {
	ev.Symbol = w.Symbol
	for i, h := range w.Handlers {
		if closed := h.Handle(ev); closed != nil {
			windowSizeMs := w.WindowSizesMs[i]
			if err := emit.Emit(w.Symbol, windowSizeMs, closed.WindowStartMs+windowSizeMs, winenc.EncodeTrade(closed.Aggregate)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *TradeWorker) handleRaw(raw []byte, emit *Emitter) error {
	var tr rawevent.Trade
	if err := json.Unmarshal(raw, &tr); err != nil {
		return fmt.Errorf("worker: decoding trade record: %w", err)
	}
	ev, err := tr.ToEvent()
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	return w.handle(ev, emit)
}

// Flush closes whatever window is open on every handler and emits it.
func (w *TradeWorker) Flush(emit *Emitter) error {
	for i, h := range w.Handlers {
		if closed := h.Flush(); closed != nil {
			windowSizeMs := w.WindowSizesMs[i]
			if err := emit.Emit(w.Symbol, windowSizeMs, closed.WindowStartMs+windowSizeMs, winenc.EncodeTrade(closed.Aggregate)); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunBackfill replays log from checkpointMs (or from the beginning, if
// there is none) through every window size's handler.
func (w *TradeWorker) RunBackfill(log eventlog.Log, checkpointMs int64, emit *Emitter, isStopped func() bool) error {
	start, err := backfillStartKey(log, checkpointMs, tradeTimeOf)
	if err != nil {
		return err
	}
	return drainLog(log, start, isStopped, func(raw []byte) error { return w.handleRaw(raw, emit) })
}

// RunLive gap-fills and consumes the live trade feed until ctx is
// canceled or live is closed.
func (w *TradeWorker) RunLive(ctx context.Context, sub *gapfill.Subscriber[rawevent.TradeWithID], live <-chan gapfill.Envelope[rawevent.TradeWithID], emit *Emitter) error {
	out := make(chan gapfill.Envelope[rawevent.TradeWithID])
	done := make(chan error, 1)
	go func() { done <- sub.Consume(ctx, live, out) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			return err
		case env := <-out:
			ev, err := env.Event.Trade.ToEvent()
			if err != nil {
				return fmt.Errorf("worker: decoding live trade %d: %w", env.ID, err)
			}
			if err := w.handle(ev, emit); err != nil {
				return err
			}
		}
	}
}

// OrderWorker drives backfill and live replay for every order-book
// window size configured on a single symbol.
type OrderWorker struct {
	Symbol        string
	WindowSizesMs []int64
	Handlers      []*windowhandler.OrderHandler
}

// NewOrderWorker returns an OrderWorker with one fresh OrderHandler per
// window size.
func NewOrderWorker(symbol string, windowSizesMs []int64) *OrderWorker {
	handlers := make([]*windowhandler.OrderHandler, len(windowSizesMs))
	for i, ws := range windowSizesMs {
		handlers[i] = windowhandler.NewOrderHandler(ws)
	}
	return &OrderWorker{Symbol: symbol, WindowSizesMs: windowSizesMs, Handlers: handlers}
}

func (w *OrderWorker) handle(ev windowhandler.OrderEvent, emit *Emitter) error {
	ev.Symbol = w.Symbol
	for i, h := range w.Handlers {
		if closed := h.Handle(ev); closed != nil {
			windowSizeMs := w.WindowSizesMs[i]
			if err := emit.Emit(w.Symbol, windowSizeMs, closed.WindowStartMs+windowSizeMs, winenc.EncodeOrder(closed.Accumulator)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *OrderWorker) handleRaw(raw []byte, emit *Emitter) error {
	var ob rawevent.OrderBook
	if err := json.Unmarshal(raw, &ob); err != nil {
		return fmt.Errorf("worker: decoding order book record: %w", err)
	}
	ev, err := ob.ToEvent()
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	return w.handle(ev, emit)
}

// Flush closes whatever window is open on every handler and emits it.
func (w *OrderWorker) Flush(emit *Emitter) error {
	for i, h := range w.Handlers {
		if closed := h.Flush(); closed != nil {
			windowSizeMs := w.WindowSizesMs[i]
			if err := emit.Emit(w.Symbol, windowSizeMs, closed.WindowStartMs+windowSizeMs, winenc.EncodeOrder(closed.Accumulator)); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunBackfill replays log from checkpointMs (or from the beginning, if
// there is none) through every window size's handler.
func (w *OrderWorker) RunBackfill(log eventlog.Log, checkpointMs int64, emit *Emitter, isStopped func() bool) error {
	start, err := backfillStartKey(log, checkpointMs, orderTimeOf)
	if err != nil {
		return err
	}
	return drainLog(log, start, isStopped, func(raw []byte) error { return w.handleRaw(raw, emit) })
}

// RunLive gap-fills and consumes the live order-book feed until ctx is
// canceled or live is closed.
func (w *OrderWorker) RunLive(ctx context.Context, sub *gapfill.Subscriber[rawevent.OrderBookWithID], live <-chan gapfill.Envelope[rawevent.OrderBookWithID], emit *Emitter) error {
	out := make(chan gapfill.Envelope[rawevent.OrderBookWithID])
	done := make(chan error, 1)
	go func() { done <- sub.Consume(ctx, live, out) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			return err
		case env := <-out:
			ev, err := env.Event.OrderBook.ToEvent()
			if err != nil {
				return fmt.Errorf("worker: decoding live order book %d: %w", env.ID, err)
			}
			if err := w.handle(ev, emit); err != nil {
				return err
			}
		}
	}
}

// RunTradeProcess drives the full lifecycle of one trade worker OS
// process: backfill runs to completion for every symbol — including the
// post-backfill flush of whatever window replay left open — before any
// symbol moves to live mode. Live mode then drives every symbol
// concurrently, matching the Python implementation's
// asyncio.gather(*tasks) of one task per symbol.
func RunTradeProcess(
	ctx context.Context,
	cfg Config,
	logs map[string]eventlog.Log,
	liveChans map[string]<-chan gapfill.Envelope[rawevent.TradeWithID],
	emit *Emitter,
	isStopped func() bool,
) (map[string]*TradeWorker, error) {
	workers := make(map[string]*TradeWorker, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		workers[symbol] = NewTradeWorker(symbol, cfg.WindowSizesMs)
	}

	for _, symbol := range cfg.Symbols {
		if isStopped() {
			return workers, nil
		}
		w := workers[symbol]
		if err := w.RunBackfill(logs[symbol], cfg.CheckpointMs[symbol], emit, isStopped); err != nil {
			return workers, err
		}
		if err := w.Flush(emit); err != nil {
			return workers, err
		}
	}

	if isStopped() {
		return workers, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range cfg.Symbols {
		w := workers[symbol]
		live := liveChans[symbol]
		sub, err := gapfill.NewSubscriber[rawevent.TradeWithID](logs[symbol], decodeTradeWithID, nil)
		if err != nil {
			return workers, fmt.Errorf("worker: seeding live subscriber for %s: %w", symbol, err)
		}
		g.Go(func() error { return w.RunLive(gctx, sub, live, emit) })
	}
	return workers, g.Wait()
}

// RunOrderProcess is RunTradeProcess's order-book counterpart.
func RunOrderProcess(
	ctx context.Context,
	cfg Config,
	logs map[string]eventlog.Log,
	liveChans map[string]<-chan gapfill.Envelope[rawevent.OrderBookWithID],
	emit *Emitter,
	isStopped func() bool,
) (map[string]*OrderWorker, error) {
	workers := make(map[string]*OrderWorker, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		workers[symbol] = NewOrderWorker(symbol, cfg.WindowSizesMs)
	}

	for _, symbol := range cfg.Symbols {
		if isStopped() {
			return workers, nil
		}
		w := workers[symbol]
		if err := w.RunBackfill(logs[symbol], cfg.CheckpointMs[symbol], emit, isStopped); err != nil {
			return workers, err
		}
		if err := w.Flush(emit); err != nil {
			return workers, err
		}
	}

	if isStopped() {
		return workers, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range cfg.Symbols {
		w := workers[symbol]
		live := liveChans[symbol]
		sub, err := gapfill.NewSubscriber[rawevent.OrderBookWithID](logs[symbol], decodeOrderBookWithID, nil)
		if err != nil {
			return workers, fmt.Errorf("worker: seeding live subscriber for %s: %w", symbol, err)
		}
		g.Go(func() error { return w.RunLive(gctx, sub, live, emit) })
	}
	return workers, g.Wait()
}

func decodeTradeWithID(value []byte) (rawevent.TradeWithID, error) {
	var env rawevent.TradeWithID
	err := json.Unmarshal(value, &env)
	return env, err
}

func decodeOrderBookWithID(value []byte) (rawevent.OrderBookWithID, error) {
	var env rawevent.OrderBookWithID
	err := json.Unmarshal(value, &env)
	return env, err
}
