package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/taltech/windowpipe/internal/eventlog"
	"github.com/taltech/windowpipe/internal/gapfill"
	"github.com/taltech/windowpipe/internal/livefeed"
	"github.com/taltech/windowpipe/internal/platform"
	"github.com/taltech/windowpipe/internal/rawevent"
	"github.com/taltech/windowpipe/internal/ringbuf"
	"github.com/taltech/windowpipe/internal/winkey"
	"github.com/taltech/windowpipe/internal/worker"
)

// runWorker is the entry point for a re-exec'd worker OS process: it
// attaches to the shared-memory ring buffer orchestrator.Launch created,
// opens a read-only handle onto each symbol's raw event log, dials the
// live event socket, and drives worker.RunTradeProcess or
// RunOrderProcess until the process is asked to stop.
func runWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	_ = fs.Bool("worker", false, "run as a worker subprocess (marker only, consumed by main before flag parsing)")
	shmData := fs.String("shm-data", "", "ring buffer data segment name")
	shmIndex := fs.String("shm-index", "", "ring buffer index segment name")
	rawLogDir := fs.String("raw-log-dir", "", "directory holding one raw-event BoltLog per symbol")
	platformName := fs.String("platform", "", "platform this process owns")
	kindName := fs.String("kind", "", "trade or order")
	symbolsCSV := fs.String("symbols", "", "comma-separated symbols this process owns")
	sizesCSV := fs.String("window-sizes", "", "comma-separated window sizes in milliseconds")
	checkpointsCSV := fs.String("checkpoints", "", "symbol=windowEndMs,... resume points")
	liveFeedURL := fs.String("live-feed-url", "", "websocket URL of the live raw event feed")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("worker: parsing flags: %v", err)
	}

	p, err := platform.Parse(*platformName)
	if err != nil {
		log.Fatalf("worker: -platform: %v", err)
	}
	kind, err := parseKind(*kindName)
	if err != nil {
		log.Fatalf("worker: -kind: %v", err)
	}
	symbols := splitCSV(*symbolsCSV)
	if len(symbols) == 0 {
		log.Fatal("worker: -symbols must name at least one symbol")
	}
	windowSizesMs, err := parseIntCSV(*sizesCSV)
	if err != nil {
		log.Fatalf("worker: -window-sizes: %v", err)
	}
	checkpointMs, err := parseCheckpoints(*checkpointsCSV)
	if err != nil {
		log.Fatalf("worker: -checkpoints: %v", err)
	}

	buf, err := ringbuf.Open(*shmData, *shmIndex)
	if err != nil {
		log.Fatalf("worker: attaching ring buffer: %v", err)
	}
	defer buf.Close()

	var stopped atomic.Bool
	isStopped := stopped.Load

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("worker %s-%s: received signal %v, stopping", p, kind, sig)
		stopped.Store(true)
		cancel()
	}()

	logs := make(map[string]eventlog.Log, len(symbols))
	for _, sym := range symbols {
		l, err := eventlog.OpenSecondary(rawLogPath(*rawLogDir, p, kind, sym))
		if err != nil {
			log.Fatalf("worker: opening raw log for %s: %v", sym, err)
		}
		logs[sym] = l
		defer l.Close()
	}

	cfg := worker.Config{
		Platform:      p,
		Kind:          kind,
		Symbols:       symbols,
		WindowSizesMs: windowSizesMs,
		CheckpointMs:  checkpointMs,
	}
	emit := worker.NewEmitter(buf, p, kind, isStopped)

	log.Printf("worker %s starting: symbols=%v sizes=%v", worker.ID(cfg), symbols, windowSizesMs)

	switch kind {
	case winkey.KindTrade:
		err = runTradeWorker(ctx, cfg, logs, *liveFeedURL, emit, isStopped)
	case winkey.KindOrder:
		err = runOrderWorker(ctx, cfg, logs, *liveFeedURL, emit, isStopped)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker %s: %v", worker.ID(cfg), err)
	}

	log.Printf("worker %s stopped, emitted %d windows", worker.ID(cfg), emit.Written())
}

func runTradeWorker(ctx context.Context, cfg worker.Config, logs map[string]eventlog.Log, liveFeedURL string, emit *worker.Emitter, isStopped func() bool) error {
	liveChans := make(map[string]<-chan gapfill.Envelope[rawevent.TradeWithID], len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		ch, err := livefeed.DialTradeFeed(ctx, liveFeedURL, cfg.Platform, sym)
		if err != nil {
			return fmt.Errorf("dialing live trade feed for %s: %w", sym, err)
		}
		liveChans[sym] = ch
	}
	_, err := worker.RunTradeProcess(ctx, cfg, logs, liveChans, emit, isStopped)
	return err
}

func runOrderWorker(ctx context.Context, cfg worker.Config, logs map[string]eventlog.Log, liveFeedURL string, emit *worker.Emitter, isStopped func() bool) error {
	liveChans := make(map[string]<-chan gapfill.Envelope[rawevent.OrderBookWithID], len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		ch, err := livefeed.DialOrderFeed(ctx, liveFeedURL, cfg.Platform, sym)
		if err != nil {
			return fmt.Errorf("dialing live order feed for %s: %w", sym, err)
		}
		liveChans[sym] = ch
	}
	_, err := worker.RunOrderProcess(ctx, cfg, logs, liveChans, emit, isStopped)
	return err
}

// rawLogPath locates the raw-event BoltLog for one (platform, kind,
// symbol) tuple under dir. The upstream ingest process that writes these
// logs (out of scope here) must use the same naming scheme.
func rawLogPath(dir string, p platform.Platform, kind winkey.Kind, symbol string) string {
	name := eventlog.NormalizeSubIndex(fmt.Sprintf("%s_%s_%s", p, kind, symbol))
	return filepath.Join(dir, name+".bolt")
}

func parseKind(s string) (winkey.Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trade":
		return winkey.KindTrade, nil
	case "order":
		return winkey.KindOrder, nil
	default:
		return 0, fmt.Errorf("unknown kind %q (want trade or order)", s)
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseIntCSV(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer: %w", part, err)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no values given")
	}
	return out, nil
}

// parseCheckpoints parses "symbol=windowEndMs,symbol=windowEndMs" into a
// per-symbol resume point, the format orchestrator.WorkerArgs encodes.
func parseCheckpoints(s string) (map[string]int64, error) {
	out := map[string]int64{}
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		sym, msStr, found := strings.Cut(part, "=")
		if !found {
			return nil, fmt.Errorf("entry %q missing '='", part)
		}
		ms, err := strconv.ParseInt(msStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", part, err)
		}
		out[sym] = ms
	}
	return out, nil
}
