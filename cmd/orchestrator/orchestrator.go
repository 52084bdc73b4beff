package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/taltech/windowpipe/internal/api"
	"github.com/taltech/windowpipe/internal/archive"
	cfgpkg "github.com/taltech/windowpipe/internal/config"
	"github.com/taltech/windowpipe/internal/eventlog"
	"github.com/taltech/windowpipe/internal/livefeed"
	"github.com/taltech/windowpipe/internal/orchestrator"
	"github.com/taltech/windowpipe/internal/persist"
	"github.com/taltech/windowpipe/internal/ringbuf"
	"github.com/taltech/windowpipe/internal/worker"
)

// mirrorQueueSize bounds how many closed windows may be queued for the
// Mongo mirror before Enqueue starts reporting back-pressure.
const mirrorQueueSize = 8192

func runOrchestrator() {
	cfg := cfgpkg.Load()
	log.Println("window pipeline orchestrator starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		cancel()
	}()

	store, err := persist.NewStore(ctx, cfg.MongoURI)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer store.Close(context.Background())

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	if err := os.MkdirAll(cfg.WindowsLogDir, 0o755); err != nil {
		log.Fatalf("creating windows log directory: %v", err)
	}
	windowsLog, err := eventlog.Open(filepath.Join(cfg.WindowsLogDir, "windows.bolt"))
	if err != nil {
		log.Fatalf("opening windows log: %v", err)
	}
	defer windowsLog.Close()

	tracked := orchestrator.TrackedCheckpointKeys(cfg.PlatformSymbols, cfg.WindowSizesMs)
	checkpoints, err := orchestrator.DiscoverCheckpoints(windowsLog, tracked)
	if err != nil {
		log.Fatalf("discovering checkpoints: %v", err)
	}
	log.Printf("discovered %d/%d checkpoints", len(checkpoints), len(tracked))

	configs := orchestrator.DistributeWorkAcrossCores(cfg.PlatformSymbols, cfg.WindowSizesMs, checkpoints, cfg.NumCores)
	log.Printf("distributed work across %d worker processes", len(configs))

	exePath, err := os.Executable()
	if err != nil {
		log.Fatalf("resolving executable path: %v", err)
	}

	hub := livefeed.NewHub(cfg.SendBufferSize)

	mux := http.NewServeMux()
	mux.HandleFunc("/live", livefeed.Handler(hub))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","workers":%d,"subscribers":%d}`, len(configs), hub.SubscriberCount())
	})
	api.NewServer(persist.NewMongoWindowReader(store.DB()), hub).Register(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.WSPort)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	go func() {
		log.Printf("query API + live feed listening on http://%s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()

	liveFeedURL := fmt.Sprintf("ws://%s/live", dialAddr(cfg.Host, cfg.WSPort))

	liveWorkers := make([]*orchestrator.LiveWorker, 0, len(configs))
	for _, wcfg := range configs {
		buf, err := ringbuf.Create()
		if err != nil {
			log.Fatalf("creating ring buffer for worker %s: %v", worker.ID(wcfg), err)
		}
		proc, err := orchestrator.Launch(exePath, buf, wcfg, cfg.RawLogDir, []string{"-live-feed-url=" + liveFeedURL}, nil)
		if err != nil {
			log.Fatalf("launching worker %s: %v", worker.ID(wcfg), err)
		}
		liveWorkers = append(liveWorkers, &orchestrator.LiveWorker{
			ID:   worker.ID(wcfg),
			Buf:  buf,
			Proc: proc,
		})
		log.Printf("launched worker %s", worker.ID(wcfg))
	}
	set := orchestrator.NewWorkerSet(liveWorkers)

	mirror := persist.NewMirror(store, mirrorQueueSize)
	go mirror.Run(ctx)

	go persist.RunRetention(ctx, store, cfg.WindowRetentionDays)

	if cfg.ArchiveLocalDir != "" {
		s3Client, err := newS3Client(ctx, cfg)
		if err != nil {
			log.Printf("archiver: S3 disabled: %v", err)
		}
		archiver := archive.New(store.DB(), cfg.ArchiveLocalDir, cfg.ArchiveMaxGB, cfg.ArchiveIntervalHours, cfg.ArchiveAfterHours, s3Client, cfg.S3Bucket, cfg.S3Prefix)
		go archiver.Run(ctx)
	}

	onEvent := func(key, value []byte) {
		if err := windowsLog.Put(key, value); err != nil {
			log.Printf("windows log: put: %v", err)
			return
		}
		if !mirror.Enqueue(key, value) {
			log.Printf("mirror: queue full, dropping a window write (still durable in windows log)")
		}
	}
	onReclaim := func(w *orchestrator.LiveWorker) {
		w.Buf.Close()
		w.Buf.Unlink()
		log.Printf("reclaimed worker %s (%d windows read)", w.ID, w.Reads)
	}

	err = orchestrator.RunAndDrain(ctx, set, onEvent, onReclaim)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("drain loop: %v", err)
	}

	log.Println("shutting down worker processes")
	orchestrator.Shutdown(set, onReclaim)

	log.Println("orchestrator stopped")
}

// dialAddr returns the host:port workers should dial to reach this
// process's live feed socket; a listen address of 0.0.0.0 (or empty)
// isn't itself dialable, so workers fall back to the loopback address.
func dialAddr(host string, port int) string {
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// newS3Client builds the optional S3 client the archiver uses to mirror
// local gzip archives to cold storage. Disabled (nil, nil) when no
// bucket is configured.
func newS3Client(ctx context.Context, cfg *cfgpkg.Config) (*s3.Client, error) {
	if cfg.S3Bucket == "" {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}
