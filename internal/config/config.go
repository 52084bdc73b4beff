package config

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/taltech/windowpipe/internal/orchestrator"
	"github.com/taltech/windowpipe/internal/platform"
)

// Config holds all orchestrator/worker configuration.
type Config struct {
	// Query API + live feed server
	WSPort int
	Host   string

	// Database
	MongoURI string

	// Window retention
	WindowRetentionDays int

	// Pipeline topology
	PlatformSymbols []orchestrator.PlatformSymbol
	WindowSizesMs   []int64
	NumCores        int

	// Durable logs
	RawLogDir     string
	WindowsLogDir string

	SendBufferSize int

	// Local + S3 cold storage archiver (runs only when ArchiveLocalDir is
	// set; the S3 tier is additionally active only when S3Bucket is set)
	ArchiveLocalDir      string
	ArchiveMaxGB         int
	S3Bucket             string
	S3Region             string
	S3Prefix             string
	ArchiveIntervalHours int
	ArchiveAfterHours    int

	// Worker re-exec (set by cmd/orchestrator when this process is a
	// worker subprocess rather than the orchestrator itself)
	WorkerMode bool
}

func Load() *Config {
	c := &Config{}

	flag.IntVar(&c.WSPort, "port", envInt("FEED_PORT", 8100), "Query API / live feed server port")
	flag.StringVar(&c.Host, "host", envStr("FEED_HOST", "0.0.0.0"), "Listen host")

	flag.StringVar(&c.MongoURI, "mongo-uri", envStr("MONGO_URI", "mongodb://localhost:27017/windowpipe"), "MongoDB connection URI")
	flag.IntVar(&c.WindowRetentionDays, "window-retention", envInt("WINDOW_RETENTION_DAYS", 7), "Window mirror retention in days (0 = keep forever)")

	var symbolsFlag, sizesFlag string
	flag.StringVar(&symbolsFlag, "symbols", envStr("FEED_SYMBOLS", "binance:btc_usdt,eth_usdt"),
		"platform:symbol,symbol;platform:symbol,... list of (platform, symbol) pairs to track")
	flag.StringVar(&sizesFlag, "window-sizes", envStr("FEED_WINDOW_SIZES", "60000,300000"),
		"comma-separated window sizes in milliseconds")
	flag.IntVar(&c.NumCores, "cores", envInt("FEED_NUM_CORES", runtime.NumCPU()), "target number of worker OS processes")

	flag.StringVar(&c.RawLogDir, "raw-log-dir", envStr("RAW_LOG_DIR", "./data/raw"), "directory holding one raw-event BoltLog per symbol")
	flag.StringVar(&c.WindowsLogDir, "windows-log-dir", envStr("WINDOWS_LOG_DIR", "./data/windows"), "directory holding the windows BoltLog")

	flag.IntVar(&c.SendBufferSize, "send-buffer", envInt("SEND_BUFFER", 4096), "per-subscriber live feed send buffer size")

	flag.StringVar(&c.ArchiveLocalDir, "archive-dir", envStr("ARCHIVE_DIR", ""), "local directory for gzipped window archives (empty = disabled)")
	flag.IntVar(&c.ArchiveMaxGB, "archive-max-gb", envInt("ARCHIVE_MAX_GB", 10), "maximum local archive size in GB before rotation")
	flag.StringVar(&c.S3Bucket, "s3-bucket", envStr("S3_BUCKET", ""), "S3 bucket for window archival (empty = disabled)")
	flag.StringVar(&c.S3Region, "s3-region", envStr("S3_REGION", "us-east-1"), "AWS region for S3")
	flag.StringVar(&c.S3Prefix, "s3-prefix", envStr("S3_PREFIX", "windowpipe"), "S3 key prefix for archived windows")
	flag.IntVar(&c.ArchiveIntervalHours, "archive-interval", envInt("ARCHIVE_INTERVAL_HOURS", 6), "hours between archive runs")
	flag.IntVar(&c.ArchiveAfterHours, "archive-after", envInt("ARCHIVE_AFTER_HOURS", 24), "archive windows older than this many hours")

	flag.BoolVar(&c.WorkerMode, "worker", false, "run as a re-exec'd worker subprocess (internal use)")

	flag.Parse()

	platformSymbols, err := parsePlatformSymbols(symbolsFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: -symbols: %v\n", err)
		os.Exit(2)
	}
	c.PlatformSymbols = platformSymbols

	windowSizes, err := parseWindowSizes(sizesFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: -window-sizes: %v\n", err)
		os.Exit(2)
	}
	c.WindowSizesMs = windowSizes

	if c.NumCores <= 0 {
		c.NumCores = 1
	}

	return c
}

// parsePlatformSymbols parses "binance:btc_usdt,eth_usdt;kraken:btc_usdt"
// into one orchestrator.PlatformSymbol per (platform, symbol) pair.
func parsePlatformSymbols(s string) ([]orchestrator.PlatformSymbol, error) {
	var out []orchestrator.PlatformSymbol
	for _, group := range strings.Split(s, ";") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		name, symbolsCSV, found := strings.Cut(group, ":")
		if !found {
			return nil, fmt.Errorf("group %q missing ':' separating platform from symbols", group)
		}
		p, err := platform.Parse(strings.TrimSpace(name))
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", group, err)
		}
		for _, sym := range strings.Split(symbolsCSV, ",") {
			sym = strings.TrimSpace(sym)
			if sym == "" {
				continue
			}
			out = append(out, orchestrator.PlatformSymbol{Platform: p, Symbol: sym})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no (platform, symbol) pairs configured")
	}
	return out, nil
}

func parseWindowSizes(s string) ([]int64, error) {
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
		if n <= 0 {
			return nil, fmt.Errorf("window size %d must be positive", n)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no window sizes configured")
	}
	return out, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

