package orchestrator

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/taltech/windowpipe/internal/eventlog"
	"github.com/taltech/windowpipe/internal/platform"
	"github.com/taltech/windowpipe/internal/ringbuf"
	"github.com/taltech/windowpipe/internal/winkey"
	"github.com/taltech/windowpipe/internal/worker"
)

// windowsLog is a minimal in-memory eventlog.Log keyed by winkey.Key
// bytes, standing in for the windows log during checkpoint discovery.
type windowsLog struct {
	recs []eventlog.Record
}

func (l *windowsLog) Append(value []byte) ([]byte, error) { return nil, nil }

func (l *windowsLog) Put(key, value []byte) error {
	l.recs = append(l.recs, eventlog.Record{ID: append([]byte(nil), key...), Value: value})
	return nil
}

func (l *windowsLog) IterateFrom(start []byte, limit int) ([]eventlog.Record, error) {
	return nil, nil
}

func (l *windowsLog) IterateFromEnd(limit int) ([]eventlog.Record, error) {
	sorted := append([]eventlog.Record(nil), l.recs...)
	sort.Slice(sorted, func(i, j int) bool {
		ki, _ := winkey.Unpack(sorted[i].ID)
		kj, _ := winkey.Unpack(sorted[j].ID)
		return ki.WindowEndMs < kj.WindowEndMs
	})
	if len(sorted) > limit {
		sorted = sorted[len(sorted)-limit:]
	}
	return sorted, nil
}

func (l *windowsLog) TryCatchUpWithPrimary() error { return nil }
func (l *windowsLog) Close() error                 { return nil }

func putWindow(t *testing.T, l *windowsLog, p platform.Platform, symbol string, kind winkey.Kind, windowSizeMs, windowEndMs int64) {
	t.Helper()
	key, err := winkey.Pack(winkey.Key{
		WindowEndMs:  uint64(windowEndMs),
		Symbol:       symbol,
		Kind:         kind,
		WindowSizeMs: uint32(windowSizeMs),
		Platform:     p,
	})
	if err != nil {
		t.Fatalf("winkey.Pack: %v", err)
	}
	if err := l.Put(key, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestDiscoverCheckpointsFindsMostRecentWindowEndPerTuple(t *testing.T) {
	log := &windowsLog{}
	putWindow(t, log, platform.PlatformBinance, "btc_usdt", winkey.KindTrade, 1000, 1000)
	putWindow(t, log, platform.PlatformBinance, "btc_usdt", winkey.KindTrade, 1000, 2000)
	putWindow(t, log, platform.PlatformBinance, "btc_usdt", winkey.KindTrade, 1000, 3000)
	putWindow(t, log, platform.PlatformBinance, "eth_usdt", winkey.KindOrder, 5000, 9000)

	tracked := TrackedCheckpointKeys(
		[]PlatformSymbol{{Platform: platform.PlatformBinance, Symbol: "btc_usdt"}, {Platform: platform.PlatformBinance, Symbol: "eth_usdt"}},
		[]int64{1000, 5000},
	)

	checkpoint, err := DiscoverCheckpoints(log, tracked)
	if err != nil {
		t.Fatalf("DiscoverCheckpoints: %v", err)
	}

	btcKey := CheckpointKey(platform.PlatformBinance, "btc_usdt", winkey.KindTrade, 1000)
	if checkpoint[btcKey] != 3000 {
		t.Fatalf("checkpoint[%s] = %d, want 3000 (most recent, not first found)", btcKey, checkpoint[btcKey])
	}

	ethKey := CheckpointKey(platform.PlatformBinance, "eth_usdt", winkey.KindOrder, 5000)
	if checkpoint[ethKey] != 9000 {
		t.Fatalf("checkpoint[%s] = %d, want 9000", ethKey, checkpoint[ethKey])
	}

	neverWritten := CheckpointKey(platform.PlatformBinance, "eth_usdt", winkey.KindTrade, 1000)
	if _, ok := checkpoint[neverWritten]; ok {
		t.Fatalf("checkpoint[%s] should be absent (never written)", neverWritten)
	}
}

func TestDiscoverCheckpointsStopsEarlyWhenAllTupleValuesFound(t *testing.T) {
	log := &windowsLog{}
	// One tuple, many stale entries behind a large batch size threshold.
	for i := int64(1); i <= 2500; i++ {
		putWindow(t, log, platform.PlatformBinance, "btc_usdt", winkey.KindTrade, 1000, i*1000)
	}

	tracked := []string{CheckpointKey(platform.PlatformBinance, "btc_usdt", winkey.KindTrade, 1000)}
	checkpoint, err := DiscoverCheckpoints(log, tracked)
	if err != nil {
		t.Fatalf("DiscoverCheckpoints: %v", err)
	}
	want := CheckpointKey(platform.PlatformBinance, "btc_usdt", winkey.KindTrade, 1000)
	if checkpoint[want] != 2500000 {
		t.Fatalf("checkpoint[%s] = %d, want 2500000", want, checkpoint[want])
	}
}

func TestDistributeWorkAcrossCoresOneConfigPerTupleWhenCoresPlentiful(t *testing.T) {
	ps := []PlatformSymbol{{Platform: platform.PlatformBinance, Symbol: "btc_usdt"}}
	configs := DistributeWorkAcrossCores(ps, []int64{1000}, nil, 100)
	// one symbol x 2 kinds x 1 window size = 2 configs
	if len(configs) != 2 {
		t.Fatalf("len(configs) = %d, want 2", len(configs))
	}
}

func TestDistributeWorkAcrossCoresMergesSameplatformKindConfigsUnderPressure(t *testing.T) {
	ps := []PlatformSymbol{
		{Platform: platform.PlatformBinance, Symbol: "btc_usdt"},
		{Platform: platform.PlatformBinance, Symbol: "eth_usdt"},
	}
	checkpoint := map[string]int64{
		CheckpointKey(platform.PlatformBinance, "btc_usdt", winkey.KindTrade, 1000): 500,
	}
	// 2 symbols x 2 kinds x 1 window size = 4 tuples; force down to 2 cores.
	configs := DistributeWorkAcrossCores(ps, []int64{1000}, checkpoint, 2)
	if len(configs) != 2 {
		t.Fatalf("len(configs) = %d, want 2", len(configs))
	}

	total := 0
	for _, c := range configs {
		total += len(c.Symbols)
		if c.Kind != winkey.KindTrade && c.Kind != winkey.KindOrder {
			t.Fatalf("unexpected kind %v", c.Kind)
		}
	}
	if total != 4 {
		t.Fatalf("total symbol-slots across merged configs = %d, want 4 (no tuple lost)", total)
	}

	for _, c := range configs {
		if c.Kind == winkey.KindTrade {
			if len(c.Symbols) != 2 {
				t.Fatalf("trade config symbols = %v, want both merged", c.Symbols)
			}
			if c.CheckpointMs["btc_usdt"] != 500 {
				t.Fatalf("merged CheckpointMs[btc_usdt] = %d, want 500 (preserved through merge)", c.CheckpointMs["btc_usdt"])
			}
		}
	}
}

func TestDistributeWorkAcrossCoresStopsMergingWhenNoGroupHasTwoMembers(t *testing.T) {
	ps := []PlatformSymbol{{Platform: platform.PlatformBinance, Symbol: "btc_usdt"}}
	// 1 symbol x 2 kinds x 1 window size = 2 tuples, neither platform+kind
	// group has 2+ members, so numCores=1 can never be reached.
	configs := DistributeWorkAcrossCores(ps, []int64{1000}, nil, 1)
	if len(configs) != 2 {
		t.Fatalf("len(configs) = %d, want 2 (merge impossible, loop must give up)", len(configs))
	}
}

func TestWorkerArgsFormatsFlags(t *testing.T) {
	buf := &ringbuf.Buffer{DataName: "data-1", IndexName: "index-1"}
	cfg := worker.Config{
		Platform:      platform.PlatformBinance,
		Kind:          winkey.KindTrade,
		Symbols:       []string{"btc_usdt", "eth_usdt"},
		WindowSizesMs: []int64{1000, 60000},
		CheckpointMs:  map[string]int64{"eth_usdt": 10, "btc_usdt": 20},
	}
	args := WorkerArgs(buf, cfg, "/var/lib/windowpipe/raw")

	want := []string{
		"-worker",
		"-shm-data=data-1",
		"-shm-index=index-1",
		"-raw-log-dir=/var/lib/windowpipe/raw",
		"-platform=binance",
		"-kind=trade",
		"-symbols=btc_usdt,eth_usdt",
		"-window-sizes=1000,60000",
		"-checkpoints=btc_usdt=20,eth_usdt=10",
	}
	if len(args) != len(want) {
		t.Fatalf("WorkerArgs() = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("arg[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

// fakeProcess is a Process test double that never spawns a real OS
// process.
type fakeProcess struct {
	alive      bool
	waitErr    error
	terminated bool
}

func (p *fakeProcess) IsAlive() bool { return p.alive }
func (p *fakeProcess) Terminate() error {
	p.terminated = true
	p.alive = false
	return nil
}
func (p *fakeProcess) Wait(timeout time.Duration) error { return p.waitErr }

func newTestLiveWorker(t *testing.T, proc Process) *LiveWorker {
	t.Helper()
	buf, err := ringbuf.Create()
	if err != nil {
		t.Fatalf("ringbuf.Create: %v", err)
	}
	t.Cleanup(func() {
		buf.Close()
		buf.Unlink()
	})
	return &LiveWorker{ID: "w", Buf: buf, Proc: proc}
}

func TestDrainLoopReadsEveryWorkerUntilSetEmpties(t *testing.T) {
	w := newTestLiveWorker(t, &fakeProcess{alive: true})
	if !w.Buf.Write([]byte("k"), []byte("v")) {
		t.Fatal("setup: write failed")
	}

	set := NewWorkerSet([]*LiveWorker{w})
	var gotKeys [][]byte

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- DrainLoop(ctx, set, func(key, value []byte) {
			gotKeys = append(gotKeys, key)
			cancel() // stop after the first record so the test doesn't hang on drainIdleDelay
		})
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("DrainLoop returned nil, want context.Canceled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("DrainLoop did not return after cancel")
	}

	if len(gotKeys) != 1 || string(gotKeys[0]) != "k" {
		t.Fatalf("gotKeys = %v, want one record with key \"k\"", gotKeys)
	}
}

func TestReaperReclaimsOnlyAfterProcessExitsAndBufferDrains(t *testing.T) {
	proc := &fakeProcess{alive: true}
	w := newTestLiveWorker(t, proc)
	if !w.Buf.Write([]byte("k"), []byte("v")) {
		t.Fatal("setup: write failed")
	}

	set := NewWorkerSet([]*LiveWorker{w})
	reclaimed := make(chan *LiveWorker, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Reaper(ctx, set, func(lw *LiveWorker) { reclaimed <- lw }) }()

	// While the process is alive and the buffer still has a record,
	// nothing should be reclaimed even after a tick.
	select {
	case <-reclaimed:
		t.Fatal("reclaimed before the process exited")
	case <-time.After(1200 * time.Millisecond):
	}

	// Drain the buffer and mark the process exited; the next tick should
	// reclaim it.
	if _, _, ok := w.Buf.Read(); !ok {
		t.Fatal("expected to read back the test record")
	}
	proc.alive = false

	select {
	case got := <-reclaimed:
		if got != w {
			t.Fatal("reclaimed the wrong worker")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker was never reclaimed")
	}

	if set.Len() != 0 {
		t.Fatalf("set.Len() = %d, want 0 after reclaim", set.Len())
	}
	if err := <-done; err != nil {
		t.Fatalf("Reaper: %v", err)
	}
}

func TestShutdownTerminatesWorkersThatDontExitInTime(t *testing.T) {
	exited := &fakeProcess{alive: false, waitErr: nil}
	stuck := &fakeProcess{alive: true, waitErr: context.DeadlineExceeded}

	wExited := newTestLiveWorker(t, exited)
	wStuck := newTestLiveWorker(t, stuck)
	set := NewWorkerSet([]*LiveWorker{wExited, wStuck})

	var reclaimed []*LiveWorker
	Shutdown(set, func(lw *LiveWorker) { reclaimed = append(reclaimed, lw) })

	if exited.terminated {
		t.Fatal("a worker that exited cleanly should not be Terminate()d")
	}
	if !stuck.terminated {
		t.Fatal("a worker that timed out waiting should be Terminate()d")
	}
	if len(reclaimed) != 2 {
		t.Fatalf("reclaimed %d workers, want 2 (every worker reclaimed regardless of exit path)", len(reclaimed))
	}
	if set.Len() != 0 {
		t.Fatalf("set.Len() = %d, want 0 after Shutdown", set.Len())
	}
}
