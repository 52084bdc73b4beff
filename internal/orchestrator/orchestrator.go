// Package orchestrator owns the parent process: it distributes a run's
// (platform, symbol, kind, window size) tuples across OS worker
// processes, re-execs this binary once per process, and drains the
// shared-memory ring buffer every worker writes closed windows onto.
// It also reaps workers that have exited and their ring buffer has
// drained, and drives cooperative shutdown of everything still running.
package orchestrator

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taltech/windowpipe/internal/eventlog"
	"github.com/taltech/windowpipe/internal/platform"
	"github.com/taltech/windowpipe/internal/ringbuf"
	"github.com/taltech/windowpipe/internal/winkey"
	"github.com/taltech/windowpipe/internal/worker"
)

// PlatformSymbol names one (platform, symbol) pair the orchestrator
// tracks windows for.
type PlatformSymbol struct {
	Platform platform.Platform
	Symbol   string
}

// CheckpointKey is the lookup key into a checkpoint map: one entry per
// (platform, symbol, kind, window size) tuple.
func CheckpointKey(p platform.Platform, symbol string, kind winkey.Kind, windowSizeMs int64) string {
	return fmt.Sprintf("%s-%s-%s-%d", p, symbol, kind, windowSizeMs)
}

// TrackedCheckpointKeys lists every checkpoint key a run with the given
// symbols and window sizes needs discovered before work can be
// distributed.
func TrackedCheckpointKeys(platformSymbols []PlatformSymbol, windowSizesMs []int64) []string {
	var keys []string
	for _, ps := range platformSymbols {
		for _, kind := range []winkey.Kind{winkey.KindTrade, winkey.KindOrder} {
			for _, ws := range windowSizesMs {
				keys = append(keys, CheckpointKey(ps.Platform, ps.Symbol, kind, ws))
			}
		}
	}
	return keys
}

// checkpointScanInitialBatch is the first IterateFromEnd page size
// DiscoverCheckpoints requests; it doubles on every pass that doesn't
// yet cover every tracked tuple.
const checkpointScanInitialBatch = 1000

// DiscoverCheckpoints reverse-scans the windows log for the most recent
// window_end_ms of every tuple named in tracked, stopping as soon as
// every tuple has been found or the log is exhausted. A tuple with no
// entry in the returned map has never been written and should backfill
// from the start of its event log.
func DiscoverCheckpoints(log eventlog.Log, tracked []string) (map[string]int64, error) {
	want := make(map[string]bool, len(tracked))
	for _, k := range tracked {
		want[k] = true
	}
	checkpoint := make(map[string]int64, len(tracked))
	found := make(map[string]bool, len(tracked))

	prevLen := 0
	for batch := checkpointScanInitialBatch; ; batch *= 2 {
		recs, err := log.IterateFromEnd(batch)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: checkpoint scan: %w", err)
		}

		// recs is ascending by key; the last prevLen records were
		// already visited by the previous, smaller page. Walk the
		// newly-visible older prefix back to front, so within this
		// pass too we see the most recent record for a tuple first.
		newCount := len(recs) - prevLen
		for i := newCount - 1; i >= 0; i-- {
			k, err := winkey.Unpack(recs[i].ID)
			if err != nil {
				continue
			}
			key := CheckpointKey(k.Platform, k.Symbol, k.Kind, int64(k.WindowSizeMs))
			if !want[key] || found[key] {
				continue
			}
			checkpoint[key] = int64(k.WindowEndMs)
			found[key] = true
			if len(found) == len(want) {
				return checkpoint, nil
			}
		}

		if len(recs) < batch {
			return checkpoint, nil
		}
		prevLen = len(recs)
	}
}

// DistributeWorkAcrossCores builds one worker.Config per (platform,
// symbol, kind, window size) tuple, then greedily merges configs that
// share a (platform, kind) until at most numCores remain or no further
// merge is possible — mirroring a bin-packing pass that favors fewer,
// busier worker processes over one process per tuple when cores are
// scarce. numCores <= 0 means "don't bother merging" (one config per
// tuple).
func DistributeWorkAcrossCores(platformSymbols []PlatformSymbol, windowSizesMs []int64, checkpoint map[string]int64, numCores int) []worker.Config {
	var configs []*worker.Config
	for _, ps := range platformSymbols {
		for _, kind := range []winkey.Kind{winkey.KindTrade, winkey.KindOrder} {
			for _, ws := range windowSizesMs {
				ck := checkpoint[CheckpointKey(ps.Platform, ps.Symbol, kind, ws)]
				configs = append(configs, &worker.Config{
					Platform:      ps.Platform,
					Kind:          kind,
					Symbols:       []string{ps.Symbol},
					WindowSizesMs: []int64{ws},
					CheckpointMs:  map[string]int64{ps.Symbol: ck},
				})
			}
		}
	}

	if numCores <= 0 {
		return derefConfigs(configs)
	}

	for len(configs) > numCores {
		groups := groupByPlatformKind(configs)
		sort.SliceStable(groups, func(i, j int) bool { return len(groups[i]) > len(groups[j]) })

		merged := false
		for _, g := range groups {
			if len(g) < 2 {
				continue
			}
			target, source := g[0], g[1]
			configs = removeConfig(configs, target)
			configs = removeConfig(configs, source)
			configs = append(configs, mergeConfigs(target, source))
			merged = true
			break
		}
		if !merged {
			break
		}
	}

	return derefConfigs(configs)
}

// groupByPlatformKind buckets configs sharing a (platform, kind) pair,
// dropping singleton buckets since those can never be merge candidates.
// Platforms are visited in first-appearance order in configs, which
// keeps merge order deterministic.
func groupByPlatformKind(configs []*worker.Config) [][]*worker.Config {
	var platforms []platform.Platform
	seen := make(map[platform.Platform]bool)
	for _, c := range configs {
		if !seen[c.Platform] {
			seen[c.Platform] = true
			platforms = append(platforms, c.Platform)
		}
	}

	var groups [][]*worker.Config
	for _, p := range platforms {
		for _, kind := range []winkey.Kind{winkey.KindTrade, winkey.KindOrder} {
			var group []*worker.Config
			for _, c := range configs {
				if c.Platform == p && c.Kind == kind {
					group = append(group, c)
				}
			}
			if len(group) >= 2 {
				groups = append(groups, group)
			}
		}
	}
	return groups
}

func removeConfig(configs []*worker.Config, target *worker.Config) []*worker.Config {
	out := make([]*worker.Config, 0, len(configs)-1)
	for _, c := range configs {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}

func mergeConfigs(target, source *worker.Config) *worker.Config {
	checkpointMs := make(map[string]int64, len(target.CheckpointMs)+len(source.CheckpointMs))
	for k, v := range target.CheckpointMs {
		checkpointMs[k] = v
	}
	for k, v := range source.CheckpointMs {
		checkpointMs[k] = v
	}
	return &worker.Config{
		Platform:      target.Platform,
		Kind:          target.Kind,
		Symbols:       unionStrings(target.Symbols, source.Symbols),
		WindowSizesMs: unionInt64(target.WindowSizesMs, source.WindowSizesMs),
		CheckpointMs:  checkpointMs,
	}
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func unionInt64(a, b []int64) []int64 {
	seen := make(map[int64]bool, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, n := range append(append([]int64(nil), a...), b...) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func derefConfigs(configs []*worker.Config) []worker.Config {
	out := make([]worker.Config, len(configs))
	for i, c := range configs {
		out[i] = *c
	}
	return out
}

// WorkerArgs builds the command-line flags a re-exec'd worker process
// needs to attach to buf and run cfg: the shared-memory segment names
// and cfg's fields flattened to strings. Kept separate from Launch so
// argument construction can be tested without spawning a process.
func WorkerArgs(buf *ringbuf.Buffer, cfg worker.Config, rawLogDir string) []string {
	sizes := make([]string, len(cfg.WindowSizesMs))
	for i, s := range cfg.WindowSizesMs {
		sizes[i] = strconv.FormatInt(s, 10)
	}
	return []string{
		"-worker",
		"-shm-data=" + buf.DataName,
		"-shm-index=" + buf.IndexName,
		"-raw-log-dir=" + rawLogDir,
		"-platform=" + cfg.Platform.String(),
		"-kind=" + cfg.Kind.String(),
		"-symbols=" + strings.Join(cfg.Symbols, ","),
		"-window-sizes=" + strings.Join(sizes, ","),
		"-checkpoints=" + encodeCheckpoints(cfg.CheckpointMs),
	}
}

// encodeCheckpoints flattens a symbol->checkpoint map to
// "symbol=ms,symbol=ms" for passing through a single flag value.
func encodeCheckpoints(checkpointMs map[string]int64) string {
	symbols := make([]string, 0, len(checkpointMs))
	for s := range checkpointMs {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	parts := make([]string, len(symbols))
	for i, s := range symbols {
		parts[i] = fmt.Sprintf("%s=%d", s, checkpointMs[s])
	}
	return strings.Join(parts, ",")
}

// Process is the subset of process control the reaper and shutdown
// logic need, abstracted so tests can exercise them without spawning a
// real OS process.
type Process interface {
	// IsAlive reports whether the process has not yet exited.
	IsAlive() bool
	// Terminate forcibly kills the process.
	Terminate() error
	// Wait blocks until the process exits or timeout elapses, whichever
	// comes first, returning nil only on a clean exit within timeout.
	Wait(timeout time.Duration) error
}

// osProcess adapts *exec.Cmd to Process. Go has no fork(), so this
// (together with Launch) replaces multiprocessing.Process: the
// orchestrator re-execs itself once per worker.Config rather than
// forking.
type osProcess struct {
	cmd *exec.Cmd

	mu      sync.Mutex
	exited  bool
	waitErr error
	done    chan struct{}
}

func startOSProcess(cmd *exec.Cmd) (*osProcess, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exited = true
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

func (p *osProcess) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

func (p *osProcess) Terminate() error {
	return p.cmd.Process.Kill()
}

func (p *osProcess) Wait(timeout time.Duration) error {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.waitErr
	case <-time.After(timeout):
		return fmt.Errorf("orchestrator: process did not exit within %s", timeout)
	}
}

// Launch re-execs exePath as a worker process for cfg, attached to buf,
// and returns a handle to it.
func Launch(exePath string, buf *ringbuf.Buffer, cfg worker.Config, rawLogDir string, extraArgs []string, configureCmd func(*exec.Cmd)) (Process, error) {
	args := append(WorkerArgs(buf, cfg, rawLogDir), extraArgs...)
	cmd := exec.Command(exePath, args...)
	if configureCmd != nil {
		configureCmd(cmd)
	}
	proc, err := startOSProcess(cmd)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: launching worker %s: %w", worker.ID(cfg), err)
	}
	return proc, nil
}

// LiveWorker is one running (or just-exited, not-yet-reaped) worker
// process and the ring buffer it writes closed windows onto. Proc is
// the platform-wide Process interface for liveness/shutdown, Reads counts
// the records read from Buf, and buf reads are mutex-guarded since the drain loop and the reaper both poll
// the same buffer concurrently (the pipeline this is ported from reads
// it from two cooperative-scheduling coroutines that never truly
// overlap; real OS threads need the lock to keep that single-reader
// guarantee).
type LiveWorker struct {
	ID    string
	Buf   *ringbuf.Buffer
	Proc  Process
	Reads int

	mu sync.Mutex
}

func (w *LiveWorker) read() (key, value []byte, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Buf.Read()
}

// WorkerSet is the shared, mutex-protected list of live workers the
// drain loop and reaper both operate on concurrently.
type WorkerSet struct {
	mu      sync.Mutex
	workers []*LiveWorker
}

// NewWorkerSet wraps an initial set of workers.
func NewWorkerSet(workers []*LiveWorker) *WorkerSet {
	return &WorkerSet{workers: append([]*LiveWorker(nil), workers...)}
}

// Snapshot returns a point-in-time copy of the current worker list.
func (s *WorkerSet) Snapshot() []*LiveWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*LiveWorker(nil), s.workers...)
}

// Len reports how many workers are still tracked.
func (s *WorkerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Remove drops w from the set.
func (s *WorkerSet) Remove(w *LiveWorker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.workers {
		if x == w {
			s.workers = append(s.workers[:i:i], s.workers[i+1:]...)
			return
		}
	}
}

// drainIdleDelay is how long DrainLoop sleeps after a pass across every
// worker's ring buffer reads nothing.
const drainIdleDelay = 500 * time.Millisecond

// DrainLoop round-robins a single Read off every tracked worker's ring
// buffer per pass, calling onEvent for each record read, until the set
// empties or ctx is canceled. It only sleeps between passes that read
// nothing at all, so a busy pipeline drains continuously.
func DrainLoop(ctx context.Context, set *WorkerSet, onEvent func(key, value []byte)) error {
	for set.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		read := false
		for _, w := range set.Snapshot() {
			key, value, ok := w.read()
			if !ok {
				continue
			}
			read = true
			w.Reads++
			onEvent(key, value)
		}

		if !read {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(drainIdleDelay):
			}
		}
	}
	return nil
}

// reaperInterval is how often Reaper checks for exited, drained
// workers.
const reaperInterval = time.Second

// Reaper periodically checks every tracked worker: once its process has
// exited AND one more non-blocking ring buffer read comes back empty
// (so DrainLoop has genuinely drained it, not just not gotten to it
// yet), it is removed from set and onReclaim is called to release its
// shared memory. Runs until set empties or ctx is canceled.
func Reaper(ctx context.Context, set *WorkerSet, onReclaim func(*LiveWorker)) error {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()

	for set.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for _, w := range set.Snapshot() {
			if w.Proc.IsAlive() {
				continue
			}
			if _, _, ok := w.read(); ok {
				continue
			}
			set.Remove(w)
			onReclaim(w)
		}
	}
	return nil
}

// RunAndDrain runs DrainLoop and Reaper concurrently over set, matching
// the pipeline's drain-loop-plus-cleanup-task pair run under
// asyncio.gather. Returns the first error either side reports; ctx
// cancellation ends both cleanly.
func RunAndDrain(ctx context.Context, set *WorkerSet, onEvent func(key, value []byte), onReclaim func(*LiveWorker)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return DrainLoop(gctx, set, onEvent) })
	g.Go(func() error { return Reaper(gctx, set, onReclaim) })
	return g.Wait()
}

// shutdownJoinTimeout is how long Shutdown waits for each still-tracked
// worker to exit on its own before force-terminating it.
const shutdownJoinTimeout = 5 * time.Second

// Shutdown joins every worker still tracked in set with a timeout,
// force-terminating any that don't exit in time, and always calls
// onReclaim to release its shared memory regardless of how it exited.
func Shutdown(set *WorkerSet, onReclaim func(*LiveWorker)) {
	for _, w := range set.Snapshot() {
		if err := w.Proc.Wait(shutdownJoinTimeout); err != nil {
			w.Proc.Terminate()
		}
		set.Remove(w)
		onReclaim(w)
	}
}
