// Package engine implements the SessionWorker: the single task that owns
// the BitTorrent session, processes commands serially, runs the alert
// pump, drives the per-torrent state machine, and reconciles sidecars on
// boot. internal/engine/libtorrent supplies the real ports.Engine/
// ports.Session; tests substitute fakes, keeping this package free of any
// import on the underlying BitTorrent library.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"revaer.io/engine/internal/domain"
	"revaer.io/engine/internal/domain/ports"
	"revaer.io/engine/internal/metrics"
	"revaer.io/engine/internal/ratelimit"
	"revaer.io/engine/internal/storage/memory"
)

// removalAckTimeout bounds how long a Remove command waits for the
// library's acknowledgement before the worker gives up and reports
// RemovalStuck.
const removalAckTimeout = 30 * time.Second

// statsCadenceDefault is used when the active profile leaves StatsCadence
// unset (zero), so the stats-poll pump always has a sane tick.
const statsCadenceDefault = time.Second

type submittedCommand struct {
	ctx   context.Context
	cmd   domain.EngineCommand
	reply chan error
}

// Worker is the SessionWorker: it owns eng (the library adapter), bus
// (event fan-out), resume (sidecar persistence) and cfg (profile
// snapshots), and serializes every mutation through a single command
// loop goroutine started by Run.
type Worker struct {
	logger *slog.Logger
	eng    ports.Engine
	bus    ports.EventBus
	resume ports.ResumeStore
	cfg    ports.ConfigWatcher
	pool   *blockingPool

	coalescer *progressCoalescer
	policy    *policyApplier

	// moveBuffer and mover back MoveStorage: moving a torrent's files to a
	// new save path stages the copy through a disk-cache-bounded buffer,
	// throttled by the same per-torrent rate caps UpdateRateLimits sets.
	moveBuffer *memory.Provider
	mover      *ratelimit.Provider

	cmdCh   chan submittedCommand
	alertCh chan alertMsg

	mu       sync.RWMutex
	records  map[domain.TorrentID]domain.TorrentRecord
	sessions map[domain.TorrentID]ports.Session
	removing map[domain.TorrentID]chan struct{}

	profileMu sync.RWMutex
	profile   domain.EngineProfile

	writeCounters   sync.Map // domain.TorrentID -> time.Time, last sidecar write
	checkingStarted sync.Map // domain.TorrentID -> time.Time, for metrics.VerifyDuration

	done chan struct{}
}

// New constructs a Worker. scratchDir backs the MoveStorage staging
// buffer's disk spill; an empty value disables spilling and bounds
// in-flight moves to whatever fits in the buffer's configured cap.
func New(logger *slog.Logger, eng ports.Engine, bus ports.EventBus, resume ports.ResumeStore, cfg ports.ConfigWatcher, scratchDir string) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	moveBuffer := memory.NewProvider(
		memory.WithSpillDir(scratchDir),
		memory.WithOnSpill(func(n int64) { metrics.MoveStorageSpillBytesTotal.Add(float64(n)) }),
		memory.WithOnEvict(func(n int64) { metrics.MoveStorageEvictionsTotal.Inc() }),
	)
	return &Worker{
		logger:     logger,
		eng:        eng,
		bus:        bus,
		resume:     resume,
		cfg:        cfg,
		pool:       newBlockingPool(8),
		coalescer:  newProgressCoalescer(),
		policy:     newPolicyApplier(eng, bus, logger),
		moveBuffer: moveBuffer,
		mover:      ratelimit.New(moveBuffer),
		cmdCh:      make(chan submittedCommand, 256),
		alertCh:    make(chan alertMsg, 1024),
		records:    make(map[domain.TorrentID]domain.TorrentRecord),
		sessions:   make(map[domain.TorrentID]ports.Session),
		removing:   make(map[domain.TorrentID]chan struct{}),
		done:       make(chan struct{}),
	}
}

// Submit enqueues cmd and waits for the worker to process it to
// completion or rejection. It is safe to call from any goroutine.
func (w *Worker) Submit(ctx context.Context, cmd domain.EngineCommand) error {
	reply := make(chan error, 1)
	select {
	case w.cmdCh <- submittedCommand{ctx: ctx, cmd: cmd, reply: reply}:
	case <-w.done:
		return domain.WrapKind(domain.ErrKindShuttingDown, torrentIDOf(cmd), fmt.Errorf("worker is shutting down"))
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe exposes the event bus directly: subscribers are bus
// consumers, not worker internals.
func (w *Worker) Subscribe(bufferSize int) ports.Subscription {
	return w.bus.Subscribe(bufferSize)
}

// Snapshot returns a read-only copy of id's current record, or false if
// no such torrent is known.
func (w *Worker) Snapshot(id domain.TorrentID) (domain.TorrentRecord, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	r, ok := w.records[id]
	return r, ok
}

// Run executes the boot sequence then the command loop until ctx is
// cancelled. It returns once every live session has been asked to close.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)

	initial, err := w.cfg.Load(ctx)
	if err != nil {
		return fmt.Errorf("engine: load initial profile: %w", err)
	}
	w.setProfile(initial)
	w.policy.apply(ctx, initial)

	if err := w.reconcileFromResumeStore(ctx); err != nil {
		w.logger.Error("reconcile from resume store failed", slog.Any("err", err))
	}

	profileCh, err := w.cfg.Watch(ctx)
	if err != nil {
		return fmt.Errorf("engine: watch profile: %w", err)
	}

	flush := time.NewTicker(coalesceInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			w.closeAllSessions()
			return nil
		case sc := <-w.cmdCh:
			err := w.handleCommand(sc.ctx, sc.cmd)
			sc.reply <- err
		case p, ok := <-profileCh:
			if !ok {
				profileCh = nil
				continue
			}
			w.setProfile(p)
			w.policy.apply(ctx, p)
		case <-flush.C:
			start := time.Now()
			w.coalescer.flush(w.bus)
			metrics.CoalescerFlushDuration.Observe(time.Since(start).Seconds())
			curBytes, _ := w.moveBuffer.Usage()
			metrics.MoveStorageBufferBytes.Set(float64(curBytes))
		case am := <-w.alertCh:
			w.handleAlert(ctx, am)
		}
	}
}

func (w *Worker) setProfile(p domain.EngineProfile) {
	w.profileMu.Lock()
	w.profile = p.Clone()
	w.profileMu.Unlock()
	if p.DiskCacheBytes > 0 {
		w.moveBuffer.SetMaxBytes(p.DiskCacheBytes)
	}
}

func (w *Worker) currentProfile() domain.EngineProfile {
	w.profileMu.RLock()
	defer w.profileMu.RUnlock()
	return w.profile
}

func (w *Worker) closeAllSessions() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, sess := range w.sessions {
		if err := sess.Close(); err != nil {
			w.logger.Warn("session close failed during shutdown", slog.String("id", id.String()), slog.Any("err", err))
		}
	}
}

// torrentIDOf extracts the TorrentID a command concerns, or the zero
// value for commands with no single subject (ApplyProfile, Shutdown).
func torrentIDOf(cmd domain.EngineCommand) domain.TorrentID {
	switch c := cmd.(type) {
	case domain.AddTorrentCommand:
		return c.ID
	case domain.RemoveTorrentCommand:
		return c.ID
	case domain.PauseCommand:
		return c.ID
	case domain.ResumeCommand:
		return c.ID
	case domain.ReannounceCommand:
		return c.ID
	case domain.ForceRecheckCommand:
		return c.ID
	case domain.UpdateSelectionCommand:
		return c.ID
	case domain.UpdateOptionsCommand:
		return c.ID
	case domain.UpdateRateLimitsCommand:
		return c.ID
	case domain.UpdateTrackersCommand:
		return c.ID
	case domain.UpdateWebSeedsCommand:
		return c.ID
	case domain.MoveStorageCommand:
		return c.ID
	case domain.SetPieceDeadlineCommand:
		return c.ID
	default:
		return domain.TorrentID{}
	}
}
