package engine

import (
	"context"
	"sync"

	"revaer.io/engine/internal/domain"
	"revaer.io/engine/internal/domain/ports"
)

// fakeSession is a minimal in-memory ports.Session, standing in for
// internal/engine/libtorrent's real adapter per the swap-test boundary.
type fakeSession struct {
	id       domain.TorrentID
	gotInfo  chan struct{}
	mu       sync.Mutex
	files    []domain.FileRef
	stats    ports.SessionStats
	selected map[int]domain.Priority
	trackers [][]string
	webSeeds []string
	paused   bool
	closed   bool

	rechecks    int
	reannounces int
}

func newFakeSession(id domain.TorrentID) *fakeSession {
	return &fakeSession{id: id, gotInfo: make(chan struct{}), selected: make(map[int]domain.Priority)}
}

func (s *fakeSession) ID() domain.TorrentID        { return s.id }
func (s *fakeSession) InfoHash() domain.InfoHash    { return domain.InfoHash{Algo: domain.HashAlgoV1, Raw: []byte{1, 2, 3}} }
func (s *fakeSession) GotInfo() <-chan struct{}     { return s.gotInfo }

func (s *fakeSession) Files() []domain.FileRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.FileRef(nil), s.files...)
}

func (s *fakeSession) Stats() ports.SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *fakeSession) SetSelection(priorities map[int]domain.Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, p := range priorities {
		s.selected[idx] = p
		for i := range s.files {
			if s.files[i].Index == idx {
				s.files[i].Priority = p
			}
		}
	}
	return nil
}

func (s *fakeSession) SetTrackers(tiers [][]string) error { s.trackers = tiers; return nil }
func (s *fakeSession) SetWebSeeds(urls []string) error    { s.webSeeds = urls; return nil }
func (s *fakeSession) Reannounce(ctx context.Context) error {
	s.reannounces++
	return nil
}
func (s *fakeSession) ForceRecheck() error { s.rechecks++; return nil }
func (s *fakeSession) Pause() error        { s.paused = true; return nil }
func (s *fakeSession) Resume() error       { s.paused = false; return nil }
func (s *fakeSession) Close() error        { s.closed = true; return nil }

// setFiles publishes a file manifest and signals GotInfo once.
func (s *fakeSession) setFiles(files []domain.FileRef) {
	s.mu.Lock()
	s.files = files
	s.mu.Unlock()
	select {
	case <-s.gotInfo:
	default:
		close(s.gotInfo)
	}
}

func (s *fakeSession) setStats(stats ports.SessionStats) {
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
}

// fakeEngine mints fakeSessions and records the rate/connection limits the
// worker pushes, so policyApplier's readback can be exercised without a
// real anacrolix client.
type fakeEngine struct {
	mu       sync.Mutex
	sessions map[domain.TorrentID]*fakeSession
	openErr  error

	down, up   int64
	connLimit  int
	closed     bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{sessions: make(map[domain.TorrentID]*fakeSession)}
}

func (e *fakeEngine) Open(ctx context.Context, id domain.TorrentID, src domain.TorrentSource) (ports.Session, error) {
	if e.openErr != nil {
		return nil, e.openErr
	}
	s := newFakeSession(id)
	e.mu.Lock()
	e.sessions[id] = s
	e.mu.Unlock()
	return s, nil
}

func (e *fakeEngine) ApplyGlobalRateLimits(down, up int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.down, e.up = down, up
}

func (e *fakeEngine) EffectiveRateLimits() (int64, int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.down, e.up
}

func (e *fakeEngine) SetGlobalConnectionLimit(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connLimit = n
}

func (e *fakeEngine) Close() error {
	e.closed = true
	return nil
}

func (e *fakeEngine) session(id domain.TorrentID) *fakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[id]
}

// fakeBus records every published event in order; it never blocks a
// publisher and needs no Subscribe support for these tests.
type fakeBus struct {
	mu     sync.Mutex
	events []domain.EngineEvent
}

func newFakeBus() *fakeBus { return &fakeBus{} }

func (b *fakeBus) Publish(evt domain.EngineEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *fakeBus) Subscribe(bufferSize int) ports.Subscription { return nil }
func (b *fakeBus) Close()                                      {}

func (b *fakeBus) all() []domain.EngineEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.EngineEvent(nil), b.events...)
}

func (b *fakeBus) last() domain.EngineEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return nil
	}
	return b.events[len(b.events)-1]
}

// fakeResumeStore is an in-memory ports.ResumeStore. corrupt registers ids
// that are discoverable by List but fail Load, simulating a sidecar pair
// whose checksum no longer matches its fastresume blob.
type fakeResumeStore struct {
	mu      sync.Mutex
	saved   map[domain.TorrentID]domain.ResumeSidecar
	corrupt map[domain.TorrentID]error
}

func newFakeResumeStore() *fakeResumeStore {
	return &fakeResumeStore{
		saved:   make(map[domain.TorrentID]domain.ResumeSidecar),
		corrupt: make(map[domain.TorrentID]error),
	}
}

// seed registers a sidecar as already present on disk before boot, for
// restart-reconciliation tests.
func (r *fakeResumeStore) seed(s domain.ResumeSidecar) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved[s.ID] = s
}

// markCorrupt registers id as present on disk but failing checksum
// verification, so boot reconciliation can be made to skip and report it
// instead of partially loading it.
func (r *fakeResumeStore) markCorrupt(id domain.TorrentID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.corrupt[id] = err
}

func (r *fakeResumeStore) Save(ctx context.Context, sidecar domain.ResumeSidecar, fastresume []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved[sidecar.ID] = sidecar
	return nil
}

func (r *fakeResumeStore) Load(ctx context.Context, id domain.TorrentID) (domain.ResumeSidecar, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.corrupt[id]; ok {
		return domain.ResumeSidecar{}, nil, err
	}
	s, ok := r.saved[id]
	if !ok {
		return domain.ResumeSidecar{}, nil, domain.ErrNotFound
	}
	return s, nil, nil
}

func (r *fakeResumeStore) Delete(ctx context.Context, id domain.TorrentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.saved, id)
	return nil
}

func (r *fakeResumeStore) List(ctx context.Context) ([]domain.TorrentID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]domain.TorrentID, 0, len(r.saved)+len(r.corrupt))
	for id := range r.saved {
		ids = append(ids, id)
	}
	for id := range r.corrupt {
		ids = append(ids, id)
	}
	return ids, nil
}

// has reports whether a sidecar for id is currently persisted (not
// corrupt-only), for remove/persist assertions.
func (r *fakeResumeStore) has(id domain.TorrentID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.saved[id]
	return ok
}

// fakeConfigWatcher serves one fixed profile and a channel the test can
// push further snapshots onto.
type fakeConfigWatcher struct {
	profile domain.EngineProfile
	changes chan domain.EngineProfile
}

func newFakeConfigWatcher(p domain.EngineProfile) *fakeConfigWatcher {
	return &fakeConfigWatcher{profile: p, changes: make(chan domain.EngineProfile, 4)}
}

func (c *fakeConfigWatcher) Load(ctx context.Context) (domain.EngineProfile, error) {
	return c.profile, nil
}

func (c *fakeConfigWatcher) Watch(ctx context.Context) (<-chan domain.EngineProfile, error) {
	return c.changes, nil
}

// newTestWorker wires a Worker against the fakes above, ready for Run in a
// background goroutine.
func newTestWorker(tb interface{ Helper() }) (*Worker, *fakeEngine, *fakeBus, *fakeResumeStore, *fakeConfigWatcher) {
	if tb != nil {
		tb.Helper()
	}
	eng := newFakeEngine()
	bus := newFakeBus()
	resume := newFakeResumeStore()
	cfg := newFakeConfigWatcher(domain.EngineProfile{ZeroCapMeansUnlimited: true})
	w := New(nil, eng, bus, resume, cfg, "")
	return w, eng, bus, resume, cfg
}
