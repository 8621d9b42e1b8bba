// Package ratelimit gates per-torrent storage I/O with a
// missinggo/v2/resource.Provider wrapper, the same wrapping shape the
// teacher uses for its in-memory storage provider, here carrying a
// golang.org/x/time/rate token bucket per torrent instead of an LRU.
package ratelimit

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/anacrolix/missinggo/v2/resource"
	"golang.org/x/time/rate"

	"revaer.io/engine/internal/domain"
	"revaer.io/engine/internal/domain/ports"
)

var _ ports.RateLimitedStorage = (*Provider)(nil)

// Provider wraps an underlying resource.Provider (normally the
// internal/storage/memory staging buffer MoveStorage copies through) so
// every read/write first waits on a per-torrent token bucket. A path
// belongs to the torrent whose bound key equals the path or is a
// `<key>/` prefix of it; MoveStorage binds the TorrentID string as key.
type Provider struct {
	inner resource.Provider

	mu       sync.RWMutex
	download map[domain.TorrentID]*rate.Limiter
	upload   map[domain.TorrentID]*rate.Limiter
	keyToID  map[string]domain.TorrentID
}

func New(inner resource.Provider) *Provider {
	return &Provider{
		inner:    inner,
		download: make(map[domain.TorrentID]*rate.Limiter),
		upload:   make(map[domain.TorrentID]*rate.Limiter),
		keyToID:  make(map[string]domain.TorrentID),
	}
}

// Bind associates a storage key prefix (the key under which this
// torrent's staged files are named) with a TorrentID, so later ReadAt/WriteAt
// calls under that prefix are gated by that torrent's limiters.
func (p *Provider) Bind(storageKey string, id domain.TorrentID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keyToID[storageKey] = id
}

func (p *Provider) Unbind(storageKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.keyToID[storageKey]
	delete(p.keyToID, storageKey)
	if ok {
		delete(p.download, id)
		delete(p.upload, id)
	}
}

func (p *Provider) idFor(name string) (domain.TorrentID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for key, id := range p.keyToID {
		if name == key || strings.HasPrefix(name, key+"/") {
			return id, true
		}
	}
	return domain.TorrentID{}, false
}

func (p *Provider) limiterFor(m map[domain.TorrentID]*rate.Limiter, id domain.TorrentID) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := m[id]
	if !ok {
		l = rate.NewLimiter(rate.Inf, 1<<20)
		m[id] = l
	}
	return l
}

// SetDownloadLimit updates the per-torrent download (WriteAt, i.e. data
// arriving from peers) token bucket. 0 means unlimited.
func (p *Provider) SetDownloadLimit(id domain.TorrentID, bytesPerSec int64) {
	p.setLimit(p.download, id, bytesPerSec)
}

// SetUploadLimit updates the per-torrent upload (ReadAt, i.e. data served
// to peers) token bucket. 0 means unlimited.
func (p *Provider) SetUploadLimit(id domain.TorrentID, bytesPerSec int64) {
	p.setLimit(p.upload, id, bytesPerSec)
}

func (p *Provider) setLimit(m map[domain.TorrentID]*rate.Limiter, id domain.TorrentID, bytesPerSec int64) {
	l := p.limiterFor(m, id)
	if bytesPerSec <= 0 {
		l.SetLimit(rate.Inf)
		return
	}
	l.SetLimit(rate.Limit(bytesPerSec))
	l.SetBurst(int(bytesPerSec))
}

func (p *Provider) NewInstance(name string) (resource.Instance, error) {
	inner, err := p.inner.NewInstance(name)
	if err != nil {
		return nil, err
	}
	return &instance{provider: p, name: name, inner: inner}, nil
}

type instance struct {
	provider *Provider
	name     string
	inner    resource.Instance
}

func (i *instance) waitN(ctx context.Context, m map[domain.TorrentID]*rate.Limiter, n int) {
	id, ok := i.provider.idFor(i.name)
	if !ok || n <= 0 {
		return
	}
	l := i.provider.limiterFor(m, id)
	// WaitN rejects a request larger than the burst without waiting, so
	// large reads and writes wait in burst-sized steps.
	for n > 0 {
		step := n
		if burst := l.Burst(); burst > 0 && step > burst {
			step = burst
		}
		if err := l.WaitN(ctx, step); err != nil {
			return
		}
		n -= step
	}
}

func (i *instance) Get() (io.ReadCloser, error) { return i.inner.Get() }

func (i *instance) Put(r io.Reader) error { return i.inner.Put(r) }

func (i *instance) PutSized(r io.Reader, size int64) error { return i.inner.PutSized(r, size) }

func (i *instance) Stat() (os.FileInfo, error) { return i.inner.Stat() }

func (i *instance) ReadAt(b []byte, off int64) (int, error) {
	i.waitN(context.Background(), i.provider.upload, len(b))
	return i.inner.ReadAt(b, off)
}

func (i *instance) WriteAt(b []byte, off int64) (int, error) {
	i.waitN(context.Background(), i.provider.download, len(b))
	return i.inner.WriteAt(b, off)
}

func (i *instance) Delete() error { return i.inner.Delete() }

func (i *instance) Readdirnames() ([]string, error) { return i.inner.Readdirnames() }
