package engine

import (
	"sync"
	"time"

	"revaer.io/engine/internal/domain"
	"revaer.io/engine/internal/domain/ports"
	"revaer.io/engine/internal/metrics"
)

// coalesceInterval is both the flush cadence and, by construction, the
// per-torrent rate bound: one flush per tick emits at most one Progress
// event per torrent, so 100ms yields at most 10 events/sec/torrent.
const coalesceInterval = 100 * time.Millisecond

type progressPatch struct {
	id     domain.TorrentID
	done   int64
	total  int64
	down   int64
	up     int64
	peers  int
	phase  domain.TransferPhase
}

// progressCoalescer buffers the latest progress patch per torrent and
// flushes them to the bus on a fixed cadence. Non-progress alerts never
// pass through here; they publish immediately from the caller.
type progressCoalescer struct {
	mu      sync.Mutex
	pending map[domain.TorrentID]progressPatch
}

func newProgressCoalescer() *progressCoalescer {
	return &progressCoalescer{pending: make(map[domain.TorrentID]progressPatch)}
}

// enqueue overwrites any pending patch for id: last-write-wins, since
// progress is monotone-ish and safe to lose intermediate samples.
func (c *progressCoalescer) enqueue(p progressPatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[p.id] = p
}

// flush drains the pending map and publishes one Progress event per
// torrent that had a pending patch, then clears the map.
func (c *progressCoalescer) flush(bus ports.EventBus) int {
	c.mu.Lock()
	batch := c.pending
	c.pending = make(map[domain.TorrentID]progressPatch, len(batch))
	c.mu.Unlock()

	var downTotal, upTotal int64
	var peersTotal int
	for _, p := range batch {
		bus.Publish(domain.NewProgressEvent(p.id, p.done, p.total, p.down, p.up, p.peers, p.phase))
		downTotal += p.down
		upTotal += p.up
		peersTotal += p.peers
	}
	if len(batch) > 0 {
		metrics.DownloadSpeedBytes.Set(float64(downTotal))
		metrics.UploadSpeedBytes.Set(float64(upTotal))
		metrics.PeersConnected.Set(float64(peersTotal))
	}
	return len(batch)
}
