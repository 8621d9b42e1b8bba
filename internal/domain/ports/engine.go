package ports

import (
	"context"

	"revaer.io/engine/internal/domain"
)

// EventBus is the fan-out boundary between the engine and any number of
// subscribers. Delivery preserves per-torrent ordering; cross-torrent
// interleaving is unspecified. An event a slow subscriber has no buffer
// room for is dropped for that subscriber and counted in its Dropped();
// producers are never blocked, and no lag marker is delivered.
type EventBus interface {
	Publish(evt domain.EngineEvent)
	Subscribe(bufferSize int) Subscription
	Close()
}

type Subscription interface {
	Events() <-chan domain.EngineEvent
	Dropped() uint64
	Unsubscribe()
}

// ConfigWatcher delivers EngineProfile snapshots: Load returns the current
// one, and Watch sends one per change until ctx is done.
type ConfigWatcher interface {
	Load(ctx context.Context) (domain.EngineProfile, error)
	Watch(ctx context.Context) (<-chan domain.EngineProfile, error)
}

// ResumeStore persists and restores the sidecar pair for each torrent.
type ResumeStore interface {
	Save(ctx context.Context, sidecar domain.ResumeSidecar, fastresume []byte) error
	Load(ctx context.Context, id domain.TorrentID) (domain.ResumeSidecar, []byte, error)
	Delete(ctx context.Context, id domain.TorrentID) error
	List(ctx context.Context) ([]domain.TorrentID, error)
}
