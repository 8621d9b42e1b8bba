package ports

import (
	"context"

	"revaer.io/engine/internal/domain"
)

// Session is the engine-internal handle to one running torrent inside the
// BitTorrent library. internal/engine/libtorrent implements this against
// anacrolix/torrent; tests substitute a fake to keep internal/engine free
// of a real library dependency, per the swap-test boundary.
type Session interface {
	ID() domain.TorrentID
	InfoHash() domain.InfoHash
	GotInfo() <-chan struct{}
	Files() []domain.FileRef
	Stats() SessionStats

	SetSelection(priorities map[int]domain.Priority) error
	SetTrackers(tiers [][]string) error
	SetWebSeeds(urls []string) error
	Reannounce(ctx context.Context) error
	ForceRecheck() error

	Pause() error
	Resume() error
	Close() error
}

type SessionStats struct {
	DoneBytes    int64
	TotalBytes   int64
	DownloadRate int64
	UploadRate   int64
	Peers        int
	Seeding      bool
	Complete     bool
}

// Engine is the library adapter boundary: it owns the single library
// client and mints Sessions from a TorrentSource.
type Engine interface {
	Open(ctx context.Context, id domain.TorrentID, src domain.TorrentSource) (Session, error)
	ApplyGlobalRateLimits(downloadBytesPerSec, uploadBytesPerSec int64)
	// EffectiveRateLimits reports the rate limiter values currently in
	// effect, for PolicyApplier's 2-second readback verification. 0 means
	// unlimited.
	EffectiveRateLimits() (downloadBytesPerSec, uploadBytesPerSec int64)
	SetGlobalConnectionLimit(n int)
	Close() error
}
