package ports

import (
	"github.com/anacrolix/missinggo/v2/resource"

	"revaer.io/engine/internal/domain"
)

// RateLimitedStorage exposes the per-torrent gated read/write path rate
// limiting sits behind; internal/ratelimit implements it as a
// missinggo/v2/resource.Provider wrapper around an underlying Provider
// (normally the bounded in-memory/spill-to-disk one in internal/storage/memory).
type RateLimitedStorage interface {
	resource.Provider

	Bind(storageKey string, id domain.TorrentID)
	Unbind(storageKey string)
	SetDownloadLimit(id domain.TorrentID, bytesPerSec int64)
	SetUploadLimit(id domain.TorrentID, bytesPerSec int64)
}
