package libtorrent

import (
	"log/slog"

	"github.com/anacrolix/torrent"

	"revaer.io/engine/internal/domain"
)

// toLibPriority maps the engine's four-value domain.Priority onto
// anacrolix/torrent's PiecePriority scale. The library has no tier
// between "skip" and "normal", so domain.PriorityLow coalesces onto
// PiecePriorityNormal rather than inventing a lower tier the library
// cannot express.
func toLibPriority(p domain.Priority) torrent.PiecePriority {
	switch p {
	case domain.PriorityDoNotDownload:
		return torrent.PiecePriorityNone
	case domain.PriorityHigh:
		return torrent.PiecePriorityHigh
	default:
		return torrent.PiecePriorityNormal
	}
}

// safeSetPriority calls File.SetPriority behind a recover(). Under heavy
// seek/focus churn anacrolix can panic deep inside its piece-request-order
// bookkeeping ("piece request order has {} and pending pieces has {...}"),
// and that panic must never reach the single worker goroutine that owns
// every torrent's session. A recovered panic is reported and the file
// keeps its previous priority; callers skip caching the requested value
// when panicked is true.
func safeSetPriority(logger *slog.Logger, id domain.TorrentID, f *torrent.File, idx int, prio torrent.PiecePriority) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			if logger != nil {
				logger.Error("recovered panic setting file priority",
					slog.String("id", id.String()), slog.Int("file", idx), slog.Any("recover", r))
			}
		}
	}()
	f.SetPriority(prio)
	return false
}
