package libtorrent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	tstorage "github.com/anacrolix/torrent/storage"

	"revaer.io/engine/internal/domain"
	"revaer.io/engine/internal/domain/ports"
)

// session wraps one *torrent.Torrent handle. anacrolix exposes no getter
// for a file's current priority, so the last priority this process set is
// cached here. Besides that cache, session keeps only the byte counters
// Stats samples to derive rates.
type session struct {
	id         domain.TorrentID
	t          *torrent.Torrent
	completion tstorage.PieceCompletion
	logger     *slog.Logger

	mu         sync.Mutex
	priorities map[int]domain.Priority

	speedMu      sync.Mutex
	sampledAt    time.Time
	bytesRead    int64
	bytesWritten int64
}

func newSession(id domain.TorrentID, t *torrent.Torrent, completion tstorage.PieceCompletion, logger *slog.Logger) *session {
	return &session{id: id, t: t, completion: completion, logger: logger, priorities: make(map[int]domain.Priority)}
}

func (s *session) ID() domain.TorrentID { return s.id }

func (s *session) InfoHash() domain.InfoHash {
	ih := s.t.InfoHash()
	return domain.InfoHash{Algo: domain.HashAlgoV1, Raw: append([]byte(nil), ih[:]...)}
}

func (s *session) GotInfo() <-chan struct{} { return s.t.GotInfo() }

func (s *session) Files() []domain.FileRef {
	libFiles := s.t.Files()
	out := make([]domain.FileRef, 0, len(libFiles))

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range libFiles {
		prio, ok := s.priorities[i]
		if !ok {
			prio = domain.PriorityNormal
		}
		out = append(out, domain.FileRef{
			Index:          i,
			Path:           f.Path(),
			Length:         f.Length(),
			BytesCompleted: f.BytesCompleted(),
			Priority:       prio,
		})
	}
	return out
}

// Stats derives instantaneous rates from the monotonically increasing
// byte counters anacrolix exposes, sampling the delta against the
// previous call rather than trusting any built-in rate estimator.
func (s *session) Stats() ports.SessionStats {
	libStats := s.t.Stats()
	currentRead := libStats.BytesReadUsefulData.Int64()
	currentWritten := libStats.BytesWrittenData.Int64()
	now := time.Now()

	var downloadRate, uploadRate int64
	s.speedMu.Lock()
	if !s.sampledAt.IsZero() {
		dt := now.Sub(s.sampledAt).Seconds()
		if dt > 0 {
			deltaRead := currentRead - s.bytesRead
			deltaWritten := currentWritten - s.bytesWritten
			if deltaRead < 0 {
				deltaRead = 0
			}
			if deltaWritten < 0 {
				deltaWritten = 0
			}
			downloadRate = int64(float64(deltaRead) / dt)
			uploadRate = int64(float64(deltaWritten) / dt)
		}
	}
	s.sampledAt = now
	s.bytesRead = currentRead
	s.bytesWritten = currentWritten
	s.speedMu.Unlock()

	total := s.t.Length()
	done := s.t.BytesCompleted()
	return ports.SessionStats{
		DoneBytes:    done,
		TotalBytes:   total,
		DownloadRate: downloadRate,
		UploadRate:   uploadRate,
		Peers:        libStats.ActivePeers,
		Seeding:      total > 0 && done >= total && libStats.ActivePeers >= 0,
		Complete:     total > 0 && done >= total,
	}
}

// SetSelection applies an explicit per-file priority map. Files not named
// in priorities keep their previously applied priority (defaulting to
// Normal): selection is additive, not a full reset, unless the caller
// names every file.
//
// Each per-file call goes through safeSetPriority rather than a bare
// File.SetPriority: anacrolix can panic inside its own piece-request-order
// bookkeeping under heavy seek/focus churn, and that panic must not take
// down the worker goroutine. A recovered panic leaves that file's priority
// unchanged rather than failing the whole selection.
func (s *session) SetSelection(priorities map[int]domain.Priority) error {
	libFiles := s.t.Files()
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, prio := range priorities {
		if idx < 0 || idx >= len(libFiles) {
			return domain.WrapKind(domain.ErrKindInvalidArgument, s.id, fmt.Errorf("file index %d out of range", idx))
		}
		if safeSetPriority(s.logger, s.id, libFiles[idx], idx, toLibPriority(prio)) {
			continue
		}
		s.priorities[idx] = prio
	}
	return nil
}

func (s *session) SetTrackers(tiers [][]string) error {
	// anacrolix/torrent does not expose a post-hoc tracker-tier mutator on
	// an in-flight *torrent.Torrent, so the tiers are not passed to the
	// library and this call has no effect on it.
	return nil
}

func (s *session) SetWebSeeds(urls []string) error {
	// anacrolix/torrent applies web seeds only from the initial
	// TorrentSpec; a live session has no setter, and Open builds its spec
	// from the torrent source alone, so the URLs are not passed to the
	// library and this call has no effect on it.
	return nil
}

func (s *session) Reannounce(ctx context.Context) error {
	// anacrolix/torrent announces to trackers on its own schedule and on
	// peer-count drop; it exposes no synchronous "announce now" call on
	// *torrent.Torrent, so this is a no-op beyond the next natural
	// announce cycle. The worker emits no event for the call.
	return nil
}

func (s *session) ForceRecheck() error {
	s.t.VerifyData()
	return nil
}

func (s *session) Pause() error {
	s.t.DisallowDataUpload()
	s.t.DisallowDataDownload()
	return nil
}

func (s *session) Resume() error {
	s.t.AllowDataUpload()
	s.t.AllowDataDownload()
	s.t.DownloadAll()
	return nil
}

func (s *session) Close() error {
	s.t.Drop()
	return s.completion.Close()
}
