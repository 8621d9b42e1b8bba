// Package libtorrent adapts github.com/anacrolix/torrent onto
// ports.Engine and ports.Session, the only two interfaces the rest of
// internal/engine is allowed to know about. Nothing outside this package
// imports anacrolix/torrent directly.
package libtorrent

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	alog "github.com/anacrolix/log"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	tstorage "github.com/anacrolix/torrent/storage"
	"golang.org/x/time/rate"

	"revaer.io/engine/internal/domain"
	"revaer.io/engine/internal/domain/ports"
)

// CompletionOpener opens the piece-completion database that backs one
// torrent's fast-resume state. internal/resume.Store satisfies this
// without internal/engine needing to import it.
type CompletionOpener interface {
	OpenCompletion(id domain.TorrentID) (tstorage.PieceCompletion, error)
}

// Config mirrors the subset of torrent.ClientConfig the engine profile
// drives. Zero values of the connection-count fields keep anacrolix's own
// defaults; a rate of 0 or less means no cap; the other fields are copied
// into the client config as given.
type Config struct {
	DataDir                    string
	ListenPort                 int
	DisableIPv6                bool
	NoDHT                      bool
	DisablePEX                 bool
	Seed                       bool
	Logger                     alog.Logger
	// SlogLogger backs the panic-recovery guard around File.SetPriority
	// (see safeSetPriority in priority.go); nil falls back to slog.Default().
	SlogLogger                 *slog.Logger
	DownloadRateBytesPerSec    int64
	UploadRateBytesPerSec      int64
	EstablishedConnsPerTorrent int
	HalfOpenConnsPerTorrent    int
	TotalHalfOpenConns         int
}

// Adapter owns the single *torrent.Client for the process: one engine
// per process, not one per torrent.
type Adapter struct {
	client     *torrent.Client
	completion CompletionOpener
	logger     *slog.Logger

	downloadLimiter *rate.Limiter
	uploadLimiter   *rate.Limiter

	mu       sync.Mutex
	sessions map[domain.TorrentID]*session
}

func New(cfg Config, completion CompletionOpener) (*Adapter, error) {
	cc := torrent.NewDefaultClientConfig()
	cc.DataDir = cfg.DataDir
	cc.ListenPort = cfg.ListenPort
	cc.DisableIPv6 = cfg.DisableIPv6
	cc.NoDHT = cfg.NoDHT
	cc.DisablePEX = cfg.DisablePEX
	cc.Seed = cfg.Seed
	if cfg.Logger.LoggerImpl != nil {
		cc.Logger = cfg.Logger
	}

	download := rate.NewLimiter(limitFor(cfg.DownloadRateBytesPerSec), burstFor(cfg.DownloadRateBytesPerSec))
	upload := rate.NewLimiter(limitFor(cfg.UploadRateBytesPerSec), burstFor(cfg.UploadRateBytesPerSec))
	cc.DownloadRateLimiter = download
	cc.UploadRateLimiter = upload

	if cfg.EstablishedConnsPerTorrent > 0 {
		cc.EstablishedConnsPerTorrent = cfg.EstablishedConnsPerTorrent
	}
	if cfg.HalfOpenConnsPerTorrent > 0 {
		cc.HalfOpenConnsPerTorrent = cfg.HalfOpenConnsPerTorrent
	}
	if cfg.TotalHalfOpenConns > 0 {
		cc.TotalHalfOpenConns = cfg.TotalHalfOpenConns
	}

	client, err := torrent.NewClient(cc)
	if err != nil {
		return nil, fmt.Errorf("libtorrent: new client: %w", err)
	}
	logger := cfg.SlogLogger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		client:          client,
		completion:      completion,
		logger:          logger,
		downloadLimiter: download,
		uploadLimiter:   upload,
		sessions:        make(map[domain.TorrentID]*session),
	}, nil
}

func limitFor(bytesPerSec int64) rate.Limit {
	if bytesPerSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(bytesPerSec)
}

func burstFor(bytesPerSec int64) int {
	if bytesPerSec <= 0 || bytesPerSec > 1<<30 {
		return 1 << 20
	}
	return int(bytesPerSec)
}

// Open builds a library-level torrent from src and returns the session
// handle wrapping it. The caller (SessionWorker) owns the returned
// Session exclusively.
func (a *Adapter) Open(ctx context.Context, id domain.TorrentID, src domain.TorrentSource) (ports.Session, error) {
	completion, err := a.completion.OpenCompletion(id)
	if err != nil {
		return nil, domain.WrapKind(domain.ErrKindDiskIO, id, fmt.Errorf("open completion db: %w", err))
	}

	store := tstorage.NewFileWithCompletion(src.SavePath, completion)

	spec, err := specFromSource(src)
	if err != nil {
		_ = completion.Close()
		return nil, domain.WrapKind(domain.ErrKindInvalidArgument, id, err)
	}
	spec.Storage = store

	t, _, err := a.client.AddTorrentSpec(spec)
	if err != nil {
		_ = completion.Close()
		return nil, domain.WrapKind(domain.ErrKindInternalInvariant, id, fmt.Errorf("add torrent spec: %w", err))
	}
	if a.sessions == nil {
		// unreachable given New always initializes the map; guards against
		// a zero-value Adapter used directly by a test.
		a.sessions = make(map[domain.TorrentID]*session)
	}

	sess := newSession(id, t, completion, a.logger)
	a.mu.Lock()
	a.sessions[id] = sess
	a.mu.Unlock()
	return sess, nil
}

func specFromSource(src domain.TorrentSource) (*torrent.TorrentSpec, error) {
	switch {
	case src.Magnet != "":
		spec, err := torrent.TorrentSpecFromMagnetUri(src.Magnet)
		if err != nil {
			return nil, fmt.Errorf("parse magnet: %w", err)
		}
		return spec, nil
	case len(src.TorrentFile) > 0:
		mi, err := metainfo.Load(bytes.NewReader(src.TorrentFile))
		if err != nil {
			return nil, fmt.Errorf("load metainfo: %w", err)
		}
		return torrent.TorrentSpecFromMetaInfo(mi), nil
	default:
		return nil, fmt.Errorf("torrent source has neither magnet nor torrent file")
	}
}

// ApplyGlobalRateLimits mutates the existing limiter pair in place, so
// every torrent sharing the client-wide limiter observes the new cap
// immediately without reopening any session.
func (a *Adapter) ApplyGlobalRateLimits(downloadBytesPerSec, uploadBytesPerSec int64) {
	a.downloadLimiter.SetLimit(limitFor(downloadBytesPerSec))
	a.downloadLimiter.SetBurst(burstFor(downloadBytesPerSec))
	a.uploadLimiter.SetLimit(limitFor(uploadBytesPerSec))
	a.uploadLimiter.SetBurst(burstFor(uploadBytesPerSec))
}

// EffectiveRateLimits reports the limiter values currently in effect. A
// rate.Inf limiter (no cap requested) reports back as 0.
func (a *Adapter) EffectiveRateLimits() (downloadBytesPerSec, uploadBytesPerSec int64) {
	return limitAsBytes(a.downloadLimiter.Limit()), limitAsBytes(a.uploadLimiter.Limit())
}

func limitAsBytes(l rate.Limit) int64 {
	if l == rate.Inf {
		return 0
	}
	return int64(l)
}

func (a *Adapter) SetGlobalConnectionLimit(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.sessions {
		s.t.SetMaxEstablishedConns(n)
	}
}

func (a *Adapter) Close() error {
	errs := a.client.Close()
	if len(errs) > 0 {
		return fmt.Errorf("libtorrent: close client: %v", errs)
	}
	return nil
}
