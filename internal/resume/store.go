// Package resume implements ResumeStore: the `<id>.fastresume` +
// `<id>.meta.json` sidecar pair that lets the engine skip re-hashing
// already-verified pieces across a restart.
package resume

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	tstorage "github.com/anacrolix/torrent/storage"

	"revaer.io/engine/internal/domain"
)

const (
	fastresumeExt = ".fastresume"
	metaExt       = ".meta.json"
)

// Store is a filesystem-backed ports.ResumeStore. Writes for a given
// TorrentID are serialized via a per-id lock (lockFor); writes for
// distinct ids proceed concurrently.
type Store struct {
	dir string

	stripesMu sync.Mutex
	stripes   map[domain.TorrentID]*sync.Mutex
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("resume: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir, stripes: make(map[domain.TorrentID]*sync.Mutex)}, nil
}

func (s *Store) lockFor(id domain.TorrentID) *sync.Mutex {
	s.stripesMu.Lock()
	defer s.stripesMu.Unlock()
	m, ok := s.stripes[id]
	if !ok {
		m = &sync.Mutex{}
		s.stripes[id] = m
	}
	return m
}

func (s *Store) fastresumePath(id domain.TorrentID) string {
	return filepath.Join(s.dir, id.String()+fastresumeExt)
}

func (s *Store) metaPath(id domain.TorrentID) string {
	return filepath.Join(s.dir, id.String()+metaExt)
}

// CompletionPath is the bbolt file path for id's piece-completion store,
// opened directly by internal/engine/libtorrent via OpenCompletion.
func (s *Store) CompletionPath(id domain.TorrentID) string {
	return s.fastresumePath(id)
}

// OpenCompletion opens (or creates) id's piece-completion database. The
// caller is responsible for Close-ing the returned tstorage.PieceCompletion
// when the session ends; its file IS the `.fastresume` blob.
func (s *Store) OpenCompletion(id domain.TorrentID) (tstorage.PieceCompletion, error) {
	return openBoltCompletion(s.CompletionPath(id))
}

// Save writes the .meta.json sidecar atomically: temp file, fsync, rename.
// The .fastresume file is the piece-completion database, written by that
// database itself; Save ignores its fastresume argument and only reads the
// file on disk to compute the checksum recorded in the sidecar.
func (s *Store) Save(ctx context.Context, sidecar domain.ResumeSidecar, _ []byte) error {
	lock := s.lockFor(sidecar.ID)
	lock.Lock()
	defer lock.Unlock()

	sum, err := checksumFile(s.fastresumePath(sidecar.ID))
	if err != nil {
		return domain.WrapKind(domain.ErrKindResumeCorrupt, sidecar.ID, err)
	}
	sidecar.SchemaVersion = domain.ResumeSchemaVersion
	sidecar.FastresumeSHA256 = sum

	body, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return domain.WrapKind(domain.ErrKindInternalInvariant, sidecar.ID, err)
	}
	if err := atomicWrite(s.metaPath(sidecar.ID), body); err != nil {
		return domain.WrapKind(domain.ErrKindDiskIO, sidecar.ID, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id domain.TorrentID) (domain.ResumeSidecar, []byte, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	body, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.ResumeSidecar{}, nil, domain.ErrNotFound
		}
		return domain.ResumeSidecar{}, nil, domain.WrapKind(domain.ErrKindDiskIO, id, err)
	}

	var sidecar domain.ResumeSidecar
	if err := json.Unmarshal(body, &sidecar); err != nil {
		return domain.ResumeSidecar{}, nil, domain.WrapKind(domain.ErrKindResumeCorrupt, id, err)
	}

	sum, err := checksumFile(s.fastresumePath(id))
	if err != nil {
		return domain.ResumeSidecar{}, nil, domain.WrapKind(domain.ErrKindResumeCorrupt, id, err)
	}
	if sidecar.FastresumeSHA256 != "" && sum != sidecar.FastresumeSHA256 {
		return sidecar, nil, domain.WrapKind(domain.ErrKindResumeCorrupt, id,
			fmt.Errorf("fastresume checksum mismatch: have %s want %s", sum, sidecar.FastresumeSHA256))
	}
	return sidecar, nil, nil
}

func (s *Store) Delete(ctx context.Context, id domain.TorrentID) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	var firstErr error
	for _, p := range []string{s.metaPath(id), s.fastresumePath(id)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	s.stripesMu.Lock()
	delete(s.stripes, id)
	s.stripesMu.Unlock()
	if firstErr != nil {
		return domain.WrapKind(domain.ErrKindDiskIO, id, firstErr)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]domain.TorrentID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("resume: list %s: %w", s.dir, err)
	}
	seen := make(map[domain.TorrentID]struct{})
	for _, e := range entries {
		name := e.Name()
		if len(name) <= len(metaExt) || name[len(name)-len(metaExt):] != metaExt {
			continue
		}
		base := name[:len(name)-len(metaExt)]
		id, err := domain.ParseTorrentID(base)
		if err != nil {
			continue
		}
		seen[id] = struct{}{}
	}
	ids := make([]domain.TorrentID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func atomicWrite(path string, body []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
