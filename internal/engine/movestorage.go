package engine

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"revaer.io/engine/internal/domain"
	"revaer.io/engine/internal/domain/ports"
	"revaer.io/engine/internal/ratelimit"
)

const moveStorageChunkSize = 256 << 10

// handleMoveStorage relocates a torrent's files to a new save path.
// anacrolix/torrent exposes no live move primitive (internal/engine/libtorrent's
// session confirmed this), so the worker does the move itself: it stages
// the copy through w.mover (rate-limited by the torrent's own caps, with
// in-memory staging bounded by the profile's disk-cache budget) and then
// reopens the session at the new path, reusing the same piece-completion
// database so no re-hashing is needed. The files under the old save path
// are left in place.
func (w *Worker) handleMoveStorage(ctx context.Context, c domain.MoveStorageCommand) error {
	w.mu.RLock()
	record, hasRecord := w.records[c.ID]
	sess, hasSess := w.sessions[c.ID]
	w.mu.RUnlock()
	if !hasRecord {
		return domain.WrapKind(domain.ErrKindNotFound, c.ID, domain.ErrNotFound)
	}
	if !hasSess {
		return domain.WrapKind(domain.ErrKindConflictingState, c.ID, fmt.Errorf("torrent has no open session yet"))
	}
	if c.NewSavePath == "" || c.NewSavePath == record.SavePath {
		return domain.WrapKind(domain.ErrKindInvalidArgument, c.ID, fmt.Errorf("new_save_path must differ from the current save path"))
	}

	key := c.ID.String()
	w.mover.Bind(key, c.ID)
	w.mover.SetDownloadLimit(c.ID, record.EffectiveCaps.DownloadBytesPerSec)
	w.mover.SetUploadLimit(c.ID, record.EffectiveCaps.UploadBytesPerSec)
	defer w.mover.Unbind(key)

	oldSavePath := record.SavePath
	if err := w.pool.run(ctx, func() error {
		return stageCopy(ctx, w.mover, key, oldSavePath, c.NewSavePath)
	}); err != nil {
		return domain.WrapKind(domain.ErrKindStorageMoveFailed, c.ID, err)
	}

	newSource := record.Source
	newSource.SavePath = c.NewSavePath

	var newSess ports.Session
	reopenErr := w.pool.run(ctx, func() error {
		if closeErr := sess.Close(); closeErr != nil {
			w.logger.Warn("close session before move failed", "id", c.ID.String(), "err", closeErr)
		}
		s, openErr := w.eng.Open(ctx, c.ID, newSource)
		if openErr != nil {
			return openErr
		}
		newSess = s
		return nil
	})
	if reopenErr != nil {
		w.transition(c.ID, domain.StatusErrored, domain.ReasonDiskError)
		return domain.WrapKind(domain.ErrKindStorageMoveFailed, c.ID, reopenErr)
	}

	record.Source = newSource
	record.SavePath = c.NewSavePath
	record.UpdatedAt = time.Now()
	w.mu.Lock()
	w.sessions[c.ID] = newSess
	w.records[c.ID] = record
	w.mu.Unlock()

	w.scheduleSidecarWrite(ctx, c.ID, true)
	go w.runAlertPump(ctx, c.ID)
	return nil
}

// stageCopy copies every regular file under oldRoot to newRoot through
// mover, a rate-limited staging buffer bound to key; the files under
// oldRoot are not removed. Routing the copy through mover means
// MoveStorage throughput honors the same per-torrent caps UpdateRateLimits
// sets, and the in-memory part of the staging is bounded by the profile's
// disk-cache budget; what does not fit spills to the buffer's scratch
// directory.
func stageCopy(ctx context.Context, mover *ratelimit.Provider, key, oldRoot, newRoot string) error {
	return filepath.WalkDir(oldRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(oldRoot, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(newRoot, rel)
		return stageCopyFile(ctx, mover, key+"/"+filepath.ToSlash(rel), path, dst)
	})
}

func stageCopyFile(ctx context.Context, mover *ratelimit.Provider, stageName, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	inst, err := mover.NewInstance(stageName)
	if err != nil {
		return err
	}
	defer inst.Delete()

	buf := make([]byte, moveStorageChunkSize)
	var size int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, writeErr := inst.WriteAt(buf[:n], size); writeErr != nil {
				return writeErr
			}
			size += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	readBuf := make([]byte, moveStorageChunkSize)
	var off int64
	for off < size {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := inst.ReadAt(readBuf, off)
		if n > 0 {
			if _, writeErr := out.WriteAt(readBuf[:n], off); writeErr != nil {
				return writeErr
			}
			off += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}
	return nil
}
