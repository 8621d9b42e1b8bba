package engine

import (
	"context"
	"log/slog"
	"time"

	"revaer.io/engine/internal/domain"
	"revaer.io/engine/internal/domain/ports"
	"revaer.io/engine/internal/metrics"
)

// alertKind distinguishes the handful of library signals anacrolix/torrent
// actually exposes. There is no unified alert queue to drain, so one pump
// goroutine per torrent (runAlertPump) produces both the metadata and the
// stats kinds; the pump itself never emits alertPumpStopped.
type alertKind int

const (
	alertMetadata alertKind = iota
	alertStats
	alertPumpStopped
)

type alertMsg struct {
	id   domain.TorrentID
	kind alertKind
	err  error
}

// runAlertPump stands in for a unified alert queue, which the underlying
// library does not expose: it watches GotInfo() once and then polls
// Stats() on a ticker, translating both into alertMsg values the command
// loop serializes through handleAlert. It exits when the session is
// removed or ctx is cancelled.
func (w *Worker) runAlertPump(ctx context.Context, id domain.TorrentID) {
	w.mu.RLock()
	sess, ok := w.sessions[id]
	w.mu.RUnlock()
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("alert pump panicked", slog.String("id", id.String()), slog.Any("recover", r))
			metrics.AlertPumpRestartsTotal.Inc()
			w.bus.Publish(domain.NewHealthChangedEvent(id, "alert_pump", domain.HealthDegraded))
		}
	}()

	select {
	case <-sess.GotInfo():
		w.emitAlert(alertMsg{id: id, kind: alertMetadata})
	case <-ctx.Done():
		return
	case <-w.removalSignal(id):
		return
	}

	cadence := w.currentProfile().StatsCadence
	if cadence <= 0 {
		cadence = statsCadenceDefault
	}
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.removalSignal(id):
			return
		case <-ticker.C:
			w.emitAlert(alertMsg{id: id, kind: alertStats})
		}
	}
}

func (w *Worker) removalSignal(id domain.TorrentID) <-chan struct{} {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if ch, ok := w.removing[id]; ok {
		return ch
	}
	return nil
}

func (w *Worker) emitAlert(am alertMsg) {
	select {
	case w.alertCh <- am:
	default:
		w.logger.Warn("alert channel full, dropping alert", slog.String("id", am.id.String()), slog.Int("kind", int(am.kind)))
	}
}

// handleAlert runs on the single command-loop goroutine, so every state
// transition and event publish it triggers is serialized against command
// handling.
func (w *Worker) handleAlert(ctx context.Context, am alertMsg) {
	w.mu.RLock()
	sess, hasSession := w.sessions[am.id]
	record, hasRecord := w.records[am.id]
	w.mu.RUnlock()
	if !hasSession || !hasRecord {
		return
	}

	switch am.kind {
	case alertMetadata:
		w.handleMetadataAlert(ctx, am.id, sess, record)
	case alertStats:
		w.handleStatsAlert(am.id, sess, record)
	case alertPumpStopped:
		w.bus.Publish(domain.NewHealthChangedEvent(am.id, "alert_pump", domain.HealthDegraded))
	}
}

func (w *Worker) handleMetadataAlert(ctx context.Context, id domain.TorrentID, sess ports.Session, record domain.TorrentRecord) {
	// A non-empty record.Files at this point means the record came from a
	// restart reconciliation sidecar rather than a fresh Add: its
	// per-file Priority values are what was last persisted, so they form
	// the "expected" side of the reconciliation diff spec scenario 3 asks
	// for. A fresh Add always starts with an empty Files slice.
	previousFiles := record.Files

	files := sess.Files()
	record.Files = files
	record.Name = record.Source.SavePath
	if len(files) > 0 {
		record.TotalBytes = 0
		for _, f := range files {
			record.TotalBytes += f.Length
		}
	}
	record.UpdatedAt = time.Now()

	w.mu.Lock()
	w.records[id] = record
	w.mu.Unlock()

	w.bus.Publish(domain.NewFilesDiscoveredEvent(id, files))

	priorities := resolvePriorities(record.Selection, files)
	if len(priorities) > 0 {
		if err := sess.SetSelection(priorities); err != nil {
			w.logger.Warn("initial selection apply failed", slog.String("id", id.String()), slog.Any("err", err))
		} else if len(previousFiles) > 0 {
			expected := make(map[int]domain.Priority, len(previousFiles))
			for _, f := range previousFiles {
				expected[f.Index] = f.Priority
			}
			diff := diffPriorities(expected, files)
			w.bus.Publish(domain.NewSelectionReconciledDiffEvent(id, priorities, diff))
		} else {
			w.bus.Publish(domain.NewSelectionReconciledEvent(id, priorities))
		}
	}

	w.transition(id, domain.StatusChecking, domain.ReasonNone)
	w.scheduleSidecarWrite(ctx, id, false)
}

func (w *Worker) handleStatsAlert(id domain.TorrentID, sess ports.Session, record domain.TorrentRecord) {
	stats := sess.Stats()

	phase, _ := domain.DeriveTransferPhase(record.Status, record.TotalBytes, stats.DoneBytes)
	w.coalescer.enqueue(progressPatch{
		id:    id,
		done:  stats.DoneBytes,
		total: stats.TotalBytes,
		down:  stats.DownloadRate,
		up:    stats.UploadRate,
		peers: stats.Peers,
		phase: phase,
	})

	w.mu.Lock()
	record, ok := w.records[id]
	if !ok {
		w.mu.Unlock()
		return
	}
	record.DoneBytes = stats.DoneBytes
	record.TotalBytes = stats.TotalBytes
	record.DownloadRate = stats.DownloadRate
	record.UploadRate = stats.UploadRate
	record.UpdatedAt = time.Now()
	from := record.Status
	w.records[id] = record
	w.mu.Unlock()

	if stats.Peers == 0 && from.IsActive() {
		w.bus.Publish(domain.NewHealthChangedEvent(id, "peers", domain.HealthNoPeers))
	}

	switch {
	case stats.Complete && stats.Seeding && from != domain.StatusSeeding && from != domain.StatusComplete:
		w.transition(id, domain.StatusSeeding, domain.ReasonNone)
		w.bus.Publish(domain.NewCompletedEvent(id))
	case stats.Complete && !stats.Seeding && from != domain.StatusComplete:
		w.transition(id, domain.StatusComplete, domain.ReasonNone)
		w.bus.Publish(domain.NewCompletedEvent(id))
	case from == domain.StatusChecking && stats.DoneBytes > 0:
		w.transition(id, domain.StatusDownloading, domain.ReasonNone)
	}
}
