package engine

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"revaer.io/engine/internal/domain"
	"revaer.io/engine/internal/domain/ports"
	"revaer.io/engine/internal/metrics"
)

const maxTrackerURLLength = 2048

var allowedTrackerSchemes = map[string]bool{"http": true, "https": true, "udp": true, "wss": true, "ws": true}
var allowedWebSeedSchemes = map[string]bool{"http": true, "https": true}

func (w *Worker) handleCommand(ctx context.Context, cmd domain.EngineCommand) error {
	name := commandName(cmd)
	metrics.CommandsTotal.WithLabelValues(name).Inc()
	err := w.dispatchCommand(ctx, cmd)
	if err != nil {
		metrics.CommandErrorsTotal.WithLabelValues(name, string(errorKind(err))).Inc()
	}
	return err
}

func errorKind(err error) domain.ErrorKind {
	if ee, ok := err.(*domain.EngineError); ok {
		return ee.Kind
	}
	return domain.ErrKindInternalInvariant
}

func commandName(cmd domain.EngineCommand) string {
	switch cmd.(type) {
	case domain.AddTorrentCommand:
		return "add"
	case domain.RemoveTorrentCommand:
		return "remove"
	case domain.PauseCommand:
		return "pause"
	case domain.ResumeCommand:
		return "resume"
	case domain.ReannounceCommand:
		return "reannounce"
	case domain.ForceRecheckCommand:
		return "force_recheck"
	case domain.UpdateSelectionCommand:
		return "update_selection"
	case domain.UpdateOptionsCommand:
		return "update_options"
	case domain.UpdateRateLimitsCommand:
		return "update_rate_limits"
	case domain.UpdateTrackersCommand:
		return "update_trackers"
	case domain.UpdateWebSeedsCommand:
		return "update_web_seeds"
	case domain.MoveStorageCommand:
		return "move_storage"
	case domain.SetPieceDeadlineCommand:
		return "set_piece_deadline"
	case domain.ApplyProfileCommand:
		return "apply_profile"
	case domain.ShutdownCommand:
		return "shutdown"
	default:
		return "unknown"
	}
}

func (w *Worker) dispatchCommand(ctx context.Context, cmd domain.EngineCommand) error {
	switch c := cmd.(type) {
	case domain.AddTorrentCommand:
		return w.handleAdd(ctx, c)
	case domain.RemoveTorrentCommand:
		return w.handleRemove(ctx, c)
	case domain.PauseCommand:
		return w.handlePause(c)
	case domain.ResumeCommand:
		return w.handleResume(c)
	case domain.ReannounceCommand:
		return w.handleReannounce(ctx, c)
	case domain.ForceRecheckCommand:
		return w.handleForceRecheck(c)
	case domain.UpdateSelectionCommand:
		return w.handleUpdateSelection(ctx, c)
	case domain.UpdateOptionsCommand:
		return w.handleUpdateOptions(ctx, c)
	case domain.UpdateRateLimitsCommand:
		return w.handleUpdateRateLimits(ctx, c)
	case domain.UpdateTrackersCommand:
		return w.handleUpdateTrackers(ctx, c)
	case domain.UpdateWebSeedsCommand:
		return w.handleUpdateWebSeeds(ctx, c)
	case domain.MoveStorageCommand:
		return w.handleMoveStorage(ctx, c)
	case domain.SetPieceDeadlineCommand:
		// anacrolix/torrent exposes no per-piece deadline knob in the
		// capability set internal/engine/libtorrent wraps; accepted as a
		// committed no-op rather than rejected, since it changes no
		// observable state the worker is responsible for.
		return nil
	case domain.ApplyProfileCommand:
		w.setProfile(c.Profile)
		w.policy.apply(ctx, c.Profile)
		return nil
	case domain.ShutdownCommand:
		return w.handleShutdown(c)
	default:
		return domain.WrapKind(domain.ErrKindInvalidArgument, domain.TorrentID{}, fmt.Errorf("unknown command %T", cmd))
	}
}

func (w *Worker) handleAdd(ctx context.Context, c domain.AddTorrentCommand) error {
	w.mu.RLock()
	_, exists := w.records[c.ID]
	w.mu.RUnlock()
	if exists {
		return domain.WrapKind(domain.ErrKindAlreadyExists, c.ID, domain.ErrAlreadyExists)
	}

	if c.Options.SeedMode && len(c.Source.TorrentFile) == 0 {
		return domain.WrapKind(domain.ErrKindInvalidArgument, c.ID, fmt.Errorf("seed_mode requires metainfo, not a magnet"))
	}
	if c.Source.SavePath == "" {
		return domain.WrapKind(domain.ErrKindInvalidArgument, c.ID, fmt.Errorf("save_path must not be empty"))
	}
	if err := validateURLs(c.Trackers, allowedTrackerSchemes); err != nil {
		return domain.WrapKind(domain.ErrKindInvalidArgument, c.ID, err)
	}
	if err := validateURLList(c.WebSeeds, allowedWebSeedSchemes); err != nil {
		return domain.WrapKind(domain.ErrKindInvalidArgument, c.ID, err)
	}

	now := time.Now()
	record := domain.TorrentRecord{
		ID:        c.ID,
		Status:    domain.StatusAwaitingMetadata,
		Source:    c.Source,
		Selection: c.Selection,
		Options:   c.Options,
		Trackers:  c.Trackers,
		WebSeeds:  c.WebSeeds,
		SavePath:  c.Source.SavePath,
		Tags:      c.Tags,
		Category:  c.Category,
		CreatedAt: now,
		UpdatedAt: now,
	}

	w.mu.Lock()
	w.records[c.ID] = record
	w.mu.Unlock()

	w.scheduleSidecarWrite(ctx, c.ID, true)

	err := w.pool.run(ctx, func() error {
		s, openErr := w.eng.Open(ctx, c.ID, c.Source)
		if openErr != nil {
			return openErr
		}
		w.mu.Lock()
		w.sessions[c.ID] = s
		w.mu.Unlock()
		return nil
	})
	if err != nil {
		w.transition(c.ID, domain.StatusErrored, domain.ReasonDiskError)
		return domain.WrapKind(domain.ErrKindInternalInvariant, c.ID, err)
	}

	w.updateActiveSessionsMetric()
	w.bus.Publish(domain.NewTorrentAddedEvent(c.ID, record.Name))
	go w.runAlertPump(ctx, c.ID)
	return nil
}

// updateActiveSessionsMetric reflects the current session count into
// metrics.ActiveSessions; called from every site that adds or removes a
// session entry.
func (w *Worker) updateActiveSessionsMetric() {
	w.mu.RLock()
	n := len(w.sessions)
	w.mu.RUnlock()
	metrics.ActiveSessions.Set(float64(n))
}

func (w *Worker) handleRemove(ctx context.Context, c domain.RemoveTorrentCommand) error {
	w.mu.Lock()
	record, ok := w.records[c.ID]
	if !ok {
		w.mu.Unlock()
		return domain.WrapKind(domain.ErrKindNotFound, c.ID, domain.ErrNotFound)
	}
	if record.Status == domain.StatusRemoving {
		w.mu.Unlock()
		return nil
	}
	from := record.Status
	record.Status = domain.StatusRemoving
	record.UpdatedAt = time.Now()
	w.records[c.ID] = record
	sess, hasSession := w.sessions[c.ID]
	ack := make(chan struct{})
	w.removing[c.ID] = ack
	w.mu.Unlock()

	w.bus.Publish(domain.NewStateChangedEvent(c.ID, from, domain.StatusRemoving, domain.ReasonUserAction))

	go func() {
		if hasSession {
			if err := w.pool.run(ctx, sess.Close); err != nil {
				w.logger.Warn("session close during remove failed", "id", c.ID.String(), "err", err)
			}
		}
		close(ack)
	}()

	select {
	case <-ack:
	case <-time.After(removalAckTimeout):
		w.bus.Publish(domain.NewErrorEvent(c.ID, domain.ErrKindRemovalStuck, "library did not acknowledge removal in time"))
		return nil
	}

	if err := w.resume.Delete(ctx, c.ID); err != nil {
		w.logger.Warn("resume delete failed", "id", c.ID.String(), "err", err)
	}

	w.mu.Lock()
	delete(w.records, c.ID)
	delete(w.sessions, c.ID)
	delete(w.removing, c.ID)
	w.mu.Unlock()
	w.updateActiveSessionsMetric()
	return nil
}

func (w *Worker) handlePause(c domain.PauseCommand) error {
	sess, record, err := w.lookupActive(c.ID)
	if err != nil {
		return err
	}
	if pauseErr := sess.Pause(); pauseErr != nil {
		return domain.WrapKind(domain.ErrKindInternalInvariant, c.ID, pauseErr)
	}
	w.transition(c.ID, domain.StatusPaused, domain.ReasonUserAction)
	_ = record
	return nil
}

func (w *Worker) handleResume(c domain.ResumeCommand) error {
	sess, record, err := w.lookupActive(c.ID)
	if err != nil {
		return err
	}
	if record.Status != domain.StatusPaused {
		return domain.WrapKind(domain.ErrKindConflictingState, c.ID, fmt.Errorf("torrent is not paused"))
	}
	if resumeErr := sess.Resume(); resumeErr != nil {
		return domain.WrapKind(domain.ErrKindInternalInvariant, c.ID, resumeErr)
	}
	target := record.PrePauseStatus
	if target == "" {
		target = domain.StatusQueued
	}
	w.transition(c.ID, target, domain.ReasonUserAction)
	return nil
}

func (w *Worker) handleReannounce(ctx context.Context, c domain.ReannounceCommand) error {
	sess, _, err := w.lookupActive(c.ID)
	if err != nil {
		return err
	}
	return sess.Reannounce(ctx)
}

func (w *Worker) handleForceRecheck(c domain.ForceRecheckCommand) error {
	sess, _, err := w.lookupActive(c.ID)
	if err != nil {
		return err
	}
	if recheckErr := sess.ForceRecheck(); recheckErr != nil {
		return domain.WrapKind(domain.ErrKindInternalInvariant, c.ID, recheckErr)
	}
	w.transition(c.ID, domain.StatusChecking, domain.ReasonUserAction)
	return nil
}

func (w *Worker) handleUpdateSelection(ctx context.Context, c domain.UpdateSelectionCommand) error {
	sess, record, err := w.lookupActive(c.ID)
	if err != nil {
		return err
	}
	priorities := resolvePriorities(c.Selection, sess.Files())
	if setErr := sess.SetSelection(priorities); setErr != nil {
		return domain.WrapKind(domain.ErrKindInvalidArgument, c.ID, setErr)
	}

	record.Selection = c.Selection.Clone()
	record.UpdatedAt = time.Now()
	w.mu.Lock()
	w.records[c.ID] = record
	w.mu.Unlock()

	w.bus.Publish(domain.NewSelectionReconciledEvent(c.ID, priorities))
	w.scheduleSidecarWrite(ctx, c.ID, false)
	return nil
}

func (w *Worker) handleUpdateOptions(ctx context.Context, c domain.UpdateOptionsCommand) error {
	_, record, err := w.lookupActive(c.ID)
	if err != nil {
		return err
	}
	record.Options = record.Options.Apply(c.Patch)
	record.UpdatedAt = time.Now()
	w.mu.Lock()
	w.records[c.ID] = record
	w.mu.Unlock()
	w.scheduleSidecarWrite(ctx, c.ID, false)
	return nil
}

func (w *Worker) handleUpdateRateLimits(ctx context.Context, c domain.UpdateRateLimitsCommand) error {
	if !c.ID.IsZero() {
		// Per-torrent caps are not exposed by internal/engine/libtorrent's
		// capability set (the adapter only wraps the client-wide
		// limiter); the only component gated by a per-torrent cap today
		// is w.mover, MoveStorage's staging buffer. The request is still
		// recorded on the record's EffectiveCaps so a later MoveStorage
		// uses it; the sidecar has no rate-cap field and does not keep it.
		w.mu.Lock()
		record, ok := w.records[c.ID]
		if !ok {
			w.mu.Unlock()
			return domain.WrapKind(domain.ErrKindNotFound, c.ID, domain.ErrNotFound)
		}
		record.EffectiveCaps = domain.RateCaps{DownloadBytesPerSec: c.DownloadBytesPerSec, UploadBytesPerSec: c.UploadBytesPerSec}
		record.UpdatedAt = time.Now()
		w.records[c.ID] = record
		w.mu.Unlock()
		w.scheduleSidecarWrite(ctx, c.ID, false)
		return nil
	}

	profile := w.currentProfile()
	profile.GlobalDownloadRateBytesPerSec = c.DownloadBytesPerSec
	profile.GlobalUploadRateBytesPerSec = c.UploadBytesPerSec
	w.setProfile(profile)
	w.policy.apply(ctx, profile)
	go w.watchRateLimitLag(ctx, profile)
	return nil
}

// watchRateLimitLag is UpdateRateLimits' own convergence check: a caller
// that explicitly asked for new global caps gets a dedicated
// GuardRailTripped{RateLimitLag} if the library hasn't converged within
// policyReadbackDelay, distinct from ApplyProfile's generic
// PolicyNotApplied readback in policyApplier.
func (w *Worker) watchRateLimitLag(ctx context.Context, profile domain.EngineProfile) {
	wantDown, wantUp := effectiveCaps(profile)
	timer := time.NewTimer(policyReadbackDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	gotDown, gotUp := w.eng.EffectiveRateLimits()
	if gotDown != wantDown || gotUp != wantUp {
		metrics.GuardRailTripsTotal.WithLabelValues(string(domain.GuardRailRateLimitLag)).Inc()
		w.bus.Publish(domain.NewGuardRailTrippedEvent(domain.TorrentID{}, domain.GuardRailRateLimitLag, "global_rate_limits"))
	}
}

func (w *Worker) handleUpdateTrackers(ctx context.Context, c domain.UpdateTrackersCommand) error {
	sess, record, err := w.lookupActive(c.ID)
	if err != nil {
		return err
	}
	if err := validateURLs(c.Trackers, allowedTrackerSchemes); err != nil {
		return domain.WrapKind(domain.ErrKindInvalidArgument, c.ID, err)
	}
	record.Trackers = applyTrackerOp(record.Trackers, c.Trackers, c.Op)
	record.UpdatedAt = time.Now()
	w.mu.Lock()
	w.records[c.ID] = record
	w.mu.Unlock()
	if setErr := sess.SetTrackers(record.Trackers); setErr != nil {
		return domain.WrapKind(domain.ErrKindInternalInvariant, c.ID, setErr)
	}
	w.scheduleSidecarWrite(ctx, c.ID, false)
	return nil
}

func (w *Worker) handleUpdateWebSeeds(ctx context.Context, c domain.UpdateWebSeedsCommand) error {
	sess, record, err := w.lookupActive(c.ID)
	if err != nil {
		return err
	}
	if err := validateURLList(c.URLs, allowedWebSeedSchemes); err != nil {
		return domain.WrapKind(domain.ErrKindInvalidArgument, c.ID, err)
	}
	record.WebSeeds = applyURLListOp(record.WebSeeds, c.URLs, c.Op)
	record.UpdatedAt = time.Now()
	w.mu.Lock()
	w.records[c.ID] = record
	w.mu.Unlock()
	if setErr := sess.SetWebSeeds(record.WebSeeds); setErr != nil {
		return domain.WrapKind(domain.ErrKindInternalInvariant, c.ID, setErr)
	}
	w.scheduleSidecarWrite(ctx, c.ID, false)
	return nil
}

func (w *Worker) handleShutdown(c domain.ShutdownCommand) error {
	w.bus.Publish(domain.NewHealthChangedEvent(domain.TorrentID{}, "worker", domain.HealthDegraded))
	w.closeAllSessions()
	return nil
}

// lookupActive returns the session and record for id, or a
// domain.ErrKindNotFound error if id is unknown.
func (w *Worker) lookupActive(id domain.TorrentID) (ports.Session, domain.TorrentRecord, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.records[id]
	if !ok {
		return nil, domain.TorrentRecord{}, domain.WrapKind(domain.ErrKindNotFound, id, domain.ErrNotFound)
	}
	sess, ok := w.sessions[id]
	if !ok {
		return nil, domain.TorrentRecord{}, domain.WrapKind(domain.ErrKindConflictingState, id, fmt.Errorf("torrent has no open session yet"))
	}
	return sess, record, nil
}

func (w *Worker) transition(id domain.TorrentID, to domain.Status, reason domain.Reason) {
	w.mu.Lock()
	record, ok := w.records[id]
	if !ok {
		w.mu.Unlock()
		return
	}
	from := record.Status
	if !domain.CanTransition(from, to) {
		w.mu.Unlock()
		w.logger.Warn("rejected illegal state transition", "id", id.String(), "from", from, "to", to)
		return
	}
	if to == domain.StatusPaused {
		record.PrePauseStatus = from
	}
	record.Status = to
	record.Reason = reason
	record.UpdatedAt = time.Now()
	w.records[id] = record
	w.mu.Unlock()

	if to == domain.StatusChecking {
		w.checkingStarted.Store(id, time.Now())
	} else if from == domain.StatusChecking {
		if started, ok := w.checkingStarted.LoadAndDelete(id); ok {
			metrics.VerifyDuration.Observe(time.Since(started.(time.Time)).Seconds())
		}
	}

	w.bus.Publish(domain.NewStateChangedEvent(id, from, to, reason))
}

// scheduleSidecarWrite persists id's current record as a sidecar,
// debounced to at most one write per 2s unless force is set (used for
// the provisional sidecar written at Add time).
func (w *Worker) scheduleSidecarWrite(ctx context.Context, id domain.TorrentID, force bool) {
	if !force {
		if last, ok := w.writeCounters.Load(id); ok {
			if time.Since(last.(time.Time)) < 2*time.Second {
				return
			}
		}
	}
	w.writeCounters.Store(id, time.Now())

	w.mu.RLock()
	record, ok := w.records[id]
	w.mu.RUnlock()
	if !ok {
		return
	}
	sidecar := domain.SidecarFromRecord(record)
	if err := w.resume.Save(ctx, sidecar, nil); err != nil {
		metrics.ResumeWriteFailuresTotal.Inc()
		w.logger.Warn("sidecar write failed", "id", id.String(), "err", err)
	}
}

// reconcileFromResumeStore implements the boot sequence's directory scan:
// every sidecar on disk gets a record and a reopened session before the
// command loop starts accepting new work, so a restart never drops a
// torrent the caller already believes exists.
func (w *Worker) reconcileFromResumeStore(ctx context.Context) error {
	ids, err := w.resume.List(ctx)
	if err != nil {
		return fmt.Errorf("list resume sidecars: %w", err)
	}

	for _, id := range ids {
		sidecar, _, loadErr := w.resume.Load(ctx, id)
		if loadErr != nil {
			w.logger.Error("sidecar failed to load, skipping", "id", id.String(), "err", loadErr)
			w.bus.Publish(domain.NewErrorEvent(id, domain.ErrKindResumeCorrupt, loadErr.Error()))
			continue
		}

		record := domain.TorrentRecord{
			ID:        id,
			Name:      sidecar.Name,
			Status:    domain.StatusAwaitingMetadata,
			Source:    domain.TorrentSource{SavePath: sidecar.SavePath},
			Files:     sidecar.Files,
			Selection: sidecar.Selection,
			Options:   sidecar.Options,
			Trackers:  sidecar.Trackers,
			WebSeeds:  sidecar.WebSeeds,
			SavePath:  sidecar.SavePath,
			Tags:      sidecar.Tags,
			Category:  sidecar.Category,
			CreatedAt: sidecar.SavedAt,
			UpdatedAt: sidecar.SavedAt,
		}

		w.mu.Lock()
		w.records[id] = record
		w.mu.Unlock()

		source := record.Source
		openErr := w.pool.run(ctx, func() error {
			s, err := w.eng.Open(ctx, id, source)
			if err != nil {
				return err
			}
			w.mu.Lock()
			w.sessions[id] = s
			w.mu.Unlock()
			return nil
		})
		if openErr != nil {
			w.logger.Error("reopen session during reconcile failed", "id", id.String(), "err", openErr)
			w.transition(id, domain.StatusErrored, domain.ReasonDiskError)
			continue
		}

		go w.runAlertPump(ctx, id)
	}
	w.updateActiveSessionsMetric()
	return nil
}

func validateURLs(tiers [][]string, allowed map[string]bool) error {
	for _, tier := range tiers {
		if err := validateURLList(tier, allowed); err != nil {
			return err
		}
	}
	return nil
}

func validateURLList(urls []string, allowed map[string]bool) error {
	for _, raw := range urls {
		if len(raw) > maxTrackerURLLength {
			return fmt.Errorf("url exceeds max length: %d", len(raw))
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid url %q: %w", raw, err)
		}
		if !allowed[u.Scheme] {
			return fmt.Errorf("disallowed url scheme %q", u.Scheme)
		}
	}
	return nil
}

func applyTrackerOp(current, patch [][]string, op domain.TrackerOp) [][]string {
	switch op {
	case domain.TrackerOpAdd:
		return append(append([][]string(nil), current...), patch...)
	case domain.TrackerOpRemove:
		remove := make(map[string]bool)
		for _, tier := range patch {
			for _, u := range tier {
				remove[u] = true
			}
		}
		out := make([][]string, 0, len(current))
		for _, tier := range current {
			keep := make([]string, 0, len(tier))
			for _, u := range tier {
				if !remove[u] {
					keep = append(keep, u)
				}
			}
			if len(keep) > 0 {
				out = append(out, keep)
			}
		}
		return out
	default:
		return patch
	}
}

func applyURLListOp(current, patch []string, op domain.TrackerOp) []string {
	switch op {
	case domain.TrackerOpAdd:
		return append(append([]string(nil), current...), patch...)
	case domain.TrackerOpRemove:
		remove := make(map[string]bool, len(patch))
		for _, u := range patch {
			remove[u] = true
		}
		out := make([]string, 0, len(current))
		for _, u := range current {
			if !remove[u] {
				out = append(out, u)
			}
		}
		return out
	default:
		return patch
	}
}
