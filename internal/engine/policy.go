package engine

import (
	"context"
	"log/slog"
	"time"

	"revaer.io/engine/internal/domain"
	"revaer.io/engine/internal/domain/ports"
	"revaer.io/engine/internal/metrics"
)

// policyReadbackDelay bounds how long a requested rate cap has to be
// reflected back by the library before the worker raises
// GuardRailTripped{PolicyNotApplied}.
const policyReadbackDelay = 2 * time.Second

// policyApplier converts an EngineProfile into library settings and
// verifies the library actually applied them. It holds no long-lived
// state of its own: every call is independently idempotent, so
// reapplying an unchanged profile is a readback no-op.
type policyApplier struct {
	eng    ports.Engine
	bus    ports.EventBus
	logger *slog.Logger
}

func newPolicyApplier(eng ports.Engine, bus ports.EventBus, logger *slog.Logger) *policyApplier {
	return &policyApplier{eng: eng, bus: bus, logger: logger}
}

// apply pushes the profile's global caps and connection limit to the
// adapter, then schedules a readback check after policyReadbackDelay.
// The check runs on its own goroutine so ApplyProfile's command handler
// returns immediately, applying the delta in one call without blocking
// the command loop for 2 seconds.
func (p *policyApplier) apply(ctx context.Context, profile domain.EngineProfile) {
	down, up := effectiveCaps(profile)
	p.eng.ApplyGlobalRateLimits(down, up)
	if profile.MaxConnectionsGlobal > 0 {
		p.eng.SetGlobalConnectionLimit(profile.MaxConnectionsGlobal)
	}

	go p.verifyReadback(ctx, down, up, profile.ZeroCapMeansUnlimited)
}

func (p *policyApplier) verifyReadback(ctx context.Context, wantDown, wantUp int64, zeroCapMeansUnlimited bool) {
	timer := time.NewTimer(policyReadbackDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	gotDown, gotUp := p.eng.EffectiveRateLimits()
	// A literal zero without ZeroCapMeansUnlimited reads back as 0, which
	// the adapter treats as "no cap", so it never takes effect.
	if gotDown != wantDown || (wantDown == 0 && !zeroCapMeansUnlimited) {
		p.trip("download_bytes_per_sec", wantDown, gotDown)
	}
	if gotUp != wantUp || (wantUp == 0 && !zeroCapMeansUnlimited) {
		p.trip("upload_bytes_per_sec", wantUp, gotUp)
	}
}

func (p *policyApplier) trip(field string, want, got int64) {
	p.logger.Warn("policy readback deviated from requested value",
		slog.String("field", field), slog.Int64("want", want), slog.Int64("got", got))
	metrics.GuardRailTripsTotal.WithLabelValues(string(domain.GuardRailPolicyNotApplied)).Inc()
	p.bus.Publish(domain.NewGuardRailTrippedEvent(domain.TorrentID{}, domain.GuardRailPolicyNotApplied, field))
}

// effectiveCaps applies invariant 6: the requested caps are pushed through
// exactly as written, never substituted for a stand-in value. When
// ZeroCapMeansUnlimited is false and the profile requests a literal zero
// ("paused at throttle"), the adapter's own rate limiter still treats 0 as
// "no cap" (ports.Engine.EffectiveRateLimits documents this convention),
// so the 2-second readback in verifyReadback trips PolicyNotApplied for
// such a zero, since the library's convention cannot express a genuine
// zero-throughput pause. watchRateLimitLag compares values only and does
// not trip on this case.
func effectiveCaps(profile domain.EngineProfile) (downloadBytesPerSec, uploadBytesPerSec int64) {
	return profile.GlobalDownloadRateBytesPerSec, profile.GlobalUploadRateBytesPerSec
}
