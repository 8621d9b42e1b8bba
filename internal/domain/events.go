package domain

import "time"

// EngineEvent is a closed sum type dispatched out through the event bus.
type EngineEvent interface {
	isEngineEvent()
	TorrentID() TorrentID
}

type baseEvent struct {
	ID TorrentID
	At time.Time
}

func (b baseEvent) TorrentID() TorrentID { return b.ID }

type TorrentAddedEvent struct {
	baseEvent
	Name string
}

type FilesDiscoveredEvent struct {
	baseEvent
	Files []FileRef
}

type ProgressEvent struct {
	baseEvent
	DoneBytes     int64
	TotalBytes    int64
	DownloadRate  int64
	UploadRate    int64
	Peers         int
	TransferPhase TransferPhase
}

type StateChangedEvent struct {
	baseEvent
	From   Status
	To     Status
	Reason Reason
}

type CompletedEvent struct {
	baseEvent
}

type ErrorEvent struct {
	baseEvent
	Kind   ErrorKind
	Detail string
}

// PriorityDiff describes one file whose library-reported priority at
// restart reconciliation did not match the priority the sidecar recorded
// for it.
type PriorityDiff struct {
	File     int      `json:"file"`
	Expected Priority `json:"expected"`
	Actual   Priority `json:"actual"`
}

type SelectionReconciledEvent struct {
	baseEvent
	Applied map[int]Priority
	// Diff is non-empty only on restart reconciliation, when the
	// priorities the library reports once metadata arrives (read before
	// the sidecar's priorities are reapplied) deviate from the sidecar's.
	Diff []PriorityDiff
}

type HealthKind string

const (
	HealthHealthy    HealthKind = "healthy"
	HealthDegraded   HealthKind = "degraded"
	HealthNoPeers    HealthKind = "no_peers"
	HealthNoTrackers HealthKind = "no_trackers"
)

type HealthChangedEvent struct {
	baseEvent
	Component string
	Health    HealthKind
}

type GuardRailKind string

const (
	GuardRailPolicyNotApplied GuardRailKind = "policy_not_applied"
	GuardRailDiskQuota        GuardRailKind = "disk_quota"
	GuardRailRateLimit        GuardRailKind = "rate_limit"
	GuardRailRateLimitLag     GuardRailKind = "rate_limit_lag"
)

type GuardRailTrippedEvent struct {
	baseEvent
	Kind   GuardRailKind
	Detail string
}

func newBase(id TorrentID) baseEvent {
	return baseEvent{ID: id, At: time.Now()}
}

func NewTorrentAddedEvent(id TorrentID, name string) TorrentAddedEvent {
	return TorrentAddedEvent{baseEvent: newBase(id), Name: name}
}

func NewFilesDiscoveredEvent(id TorrentID, files []FileRef) FilesDiscoveredEvent {
	return FilesDiscoveredEvent{baseEvent: newBase(id), Files: files}
}

func NewProgressEvent(id TorrentID, done, total, down, up int64, peers int, phase TransferPhase) ProgressEvent {
	return ProgressEvent{
		baseEvent:     newBase(id),
		DoneBytes:     done,
		TotalBytes:    total,
		DownloadRate:  down,
		UploadRate:    up,
		Peers:         peers,
		TransferPhase: phase,
	}
}

func NewStateChangedEvent(id TorrentID, from, to Status, reason Reason) StateChangedEvent {
	return StateChangedEvent{baseEvent: newBase(id), From: from, To: to, Reason: reason}
}

func NewCompletedEvent(id TorrentID) CompletedEvent {
	return CompletedEvent{baseEvent: newBase(id)}
}

func NewErrorEvent(id TorrentID, kind ErrorKind, detail string) ErrorEvent {
	return ErrorEvent{baseEvent: newBase(id), Kind: kind, Detail: detail}
}

func NewSelectionReconciledEvent(id TorrentID, applied map[int]Priority) SelectionReconciledEvent {
	return SelectionReconciledEvent{baseEvent: newBase(id), Applied: applied}
}

// NewSelectionReconciledDiffEvent is used on restart reconciliation, when
// the freshly-discovered priorities are compared against what the sidecar
// last recorded for the same torrent.
func NewSelectionReconciledDiffEvent(id TorrentID, applied map[int]Priority, diff []PriorityDiff) SelectionReconciledEvent {
	return SelectionReconciledEvent{baseEvent: newBase(id), Applied: applied, Diff: diff}
}

// NewHealthChangedEvent reports process-wide health for a named component
// (e.g. "alert_pump", "listener"). id is the zero TorrentID unless the
// degradation is attributable to one torrent.
func NewHealthChangedEvent(id TorrentID, component string, health HealthKind) HealthChangedEvent {
	return HealthChangedEvent{baseEvent: newBase(id), Component: component, Health: health}
}

func NewGuardRailTrippedEvent(id TorrentID, kind GuardRailKind, detail string) GuardRailTrippedEvent {
	return GuardRailTrippedEvent{baseEvent: newBase(id), Kind: kind, Detail: detail}
}

func (TorrentAddedEvent) isEngineEvent()         {}
func (FilesDiscoveredEvent) isEngineEvent()      {}
func (ProgressEvent) isEngineEvent()             {}
func (StateChangedEvent) isEngineEvent()         {}
func (CompletedEvent) isEngineEvent()            {}
func (ErrorEvent) isEngineEvent()                {}
func (SelectionReconciledEvent) isEngineEvent()  {}
func (HealthChangedEvent) isEngineEvent()        {}
func (GuardRailTrippedEvent) isEngineEvent()     {}
