package domain

import "time"

// EngineCommand is a closed sum type: the SessionWorker's command loop
// switches on concrete type via a type switch, never on a string tag.
type EngineCommand interface {
	isEngineCommand()
}

type AddTorrentCommand struct {
	ID        TorrentID
	Source    TorrentSource
	Selection Selection
	Options   Options
	Trackers  [][]string
	WebSeeds  []string
	Tags      []string
	Category  string
}

type RemoveTorrentCommand struct {
	ID          TorrentID
	DeleteFiles bool
}

type PauseCommand struct{ ID TorrentID }
type ResumeCommand struct{ ID TorrentID }
type ReannounceCommand struct{ ID TorrentID }
type ForceRecheckCommand struct{ ID TorrentID }

type UpdateSelectionCommand struct {
	ID        TorrentID
	Selection Selection
}

// OptionsPatch carries only the fields the caller wants to change;  nil
// pointer fields are left untouched. This mirrors UpdateRateLimitsCommand's
// "id? means global" optionality pattern for per-field granularity.
type OptionsPatch struct {
	AutoManaged    *bool
	Sequential     *bool
	SuperSeeding   *bool
	PEXEnabled     *bool
	SeedMode       *bool
	QueuePosition  *int
	SeedRatioLimit *float64
	SeedTimeLimit  *time.Duration
}

type UpdateOptionsCommand struct {
	ID    TorrentID
	Patch OptionsPatch
}

type UpdateRateLimitsCommand struct {
	ID                  TorrentID // zero value means "global"
	DownloadBytesPerSec int64
	UploadBytesPerSec   int64
}

// TrackerOp selects how UpdateTrackers/UpdateWebSeeds applies its URL
// list: a full replace, or an incremental add/remove against the current
// list.
type TrackerOp string

const (
	TrackerOpReplace TrackerOp = "replace"
	TrackerOpAdd     TrackerOp = "add"
	TrackerOpRemove  TrackerOp = "remove"
)

type UpdateTrackersCommand struct {
	ID       TorrentID
	Op       TrackerOp
	Trackers [][]string
}

type UpdateWebSeedsCommand struct {
	ID   TorrentID
	Op   TrackerOp
	URLs []string
}

type MoveStorageCommand struct {
	ID          TorrentID
	NewSavePath string
}

type SetPieceDeadlineCommand struct {
	ID       TorrentID
	Piece    int
	Deadline time.Duration
}

type ApplyProfileCommand struct {
	Profile EngineProfile
}

type ShutdownCommand struct {
	Reason Reason
}

// Apply returns a copy of o with every non-nil field from p overlaid.
func (o Options) Apply(p OptionsPatch) Options {
	out := o
	if p.AutoManaged != nil {
		out.AutoManaged = *p.AutoManaged
	}
	if p.Sequential != nil {
		out.Sequential = *p.Sequential
	}
	if p.SuperSeeding != nil {
		out.SuperSeeding = *p.SuperSeeding
	}
	if p.PEXEnabled != nil {
		out.PEXEnabled = *p.PEXEnabled
	}
	if p.SeedMode != nil {
		out.SeedMode = *p.SeedMode
	}
	if p.QueuePosition != nil {
		out.QueuePosition = *p.QueuePosition
	}
	if p.SeedRatioLimit != nil {
		out.SeedRatioLimit = p.SeedRatioLimit
	}
	if p.SeedTimeLimit != nil {
		out.SeedTimeLimit = p.SeedTimeLimit
	}
	return out
}

func (AddTorrentCommand) isEngineCommand()       {}
func (RemoveTorrentCommand) isEngineCommand()    {}
func (PauseCommand) isEngineCommand()            {}
func (ResumeCommand) isEngineCommand()           {}
func (ReannounceCommand) isEngineCommand()       {}
func (ForceRecheckCommand) isEngineCommand()     {}
func (UpdateSelectionCommand) isEngineCommand()  {}
func (UpdateOptionsCommand) isEngineCommand()    {}
func (UpdateRateLimitsCommand) isEngineCommand() {}
func (UpdateTrackersCommand) isEngineCommand()   {}
func (UpdateWebSeedsCommand) isEngineCommand()   {}
func (MoveStorageCommand) isEngineCommand()      {}
func (SetPieceDeadlineCommand) isEngineCommand() {}
func (ApplyProfileCommand) isEngineCommand()     {}
func (ShutdownCommand) isEngineCommand()         {}
