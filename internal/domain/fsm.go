package domain

import "errors"

// Status is the finite-state-machine state of one torrent session, per the
// lifecycle diagram: AwaitingMetadata -> Checking -> Queued/Downloading ->
// Seeding -> Complete, with Paused/Errored/Removing as side-states reachable
// from (almost) anywhere.
type Status string

const (
	StatusAwaitingMetadata Status = "awaiting_metadata"
	StatusChecking         Status = "checking"
	StatusQueued           Status = "queued"
	StatusDownloading      Status = "downloading"
	StatusSeeding          Status = "seeding"
	StatusComplete         Status = "complete"
	StatusPaused           Status = "paused"
	StatusErrored          Status = "errored"
	StatusRemoving         Status = "removing"
)

func (s Status) IsTerminal() bool {
	return s == StatusRemoving
}

func (s Status) IsActive() bool {
	switch s {
	case StatusChecking, StatusQueued, StatusDownloading, StatusSeeding:
		return true
	default:
		return false
	}
}

// Reason is a closed enum explaining why a Status transition happened. The
// engine never attaches free-form strings to a state change; every
// transition names one of these.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonUserAction    Reason = "user_action"
	ReasonPolicyCutoff  Reason = "policy_cutoff"
	ReasonHashMismatch  Reason = "hash_mismatch"
	ReasonDiskError     Reason = "disk_error"
	ReasonTrackerFatal  Reason = "tracker_fatal"
	ReasonShutdown      Reason = "shutdown"
)

var ErrInvalidTransition = errors.New("domain: invalid state transition")

// transitions is the adjacency list of allowed Status transitions. Paused,
// Errored and Removing are reachable from any non-terminal state, so they
// are added programmatically in init rather than spelled out per source
// state.
var transitions = map[Status][]Status{
	StatusAwaitingMetadata: {StatusChecking, StatusQueued},
	StatusChecking:         {StatusQueued, StatusDownloading, StatusSeeding},
	StatusQueued:           {StatusDownloading, StatusChecking},
	StatusDownloading:      {StatusSeeding, StatusComplete, StatusChecking},
	StatusSeeding:          {StatusComplete, StatusChecking},
	StatusComplete:         {StatusSeeding, StatusChecking},
	StatusPaused:           {StatusAwaitingMetadata, StatusQueued, StatusChecking, StatusDownloading, StatusSeeding, StatusComplete},
	StatusErrored:          {StatusChecking, StatusQueued},
}

var sideStates = []Status{StatusPaused, StatusErrored, StatusRemoving}

func init() {
	for from := range transitions {
		transitions[from] = append(transitions[from], sideStates...)
	}
}

// CanTransition reports whether moving from one Status to another is a
// legal FSM edge. Removing has no outgoing edges: once a torrent is
// removed its TorrentID is retired.
func CanTransition(from, to Status) bool {
	if from == StatusRemoving {
		return false
	}
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
