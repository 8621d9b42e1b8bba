package domain

import (
	"errors"
	"fmt"
)

// ErrorKind closes the set of failure categories the engine ever reports.
// Callers switch on Kind, never on error string content.
type ErrorKind string

const (
	ErrKindInvalidArgument   ErrorKind = "invalid_argument"
	ErrKindNotFound          ErrorKind = "not_found"
	ErrKindAlreadyExists     ErrorKind = "already_exists"
	ErrKindUnsupported       ErrorKind = "unsupported"
	ErrKindResumeCorrupt     ErrorKind = "resume_corrupt"
	ErrKindDiskIO            ErrorKind = "disk_io"
	ErrKindPolicyNotApplied  ErrorKind = "policy_not_applied"
	ErrKindHashMismatch      ErrorKind = "hash_mismatch"
	ErrKindTrackerFatal      ErrorKind = "tracker_fatal"
	ErrKindStorageMoveFailed ErrorKind = "storage_move_failed"
	ErrKindShuttingDown      ErrorKind = "shutting_down"
	ErrKindInternalInvariant ErrorKind = "internal_invariant"
	ErrKindTimeout           ErrorKind = "timeout"
	ErrKindCancelled         ErrorKind = "cancelled"
	ErrKindConflictingState  ErrorKind = "conflicting_state"
	ErrKindResourceExhausted ErrorKind = "resource_exhausted"
	ErrKindRemovalStuck      ErrorKind = "removal_stuck"
	ErrKindListenBind        ErrorKind = "listen_bind"
	ErrKindTLSVerify         ErrorKind = "tls_verify"
	ErrKindRateLimitLag      ErrorKind = "rate_limit_lag"
)

// EngineError wraps an underlying error with a closed Kind and the
// TorrentID it concerns, if any.
type EngineError struct {
	Kind    ErrorKind
	Torrent TorrentID
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func WrapKind(kind ErrorKind, id TorrentID, err error) *EngineError {
	return &EngineError{Kind: kind, Torrent: id, Err: err}
}

var (
	ErrNotFound      = errors.New("domain: not found")
	ErrAlreadyExists = errors.New("domain: already exists")
	ErrUnsupported   = errors.New("domain: unsupported operation")
)

// Retriable reports whether this Kind is retried rather than
// reported-or-fatal.
func (k ErrorKind) Retriable() bool {
	switch k {
	case ErrKindTrackerFatal, ErrKindDiskIO, ErrKindTimeout:
		return true
	default:
		return false
	}
}

// Fatal reports whether this Kind always ends the affected torrent's
// session rather than merely being surfaced as an Error event.
func (k ErrorKind) Fatal() bool {
	switch k {
	case ErrKindHashMismatch, ErrKindShuttingDown:
		return true
	default:
		return false
	}
}

// GuardRail reports whether this Kind is a guard-rail violation, never
// terminal on its own. PolicyNotApplied and RateLimitLag are published as
// GuardRailTripped; RemovalStuck is published as an Error event.
func (k ErrorKind) GuardRail() bool {
	switch k {
	case ErrKindPolicyNotApplied, ErrKindRateLimitLag, ErrKindRemovalStuck:
		return true
	default:
		return false
	}
}
