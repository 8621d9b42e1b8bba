package domain

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// TorrentID is an opaque, client-generated 128-bit identifier. It is
// distinct from the BitTorrent info-hash: two add calls for the same
// info-hash produce two different TorrentIDs unless the caller explicitly
// reuses one.
type TorrentID [16]byte

// NewTorrentID generates a fresh random identifier.
func NewTorrentID() TorrentID {
	return TorrentID(uuid.New())
}

func (id TorrentID) String() string {
	return uuid.UUID(id).String()
}

func (id TorrentID) IsZero() bool {
	return id == TorrentID{}
}

func (id TorrentID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

func (id *TorrentID) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("domain: invalid TorrentID json %q", s)
	}
	parsed, err := uuid.Parse(s[1 : len(s)-1])
	if err != nil {
		return fmt.Errorf("domain: parse TorrentID: %w", err)
	}
	*id = TorrentID(parsed)
	return nil
}

func ParseTorrentID(s string) (TorrentID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TorrentID{}, fmt.Errorf("domain: parse TorrentID: %w", err)
	}
	return TorrentID(u), nil
}

// HashAlgo distinguishes the two BitTorrent info-hash families. v2 torrents
// carry a 32-byte SHA-256 root; v1 (and hybrid) torrents carry a 20-byte
// SHA-1 digest.
type HashAlgo int

const (
	HashAlgoV1 HashAlgo = iota
	HashAlgoV2
)

// InfoHash holds the raw digest bytes alongside which algorithm produced
// them, so a v1 and a v2 hash of the same length are never confused.
type InfoHash struct {
	Algo HashAlgo
	Raw  []byte
}

func (h InfoHash) String() string {
	return hex.EncodeToString(h.Raw)
}

func (h InfoHash) IsZero() bool {
	return len(h.Raw) == 0
}
