// Package model defines the core value types shared across the room
// synchronization subsystem: room and peer identifiers, file manifests,
// and chat messages.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
)

// ErrInvalidRoomID is returned when a RoomId fails the minimum-length
// boundary check.
var ErrInvalidRoomID = errors.New("model: room id must be at least 16 bytes")

// minRoomIDLen is the minimum accepted length of a RoomId, per the
// room-identifier invariant: short ids are rejected rather than silently
// accepted, since a short id is guessable and defeats the capability
// model a room link provides.
const minRoomIDLen = 16

// RoomId is an opaque, capability-bearing room identifier. It is never
// derived from user-controlled display data and carries no structure
// beyond its length.
type RoomId string

// Validate rejects a RoomId shorter than the minimum accepted length.
func (r RoomId) Validate() error {
	if len(r) < minRoomIDLen {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidRoomID, len(r))
	}
	return nil
}

// PeerId identifies a participant, stable for the lifetime of one
// process but not across restarts.
type PeerId string

// ContentId is a content-addressed identifier, backed by the CID
// primitive shared across the IPFS/boxo stack.
type ContentId struct {
	cid.Cid
}

// ParseContentId decodes a ContentId from its string form.
func ParseContentId(s string) (ContentId, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return ContentId{}, fmt.Errorf("model: parse content id: %w", err)
	}
	return ContentId{c}, nil
}

// String returns the canonical string encoding of the content id.
func (c ContentId) String() string {
	return c.Cid.String()
}

// FileEntry is one file advertised into a room's shared manifest.
type FileEntry struct {
	Cid        ContentId `json:"cid"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mimeType"`
	AddedBy    PeerId    `json:"addedBy"`
	AddedAt    time.Time `json:"addedAt"`
	ThumbCid   *ContentId `json:"thumbCid,omitempty"`
}

// Manifest is the set of files currently shared in a room, keyed by
// content id so re-adding the same content is idempotent.
type Manifest map[string]FileEntry

// ChatMessage is one append-only chat entry in a room's history.
type ChatMessage struct {
	MsgId     string    `json:"msgId"`
	From      PeerId    `json:"from"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sentAt"`
}
