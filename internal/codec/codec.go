// Package codec implements the tagged, length-prefixed wire framing used
// between peers and between a peer and a hub. Every frame is a 4-byte
// big-endian length prefix followed by a CBOR-encoded envelope carrying a
// tag and an opaque payload.
package codec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Tag discriminates the kind of control message carried by an envelope.
type Tag string

const (
	TagJoinRoom        Tag = "JOIN_ROOM"
	TagSyncFullState   Tag = "SYNC_FULL_STATE"
	TagYUpdate         Tag = "Y_UPDATE"
	TagSnapshotRequest Tag = "SNAPSHOT_REQUEST"
	TagSnapshot        Tag = "SNAPSHOT"
	TagFileRequest     Tag = "FILE_REQUEST"
)

// maxFrameLen bounds a single decoded frame to guard against a
// malformed or hostile length prefix forcing an unbounded allocation.
const maxFrameLen = 64 << 20 // 64 MiB

// Envelope is the wire-level container: a tag plus its opaque,
// tag-specific payload bytes (itself usually CBOR-encoded).
type Envelope struct {
	Tag     Tag    `cbor:"t"`
	Payload []byte `cbor:"p"`
}

// Encode wraps payload in an envelope for the given tag and serializes
// it to CBOR, ready to be length-prefixed by WriteFrame.
func Encode(tag Tag, payload []byte) ([]byte, error) {
	b, err := cbor.Marshal(Envelope{Tag: tag, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("codec: encode envelope: %w", err)
	}
	return b, nil
}

// Decode parses a serialized envelope.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("codec: decode envelope: %w", err)
	}
	return env, nil
}

// WriteFrame writes a single length-prefixed frame to w.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > maxFrameLen {
		return fmt.Errorf("codec: frame too large: %d bytes", len(body))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("codec: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("codec: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads a single length-prefixed frame from r.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("codec: frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("codec: read frame body: %w", err)
	}
	return body, nil
}

// WriteMessage encodes tag+payload and writes it as one framed message.
func WriteMessage(w io.Writer, tag Tag, payload []byte) error {
	body, err := Encode(tag, payload)
	if err != nil {
		return err
	}
	return WriteFrame(w, body)
}

// ReadMessage reads one framed message and decodes its envelope.
func ReadMessage(r *bufio.Reader) (Envelope, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return Envelope{}, err
	}
	return Decode(body)
}
