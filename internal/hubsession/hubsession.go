// Package hubsession implements the peer-side client for the direct
// peer-to-hub stream protocol: a single long-lived stream opened once
// per room and kept open for the session's lifetime, over which either
// side may send a Y_UPDATE at any time per §4.6, not just in response
// to a request.
package hubsession

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"wireclip/sync/internal/codec"
	"wireclip/sync/internal/crdt"
	"wireclip/sync/internal/model"
	"wireclip/sync/internal/transport"
)

// ProtocolID is the direct-stream protocol peers dial hubs on.
const ProtocolID = "/y-sync/1.0.0"

// circuitBreakerThreshold is the number of consecutive failed dial/
// request attempts before Session stops trying a given hub address
// until ResetCircuit is called, mirroring this codebase's existing
// per-target circuit breaker convention.
const circuitBreakerThreshold uint32 = 5

// Session is one peer's persistent connection to a single hub for one
// room. A Session is safe for concurrent use: PushUpdate may be called
// from the sync engine's publish path while readLoop concurrently
// merges unsolicited frames in the background.
type Session struct {
	room   model.RoomId
	self   model.PeerId
	hubURL string
	tr     transport.Transport
	doc    *crdt.RoomDoc
	log    *slog.Logger

	consecutiveFailures atomic.Uint32

	mu     sync.Mutex
	stream transport.Stream
}

// New constructs a hub session for room, dialing hubURL over tr.
func New(room model.RoomId, self model.PeerId, hubURL string, tr transport.Transport, doc *crdt.RoomDoc, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{room: room, self: self, hubURL: hubURL, tr: tr, doc: doc, log: log.With("hub", hubURL, "room", room)}
}

// circuitOpen reports whether this hub address has failed too many
// consecutive times to be worth retrying right now.
func (s *Session) circuitOpen() bool {
	return s.consecutiveFailures.Load() >= circuitBreakerThreshold
}

// ResetCircuit clears the consecutive-failure counter, allowing retries
// against this hub again.
func (s *Session) ResetCircuit() {
	s.consecutiveFailures.Store(0)
}

// IsOpen reports whether this session currently holds a live stream to
// the hub.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// Open dials the hub, sends JOIN_ROOM, and starts a background readLoop
// that merges every frame the hub sends for the rest of the stream's
// life — starting with the SYNC_FULL_STATE the hub sends immediately
// per §4.6's handshake, and continuing with any unsolicited Y_UPDATE it
// relays afterward. The stream stays open until Close is called or the
// hub drops it, at which point readLoop clears it so IsOpen and
// PushUpdate notice and a caller can Open again.
func (s *Session) Open(ctx context.Context) error {
	if s.circuitOpen() {
		return fmt.Errorf("hubsession: circuit open for %s", s.hubURL)
	}

	stream, err := s.tr.OpenStream(ctx, s.hubURL, ProtocolID)
	if err != nil {
		s.consecutiveFailures.Add(1)
		return fmt.Errorf("hubsession: open stream: %w", err)
	}

	if err := codec.WriteMessage(stream, codec.TagJoinRoom, []byte(s.room)); err != nil {
		stream.Close()
		s.consecutiveFailures.Add(1)
		return fmt.Errorf("hubsession: send JOIN_ROOM: %w", err)
	}

	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()

	s.ResetCircuit()
	go s.readLoop(stream)
	return nil
}

// readLoop drains frames from stream until it errors, merging every
// SYNC_FULL_STATE, SNAPSHOT, or Y_UPDATE it sees into doc. It clears
// the session's stream on exit so subsequent calls see the session as
// closed rather than hanging on a dead connection.
func (s *Session) readLoop(stream transport.Stream) {
	r := bufio.NewReader(stream)
	for {
		env, err := codec.ReadMessage(r)
		if err != nil {
			s.clearStream(stream)
			return
		}
		switch env.Tag {
		case codec.TagSyncFullState, codec.TagSnapshot, codec.TagYUpdate:
			if err := s.doc.Merge(env.Payload); err != nil {
				s.log.Warn("merge frame from hub failed", "tag", env.Tag, "err", err)
			}
		default:
			s.log.Debug("ignoring unhandled frame from hub", "tag", env.Tag)
		}
	}
}

// clearStream drops stream as this session's active connection if it's
// still the current one, and closes it. A stale readLoop whose stream
// has already been replaced by a fresh Open call is a no-op here.
func (s *Session) clearStream(stream transport.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != stream {
		return
	}
	stream.Close()
	s.stream = nil
}

// Close ends the session's stream, if open.
func (s *Session) Close() {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream != nil {
		s.clearStream(stream)
	}
}

// RequestSnapshot opens the session if it isn't already, which is
// sufficient to receive the hub's SYNC_FULL_STATE — callers that only
// need an initial sync no longer need a separate SNAPSHOT_REQUEST round
// trip, since the hub sends full state unprompted on JOIN_ROOM.
func (s *Session) RequestSnapshot(ctx context.Context) error {
	if s.IsOpen() {
		return nil
	}
	return s.Open(ctx)
}

// PushUpdate sends the current document state to the hub as a
// Y_UPDATE over the session's persistent stream, opening one first if
// none is active — for peers that mirror their writes directly to a
// known hub in addition to gossiping them.
func (s *Session) PushUpdate(ctx context.Context) error {
	if !s.IsOpen() {
		if err := s.Open(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("hubsession: no active stream to %s", s.hubURL)
	}

	snap, err := s.doc.Snapshot()
	if err != nil {
		return fmt.Errorf("hubsession: snapshot: %w", err)
	}
	if err := codec.WriteMessage(stream, codec.TagYUpdate, snap); err != nil {
		s.consecutiveFailures.Add(1)
		s.clearStream(stream)
		return fmt.Errorf("hubsession: send Y_UPDATE: %w", err)
	}
	s.ResetCircuit()
	return nil
}
