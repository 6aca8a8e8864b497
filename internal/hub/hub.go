// Package hub implements the server-side room aggregator: it bridges
// direct peer-to-hub streams with a room's gossip topic, proactively
// pins content advertised in the manifest, and reports periodic stats.
package hub

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"wireclip/sync/internal/codec"
	"wireclip/sync/internal/contentclient"
	"wireclip/sync/internal/crdt"
	"wireclip/sync/internal/model"
	"wireclip/sync/internal/store"
	"wireclip/sync/internal/transport"
)

// outboundQueue serializes the frames a room wants pushed to one
// direct-stream peer. handleStream's own read loop and any other
// goroutine bridging an update in (from gossip or from a sibling
// stream) both enqueue here instead of writing the stream directly, so
// concurrent writers never interleave a frame.
type outboundQueue struct {
	frames chan []byte
}

func newOutboundQueue() *outboundQueue {
	return &outboundQueue{frames: make(chan []byte, 64)}
}

// push enqueues a pre-encoded envelope body, dropping it rather than
// blocking if the peer's queue is saturated — a slow stream must never
// stall the rest of the room's bridge.
func (q *outboundQueue) push(body []byte) bool {
	select {
	case q.frames <- body:
		return true
	default:
		return false
	}
}

// HubRoom is one room's server-side state, per §4.7.1:
// {doc, streams: Map<PeerId, OutboundQueue>}.
type HubRoom struct {
	id  model.RoomId
	doc *crdt.RoomDoc

	mu      sync.RWMutex
	streams map[string]*outboundQueue // peer id -> its direct stream's outbound queue
	sub     transport.Subscription

	pinnedMu sync.Mutex
	pinned   map[string]struct{} // cids already pinned or pin-in-progress, per §4.7.3

	streamsOpened atomic.Uint64
	updatesSeen   atomic.Uint64
}

// Stats is a snapshot of one room's server-side counters, per §4.7.5.
type Stats struct {
	RoomID        model.RoomId
	Peers         int
	Files         int
	ChatMessages  int
	StreamsOpened uint64
	UpdatesSeen   uint64
}

// Hub aggregates every room this process is serving.
type Hub struct {
	tr      transport.Transport
	content contentclient.ContentClient
	persist store.PersistentStore
	log     *slog.Logger

	mu    sync.RWMutex
	rooms map[model.RoomId]*HubRoom
}

// New constructs a Hub bound to tr for gossip/stream I/O, content for
// proactive pinning of advertised files, and persist for per-room
// snapshot storage. persist may be nil to run without persistence
// (state lives only in memory for the process lifetime).
func New(tr transport.Transport, content contentclient.ContentClient, persist store.PersistentStore, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{tr: tr, content: content, persist: persist, log: log, rooms: make(map[model.RoomId]*HubRoom)}
}

// streamHandlerSetter is the type expected of transports that support
// direct streams (transportp2p.Transport and transportfake.Fake both
// satisfy this structurally, even though it isn't part of the
// transport.Transport interface itself).
type streamHandlerSetter interface {
	SetStreamHandler(protocolID string, handler func(transport.Stream))
}

// Serve registers the hub's stream handler on protocolID if tr
// supports direct streams. It starts no gossip bridges itself: each
// room's bridge is started by RoomFor when the room is first created.
func (h *Hub) Serve(ctx context.Context, protocolID string) error {
	setter, ok := h.tr.(streamHandlerSetter)
	if !ok {
		return fmt.Errorf("hub: transport does not support direct streams")
	}
	setter.SetStreamHandler(protocolID, func(s transport.Stream) {
		h.handleStream(ctx, s)
	})
	return nil
}

// RoomFor returns (creating if necessary) the HubRoom for id, joining
// its gossip topic so local direct-stream peers can be bridged onto
// the wider mesh.
func (h *Hub) RoomFor(ctx context.Context, id model.RoomId) (*HubRoom, error) {
	h.mu.RLock()
	r, ok := h.rooms[id]
	h.mu.RUnlock()
	if ok {
		return r, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[id]; ok {
		return r, nil
	}

	sub, err := h.tr.Join(ctx, "wc/"+string(id))
	if err != nil {
		return nil, fmt.Errorf("hub: join room %s: %w", id, err)
	}
	doc := crdt.New()
	h.loadPersisted(ctx, id, doc)
	r = &HubRoom{
		id:      id,
		doc:     doc,
		streams: make(map[string]*outboundQueue),
		pinned:  make(map[string]struct{}),
		sub:     sub,
	}
	h.rooms[id] = r

	go h.bridgeGossip(ctx, r)
	// Initial fire, per §4.7.3: cover files already present in any
	// state just loaded from persistence, not only future updates.
	h.pinManifest(ctx, r)
	h.log.Info("room created", "room", id)
	return r, nil
}

// loadPersisted restores a room's last-saved snapshot, if persistence
// is configured and a prior snapshot exists. Failures are logged and
// dropped — the room starts empty rather than blocking on storage.
func (h *Hub) loadPersisted(ctx context.Context, id model.RoomId, doc *crdt.RoomDoc) {
	if h.persist == nil {
		return
	}
	if err := h.persist.Init(ctx); err != nil {
		h.log.Warn("persistent store init failed", "room", id, "err", err)
		return
	}
	state, ok, err := h.persist.Load(ctx, string(id))
	if err != nil {
		h.log.Warn("persistent store load failed", "room", id, "err", err)
		return
	}
	if !ok {
		return
	}
	if err := doc.LoadSnapshot(state); err != nil {
		h.log.Warn("persisted snapshot rejected", "room", id, "err", err)
	}
}

// savePersisted replaces the room's persisted snapshot with its
// current state. Called after every update that did not itself
// originate from storage, per the PersistentStore binding policy.
func (h *Hub) savePersisted(ctx context.Context, r *HubRoom) {
	if h.persist == nil {
		return
	}
	snap, err := r.doc.Snapshot()
	if err != nil {
		h.log.Warn("snapshot for save failed", "room", r.id, "err", err)
		return
	}
	if err := h.persist.Save(ctx, string(r.id), snap); err != nil {
		h.log.Warn("persistent store save failed", "room", r.id, "err", err)
	}
}

// bridgeGossip applies every gossip update it observes onto the room's
// document, proactively pins any newly advertised file content, and
// fans the update out to every open direct stream in the room, per
// §4.7.2's bridge contract.
func (h *Hub) bridgeGossip(ctx context.Context, r *HubRoom) {
	for {
		msg, err := r.sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				h.log.Warn("gossip bridge ended", "room", r.id, "err", err)
			}
			return
		}
		env, err := codec.Decode(msg.Payload)
		if err != nil {
			continue
		}
		switch env.Tag {
		case codec.TagYUpdate, codec.TagSnapshot, codec.TagSyncFullState:
			if err := r.doc.Merge(env.Payload); err == nil {
				r.updatesSeen.Add(1)
				h.pinManifest(ctx, r)
				h.savePersisted(ctx, r)
				h.fanOut(r, env.Payload, "")
			}
		}
	}
}

// fanOut pushes payload as a Y_UPDATE frame onto every direct stream in
// the room except skip's (pass "" to skip none), so an update observed
// via gossip or via one stream reaches every other stream — the bridge
// neutrality §4.7.2 and §8 require.
func (h *Hub) fanOut(r *HubRoom, payload []byte, skip string) {
	body, err := codec.Encode(codec.TagYUpdate, payload)
	if err != nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for peer, q := range r.streams {
		if peer == skip {
			continue
		}
		if !q.push(body) {
			h.log.Warn("stream outbound queue full, dropping update", "room", r.id, "peer", peer)
		}
	}
}

// pinManifest asks the content client to pin every file in the room's
// manifest not already pinned or pin-in-progress, per §4.7.3. The cid
// is recorded before the pin is attempted so concurrent manifest
// updates never launch a duplicate pin for the same cid, and removed
// again on failure so a later update can retry it.
func (h *Hub) pinManifest(ctx context.Context, r *HubRoom) {
	if h.content == nil {
		return
	}
	for k, f := range r.doc.Manifest() {
		r.pinnedMu.Lock()
		_, already := r.pinned[k]
		if !already {
			r.pinned[k] = struct{}{}
		}
		r.pinnedMu.Unlock()
		if already {
			continue
		}
		if err := h.content.Pin(ctx, f.Cid); err != nil {
			h.log.Debug("pin failed", "room", r.id, "cid", f.Cid, "err", err)
			r.pinnedMu.Lock()
			delete(r.pinned, k)
			r.pinnedMu.Unlock()
		}
	}
}

// handleStream serves one direct peer-to-hub stream: JOIN_ROOM selects
// the room and immediately receives a SYNC_FULL_STATE reply (§4.6's
// handshake), after which either side may send Y_UPDATE at any time —
// a SNAPSHOT_REQUEST is answered with the room's current snapshot, and
// a Y_UPDATE is merged, mirrored onto the gossip topic, and fanned out
// to every other open stream in the room.
func (h *Hub) handleStream(ctx context.Context, s transport.Stream) {
	defer s.Close()
	r := bufio.NewReader(s)

	joinEnv, err := codec.ReadMessage(r)
	if err != nil || joinEnv.Tag != codec.TagJoinRoom {
		h.log.Debug("stream did not start with JOIN_ROOM", "err", err)
		return
	}
	room, err := h.RoomFor(ctx, model.RoomId(joinEnv.Payload))
	if err != nil {
		h.log.Warn("RoomFor failed", "err", err)
		return
	}

	peer := s.RemotePeer()
	q := newOutboundQueue()
	room.mu.Lock()
	room.streams[peer] = q
	room.mu.Unlock()
	room.streamsOpened.Add(1)

	writerStop := make(chan struct{})
	go func() {
		for {
			select {
			case body := <-q.frames:
				if err := codec.WriteFrame(s, body); err != nil {
					return
				}
			case <-writerStop:
				return
			}
		}
	}()
	defer func() {
		close(writerStop)
		room.mu.Lock()
		delete(room.streams, peer)
		room.mu.Unlock()
	}()

	if snap, err := room.doc.Snapshot(); err == nil {
		if body, err := codec.Encode(codec.TagSyncFullState, snap); err == nil {
			q.push(body)
		}
	}

	for {
		env, err := codec.ReadMessage(r)
		if err != nil {
			return
		}
		switch env.Tag {
		case codec.TagSnapshotRequest:
			snap, err := room.doc.Snapshot()
			if err != nil {
				continue
			}
			if body, err := codec.Encode(codec.TagSnapshot, snap); err == nil {
				q.push(body)
			}
		case codec.TagYUpdate:
			if err := room.doc.Merge(env.Payload); err == nil {
				room.updatesSeen.Add(1)
				h.pinManifest(ctx, room)
				h.savePersisted(ctx, room)
				h.tr.Publish(ctx, "wc/"+string(room.id), msgBytesFor(env.Payload))
				h.fanOut(room, env.Payload, peer)
			}
		}
	}
}

func msgBytesFor(payload []byte) []byte {
	b, err := codec.Encode(codec.TagYUpdate, payload)
	if err != nil {
		return nil
	}
	return b
}

// Stats returns a point-in-time snapshot of every room's counters.
func (h *Hub) Stats() []Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Stats, 0, len(h.rooms))
	for id, r := range h.rooms {
		r.mu.RLock()
		peers := len(r.streams)
		r.mu.RUnlock()
		out = append(out, Stats{
			RoomID:        id,
			Peers:         peers,
			Files:         len(r.doc.Manifest()),
			ChatMessages:  len(r.doc.ChatHistory()),
			StreamsOpened: r.streamsOpened.Load(),
			UpdatesSeen:   r.updatesSeen.Load(),
		})
	}
	return out
}

// RunStatsLog logs aggregate room stats every interval until ctx is
// canceled, matching this codebase's existing stats-logging cadence.
func (h *Hub) RunStatsLog(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := h.Stats()
			if len(stats) == 0 {
				continue
			}
			h.log.Info("hub stats", "rooms", len(stats))
			for _, s := range stats {
				h.log.Info("room stats", "room", s.RoomID, "peers", s.Peers, "files", s.Files, "chat", s.ChatMessages)
			}
		}
	}
}
