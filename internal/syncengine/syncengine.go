// Package syncengine implements the peer-side state machine that keeps
// a room's RoomDoc synchronized over a Transport: joining the room's
// gossip topic, merging incoming updates, publishing local updates, and
// requesting a full snapshot when the mesh doesn't converge quickly.
package syncengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"wireclip/sync/internal/codec"
	"wireclip/sync/internal/crdt"
	"wireclip/sync/internal/hubsession"
	"wireclip/sync/internal/model"
	"wireclip/sync/internal/outbox"
	"wireclip/sync/internal/seenset"
	"wireclip/sync/internal/transport"
)

// State is the sync lifecycle of one room on this peer.
type State int

const (
	StateLoading State = iota
	StateSyncing
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	default:
		return "unknown"
	}
}

// topicFor returns the gossip topic name for a room, per §6.
func topicFor(room model.RoomId) string { return "wc/" + string(room) }

// Handlers are the observer callbacks installed via SetHandlers,
// invoked whenever this engine's view of the room's replicated state
// changes — locally applied or received from the mesh — per §4.5/§9's
// join-time observer contract. SetHandlers always replaces whichever
// handlers were previously installed; it never accumulates them, so a
// caller that installs handlers again on every Start (re-join) never
// ends up with duplicate callbacks firing.
type Handlers struct {
	// OnManifestUpdate fires with the full current manifest whenever it
	// changes.
	OnManifestUpdate func(model.Manifest)
	// OnNewFiles fires with only the entries newly present since the
	// last call (by cid), so a caller can react to "what's new" without
	// diffing the whole manifest itself.
	OnNewFiles func([]model.FileEntry)
}

// ControlMessage is an inbound control message this engine surfaces to
// the application layer after its own internal handling (snapshot
// merge, Y_UPDATE apply) has already run.
type ControlMessage struct {
	Tag  codec.Tag
	From model.PeerId
	// Cids is populated for a FILE_REQUEST message: the content ids the
	// sender is asking other room members to make reachable.
	Cids []model.ContentId
}

// ControlHandler observes ControlMessages. See Subscribe.
type ControlHandler func(ControlMessage)

// Engine drives one room's sync lifecycle for this peer.
type Engine struct {
	room model.RoomId
	self model.PeerId
	doc  *crdt.RoomDoc
	tr   transport.Transport
	ob   *outbox.Outbox
	seen *seenset.SeenSet
	log  *slog.Logger

	mu        sync.Mutex
	state     State
	knownCids map[string]struct{}

	sub       transport.Subscription
	cancel    context.CancelFunc
	watchStop func()

	handlersMu sync.RWMutex
	handlers   Handlers

	ctrlMu sync.RWMutex
	ctrl   []ControlHandler

	hubMu sync.RWMutex
	hub   *hubsession.Session
}

// New constructs a sync engine for room, bound to doc as the local
// replica of room state.
func New(room model.RoomId, self model.PeerId, doc *crdt.RoomDoc, tr transport.Transport, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		room:      room,
		self:      self,
		doc:       doc,
		tr:        tr,
		seen:      seenset.New(),
		log:       log.With("room", room, "peer", self),
		state:     StateLoading,
		knownCids: make(map[string]struct{}),
	}
	e.ob = outbox.New(context.Background(), e.deliver, e.log)
	return e
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		e.log.Info("sync state transition", "from", prev, "to", s)
	}
}

// Start joins the room's gossip topic and begins the receive loop and
// snapshot-request ticker. It returns once the join succeeds; the
// receive loop and ticker run in background goroutines until ctx is
// canceled or Stop is called. Start is safe to call again to rejoin
// (e.g. after a transport reset): it first tears down the previous
// join's subscription and background loops rather than layering a
// second set on top, so a rejoin never double-subscribes.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.teardownLocked()
	e.mu.Unlock()

	sub, err := e.tr.Join(ctx, topicFor(e.room))
	if err != nil {
		return fmt.Errorf("syncengine: join room %s: %w", e.room, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.sub = sub
	e.cancel = cancel
	e.watchStop = e.ob.WatchTopic(topicFor(e.room), sub.PeerJoined())
	e.mu.Unlock()
	e.setState(StateSyncing)

	go e.receiveLoop(runCtx)
	go e.snapshotRequestLoop(runCtx)
	return nil
}

// teardownLocked cancels the previous join's background loops,
// subscription, and outbox peer-join watch, if any. Callers must hold
// e.mu.
func (e *Engine) teardownLocked() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if e.sub != nil {
		e.sub.Cancel()
		e.sub = nil
	}
	if e.watchStop != nil {
		e.watchStop()
		e.watchStop = nil
	}
}

// Stop tears down the subscription and background loops.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.teardownLocked()
	e.mu.Unlock()
	e.ob.Close()
}

func (e *Engine) receiveLoop(ctx context.Context) {
	for {
		msg, err := e.sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				e.log.Warn("receive loop ended with error", "err", err)
			}
			return
		}
		e.handleInbound(ctx, msg)
	}
}

func (e *Engine) handleInbound(ctx context.Context, msg transport.Message) {
	env, err := codec.Decode(msg.Payload)
	if err != nil {
		e.log.Warn("dropping undecodable message", "err", err)
		return
	}

	sum := sha256.Sum256(msg.Payload)
	id := hex.EncodeToString(sum[:])
	if !e.seen.Add(fmt.Sprintf("%s:%x", env.Tag, id)) {
		return // already processed; avoids rebroadcast loops
	}

	switch env.Tag {
	case codec.TagYUpdate:
		if err := e.doc.Merge(env.Payload); err != nil {
			e.log.Warn("merge failed", "err", err)
			return
		}
		if e.State() != StateSynced {
			e.setState(StateSynced)
		}
		e.fireManifestObservers()
	case codec.TagSyncFullState, codec.TagSnapshot:
		if err := e.doc.LoadSnapshot(env.Payload); err != nil {
			e.log.Warn("load snapshot failed", "err", err)
			return
		}
		e.setState(StateSynced)
		e.fireManifestObservers()
	case codec.TagSnapshotRequest:
		e.publishSnapshot(ctx)
	case codec.TagFileRequest:
		cids, err := decodeCids(env.Payload)
		if err != nil {
			e.log.Warn("decode FILE_REQUEST failed", "err", err)
			return
		}
		e.fireControl(ControlMessage{Tag: codec.TagFileRequest, From: model.PeerId(msg.From), Cids: cids})
	default:
		e.log.Debug("ignoring unhandled tag", "tag", env.Tag)
	}
}

// fireManifestObservers notifies the installed Handlers of the current
// manifest, and separately reports only the files newly present since
// the last call, per the OnNewFiles contract.
func (e *Engine) fireManifestObservers() {
	e.handlersMu.RLock()
	onManifest := e.handlers.OnManifestUpdate
	onNew := e.handlers.OnNewFiles
	e.handlersMu.RUnlock()
	if onManifest == nil && onNew == nil {
		return
	}

	manifest := e.doc.Manifest()
	if onManifest != nil {
		onManifest(manifest)
	}
	if onNew == nil {
		return
	}

	e.mu.Lock()
	var fresh []model.FileEntry
	for k, f := range manifest {
		if _, seen := e.knownCids[k]; !seen {
			e.knownCids[k] = struct{}{}
			fresh = append(fresh, f)
		}
	}
	e.mu.Unlock()
	if len(fresh) > 0 {
		onNew(fresh)
	}
}

// fireControl dispatches msg to every handler registered via Subscribe.
func (e *Engine) fireControl(msg ControlMessage) {
	e.ctrlMu.RLock()
	defer e.ctrlMu.RUnlock()
	for _, fn := range e.ctrl {
		if fn != nil {
			fn(msg)
		}
	}
}

// SetHandlers installs h as the engine's observer callbacks, replacing
// whichever were previously installed.
func (e *Engine) SetHandlers(h Handlers) {
	e.handlersMu.Lock()
	e.handlers = h
	e.handlersMu.Unlock()
}

// Subscribe registers fn to receive every ControlMessage this engine
// surfaces to the application layer — currently FILE_REQUEST. Unlike
// SetHandlers, Subscribe is additive: multiple independent observers
// may register at once. It returns an unregister function; a caller
// that re-subscribes on every join (rather than once for the engine's
// lifetime) must call the previous unregister first to avoid
// accumulating stale observers across rejoins.
func (e *Engine) Subscribe(fn ControlHandler) func() {
	e.ctrlMu.Lock()
	e.ctrl = append(e.ctrl, fn)
	idx := len(e.ctrl) - 1
	e.ctrlMu.Unlock()

	return func() {
		e.ctrlMu.Lock()
		defer e.ctrlMu.Unlock()
		if idx < len(e.ctrl) {
			e.ctrl[idx] = nil
		}
	}
}

// PublishFilePut applies a local file-manifest write and gossips it to
// the rest of the room.
func (e *Engine) PublishFilePut(f model.FileEntry) error {
	e.doc.ApplyFilePut(f, time.Now(), e.self)
	if err := e.publishSnapshotDelta(); err != nil {
		return err
	}
	e.fireManifestObservers()
	return nil
}

// SetManifest replaces the room's file manifest wholesale: every entry
// in m is applied as a put, and every entry currently present but
// missing from m is tombstoned, all stamped with the same timestamp so
// they settle together under last-writer-wins. Used by a caller that
// already knows the full desired state (e.g. restoring from a local
// cache) rather than applying one change at a time.
func (e *Engine) SetManifest(m model.Manifest) error {
	now := time.Now()
	current := e.doc.Manifest()
	for k, f := range m {
		if _, ok := current[k]; !ok || current[k] != f {
			e.doc.ApplyFilePut(f, now, e.self)
		}
	}
	for k := range current {
		if _, ok := m[k]; !ok {
			e.doc.ApplyFileRemove(k, now, e.self)
		}
	}
	if err := e.publishSnapshotDelta(); err != nil {
		return err
	}
	e.fireManifestObservers()
	return nil
}

// RequestFiles asks the rest of the room to make cids reachable,
// surfaced to other peers as a ControlMessage with Tag
// codec.TagFileRequest via their Subscribe handlers.
func (e *Engine) RequestFiles(cids []model.ContentId) error {
	payload, err := encodeCids(cids)
	if err != nil {
		return fmt.Errorf("syncengine: encode FILE_REQUEST: %w", err)
	}
	env, err := codec.Encode(codec.TagFileRequest, payload)
	if err != nil {
		return fmt.Errorf("syncengine: encode FILE_REQUEST envelope: %w", err)
	}
	e.ob.Enqueue(topicFor(e.room), env)
	return nil
}

// SetHubSession installs sess as the always-connected relay this engine
// also pushes Y_UPDATEs to, per §4.5's broadcast policy: a local write
// propagates to the mesh via gossip AND, if a hub session is open,
// directly to the hub so any listener reachable only through it stays
// current. Passing nil disables the hub push.
func (e *Engine) SetHubSession(sess *hubsession.Session) {
	e.hubMu.Lock()
	e.hub = sess
	e.hubMu.Unlock()
}

type wireCids struct {
	Cids []string
}

func encodeCids(cids []model.ContentId) ([]byte, error) {
	w := wireCids{Cids: make([]string, len(cids))}
	for i, c := range cids {
		w.Cids[i] = c.String()
	}
	return cbor.Marshal(w)
}

func decodeCids(payload []byte) ([]model.ContentId, error) {
	var w wireCids
	if err := cbor.Unmarshal(payload, &w); err != nil {
		return nil, err
	}
	out := make([]model.ContentId, 0, len(w.Cids))
	for _, s := range w.Cids {
		id, err := model.ParseContentId(s)
		if err != nil {
			return nil, fmt.Errorf("syncengine: parse cid %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// PublishChat applies a local chat message and gossips it.
func (e *Engine) PublishChat(body string) error {
	msg := model.ChatMessage{MsgId: uuid.NewString(), From: e.self, Body: body, SentAt: time.Now()}
	e.doc.ApplyChat(msg)
	return e.publishSnapshotDelta()
}

// publishSnapshotDelta gossips the whole current document state as a
// Y_UPDATE. RoomDoc does not yet support true incremental deltas, so
// every local write currently propagates a full merge-safe snapshot;
// Merge is idempotent, so this is correct, only more bandwidth-hungry
// than a true delta encoding would be.
func (e *Engine) publishSnapshotDelta() error {
	snap, err := e.doc.Snapshot()
	if err != nil {
		return fmt.Errorf("syncengine: snapshot for publish: %w", err)
	}
	env, err := codec.Encode(codec.TagYUpdate, snap)
	if err != nil {
		return fmt.Errorf("syncengine: encode update: %w", err)
	}
	e.ob.Enqueue(topicFor(e.room), env)
	e.pushToHub()
	return nil
}

// pushToHub forwards the current document state to the hub session, if
// one is installed and its persistent stream is open. Best-effort: a
// hub that's down or mid-reconnect must never block a local write, so
// failures are logged, not returned.
func (e *Engine) pushToHub() {
	e.hubMu.RLock()
	hub := e.hub
	e.hubMu.RUnlock()
	if hub == nil || !hub.IsOpen() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hub.PushUpdate(ctx); err != nil {
			e.log.Debug("hub push failed", "err", err)
		}
	}()
}

func (e *Engine) publishSnapshot(ctx context.Context) {
	snap, err := e.doc.Snapshot()
	if err != nil {
		e.log.Warn("snapshot for SNAPSHOT response failed", "err", err)
		return
	}
	env, err := codec.Encode(codec.TagSnapshot, snap)
	if err != nil {
		e.log.Warn("encode SNAPSHOT failed", "err", err)
		return
	}
	if err := e.tr.Publish(ctx, topicFor(e.room), env); err != nil {
		e.log.Warn("publish SNAPSHOT failed", "err", err)
	}
}

func (e *Engine) deliver(ctx context.Context, topic string, payload []byte) error {
	return e.tr.Publish(ctx, topic, payload)
}

// snapshotRequestLoop asks the mesh for a full snapshot shortly after
// joining if the engine hasn't already converged on its own, retrying
// on a slower cadence until synced.
func (e *Engine) snapshotRequestLoop(ctx context.Context) {
	initialDelay := time.Duration(1000+rand.Intn(1000)) * time.Millisecond
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if e.State() == StateSynced {
				return
			}
			e.requestSnapshot(ctx)
			retryDelay := time.Duration(2000+rand.Intn(3000)) * time.Millisecond
			timer.Reset(retryDelay)
		}
	}
}

func (e *Engine) requestSnapshot(ctx context.Context) {
	env, err := codec.Encode(codec.TagSnapshotRequest, []byte(e.self))
	if err != nil {
		e.log.Warn("encode SNAPSHOT_REQUEST failed", "err", err)
		return
	}
	if err := e.tr.Publish(ctx, topicFor(e.room), env); err != nil {
		e.log.Warn("publish SNAPSHOT_REQUEST failed", "err", err)
	}
}
