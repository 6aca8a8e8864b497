// Package crdt implements RoomDoc, the conflict-free replicated
// document shared by all peers in a room: a last-writer-wins manifest
// of files and a grow-only log of chat messages. Merges are
// commutative, associative, and idempotent regardless of the order or
// number of times they are applied.
package crdt

import (
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"wireclip/sync/internal/model"
)

// entry wraps a FileEntry with the writer-wins tiebreak fields: the
// entry with the later timestamp wins; on an exact tie, the entry with
// the lexicographically greater peer id wins, so every replica reaches
// the same decision without coordination.
type entry struct {
	File      model.FileEntry
	UpdatedAt time.Time
	Author    model.PeerId
	Tombstone bool
}

// RoomDoc is the merged, replicated state of one room: a last-writer-wins
// register per content id for the manifest, and a deduplicated,
// append-only log for chat.
type RoomDoc struct {
	mu sync.RWMutex

	files map[string]entry             // keyed by ContentId string
	chat  map[string]model.ChatMessage // keyed by MsgId
}

// New returns an empty RoomDoc.
func New() *RoomDoc {
	return &RoomDoc{
		files: make(map[string]entry),
		chat:  make(map[string]model.ChatMessage),
	}
}

// wins reports whether candidate should replace current under the
// last-writer-wins tiebreak rule.
func wins(candidate entry, current entry, hasCurrent bool) bool {
	if !hasCurrent {
		return true
	}
	if candidate.UpdatedAt.After(current.UpdatedAt) {
		return true
	}
	if candidate.UpdatedAt.Equal(current.UpdatedAt) {
		return candidate.Author > current.Author
	}
	return false
}

// ApplyFilePut merges one file-manifest write into the document. It is
// idempotent: applying the same (cid, updatedAt, author) tuple any
// number of times, in any order relative to other writes, converges to
// the same winner.
func (d *RoomDoc) ApplyFilePut(f model.FileEntry, updatedAt time.Time, author model.PeerId) {
	key := f.Cid.String()
	cand := entry{File: f, UpdatedAt: updatedAt, Author: author}

	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.files[key]
	if wins(cand, cur, ok) {
		d.files[key] = cand
	}
}

// ApplyFileRemove tombstones a file entry with the same LWW semantics
// as a put, so a concurrent remove and re-add converge deterministically
// on every replica.
func (d *RoomDoc) ApplyFileRemove(cidStr string, updatedAt time.Time, author model.PeerId) {
	cand := entry{UpdatedAt: updatedAt, Author: author, Tombstone: true}

	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.files[cidStr]
	if wins(cand, cur, ok) {
		cand.File = cur.File
		d.files[cidStr] = cand
	}
}

// ApplyChat adds a chat message, deduplicated by MsgId so a redelivered
// or rebroadcast message never appears twice. Display order is not
// recorded here: it is derived deterministically from the message set
// itself by chatOrder, so replicas that received the same messages via
// different paths still converge on the same order and the same
// Snapshot bytes.
func (d *RoomDoc) ApplyChat(m model.ChatMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.chat[m.MsgId]; exists {
		return
	}
	d.chat[m.MsgId] = m
}

// chatOrder returns the MsgIds of d.chat sorted by (SentAt, MsgId): the
// canonical total order every replica derives independently from the
// converged message set, regardless of the order messages actually
// arrived in. Callers must hold d.mu.
func (d *RoomDoc) chatOrder() []string {
	ids := make([]string, 0, len(d.chat))
	for id := range d.chat {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := d.chat[ids[i]], d.chat[ids[j]]
		if !a.SentAt.Equal(b.SentAt) {
			return a.SentAt.Before(b.SentAt)
		}
		return a.MsgId < b.MsgId
	})
	return ids
}

// Manifest returns the current, tombstone-filtered file manifest.
func (d *RoomDoc) Manifest() model.Manifest {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(model.Manifest, len(d.files))
	for k, e := range d.files {
		if e.Tombstone {
			continue
		}
		out[k] = e.File
	}
	return out
}

// ChatHistory returns chat messages in canonical (SentAt, MsgId) order,
// the same order on every replica that has received the same set of
// messages.
func (d *RoomDoc) ChatHistory() []model.ChatMessage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	order := d.chatOrder()
	out := make([]model.ChatMessage, 0, len(order))
	for _, id := range order {
		out = append(out, d.chat[id])
	}
	return out
}

// wireSnapshot is the CBOR-serializable form of the full document,
// used both for SYNC_FULL_STATE/SNAPSHOT payloads and for persistence.
// Chat carries messages in canonical (SentAt, MsgId) order so that two
// replicas holding the same message set always produce byte-identical
// snapshots; there is no separate insertion-order field to diverge.
type wireSnapshot struct {
	Files []wireFileEntry     `cbor:"files"`
	Chat  []model.ChatMessage `cbor:"chat"`
}

type wireFileEntry struct {
	Key       string          `cbor:"key"`
	File      model.FileEntry `cbor:"file"`
	UpdatedAt time.Time       `cbor:"updatedAt"`
	Author    model.PeerId    `cbor:"author"`
	Tombstone bool            `cbor:"tombstone"`
}

// Snapshot serializes the full document state for SNAPSHOT/persistence
// use. RoomDoc has no separate delta encoding, so the sync engine also
// sends this whole-state form as the payload of every Y_UPDATE.
func (d *RoomDoc) Snapshot() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ws wireSnapshot
	fileKeys := make([]string, 0, len(d.files))
	for k := range d.files {
		fileKeys = append(fileKeys, k)
	}
	sort.Strings(fileKeys)
	for _, k := range fileKeys {
		e := d.files[k]
		ws.Files = append(ws.Files, wireFileEntry{
			Key: k, File: e.File, UpdatedAt: e.UpdatedAt,
			Author: e.Author, Tombstone: e.Tombstone,
		})
	}
	for _, id := range d.chatOrder() {
		ws.Chat = append(ws.Chat, d.chat[id])
	}
	return cbor.Marshal(ws)
}

// LoadSnapshot replaces the document's entire state with the decoded
// snapshot. Used by PersistentStore.Load and by the SyncEngine when it
// receives a SNAPSHOT from the mesh.
func (d *RoomDoc) LoadSnapshot(b []byte) error {
	var ws wireSnapshot
	if err := cbor.Unmarshal(b, &ws); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.files = make(map[string]entry, len(ws.Files))
	for _, wf := range ws.Files {
		d.files[wf.Key] = entry{File: wf.File, UpdatedAt: wf.UpdatedAt, Author: wf.Author, Tombstone: wf.Tombstone}
	}
	d.chat = make(map[string]model.ChatMessage, len(ws.Chat))
	for _, m := range ws.Chat {
		d.chat[m.MsgId] = m
	}
	return nil
}

// Merge applies another replica's full snapshot on top of this
// document's state, resolving every entry with the same LWW rule used
// by ApplyFilePut/ApplyFileRemove, and deduplicating chat by MsgId.
// Merge is commutative and idempotent: merging the same snapshot twice,
// or merging two snapshots in either order, converges to the same state.
func (d *RoomDoc) Merge(b []byte) error {
	var ws wireSnapshot
	if err := cbor.Unmarshal(b, &ws); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, wf := range ws.Files {
		cand := entry{File: wf.File, UpdatedAt: wf.UpdatedAt, Author: wf.Author, Tombstone: wf.Tombstone}
		cur, ok := d.files[wf.Key]
		if wins(cand, cur, ok) {
			d.files[wf.Key] = cand
		}
	}
	for _, m := range ws.Chat {
		if _, exists := d.chat[m.MsgId]; exists {
			continue
		}
		d.chat[m.MsgId] = m
	}
	return nil
}
