package hub

import (
	"bufio"
	"context"
	"testing"
	"time"

	"wireclip/sync/internal/codec"
	"wireclip/sync/internal/crdt"
	"wireclip/sync/internal/model"
	"wireclip/sync/internal/transportfake"
)

func TestHandleStreamAnswersSnapshotRequest(t *testing.T) {
	net := transportfake.NewNetwork()
	hubTr := transportfake.NewPeer(net, "hub-1")
	peerTr := transportfake.NewPeer(net, "peer-1")

	h := New(hubTr, nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := h.Serve(ctx, "/y-sync/1.0.0"); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	stream, err := peerTr.OpenStream(ctx, "hub-1", "/y-sync/1.0.0")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer stream.Close()

	room := "room-0123456789abcdef"
	if err := codec.WriteMessage(stream, codec.TagJoinRoom, []byte(room)); err != nil {
		t.Fatalf("send JOIN_ROOM: %v", err)
	}

	r := bufio.NewReader(stream)

	// The hub answers JOIN_ROOM with a proactive SYNC_FULL_STATE before
	// any further request, per the §4.6 handshake.
	handshake, err := codec.ReadMessage(r)
	if err != nil {
		t.Fatalf("ReadMessage (handshake): %v", err)
	}
	if handshake.Tag != codec.TagSyncFullState {
		t.Fatalf("handshake tag = %q, want SYNC_FULL_STATE", handshake.Tag)
	}

	if err := codec.WriteMessage(stream, codec.TagSnapshotRequest, nil); err != nil {
		t.Fatalf("send SNAPSHOT_REQUEST: %v", err)
	}
	env, err := codec.ReadMessage(r)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if env.Tag != codec.TagSnapshot {
		t.Fatalf("tag = %q, want SNAPSHOT", env.Tag)
	}
}

func TestHandleStreamMergesUpdateIntoRoom(t *testing.T) {
	net := transportfake.NewNetwork()
	hubTr := transportfake.NewPeer(net, "hub-1")
	peerTr := transportfake.NewPeer(net, "peer-1")

	h := New(hubTr, nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h.Serve(ctx, "/y-sync/1.0.0")

	stream, err := peerTr.OpenStream(ctx, "hub-1", "/y-sync/1.0.0")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	room := model.RoomId("room-0123456789abcdef")
	codec.WriteMessage(stream, codec.TagJoinRoom, []byte(room))

	doc := crdt.New()
	doc.ApplyChat(model.ChatMessage{MsgId: "m1", From: "peer-1", Body: "hi hub"})
	snap, err := doc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if err := codec.WriteMessage(stream, codec.TagYUpdate, snap); err != nil {
		t.Fatalf("send Y_UPDATE: %v", err)
	}
	stream.Close()

	deadline := time.After(2 * time.Second)
	for {
		r, err := h.RoomFor(ctx, room)
		if err != nil {
			t.Fatalf("RoomFor: %v", err)
		}
		if len(r.doc.ChatHistory()) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("update never merged into hub room")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStatsReflectsRoomCounts(t *testing.T) {
	net := transportfake.NewNetwork()
	hubTr := transportfake.NewPeer(net, "hub-1")

	h := New(hubTr, nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	room := model.RoomId("room-0123456789abcdef")
	r, err := h.RoomFor(ctx, room)
	if err != nil {
		t.Fatalf("RoomFor: %v", err)
	}
	r.doc.ApplyChat(model.ChatMessage{MsgId: "m1", From: "x", Body: "hi"})

	stats := h.Stats()
	if len(stats) != 1 {
		t.Fatalf("Stats len = %d, want 1", len(stats))
	}
	if stats[0].ChatMessages != 1 {
		t.Fatalf("ChatMessages = %d, want 1", stats[0].ChatMessages)
	}
}
