package transportfake

import (
	"context"
	"testing"
	"time"

	"wireclip/sync/internal/transport"
)

func TestPublishDeliversToOtherSubscriber(t *testing.T) {
	net := NewNetwork()
	alice := NewPeer(net, "alice")
	bob := NewPeer(net, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bobSub, err := bob.Join(ctx, "room-x")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer bobSub.Cancel()

	if err := alice.Publish(ctx, "room-x", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msg, err := bobSub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(msg.Payload) != "hello" {
		t.Fatalf("payload = %q, want hello", msg.Payload)
	}
	if msg.From != "alice" {
		t.Fatalf("from = %q, want alice", msg.From)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	net := NewNetwork()
	alice := NewPeer(net, "alice")
	bob := NewPeer(net, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := bob.Join(ctx, "room-y")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	sub.Cancel()

	if err := alice.Publish(ctx, "room-y", []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	if _, err := sub.Next(shortCtx); err == nil {
		t.Fatal("expected no delivery after cancel")
	}
}

func TestOpenStreamConnectsToListener(t *testing.T) {
	net := NewNetwork()
	hub := NewPeer(net, "hub")
	peer := NewPeer(net, "peer")

	incoming := hub.Listen("/y-sync/1.0.0")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientDone := make(chan error, 1)
	var clientStream transport.Stream
	go func() {
		s, err := peer.OpenStream(ctx, "hub", "/y-sync/1.0.0")
		clientStream = s
		clientDone <- err
	}()

	var serverStream transport.Stream
	select {
	case serverStream = <-incoming:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for incoming stream")
	}
	if err := <-clientDone; err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	go func() {
		clientStream.Write([]byte("ping"))
	}()

	buf := make([]byte, 4)
	if _, err := serverStream.Read(buf); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("server read = %q, want ping", buf)
	}
	if serverStream.RemotePeer() != "peer" {
		t.Fatalf("RemotePeer = %q, want peer", serverStream.RemotePeer())
	}
}

func TestOpenStreamFailsForUnknownPeer(t *testing.T) {
	net := NewNetwork()
	peer := NewPeer(net, "peer")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := peer.OpenStream(ctx, "ghost", "/y-sync/1.0.0"); err == nil {
		t.Fatal("expected error for unknown peer")
	}
}
