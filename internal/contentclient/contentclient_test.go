package contentclient

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("libp2p.New: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	c, err := New(ctx, h, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutThenFetchLocalBlock(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := c.Put(ctx, []byte("hello wireclip"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := c.Fetch(ctx, id)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != "hello wireclip" {
		t.Fatalf("Fetch = %q, want %q", got, "hello wireclip")
	}
}

func TestPinUnpinTrackState(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	id, err := c.Put(ctx, []byte("pinned content"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Pin(ctx, id); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if _, ok := c.pins[id.String()]; !ok {
		t.Fatal("expected pin to be tracked")
	}
	if err := c.Unpin(ctx, id); err != nil {
		t.Fatalf("Unpin: %v", err)
	}
	if _, ok := c.pins[id.String()]; ok {
		t.Fatal("expected pin to be removed")
	}
}
