package syncengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"wireclip/sync/internal/crdt"
	"wireclip/sync/internal/model"
	"wireclip/sync/internal/transportfake"
)

func testCid(t *testing.T, seed string) model.ContentId {
	t.Helper()
	mh, err := multihash.Sum([]byte(seed), multihash.SHA2_256, -1)
	if err != nil {
		t.Fatalf("multihash.Sum: %v", err)
	}
	return model.ContentId{Cid: cid.NewCidV1(cid.Raw, mh)}
}

func TestPublishChatPropagatesToOtherPeer(t *testing.T) {
	net := transportfake.NewNetwork()
	trA := transportfake.NewPeer(net, "peer-a")
	trB := transportfake.NewPeer(net, "peer-b")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	docA := crdt.New()
	docB := crdt.New()
	engA := New("room-0123456789abcdef", "peer-a", docA, trA, nil)
	engB := New("room-0123456789abcdef", "peer-b", docB, trB, nil)
	defer engA.Stop()
	defer engB.Stop()

	if err := engA.Start(ctx); err != nil {
		t.Fatalf("engA.Start: %v", err)
	}
	if err := engB.Start(ctx); err != nil {
		t.Fatalf("engB.Start: %v", err)
	}

	if err := engA.PublishChat("hello from a"); err != nil {
		t.Fatalf("PublishChat: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		hist := docB.ChatHistory()
		if len(hist) == 1 && hist[0].Body == "hello from a" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("chat never propagated, history=%v", hist)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPublishFilePutPropagatesManifest(t *testing.T) {
	net := transportfake.NewNetwork()
	trA := transportfake.NewPeer(net, "peer-a")
	trB := transportfake.NewPeer(net, "peer-b")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	docA := crdt.New()
	docB := crdt.New()
	engA := New("room-0123456789abcdef", "peer-a", docA, trA, nil)
	engB := New("room-0123456789abcdef", "peer-b", docB, trB, nil)
	defer engA.Stop()
	defer engB.Stop()

	engA.Start(ctx)
	engB.Start(ctx)

	c := testCid(t, "manifest-file")
	if err := engA.PublishFilePut(model.FileEntry{Cid: c, Name: "report.pdf"}); err != nil {
		t.Fatalf("PublishFilePut: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		m := docB.Manifest()
		if entry, ok := m[c.String()]; ok && entry.Name == "report.pdf" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("manifest entry never propagated")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSetHandlersFiresOnNewFiles(t *testing.T) {
	net := transportfake.NewNetwork()
	trA := transportfake.NewPeer(net, "peer-a")
	trB := transportfake.NewPeer(net, "peer-b")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	engA := New("room-0123456789abcdef", "peer-a", crdt.New(), trA, nil)
	engB := New("room-0123456789abcdef", "peer-b", crdt.New(), trB, nil)
	defer engA.Stop()
	defer engB.Stop()

	var mu sync.Mutex
	var seenNames []string
	engB.SetHandlers(Handlers{
		OnNewFiles: func(entries []model.FileEntry) {
			mu.Lock()
			defer mu.Unlock()
			for _, f := range entries {
				seenNames = append(seenNames, f.Name)
			}
		},
	})

	engA.Start(ctx)
	engB.Start(ctx)

	c := testCid(t, "observed-file")
	if err := engA.PublishFilePut(model.FileEntry{Cid: c, Name: "observed.pdf"}); err != nil {
		t.Fatalf("PublishFilePut: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		found := len(seenNames) == 1 && seenNames[0] == "observed.pdf"
		mu.Unlock()
		if found {
			break
		}
		select {
		case <-deadline:
			mu.Lock()
			t.Fatalf("OnNewFiles never fired with the new entry, got %v", seenNames)
			mu.Unlock()
		case <-time.After(10 * time.Millisecond):
		}
	}

	// A second update with no new cids must not fire OnNewFiles again.
	if err := engA.PublishChat("no new files here"); err != nil {
		t.Fatalf("PublishChat: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	if len(seenNames) != 1 {
		t.Fatalf("seenNames = %v, want exactly one entry", seenNames)
	}
	mu.Unlock()
}

func TestSubscribeReceivesFileRequest(t *testing.T) {
	net := transportfake.NewNetwork()
	trA := transportfake.NewPeer(net, "peer-a")
	trB := transportfake.NewPeer(net, "peer-b")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	engA := New("room-0123456789abcdef", "peer-a", crdt.New(), trA, nil)
	engB := New("room-0123456789abcdef", "peer-b", crdt.New(), trB, nil)
	defer engA.Stop()
	defer engB.Stop()

	received := make(chan ControlMessage, 1)
	unregister := engB.Subscribe(func(msg ControlMessage) {
		received <- msg
	})
	defer unregister()

	engA.Start(ctx)
	engB.Start(ctx)

	c := testCid(t, "requested-file")
	if err := engA.RequestFiles([]model.ContentId{c}); err != nil {
		t.Fatalf("RequestFiles: %v", err)
	}

	select {
	case msg := <-received:
		if len(msg.Cids) != 1 || msg.Cids[0].String() != c.String() {
			t.Fatalf("got cids %v, want [%v]", msg.Cids, c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("FILE_REQUEST never reached subscriber")
	}
}

func TestStartTeardownsPreviousJoinOnRejoin(t *testing.T) {
	net := transportfake.NewNetwork()
	trA := transportfake.NewPeer(net, "peer-a")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	eng := New("room-0123456789abcdef", "peer-a", crdt.New(), trA, nil)
	defer eng.Stop()

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	firstSub, err := trA.GetSubscribers(ctx, topicFor("room-0123456789abcdef"))
	if err != nil {
		t.Fatalf("GetSubscribers: %v", err)
	}
	if len(firstSub) != 1 {
		t.Fatalf("subscriber count after first Start = %d, want 1", len(firstSub))
	}

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	secondSub, err := trA.GetSubscribers(ctx, topicFor("room-0123456789abcdef"))
	if err != nil {
		t.Fatalf("GetSubscribers: %v", err)
	}
	if len(secondSub) != 1 {
		t.Fatalf("subscriber count after rejoin = %d, want 1 (Start must tear down the previous join)", len(secondSub))
	}
}

func TestStateTransitionsToSyncedOnFirstUpdate(t *testing.T) {
	net := transportfake.NewNetwork()
	trA := transportfake.NewPeer(net, "peer-a")
	trB := transportfake.NewPeer(net, "peer-b")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	engA := New("room-0123456789abcdef", "peer-a", crdt.New(), trA, nil)
	engB := New("room-0123456789abcdef", "peer-b", crdt.New(), trB, nil)
	defer engA.Stop()
	defer engB.Stop()

	engA.Start(ctx)
	engB.Start(ctx)

	if engB.State() != StateSyncing {
		t.Fatalf("initial state = %v, want syncing", engB.State())
	}

	engA.PublishChat("trigger sync")

	deadline := time.After(2 * time.Second)
	for engB.State() != StateSynced {
		select {
		case <-deadline:
			t.Fatalf("state never reached synced, got %v", engB.State())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
