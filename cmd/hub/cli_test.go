package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"wireclip/sync/internal/crdt"
	"wireclip/sync/internal/model"
	"wireclip/sync/internal/store"
)

func TestRunCLIVersionReturnsTrue(t *testing.T) {
	if !RunCLI([]string{"version"}, t.TempDir()) {
		t.Error("RunCLI(version) should return true")
	}
}

func TestRunCLIUnknownSubcommandReturnsFalse(t *testing.T) {
	if RunCLI([]string{"nonexistent-cmd"}, t.TempDir()) {
		t.Error("RunCLI(unknown) should return false")
	}
}

func TestRunCLIEmptyArgsReturnsFalse(t *testing.T) {
	if RunCLI([]string{}, t.TempDir()) {
		t.Error("RunCLI([]) should return false")
	}
}

func TestRunCLINilArgsReturnsFalse(t *testing.T) {
	if RunCLI(nil, t.TempDir()) {
		t.Error("RunCLI(nil) should return false")
	}
}

func TestCLIStatusOnEmptyDataDirReturnsTrue(t *testing.T) {
	if !RunCLI([]string{"status"}, t.TempDir()) {
		t.Error("RunCLI(status) should return true")
	}
}

func TestCLIRoomsOnEmptyDataDirReturnsTrue(t *testing.T) {
	if !RunCLI([]string{"rooms"}, t.TempDir()) {
		t.Error("RunCLI(rooms) should return true")
	}
}

func TestCLIPinsMissingRoomReturnsTrue(t *testing.T) {
	if !RunCLI([]string{"pins", "room-0123456789abcdef"}, t.TempDir()) {
		t.Error("RunCLI(pins) for an unknown room should still return true")
	}
}

func TestCLIPinsListsPersistedManifest(t *testing.T) {
	dataDir := t.TempDir()
	room := model.RoomId("room-0123456789abcdef")

	fs := store.NewFileStore(filepath.Join(dataDir, "rooms"))
	ctx := context.Background()
	if err := fs.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	mh, err := multihash.Sum([]byte("hello"), multihash.SHA2_256, -1)
	if err != nil {
		t.Fatalf("multihash.Sum: %v", err)
	}
	fileCid := model.ContentId{Cid: cid.NewCidV1(cid.Raw, mh)}

	doc := crdt.New()
	doc.ApplyFilePut(model.FileEntry{Cid: fileCid, Name: "hello.txt", Size: 5}, time.Now(), "peer-1")
	snap, err := doc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if err := fs.Save(ctx, string(room), snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	fs.Close()

	if !RunCLI([]string{"pins", string(room)}, dataDir) {
		t.Error("RunCLI(pins) should return true")
	}
}
