package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"wireclip/sync/internal/crdt"
	"wireclip/sync/internal/localstore"
	"wireclip/sync/internal/store"
)

// RunCLI handles read-only operability subcommands. Returns true if a
// subcommand was handled, in which case main returns without starting
// the hub process.
func RunCLI(args []string, dataDir string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("wireclip-hub %s\n", Version)
		return true
	case "status":
		return cliStatus(dataDir)
	case "rooms":
		return cliRooms(dataDir)
	case "pins":
		return cliPins(dataDir, args[1:])
	default:
		return false
	}
}

func cliStatus(dataDir string) bool {
	local, err := localstore.Open(filepath.Join(dataDir, "rooms.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening local room directory: %v\n", err)
		os.Exit(1)
	}
	defer local.Close()

	rooms, err := local.Recent(0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Data dir: %s\n", dataDir)
	fmt.Printf("Known rooms: %d\n", len(rooms))
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliRooms(dataDir string) bool {
	local, err := localstore.Open(filepath.Join(dataDir, "rooms.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening local room directory: %v\n", err)
		os.Exit(1)
	}
	defer local.Close()

	rooms, err := local.Recent(0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(rooms) == 0 {
		fmt.Println("No rooms known.")
		return true
	}
	for _, r := range rooms {
		fmt.Printf("  %s\t%s\tlast seen %s\n", r.RoomID, r.DisplayName, r.LastSeen.Format("2006-01-02 15:04:05"))
	}
	return true
}

// cliPins inspects a room's persisted snapshot and lists the content
// ids a hub serving that room would have pinned, since pin state
// itself lives only in the running hub process's memory and cannot be
// read back out-of-process.
func cliPins(dataDir string, args []string) bool {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: hub pins <room-id> [--db-backend file|kv]")
		os.Exit(1)
	}
	roomID := args[0]
	backend := "file"
	for i := 1; i < len(args)-1; i++ {
		if args[i] == "--db-backend" {
			backend = args[i+1]
		}
	}

	var persist store.PersistentStore
	switch backend {
	case "kv":
		kv, err := store.NewKVStore(filepath.Join(dataDir, "rooms.bolt"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening kv store: %v\n", err)
			os.Exit(1)
		}
		persist = kv
	default:
		persist = store.NewFileStore(filepath.Join(dataDir, "rooms"))
	}
	defer persist.Close()

	ctx := context.Background()
	if err := persist.Init(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error initializing store: %v\n", err)
		os.Exit(1)
	}
	state, ok, err := persist.Load(ctx, roomID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading room: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Println("No persisted state for this room.")
		return true
	}

	doc := crdt.New()
	if err := doc.LoadSnapshot(state); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding snapshot: %v\n", err)
		os.Exit(1)
	}
	manifest := doc.Manifest()
	if len(manifest) == 0 {
		fmt.Println("No files in this room's manifest.")
		return true
	}
	for _, f := range manifest {
		fmt.Printf("  %s\t%s\t%d bytes\n", f.Cid, f.Name, f.Size)
	}
	return true
}
