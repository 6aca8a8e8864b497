// Package contentclient implements the ContentClient contract (§6):
// fetching, pinning, and enumerating the links of content-addressed
// blocks, backed by boxo's bitswap exchange over a libp2p host.
package contentclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/ipfs/boxo/bitswap"
	bsnet "github.com/ipfs/boxo/bitswap/network"
	"github.com/ipfs/boxo/blockservice"
	blockstore "github.com/ipfs/boxo/blockstore"
	dag "github.com/ipfs/boxo/ipld/merkledag"
	blocks "github.com/ipfs/go-block-format"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/routing"

	"wireclip/sync/internal/model"
)

// ContentClient is the content-exchange contract: fetching bytes by
// cid, pinning/unpinning content so it survives garbage collection, and
// walking a DAG node's links — e.g. to proactively pin a directory tree
// advertised in a room's manifest.
type ContentClient interface {
	Fetch(ctx context.Context, c model.ContentId) ([]byte, error)
	Pin(ctx context.Context, c model.ContentId) error
	Unpin(ctx context.Context, c model.ContentId) error
	EnumerateLinks(ctx context.Context, c model.ContentId) ([]model.ContentId, error)
	Close() error
}

// Client is a bitswap-backed ContentClient.
type Client struct {
	bstore blockstore.Blockstore
	bserv  blockservice.BlockService
	ex     *bitswap.Bitswap

	pinsMu sync.Mutex
	pins   map[string]struct{}
}

// New wires a bitswap exchange over h, backed by an in-memory
// (datastore-backed) blockstore. rt provides content routing (peer
// discovery for a given cid); pass nil to disable active discovery and
// rely solely on directly-connected peers.
func New(ctx context.Context, h host.Host, rt routing.ContentRouting) (*Client, error) {
	bstore := newMapBlockstore()

	net := bsnet.NewFromIpfsHost(h, rt)
	ex := bitswap.New(ctx, net, bstore)
	bserv := blockservice.New(bstore, ex)

	return &Client{bstore: bstore, bserv: bserv, ex: ex, pins: make(map[string]struct{})}, nil
}

// NewLocal builds a ContentClient with no exchange: Fetch only ever
// returns blocks this process was itself handed via Put, and never
// reaches out over the network. This backs --mirror-only deployments,
// which have no libp2p host to hand bitswap.
func NewLocal() *Client {
	bstore := newMapBlockstore()
	bserv := blockservice.New(bstore, nil)
	return &Client{bstore: bstore, bserv: bserv, pins: make(map[string]struct{})}
}

func newMapBlockstore() blockstore.Blockstore {
	bs := dssync.MutexWrap(ds.NewMapDatastore())
	return blockstore.NewBlockstore(bs)
}

// Fetch retrieves the raw bytes for id, blocking on the bitswap
// exchange if the block is not already local.
func (c *Client) Fetch(ctx context.Context, id model.ContentId) ([]byte, error) {
	blk, err := c.bserv.GetBlock(ctx, id.Cid.Cid)
	if err != nil {
		return nil, fmt.Errorf("contentclient: fetch %s: %w", id, err)
	}
	return blk.RawData(), nil
}

// Put adds raw bytes to the local blockstore under their computed cid,
// making them available to bitswap requesters.
func (c *Client) Put(ctx context.Context, raw []byte) (model.ContentId, error) {
	blk := blocks.NewBlock(raw)
	if err := c.bserv.AddBlock(ctx, blk); err != nil {
		return model.ContentId{}, fmt.Errorf("contentclient: put block: %w", err)
	}
	return model.ContentId{Cid: blk.Cid()}, nil
}

// Pin transitively fetches id's blocks over bitswap if not already
// local — recursing into any DAG-PB links the content points to — and
// then marks it pinned, preventing it from being garbage collected.
// Pin state is tracked in-process; a production deployment would back
// this with boxo/pinning's persistent pinner.
func (c *Client) Pin(ctx context.Context, id model.ContentId) error {
	if err := c.fetchTransitively(ctx, id, make(map[string]struct{})); err != nil {
		return fmt.Errorf("contentclient: pin %s: %w", id, err)
	}
	c.pinsMu.Lock()
	defer c.pinsMu.Unlock()
	c.pins[id.String()] = struct{}{}
	return nil
}

// fetchTransitively retrieves id's block and, if it decodes as a
// DAG-PB node, every block its links point to, recursively. seen
// guards against revisiting a cid reachable by more than one path.
// Content that fails to decode as DAG-PB (e.g. a raw leaf block) is
// simply treated as link-free rather than as a fetch failure.
func (c *Client) fetchTransitively(ctx context.Context, id model.ContentId, seen map[string]struct{}) error {
	key := id.String()
	if _, ok := seen[key]; ok {
		return nil
	}
	seen[key] = struct{}{}

	if _, err := c.Fetch(ctx, id); err != nil {
		return err
	}
	links, err := c.EnumerateLinks(ctx, id)
	if err != nil {
		return nil
	}
	for _, link := range links {
		if err := c.fetchTransitively(ctx, link, seen); err != nil {
			return err
		}
	}
	return nil
}

// Unpin removes a pin, allowing the content to be garbage collected
// once no other pin references it.
func (c *Client) Unpin(ctx context.Context, id model.ContentId) error {
	c.pinsMu.Lock()
	defer c.pinsMu.Unlock()
	delete(c.pins, id.String())
	return nil
}

// EnumerateLinks walks a DAG-PB node's outgoing links, fetching the
// node itself first if it is not already local.
func (c *Client) EnumerateLinks(ctx context.Context, id model.ContentId) ([]model.ContentId, error) {
	nodeGetter := dag.NewDAGService(c.bserv)
	node, err := nodeGetter.Get(ctx, id.Cid.Cid)
	if err != nil {
		return nil, fmt.Errorf("contentclient: get node %s: %w", id, err)
	}

	links := node.Links()
	out := make([]model.ContentId, 0, len(links))
	for _, l := range links {
		out = append(out, model.ContentId{Cid: l.Cid})
	}
	return out, nil
}

// Close shuts down the bitswap exchange, if any, and the block service.
func (c *Client) Close() error {
	if c.ex != nil {
		if err := c.ex.Close(); err != nil {
			return err
		}
	}
	return c.bserv.Close()
}

var _ ContentClient = (*Client)(nil)
