// Package transportfake implements an in-process transport.Transport
// for deterministic tests, matching spec.md's "fake mode" testing
// collaborator: no sockets, no goroutine scheduling surprises beyond
// plain channels.
package transportfake

import (
	"context"
	"fmt"
	"io"
	"sync"

	"wireclip/sync/internal/transport"
)

// Network is the shared in-process broadcast medium joined by Fake
// transports constructed with NewPeer. All peers sharing a Network see
// each other's Publish calls on topics they've Joined.
type Network struct {
	mu    sync.Mutex
	subs  map[string][]*subscription // topic -> subscribers
	peers map[string]*Fake           // self id -> peer, for OpenStream resolution
}

// NewNetwork returns an empty shared network.
func NewNetwork() *Network {
	return &Network{subs: make(map[string][]*subscription)}
}

// Fake is an in-process transport.Transport bound to one Network.
type Fake struct {
	net  *Network
	self string

	mu      sync.Mutex
	streams map[string]chan *pipeEnd // pending incoming streams keyed by protocol id
}

// NewPeer returns a Fake transport identified by self, joined to net.
func NewPeer(net *Network, self string) *Fake {
	f := &Fake{net: net, self: self, streams: make(map[string]chan *pipeEnd)}
	net.register(f)
	return f
}

func (f *Fake) Self() string { return f.self }

type subscription struct {
	self   string
	ch     chan transport.Message
	joined chan struct{}
	cancel func()
}

func (s *subscription) Next(ctx context.Context) (transport.Message, error) {
	select {
	case m, ok := <-s.ch:
		if !ok {
			return transport.Message{}, io.EOF
		}
		return m, nil
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}

func (s *subscription) Cancel() { s.cancel() }

func (s *subscription) PeerJoined() <-chan struct{} { return s.joined }

// Join subscribes this peer to topic on the shared network. Any
// subscriber already on the topic is notified via PeerJoined that a new
// peer arrived.
func (f *Fake) Join(ctx context.Context, topic string) (transport.Subscription, error) {
	ch := make(chan transport.Message, 64)
	sub := &subscription{self: f.self, ch: ch, joined: make(chan struct{}, 1)}

	f.net.mu.Lock()
	existing := f.net.subs[topic]
	f.net.subs[topic] = append(existing, sub)
	for _, s := range existing {
		select {
		case s.joined <- struct{}{}:
		default:
		}
	}
	f.net.mu.Unlock()

	sub.cancel = func() {
		f.net.mu.Lock()
		defer f.net.mu.Unlock()
		subs := f.net.subs[topic]
		for i, s := range subs {
			if s == sub {
				f.net.subs[topic] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
	return sub, nil
}

// GetSubscribers returns the self id of every peer currently joined to
// topic.
func (f *Fake) GetSubscribers(ctx context.Context, topic string) ([]string, error) {
	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	subs := f.net.subs[topic]
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.self)
	}
	return out, nil
}

// Publish delivers payload to every current subscriber of topic,
// including this peer's own subscription, with transport.Message.From
// set to the publisher's id. Unlike transportp2p, whose subscription
// drops self-published messages in Next, the fake delivers the echo.
func (f *Fake) Publish(ctx context.Context, topic string, payload []byte) error {
	f.net.mu.Lock()
	subs := append([]*subscription(nil), f.net.subs[topic]...)
	f.net.mu.Unlock()

	msg := transport.Message{From: f.self, Payload: payload}
	for _, s := range subs {
		select {
		case s.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// slow subscriber, drop rather than block the publisher
		}
	}
	return nil
}

// pipeEnd is one side of an in-memory duplex pipe used to back Stream.
type pipeEnd struct {
	r          *io.PipeReader
	w          *io.PipeWriter
	remotePeer string
}

func (p *pipeEnd) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeEnd) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeEnd) Close() error {
	_ = p.r.Close()
	return p.w.Close()
}
func (p *pipeEnd) RemotePeer() string { return p.remotePeer }

// Listen registers this peer as willing to accept OpenStream calls for
// protocolID, returning a channel of accepted streams. Used by test
// setups that play the role of a hub.
func (f *Fake) Listen(protocolID string) <-chan *pipeEnd {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan *pipeEnd, 8)
	f.streams[protocolID] = ch
	return ch
}

// OpenStream connects to the peer registered under peerAddr (its
// Self() value in the fake network) via Listen, if it has called
// Listen for protocolID.
func (f *Fake) OpenStream(ctx context.Context, peerAddr string, protocolID string) (transport.Stream, error) {
	target, err := f.net.lookup(peerAddr)
	if err != nil {
		return nil, err
	}
	target.mu.Lock()
	ch, ok := target.streams[protocolID]
	target.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transportfake: peer %q is not listening on %q", peerAddr, protocolID)
	}

	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	clientEnd := &pipeEnd{r: r1, w: w2, remotePeer: peerAddr}
	serverEnd := &pipeEnd{r: r2, w: w1, remotePeer: f.self}

	select {
	case ch <- serverEnd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return clientEnd, nil
}

// SetStreamHandler registers handler to be invoked for each incoming
// stream accepted on protocolID, bridging Listen's channel-based accept
// loop to the push-style interface internal/hub programs against.
func (f *Fake) SetStreamHandler(protocolID string, handler func(transport.Stream)) {
	ch := f.Listen(protocolID)
	go func() {
		for s := range ch {
			handler(s)
		}
	}()
}

func (f *Fake) Close() error { return nil }

// register makes f discoverable by its self id for OpenStream calls;
// Network.lookup resolves peerAddr to the Fake that registered it.
func (n *Network) register(f *Fake) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.peers == nil {
		n.peers = make(map[string]*Fake)
	}
	n.peers[f.self] = f
}

func (n *Network) lookup(peerAddr string) (*Fake, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	f, ok := n.peers[peerAddr]
	if !ok {
		return nil, fmt.Errorf("transportfake: unknown peer %q", peerAddr)
	}
	return f, nil
}
