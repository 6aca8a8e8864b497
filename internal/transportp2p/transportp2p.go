// Package transportp2p implements transport.Transport over a libp2p
// host: gossip topics are backed by gossipsub, and direct peer-to-hub
// exchanges are backed by libp2p streams opened against a fixed
// protocol id.
package transportp2p

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"wireclip/sync/internal/transport"
)

// Transport is a transport.Transport backed by a live libp2p host.
type Transport struct {
	host host.Host
	ps   *pubsub.PubSub
}

// New creates a libp2p host listening on listenAddr (e.g.
// "/ip4/0.0.0.0/tcp/0") and wires a gossipsub router onto it.
func New(ctx context.Context, listenAddr string) (*Transport, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		return nil, fmt.Errorf("transportp2p: create host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("transportp2p: create gossipsub: %w", err)
	}
	return &Transport{host: h, ps: ps}, nil
}

// Self returns this host's peer id.
func (t *Transport) Self() string { return t.host.ID().String() }

// Host exposes the underlying libp2p host, for wiring components (such
// as contentclient) that need it directly rather than through the
// transport.Transport interface.
func (t *Transport) Host() host.Host { return t.host }

// Addrs returns this host's listen multiaddrs, for advertising a dial
// address out-of-band (join link, QR code — both out of scope here).
func (t *Transport) Addrs() []multiaddr.Multiaddr { return t.host.Addrs() }

type subscription struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	self   peer.ID
	evtH   *pubsub.TopicEventHandler
	joined chan struct{}
}

func (s *subscription) Next(ctx context.Context) (transport.Message, error) {
	for {
		msg, err := s.sub.Next(ctx)
		if err != nil {
			return transport.Message{}, fmt.Errorf("transportp2p: read subscription: %w", err)
		}
		if msg.ReceivedFrom == s.self {
			continue
		}
		return transport.Message{From: msg.ReceivedFrom.String(), Payload: msg.Data}, nil
	}
}

func (s *subscription) Cancel() {
	if s.evtH != nil {
		s.evtH.Cancel()
	}
	s.sub.Cancel()
	_ = s.topic.Close()
}

func (s *subscription) PeerJoined() <-chan struct{} { return s.joined }

// watchPeerEvents forwards gossipsub join events for this topic onto
// joined, so outbox retries can be nudged as soon as a new subscriber
// might actually be reachable, per §4.4. It exits once Cancel closes
// the event handler, which unblocks NextPeerEvent with an error.
func (s *subscription) watchPeerEvents() {
	for {
		evt, err := s.evtH.NextPeerEvent(context.Background())
		if err != nil {
			return
		}
		if evt.Type != pubsub.PeerJoin {
			continue
		}
		select {
		case s.joined <- struct{}{}:
		default:
		}
	}
}

// Join subscribes to the gossip topic backing a room.
func (t *Transport) Join(ctx context.Context, topicName string) (transport.Subscription, error) {
	topic, err := t.ps.Join(topicName)
	if err != nil {
		return nil, fmt.Errorf("transportp2p: join topic %q: %w", topicName, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, fmt.Errorf("transportp2p: subscribe topic %q: %w", topicName, err)
	}
	s := &subscription{
		topic:  topic,
		sub:    sub,
		self:   t.host.ID(),
		joined: make(chan struct{}, 1),
	}
	if evtH, err := topic.EventHandler(); err == nil {
		s.evtH = evtH
		go s.watchPeerEvents()
	}
	return s, nil
}

// GetSubscribers returns the peer ids gossipsub currently considers
// subscribed to topicName.
func (t *Transport) GetSubscribers(ctx context.Context, topicName string) ([]string, error) {
	topic, err := t.ps.Join(topicName)
	if err != nil {
		return nil, fmt.Errorf("transportp2p: join topic %q for subscriber list: %w", topicName, err)
	}
	peers := topic.ListPeers()
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.String()
	}
	return out, nil
}

// Publish broadcasts payload to topicName. Since Join returns a fresh
// pubsub.Topic per call, Publish re-joins (idempotent on an already
// joined topic) to obtain the handle needed to publish.
func (t *Transport) Publish(ctx context.Context, topicName string, payload []byte) error {
	topic, err := t.ps.Join(topicName)
	if err != nil {
		return fmt.Errorf("transportp2p: join topic %q for publish: %w", topicName, err)
	}
	if err := topic.Publish(ctx, payload); err != nil {
		return fmt.Errorf("transportp2p: publish to %q: %w", topicName, err)
	}
	return nil
}

type streamWrap struct {
	network.Stream
	remote string
}

func (s *streamWrap) RemotePeer() string { return s.remote }

// OpenStream dials peerAddr (a multiaddr string including the /p2p/<id>
// suffix) and opens a stream speaking protocolID.
func (t *Transport) OpenStream(ctx context.Context, peerAddr string, protocolID string) (transport.Stream, error) {
	addrInfo, err := peer.AddrInfoFromString(peerAddr)
	if err != nil {
		return nil, fmt.Errorf("transportp2p: parse peer address %q: %w", peerAddr, err)
	}
	if err := t.host.Connect(ctx, *addrInfo); err != nil {
		return nil, fmt.Errorf("transportp2p: connect to %s: %w", addrInfo.ID, err)
	}
	s, err := t.host.NewStream(ctx, addrInfo.ID, protocol.ID(protocolID))
	if err != nil {
		return nil, fmt.Errorf("transportp2p: open stream to %s: %w", addrInfo.ID, err)
	}
	return &streamWrap{Stream: s, remote: addrInfo.ID.String()}, nil
}

// SetStreamHandler registers a handler for incoming streams on
// protocolID, used by the hub side to accept peer connections.
func (t *Transport) SetStreamHandler(protocolID string, handler func(transport.Stream)) {
	t.host.SetStreamHandler(protocol.ID(protocolID), func(s network.Stream) {
		handler(&streamWrap{Stream: s, remote: s.Conn().RemotePeer().String()})
	})
}

// Close shuts down the underlying host.
func (t *Transport) Close() error {
	return t.host.Close()
}
