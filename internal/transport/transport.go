// Package transport defines the adapter interface the sync engine and
// hub use to reach other peers, independent of the concrete network
// stack. Production code runs over internal/transportp2p; tests run
// over internal/transportfake.
package transport

import (
	"context"
	"io"
)

// Message is one gossip-topic publication, tagged with the peer that
// sent it so a receiver can filter out its own echoes.
type Message struct {
	From    string
	Payload []byte
}

// Subscription delivers Messages published to one topic.
type Subscription interface {
	// Next blocks until a message arrives or ctx is canceled.
	Next(ctx context.Context) (Message, error)
	// Cancel releases the subscription.
	Cancel()
	// PeerJoined receives a value each time a new subscriber is observed
	// on this topic, so a caller with undelivered messages (the outbox)
	// can retry as soon as someone might be listening rather than only
	// on its backoff timer, per §4.4.
	PeerJoined() <-chan struct{}
}

// Stream is a bidirectional, framed byte pipe to a single remote peer,
// used for direct (non-gossip) peer-to-hub exchanges.
type Stream interface {
	io.ReadWriteCloser
	RemotePeer() string
}

// Transport is the adapter interface the sync engine and hub program
// against. A concrete implementation owns one underlying host identity.
type Transport interface {
	// Self returns this transport's own peer id.
	Self() string

	// Join subscribes to the gossip topic for a room, returning a handle
	// used to read incoming messages. Publishing goes through Publish.
	Join(ctx context.Context, topic string) (Subscription, error)

	// Publish broadcasts payload to every subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// GetSubscribers returns the peer ids currently subscribed to topic.
	GetSubscribers(ctx context.Context, topic string) ([]string, error)

	// OpenStream opens a direct stream to peerAddr speaking protocolID.
	OpenStream(ctx context.Context, peerAddr string, protocolID string) (Stream, error)

	// Close releases all resources held by the transport.
	Close() error
}
