// Package outbox implements a per-topic retry queue for messages that
// could not be delivered immediately, with exponential backoff and a
// bounded queue depth. Each topic is drained by exactly one dedicated
// goroutine working strictly head-first, so in-flight retries can never
// reorder relative to later-enqueued messages on the same topic, per §5.
package outbox

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// maxAttempts is the number of delivery attempts before an entry is
// dropped permanently.
const maxAttempts = 8

// maxQueueDepth bounds the number of pending entries per topic; once
// exceeded, the oldest pending entry is dropped to make room, matching
// the bounded-queue-with-warning policy spec.md §5 suggests.
const maxQueueDepth = 1024

// Sender delivers one message for a topic. A nil error marks the entry
// delivered and removes it from the outbox.
type Sender func(ctx context.Context, topic string, payload []byte) error

type entry struct {
	payload  []byte
	attempts int
}

// topicQueue is one topic's pending entries, serviced by exactly one
// runTopic goroutine for the topic's lifetime.
type topicQueue struct {
	entries []*entry
	backoff *backoff.Backoff
	// wake is nudged to pull the topic's goroutine out of an idle wait
	// (queue empty) or a backoff sleep (previous attempt failed) the
	// moment there might be something new to try — a fresh Enqueue or a
	// peer-join event on the underlying transport, per §4.4.
	wake      chan struct{}
	stopWatch func()
}

func newTopicQueue() *topicQueue {
	return &topicQueue{
		backoff: &backoff.Backoff{Min: 250 * time.Millisecond, Max: 8 * time.Second, Factor: 2},
		wake:    make(chan struct{}, 1),
	}
}

func nudge(tq *topicQueue) {
	select {
	case tq.wake <- struct{}{}:
	default:
	}
}

// Outbox retries undelivered messages per topic with exponential
// backoff, giving up after maxAttempts.
type Outbox struct {
	mu     sync.Mutex
	log    *slog.Logger
	send   Sender
	topics map[string]*topicQueue
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds an Outbox that calls send to attempt delivery.
func New(ctx context.Context, send Sender, log *slog.Logger) *Outbox {
	if log == nil {
		log = slog.Default()
	}
	cctx, cancel := context.WithCancel(ctx)
	return &Outbox{
		log:    log,
		send:   send,
		topics: make(map[string]*topicQueue),
		ctx:    cctx,
		cancel: cancel,
	}
}

// Close stops every topic's peer-join watch and signals every runTopic
// goroutine to exit via context cancellation.
func (o *Outbox) Close() {
	o.cancel()
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, tq := range o.topics {
		if tq.stopWatch != nil {
			tq.stopWatch()
		}
	}
}

// Enqueue submits payload for delivery on topic, appending it to that
// topic's queue and waking its runTopic goroutine. It never blocks on
// delivery itself.
func (o *Outbox) Enqueue(topic string, payload []byte) {
	o.mu.Lock()
	tq := o.topicQueueLocked(topic)
	if len(tq.entries) >= maxQueueDepth {
		tq.entries = tq.entries[1:]
		o.log.Warn("outbox queue full, dropping oldest entry", "topic", topic)
	}
	tq.entries = append(tq.entries, &entry{payload: payload})
	o.mu.Unlock()

	nudge(tq)
}

// WatchTopic arranges for topic's queue to be nudged every time joined
// fires — e.g. when a new peer subscribes to the underlying gossip
// topic, which is exactly the condition that might let a
// previously-undeliverable message through, per §4.4. A nudge cuts a
// pending backoff sleep short rather than waiting it out. The returned
// stop function ends the watch; Close also stops every active watch.
func (o *Outbox) WatchTopic(topic string, joined <-chan struct{}) func() {
	o.mu.Lock()
	tq := o.topicQueueLocked(topic)
	o.mu.Unlock()

	stopCh := make(chan struct{})
	go func() {
		for {
			select {
			case <-joined:
				nudge(tq)
			case <-stopCh:
				return
			case <-o.ctx.Done():
				return
			}
		}
	}()
	stop := func() { close(stopCh) }

	o.mu.Lock()
	tq.stopWatch = stop
	o.mu.Unlock()

	return stop
}

// topicQueueLocked returns (creating and starting a runTopic goroutine
// for, if necessary) topic's queue. Callers must hold o.mu.
func (o *Outbox) topicQueueLocked(topic string) *topicQueue {
	tq, ok := o.topics[topic]
	if !ok {
		tq = newTopicQueue()
		o.topics[topic] = tq
		go o.runTopic(topic, tq)
	}
	return tq
}

// runTopic is the single goroutine responsible for topic's queue: it
// always attempts the head entry, retrying it with backoff until it
// either succeeds or exhausts maxAttempts, before ever looking at the
// entry behind it. Because exactly one of these runs per topic for the
// topic's lifetime, there is never a second flush racing this one.
func (o *Outbox) runTopic(topic string, tq *topicQueue) {
	for {
		o.mu.Lock()
		if o.ctx.Err() != nil {
			o.mu.Unlock()
			return
		}
		if len(tq.entries) == 0 {
			o.mu.Unlock()
			select {
			case <-tq.wake:
				continue
			case <-o.ctx.Done():
				return
			}
		}
		head := tq.entries[0]
		o.mu.Unlock()

		head.attempts++
		err := o.send(o.ctx, topic, head.payload)

		o.mu.Lock()
		if o.ctx.Err() != nil {
			o.mu.Unlock()
			return
		}
		if len(tq.entries) == 0 || tq.entries[0] != head {
			// Queue mutated concurrently underneath this attempt (e.g.
			// a racing drop-oldest eviction); reassess from the top.
			o.mu.Unlock()
			continue
		}
		if err == nil {
			tq.entries = tq.entries[1:]
			tq.backoff.Reset()
			o.mu.Unlock()
			continue
		}
		if head.attempts >= maxAttempts {
			o.log.Warn("outbox giving up on entry", "topic", topic, "attempts", head.attempts, "err", err)
			tq.entries = tq.entries[1:]
			tq.backoff.Reset()
			o.mu.Unlock()
			continue
		}
		// min(250ms·2^n, 8s) from the backoff, plus a uniform [0, 200ms) jitter.
		delay := tq.backoff.Duration() + time.Duration(rand.Int63n(int64(200*time.Millisecond)))
		o.log.Debug("outbox retry scheduled", "topic", topic, "attempt", head.attempts, "delay", delay, "err", err)
		o.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-tq.wake:
			timer.Stop()
		case <-o.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// Depth returns the number of pending entries for a topic, for tests
// and introspection.
func (o *Outbox) Depth(topic string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	tq, ok := o.topics[topic]
	if !ok {
		return 0
	}
	return len(tq.entries)
}
