// Package pubsub is the in-process topic fabric: bounded
// per-subscriber queues with per-topic drop policies and drop
// accounting. A slow subscriber can never block a publisher unless
// the topic explicitly opts into the block policy.
package pubsub

import (
	"log/slog"
	"sync"
)

// Topic identifies one message stream.
type Topic string

const (
	TopicDeviceSnapshot Topic = "DEVICE_SNAPSHOT"
	TopicAlertWarning   Topic = "ALERT_WARNING"
	TopicAlertResolved  Topic = "ALERT_RESOLVED"
	TopicControlAction  Topic = "CONTROL_ACTION"
	TopicCloudPost      Topic = "CLOUD_POST"
)

// DropPolicy decides what happens when a subscriber's queue is full.
type DropPolicy string

const (
	DropOldest DropPolicy = "drop_oldest"
	DropNewest DropPolicy = "drop_newest"
	Block      DropPolicy = "block"
)

const defaultQueueSize = 64

// TopicConfig sizes one topic's subscriber queues.
type TopicConfig struct {
	QueueSize int        `yaml:"queue_maxsize"`
	Policy    DropPolicy `yaml:"drop_policy"`
}

func (c TopicConfig) withDefaults() TopicConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Policy == "" {
		c.Policy = DropOldest
	}
	return c
}

// Subscription is one subscriber's bounded queue on a topic.
type Subscription struct {
	C      <-chan any
	ch     chan any
	done   chan struct{}
	topic  Topic
	id     uint64
	broker *Broker

	// Guarded by the broker mutex. ch is closed only once detached is
	// set and inflight reaches zero, so a publisher parked on a full
	// queue can never hit a closed channel.
	inflight int
	detached bool
}

// detachLocked removes the subscription from delivery and closes its
// channel, deferring the close while a blocked publisher is mid-send.
func (s *Subscription) detachLocked() {
	if s.detached {
		return
	}
	s.detached = true
	close(s.done)
	if s.inflight == 0 {
		close(s.ch)
	}
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.broker.unsubscribe(s.topic, s.id)
}

// TopicStats is a point-in-time view of one topic.
type TopicStats struct {
	Subscribers  int
	QueueLengths []int
	QueueSize    int
	Policy       DropPolicy
	Dropped      uint64
}

type topicState struct {
	cfg     TopicConfig
	subs    map[uint64]*Subscription
	nextID  uint64
	dropped uint64
}

// Broker routes published messages to every subscriber of a topic.
type Broker struct {
	mu     sync.Mutex
	topics map[Topic]*topicState
	cfg    map[Topic]TopicConfig
	closed bool
}

// NewBroker creates a broker; cfg overrides per-topic queue settings.
func NewBroker(cfg map[Topic]TopicConfig) *Broker {
	return &Broker{topics: make(map[Topic]*topicState), cfg: cfg}
}

func (b *Broker) topicLocked(topic Topic) *topicState {
	ts, ok := b.topics[topic]
	if !ok {
		cfg := b.cfg[topic]
		ts = &topicState{cfg: cfg.withDefaults(), subs: make(map[uint64]*Subscription)}
		b.topics[topic] = ts
	}
	return ts
}

// Subscribe attaches a new bounded queue to the topic.
func (b *Broker) Subscribe(topic Topic) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts := b.topicLocked(topic)
	ch := make(chan any, ts.cfg.QueueSize)
	sub := &Subscription{C: ch, ch: ch, done: make(chan struct{}), topic: topic, id: ts.nextID, broker: b}
	ts.subs[ts.nextID] = sub
	ts.nextID++
	return sub
}

func (b *Broker) unsubscribe(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.topics[topic]
	if !ok {
		return
	}
	sub, ok := ts.subs[id]
	if !ok {
		return
	}
	delete(ts.subs, id)
	sub.detachLocked()
}

// Publish delivers msg to every current subscriber of the topic. The
// per-topic policy applies when a queue is full; drops are counted.
// Non-blocking deliveries happen under the broker mutex, so a
// subscriber closing concurrently cannot race the send.
func (b *Broker) Publish(topic Topic, msg any) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	ts := b.topicLocked(topic)
	policy := ts.cfg.Policy

	dropped := uint64(0)
	var blocked []*Subscription
	for _, sub := range ts.subs {
		select {
		case sub.ch <- msg:
			continue
		default:
		}
		switch policy {
		case DropNewest:
			dropped++
		case Block:
			// Parking here would hold up the whole broker; finish the
			// send after releasing the mutex, with the close deferred
			// until this delivery resolves.
			sub.inflight++
			blocked = append(blocked, sub)
		default: // DropOldest
			// Make room by discarding the front item, then retry once.
			// Another consumer may race us; either way one slot opened.
			select {
			case <-sub.ch:
				dropped++
			default:
			}
			select {
			case sub.ch <- msg:
			default:
				dropped++
			}
		}
	}
	ts.dropped += dropped
	b.mu.Unlock()

	for _, sub := range blocked {
		select {
		case sub.ch <- msg:
		case <-sub.done:
		}
		b.mu.Lock()
		sub.inflight--
		if sub.detached && sub.inflight == 0 {
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	if dropped > 0 {
		slog.Debug("pubsub dropped messages", "topic", string(topic), "count", dropped)
	}
}

// Stats reports every known topic.
func (b *Broker) Stats() map[Topic]TopicStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[Topic]TopicStats, len(b.topics))
	for topic, ts := range b.topics {
		st := TopicStats{
			Subscribers: len(ts.subs),
			QueueSize:   ts.cfg.QueueSize,
			Policy:      ts.cfg.Policy,
			Dropped:     ts.dropped,
		}
		for _, sub := range ts.subs {
			st.QueueLengths = append(st.QueueLengths, len(sub.ch))
		}
		out[topic] = st
	}
	return out
}

// ResetDrops zeroes the drop counters and returns the prior values.
func (b *Broker) ResetDrops() map[Topic]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[Topic]uint64, len(b.topics))
	for topic, ts := range b.topics {
		out[topic] = ts.dropped
		ts.dropped = 0
	}
	return out
}

// Close detaches all subscribers and clears stats. Publish becomes a
// no-op afterwards.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ts := range b.topics {
		for id, sub := range ts.subs {
			delete(ts.subs, id)
			sub.detachLocked()
		}
	}
	b.topics = make(map[Topic]*topicState)
}
