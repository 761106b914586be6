// Package bus is the in-process event bus that decouples session workers
// from API subscribers. Publishers never block: each subscriber has a
// bounded buffer and the oldest message is dropped when it fills.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ppezzull/1balancer-sub000/pkg/logging"
)

// Topic names. Session topics are per-session; Global carries every message.
const (
	TopicGlobal        = "event.global"
	sessionTopicPrefix = "session."
)

// SessionTopic returns the per-session topic name.
func SessionTopic(sessionID string) string {
	return sessionTopicPrefix + sessionID
}

// SessionIDFrom extracts the session id from a per-session topic name, or
// "" for any other topic.
func SessionIDFrom(topic string) string {
	if !strings.HasPrefix(topic, sessionTopicPrefix) {
		return ""
	}
	return topic[len(sessionTopicPrefix):]
}

// DefaultBufferSize is the per-subscriber buffer length.
const DefaultBufferSize = 256

// Message is one bus delivery.
type Message struct {
	Topic   string
	Kind    string
	Payload interface{}
}

// Subscription is a handle to a subscriber's message stream.
type Subscription struct {
	bus     *Bus
	topics  map[string]struct{}
	ch      chan Message
	dropped atomic.Uint64
	mu      sync.Mutex
	closed  bool
}

// Bus fans messages out to subscribers by topic.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	logger *logging.Logger
}

// New creates an event bus.
func New(logger *logging.Logger) *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger.Component("bus"),
	}
}

// Subscribe registers a subscriber for the given topics.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		bus:    b,
		topics: make(map[string]struct{}, len(topics)),
		ch:     make(chan Message, DefaultBufferSize),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers a message to every subscriber of its topic and of the
// global topic. Slow subscribers lose their oldest buffered message.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.wants(msg.Topic) {
			continue
		}
		sub.deliver(msg)
	}
}

// Messages returns the subscriber's receive channel. The channel is closed
// when the subscription is closed.
func (s *Subscription) Messages() <-chan Message {
	return s.ch
}

// AddTopic extends the subscription to another topic.
func (s *Subscription) AddTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[topic] = struct{}{}
}

// RemoveTopic stops delivery for a topic.
func (s *Subscription) RemoveTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, topic)
}

// DroppedCount reports how many messages this subscriber has lost to
// buffer overflow.
func (s *Subscription) DroppedCount() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	_, registered := s.bus.subs[s]
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && registered {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription) wants(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.topics[TopicGlobal]; ok {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// deliver enqueues a message, evicting the oldest entry when the buffer is
// full. Called with the bus read lock held, so Close (which takes the write
// lock) cannot run concurrently and the channel cannot close mid-send.
func (s *Subscription) deliver(msg Message) {
	for {
		select {
		case s.ch <- msg:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}
