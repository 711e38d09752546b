// Package events fans out store change notifications to in-process subscribers.
package events

import (
	"context"
	"sync"
	"time"
)

// Topic groups events by the resource that changed.
type Topic string

const (
	// TopicActivity carries vote and comment changes.
	TopicActivity Topic = "activity"
	// TopicCollections carries collection, pin and bookmark changes.
	TopicCollections Topic = "collections"
	// TopicIdentity carries login, logout and identity switches.
	TopicIdentity Topic = "identity"
)

// Event kinds.
const (
	KindVote       = "vote"
	KindComment    = "comment"
	KindRefresh    = "refresh"
	KindCreated    = "created"
	KindCollection = "collection"
	KindPinned     = "pinned"
	KindBookmark   = "bookmark"
	KindIdentity   = "identity"
)

// Event describes one change.
type Event struct {
	Topic     Topic
	Kind      string
	Identity  string
	CardIDs   []string
	Timestamp time.Time
}

// Dispatcher delivers events to per-topic subscribers. Slow subscribers drop events rather
// than block publishers.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[Topic]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[Topic]map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers for events on topic until ctx is done or the returned cancel runs.
func (d *Dispatcher) Subscribe(ctx context.Context, topic Topic) (<-chan Event, func()) {
	if d == nil || topic == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(topic, sub)
	var once sync.Once
	cancel := func() {
		once.Do(func() { d.unregister(topic, sub.id) })
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return sub.stream, cancel
}

// Publish delivers event to the current subscribers of its topic. A nil Dispatcher drops it.
func (d *Dispatcher) Publish(event Event) {
	if d == nil || event.Topic == "" || event.Kind == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	subs := d.subscribers[event.Topic]
	targets := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	d.mu.RUnlock()
	for _, sub := range targets {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers are registered on topic.
func (d *Dispatcher) SubscriberCount(topic Topic) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(topic Topic, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*subscriber)
	}
	d.subscribers[topic][sub.id] = sub
}

func (d *Dispatcher) unregister(topic Topic, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.subscribers[topic]
	if subs == nil {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(d.subscribers, topic)
	}
}
