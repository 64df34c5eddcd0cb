// Copyright 2024 The zaku Authors
// This file is part of the zaku library.
//
// The zaku library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The zaku library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the zaku library. If not, see <http://www.gnu.org/licenses/>.

// Package pubsub implements the ephemeral topic fabric. Topics are
// created on first subscribe, hold no history, and vanish when the
// last subscriber leaves. Each topic is bridged to a backing-store
// pub/sub channel, so publishes reach subscribers on every server
// sharing the store, not just the local process.
//
// Delivery is at-most-once: a subscriber whose inbox is full loses the
// event and a warning is logged.
package pubsub

import (
	"context"
	"errors"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/geyang/zaku/metrics"
	"github.com/geyang/zaku/store"
)

// ErrDuplicateRID is returned when a connection subscribes twice with
// the same correlation id.
var ErrDuplicateRID = errors.New("subscription rid already in use on this connection")

const inboxSize = 64

// Event is one delivery to a subscriber. Terminal marks the
// end-of-subscription signal sent after an idle timeout; its payload
// is empty.
type Event struct {
	Payload  []byte
	Terminal bool
}

// Subscriber is one (connection, rid) registration on a topic.
type Subscriber struct {
	Topic string
	RID   string

	conn    any
	events  chan Event
	timeout time.Duration
	timer   *time.Timer
	closed  bool
}

// Events yields deliveries in arrival order. The channel closes when
// the subscription ends, whether by unsubscribe, timeout, or
// connection drop; a Terminal event precedes the close only in the
// timeout case.
func (s *Subscriber) Events() <-chan Event { return s.events }

type topic struct {
	name   string
	bridge store.Subscription
	subs   map[*Subscriber]struct{}
}

// Fabric is the process-wide subscriber registry. Construct one at
// startup and pass it explicitly; all mutation happens under its lock.
type Fabric struct {
	db     store.Store
	prefix string
	log    *logrus.Entry

	mu     sync.Mutex
	topics map[string]*topic
	conns  map[any]mapset.Set[string] // rids in use per connection
	subs   map[any]map[string]*Subscriber
}

// New creates an empty fabric over the given store.
func New(db store.Store, prefix string) *Fabric {
	if prefix == "" {
		prefix = "zaku"
	}
	return &Fabric{
		db:     db,
		prefix: prefix,
		log:    logrus.WithField("component", "pubsub"),
		topics: make(map[string]*topic),
		conns:  make(map[any]mapset.Set[string]),
		subs:   make(map[any]map[string]*Subscriber),
	}
}

func (f *Fabric) channel(name string) string { return f.prefix + ":topic:" + name }

// Publish hands the payload to the backing store's channel for the
// topic and returns the store's receiver count. It never blocks on
// subscriber consumption.
func (f *Fabric) Publish(ctx context.Context, topicName string, payload []byte) (int64, error) {
	n, err := f.db.Publish(ctx, f.channel(topicName), payload)
	if err == nil {
		metrics.EventsPublished.Inc()
	}
	return n, err
}

// Subscribe registers a subscriber for the topic. rid must be unique
// among the connection's live subscriptions. A timeout > 0 ends the
// subscription after that much idle time with a Terminal event;
// deliveries reset the idle clock.
func (f *Fabric) Subscribe(ctx context.Context, conn any, topicName, rid string, timeout time.Duration) (*Subscriber, error) {
	f.mu.Lock()
	rids, ok := f.conns[conn]
	if !ok {
		rids = mapset.NewThreadUnsafeSet[string]()
		f.conns[conn] = rids
	}
	if rids.Contains(rid) {
		f.mu.Unlock()
		return nil, ErrDuplicateRID
	}

	t, exists := f.topics[topicName]
	if !exists {
		// First local subscriber opens the store bridge. The store
		// round-trip happens outside the lock.
		f.mu.Unlock()
		bridge, err := f.db.Subscribe(ctx, f.channel(topicName))
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		if t, exists = f.topics[topicName]; exists {
			// Lost the race against another first subscriber.
			defer bridge.Close()
		} else {
			t = &topic{name: topicName, bridge: bridge, subs: make(map[*Subscriber]struct{})}
			f.topics[topicName] = t
			go f.run(t)
		}
		// Re-check the rid: it may have been taken while unlocked.
		rids = f.conns[conn]
		if rids == nil {
			rids = mapset.NewThreadUnsafeSet[string]()
			f.conns[conn] = rids
		}
		if rids.Contains(rid) {
			if len(t.subs) == 0 {
				t.bridge.Close()
				delete(f.topics, topicName)
			}
			f.mu.Unlock()
			return nil, ErrDuplicateRID
		}
	}

	sub := &Subscriber{
		Topic:   topicName,
		RID:     rid,
		conn:    conn,
		events:  make(chan Event, inboxSize),
		timeout: timeout,
	}
	t.subs[sub] = struct{}{}
	rids.Add(rid)
	if f.subs[conn] == nil {
		f.subs[conn] = make(map[string]*Subscriber)
	}
	f.subs[conn][rid] = sub
	if timeout > 0 {
		sub.timer = time.AfterFunc(timeout, func() { f.expire(sub) })
	}
	f.mu.Unlock()

	f.log.WithFields(logrus.Fields{"topic": topicName, "rid": rid}).Debug("subscribed")
	return sub, nil
}

// run bridges store events into local subscriber inboxes until the
// store subscription closes.
func (f *Fabric) run(t *topic) {
	for payload := range t.bridge.Events() {
		f.mu.Lock()
		for sub := range t.subs {
			select {
			case sub.events <- Event{Payload: payload}:
				if sub.timer != nil {
					sub.timer.Reset(sub.timeout)
				}
			default:
				metrics.EventsDropped.Inc()
				f.log.WithFields(logrus.Fields{"topic": t.name, "rid": sub.RID}).Warn("subscriber inbox full, event dropped")
			}
		}
		f.mu.Unlock()
	}
}

// expire is the idle-timeout path: deliver a Terminal event, then tear
// the subscriber down.
func (f *Fabric) expire(sub *Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.events <- Event{Terminal: true}:
	default:
		// Inbox full; the close below still ends the subscription.
	}
	f.removeLocked(sub)
}

// Unsubscribe removes the (conn, rid) subscription from the topic,
// reporting whether it existed.
func (f *Fabric) Unsubscribe(conn any, topicName, rid string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := f.subs[conn][rid]
	if sub == nil || sub.Topic != topicName {
		return false
	}
	f.removeLocked(sub)
	return true
}

// DropConnection removes every subscription held by the connection.
func (f *Fabric) DropConnection(conn any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs[conn] {
		f.removeLocked(sub)
	}
	delete(f.subs, conn)
	delete(f.conns, conn)
}

// removeLocked unlinks the subscriber and closes its inbox. Closing
// under the fabric lock is what makes the bridge's sends safe.
func (f *Fabric) removeLocked(sub *Subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	if sub.timer != nil {
		sub.timer.Stop()
	}
	close(sub.events)

	if rids := f.conns[sub.conn]; rids != nil {
		rids.Remove(sub.RID)
		if rids.Cardinality() == 0 {
			delete(f.conns, sub.conn)
		}
	}
	if m := f.subs[sub.conn]; m != nil {
		delete(m, sub.RID)
		if len(m) == 0 {
			delete(f.subs, sub.conn)
		}
	}

	t := f.topics[sub.Topic]
	if t == nil {
		return
	}
	delete(t.subs, sub)
	if len(t.subs) == 0 {
		// Last subscriber: close the bridge; run() exits when the
		// store subscription's channel drains.
		t.bridge.Close()
		delete(f.topics, sub.Topic)
	}
}

// Close tears down every topic bridge. Used at shutdown.
func (f *Fabric) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.subs {
		for _, sub := range m {
			f.removeLocked(sub)
		}
	}
}
