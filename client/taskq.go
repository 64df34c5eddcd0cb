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

// Package client is the high-level facade over the wire protocol.
// Payloads are maps encoded with the codec package, so tasks carry
// numeric arrays and images without the caller touching bytes.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/geyang/zaku/codec"
	"github.com/geyang/zaku/rpc"
)

// Config configures a TaskQ.
type Config struct {
	// URL is the server's websocket endpoint, e.g. ws://localhost:9000.
	URL string

	// Queue is the queue this handle binds to.
	Queue string

	// User and Key authenticate against a credentialed server. Leave
	// empty for open servers.
	User string
	Key  string
}

// TaskQ is a handle on one named queue. Each handle owns its own
// connection; open one per queue.
type TaskQ struct {
	conn  *rpc.Client
	queue string
	log   *logrus.Entry
}

// New dials the server and registers the queue.
func New(ctx context.Context, cfg Config) (*TaskQ, error) {
	if cfg.Queue == "" {
		return nil, fmt.Errorf("queue name required")
	}
	var creds *rpc.Credentials
	if cfg.User != "" || cfg.Key != "" {
		creds = &rpc.Credentials{User: cfg.User, Key: cfg.Key}
	}
	conn, err := rpc.Dial(ctx, cfg.URL, creds)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	q := &TaskQ{
		conn:  conn,
		queue: cfg.Queue,
		log:   logrus.WithFields(logrus.Fields{"component": "client", "queue": cfg.Queue}),
	}
	if _, err := conn.Call(ctx, &rpc.Message{Op: rpc.OpInitQueue, Queue: cfg.Queue}); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

// Close releases the connection. Claims held through this connection
// revert to pending on the server.
func (q *TaskQ) Close() error { return q.conn.Close() }

// AddOption adjusts a single Add call.
type AddOption func(*rpc.Message)

// WithID pins the task id instead of minting one. Adding a duplicate
// id fails with a CONFLICT error.
func WithID(id string) AddOption {
	return func(m *rpc.Message) { m.TaskID = id }
}

// WithTTL sets the claim lifetime, in seconds, applied when this task
// is taken.
func WithTTL(seconds float64) AddOption {
	return func(m *rpc.Message) { m.TTL = seconds }
}

// Add enqueues a task and returns its id.
func (q *TaskQ) Add(ctx context.Context, payload map[string]any, opts ...AddOption) (string, error) {
	data, err := codec.Encode(payload)
	if err != nil {
		return "", err
	}
	req := &rpc.Message{Op: rpc.OpAdd, Queue: q.queue, Payload: data}
	for _, opt := range opts {
		opt(req)
	}
	resp, err := q.conn.Call(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// Take claims the oldest pending task. ok is false on an empty queue.
func (q *TaskQ) Take(ctx context.Context) (string, map[string]any, bool, error) {
	resp, err := q.conn.Call(ctx, &rpc.Message{Op: rpc.OpTake, Queue: q.queue})
	if err != nil {
		return "", nil, false, err
	}
	if resp.TaskID == "" {
		return "", nil, false, nil
	}
	payload, err := codec.Decode(resp.Payload)
	if err != nil {
		return "", nil, false, fmt.Errorf("task %s payload: %w", resp.TaskID, err)
	}
	return resp.TaskID, payload, true, nil
}

// MarkDone completes the task, removing it from the queue.
func (q *TaskQ) MarkDone(ctx context.Context, id string) error {
	_, err := q.conn.Call(ctx, &rpc.Message{Op: rpc.OpMarkDone, Queue: q.queue, TaskID: id})
	return err
}

// MarkReset returns a claimed task to the pending tail.
func (q *TaskQ) MarkReset(ctx context.Context, id string) error {
	_, err := q.conn.Call(ctx, &rpc.Message{Op: rpc.OpMarkReset, Queue: q.queue, TaskID: id})
	return err
}

// Clear drops every task in the queue; the queue itself survives.
func (q *TaskQ) Clear(ctx context.Context) error {
	_, err := q.conn.Call(ctx, &rpc.Message{Op: rpc.OpClearQueue, Queue: q.queue})
	return err
}

// Remove clears the queue and unregisters it.
func (q *TaskQ) Remove(ctx context.Context) error {
	_, err := q.conn.Call(ctx, &rpc.Message{Op: rpc.OpRemoveQueue, Queue: q.queue})
	return err
}

// Pop is the scoped claim. It takes a task, hands the payload to fn,
// and settles the claim on every exit path: MarkDone when fn returns
// nil, MarkReset when fn errors or panics. Panics propagate after the
// reset. When the queue is empty fn is not called and Pop returns
// (false, nil).
func (q *TaskQ) Pop(ctx context.Context, fn func(ctx context.Context, payload map[string]any) error) (bool, error) {
	id, payload, ok, err := q.Take(ctx)
	if err != nil || !ok {
		return false, err
	}

	settled := false
	defer func() {
		if settled {
			return
		}
		// fn panicked. Reset before the panic continues so the task is
		// not stranded until its TTL.
		if rerr := q.MarkReset(context.WithoutCancel(ctx), id); rerr != nil {
			q.log.WithError(rerr).WithField("task", id).Warn("reset after panic failed")
		}
	}()

	if err := fn(ctx, payload); err != nil {
		settled = true
		if rerr := q.MarkReset(context.WithoutCancel(ctx), id); rerr != nil {
			return true, fmt.Errorf("task failed (%v) and reset failed: %w", err, rerr)
		}
		return true, err
	}
	settled = true
	return true, q.MarkDone(ctx, id)
}

// Publish broadcasts a payload on the topic and returns how many
// receivers saw it.
func (q *TaskQ) Publish(ctx context.Context, topic string, payload map[string]any) (int64, error) {
	data, err := codec.Encode(payload)
	if err != nil {
		return 0, err
	}
	resp, err := q.conn.Call(ctx, &rpc.Message{Op: rpc.OpPublish, Topic: topic, Payload: data})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Subscription streams decoded topic events.
type Subscription struct {
	sub    *rpc.ClientSub
	events chan map[string]any
}

// Events yields topic payloads. The channel closes when the
// subscription ends.
func (s *Subscription) Events() <-chan map[string]any { return s.events }

// Unsubscribe cancels the subscription.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	return s.sub.Unsubscribe(ctx)
}

// Subscribe opens a topic subscription. timeout > 0 ends it after that
// much idle time.
func (q *TaskQ) Subscribe(ctx context.Context, topic string, timeout time.Duration) (*Subscription, error) {
	sub, err := q.conn.Subscribe(ctx, topic, timeout)
	if err != nil {
		return nil, err
	}
	s := &Subscription{sub: sub, events: make(chan map[string]any, 16)}
	go func() {
		defer close(s.events)
		for raw := range sub.Events() {
			doc, err := codec.Decode(raw)
			if err != nil {
				q.log.WithError(err).WithField("topic", topic).Warn("undecodable event dropped")
				continue
			}
			s.events <- doc
		}
	}()
	return s, nil
}

// SubscribeOne waits for a single event on the topic, then
// unsubscribes. It returns (nil, false, nil) when the subscription
// times out first.
func (q *TaskQ) SubscribeOne(ctx context.Context, topic string, timeout time.Duration) (map[string]any, bool, error) {
	sub, err := q.Subscribe(ctx, topic, timeout)
	if err != nil {
		return nil, false, err
	}
	defer sub.Unsubscribe(context.WithoutCancel(ctx))

	select {
	case doc, open := <-sub.Events():
		if !open {
			return nil, false, nil
		}
		return doc, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
