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

package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// requestIDKey is the payload field that correlates an RPC request
// with its reply topic. The server never interprets it; correlation is
// purely a payload convention between caller and worker.
const requestIDKey = "_request_id"

// ErrRPCTimeout is returned by Call when no reply arrives before the
// reply subscription expires.
var ErrRPCTimeout = errors.New("rpc reply timed out")

// idlePollInterval paces ServeRPC when the queue is empty.
const idlePollInterval = 100 * time.Millisecond

// Call performs a single-reply RPC over the queue: it subscribes to a
// fresh reply topic, enqueues req tagged with the topic name, and
// waits for one event. timeout bounds the wait for a worker to answer.
func (q *TaskQ) Call(ctx context.Context, req map[string]any, timeout time.Duration) (map[string]any, error) {
	rid := uuid.NewString()
	sub, err := q.Subscribe(ctx, rid, timeout)
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe(context.WithoutCancel(ctx))

	if err := q.addRequest(ctx, req, rid); err != nil {
		return nil, err
	}

	select {
	case doc, open := <-sub.Events():
		if !open {
			return nil, ErrRPCTimeout
		}
		return doc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CallStream is the multi-reply variant: every event published on the
// reply topic is forwarded until the subscription's idle timeout ends
// it, which closes the returned channel. The worker controls stream
// length by how many times it publishes.
func (q *TaskQ) CallStream(ctx context.Context, req map[string]any, idleTimeout time.Duration) (<-chan map[string]any, error) {
	rid := uuid.NewString()
	sub, err := q.Subscribe(ctx, rid, idleTimeout)
	if err != nil {
		return nil, err
	}
	if err := q.addRequest(ctx, req, rid); err != nil {
		sub.Unsubscribe(context.WithoutCancel(ctx))
		return nil, err
	}

	out := make(chan map[string]any, 16)
	go func() {
		defer close(out)
		for doc := range sub.Events() {
			select {
			case out <- doc:
			case <-ctx.Done():
				sub.Unsubscribe(context.WithoutCancel(ctx))
				return
			}
		}
	}()
	return out, nil
}

func (q *TaskQ) addRequest(ctx context.Context, req map[string]any, rid string) error {
	payload := make(map[string]any, len(req)+1)
	for k, v := range req {
		payload[k] = v
	}
	payload[requestIDKey] = rid
	_, err := q.Add(ctx, payload)
	return err
}

// ServeRPC runs the worker side of the RPC pattern until ctx ends. For
// each task it pops, fn receives the request payload and its return
// value is published to the caller's reply topic. A request without
// the reply-topic tag is completed and dropped. fn errors publish an
// {"error": ...} reply and still complete the task; the error was
// delivered, retrying would double-answer.
func (q *TaskQ) ServeRPC(ctx context.Context, fn func(ctx context.Context, req map[string]any) (map[string]any, error)) error {
	for {
		worked, err := q.Pop(ctx, func(ctx context.Context, payload map[string]any) error {
			rid, _ := payload[requestIDKey].(string)
			if rid == "" {
				q.log.Warn("rpc task without reply topic, dropping")
				return nil
			}
			delete(payload, requestIDKey)

			reply, ferr := fn(ctx, payload)
			if ferr != nil {
				reply = map[string]any{"error": ferr.Error()}
			}
			if _, perr := q.Publish(ctx, rid, reply); perr != nil {
				return fmt.Errorf("publish reply to %s: %w", rid, perr)
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.WithError(err).Warn("rpc worker iteration failed")
		}
		if !worked {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idlePollInterval):
			}
		}
	}
}
