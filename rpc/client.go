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

package rpc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/geyang/zaku/codec"
)

// ErrConnClosed is returned on operations against a closed connection.
var ErrConnClosed = errors.New("connection closed")

// subInboxSize bounds the client-side event buffer per subscription.
const subInboxSize = 64

// Client is the protocol client. A single websocket carries all its
// traffic; Call may be used from any number of goroutines and requests
// interleave freely on the wire.
type Client struct {
	conn *wsConn

	readErr  error
	readDone chan struct{}

	mu       sync.Mutex
	closed   bool
	respWait map[string]chan *Message // rid -> pending call
	subs     map[string]*ClientSub    // rid -> live subscription
}

// ClientSub is a client-side topic subscription.
type ClientSub struct {
	RID   string
	Topic string

	c      *Client
	events chan []byte
	once   sync.Once
}

// Events yields topic payloads in arrival order. The channel closes
// when the subscription ends, whether by server-side idle timeout,
// Unsubscribe, or connection loss.
func (s *ClientSub) Events() <-chan []byte { return s.events }

// Unsubscribe cancels the subscription. Safe to call more than once.
func (s *ClientSub) Unsubscribe(ctx context.Context) error {
	_, err := s.c.Call(ctx, &Message{Op: OpUnsubscribe, Topic: s.Topic, SubID: s.RID})
	s.c.mu.Lock()
	s.c.removeSubLocked(s)
	s.c.mu.Unlock()
	return err
}

// Dial connects to a server at the given websocket URL. creds may be
// nil when the server runs unauthenticated; otherwise an AUTH exchange
// happens before Dial returns.
func Dial(ctx context.Context, url string, creds *Credentials) (*Client, error) {
	wsc, _, err := newWSDialer().DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:     newWSConn(wsc),
		readDone: make(chan struct{}),
		respWait: make(map[string]chan *Message),
		subs:     make(map[string]*ClientSub),
	}
	go c.dispatch()

	if creds != nil {
		payload, err := codec.Encode(map[string]any{"user": creds.User, "key": creds.Key})
		if err != nil {
			c.Close()
			return nil, err
		}
		if _, err := c.Call(ctx, &Message{Op: OpAuth, Payload: payload}); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Call sends the request and blocks for its reply. A missing rid is
// filled in with a fresh UUID. ERR replies come back as *Error.
func (c *Client) Call(ctx context.Context, req *Message) (*Message, error) {
	if req.RID == "" {
		req.RID = uuid.NewString()
	}
	ch := make(chan *Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.respWait[req.RID] = ch
	c.mu.Unlock()

	if err := c.conn.writeMessage(ctx, req); err != nil {
		c.mu.Lock()
		delete(c.respWait, req.RID)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, c.connError()
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.respWait, req.RID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Subscribe opens a topic subscription. timeout > 0 asks the server to
// end it after that much idle time.
func (c *Client) Subscribe(ctx context.Context, topic string, timeout time.Duration) (*ClientSub, error) {
	rid := uuid.NewString()
	sub := &ClientSub{
		RID:    rid,
		Topic:  topic,
		c:      c,
		events: make(chan []byte, subInboxSize),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	// Registered before the request so no event between ACK and
	// registration can be lost.
	c.subs[rid] = sub
	c.mu.Unlock()

	req := &Message{Op: OpSubscribe, RID: rid, Topic: topic, Timeout: timeout.Seconds()}
	if _, err := c.Call(ctx, req); err != nil {
		c.mu.Lock()
		c.removeSubLocked(sub)
		c.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

// Close tears down the connection. Pending calls fail with
// ErrConnClosed and subscription channels close.
func (c *Client) Close() error {
	c.conn.close()
	<-c.readDone
	return nil
}

// Closed reports the channel that closes when the connection dies.
func (c *Client) Closed() <-chan struct{} { return c.conn.closed() }

// dispatch is the sole reader. It routes ACK and ERR frames to their
// pending calls and EVENT frames to their subscriptions.
func (c *Client) dispatch() {
	for {
		msg, err := c.conn.readMessage()
		if err != nil {
			if c.readErr == nil {
				c.readErr = err
			}
			break
		}
		switch {
		case msg.Op == OpEvent:
			c.deliverEvent(msg)
		case msg.Op == OpErr && msg.RID == "":
			// Connection-level failure: the server closes after this
			// frame. Keep the typed error for the waiters.
			c.readErr = msg.Error
		default:
			c.mu.Lock()
			ch := c.respWait[msg.RID]
			delete(c.respWait, msg.RID)
			c.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		}
	}

	// Connection is gone: fail every waiter and close every
	// subscription.
	c.mu.Lock()
	c.closed = true
	for rid, ch := range c.respWait {
		delete(c.respWait, rid)
		close(ch)
	}
	for _, sub := range c.subs {
		sub.once.Do(func() { close(sub.events) })
	}
	c.subs = map[string]*ClientSub{}
	c.mu.Unlock()

	c.conn.close()
	close(c.readDone)
}

// deliverEvent hands an EVENT frame to its subscription. The empty
// payload is the server's terminal marker and closes the channel.
func (c *Client) deliverEvent(msg *Message) {
	c.mu.Lock()
	sub := c.subs[msg.RID]
	if sub == nil {
		c.mu.Unlock()
		return
	}
	if len(msg.Payload) == 0 {
		c.removeSubLocked(sub)
		c.mu.Unlock()
		return
	}
	select {
	case sub.events <- msg.Payload:
	default:
		// At-most-once: a slow consumer loses the event.
	}
	c.mu.Unlock()
}

func (c *Client) removeSubLocked(sub *ClientSub) {
	if c.subs[sub.RID] == sub {
		delete(c.subs, sub.RID)
	}
	sub.once.Do(func() { close(sub.events) })
}

func (c *Client) connError() error {
	if c.readErr != nil {
		return c.readErr
	}
	return ErrConnClosed
}
