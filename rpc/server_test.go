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
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/geyang/zaku/pubsub"
	"github.com/geyang/zaku/queue"
	"github.com/geyang/zaku/store"
)

type testServer struct {
	url    string
	engine *queue.Engine
	srv    *Server
}

func newTestServer(t *testing.T, creds *Credentials) *testServer {
	t.Helper()
	db := store.NewMemory()
	engine := queue.New(queue.Config{Store: db, Prefix: "test"})
	fabric := pubsub.New(db, "test")
	srv := NewServer(engine, fabric, creds)

	hs := httptest.NewServer(srv.WebsocketHandler())
	t.Cleanup(func() {
		srv.Stop()
		hs.Close()
	})
	return &testServer{
		url:    "ws" + strings.TrimPrefix(hs.URL, "http"),
		engine: engine,
		srv:    srv,
	}
}

func dialTest(t *testing.T, ts *testServer, creds *Credentials) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, ts.url, creds)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func call(t *testing.T, c *Client, req *Message) *Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Call(ctx, req)
	require.NoError(t, err)
	return resp
}

func TestPingPong(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dialTest(t, ts, nil)

	resp := call(t, c, &Message{Op: OpPing})
	require.Equal(t, OpAck, resp.Op)
}

func TestAddTakeDoneOverWire(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dialTest(t, ts, nil)

	added := call(t, c, &Message{Op: OpAdd, Queue: "jobs", Payload: []byte("work")})
	require.NotEmpty(t, added.TaskID)

	taken := call(t, c, &Message{Op: OpTake, Queue: "jobs"})
	require.Equal(t, added.TaskID, taken.TaskID)
	require.Equal(t, []byte("work"), taken.Payload)

	call(t, c, &Message{Op: OpMarkDone, Queue: "jobs", TaskID: taken.TaskID})

	// Queue drained.
	empty := call(t, c, &Message{Op: OpTake, Queue: "jobs"})
	require.Empty(t, empty.TaskID)
	require.Empty(t, empty.Payload)
}

func TestConcurrentCallsCorrelateByRID(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dialTest(t, ts, nil)

	for i := 0; i < 20; i++ {
		call(t, c, &Message{Op: OpAdd, Queue: "jobs", Payload: []byte("x")})
	}

	results := make(chan string, 20)
	for i := 0; i < 20; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			resp, err := c.Call(ctx, &Message{Op: OpTake, Queue: "jobs"})
			if err != nil {
				results <- ""
				return
			}
			results <- resp.TaskID
		}()
	}
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		id := <-results
		require.NotEmpty(t, id)
		require.False(t, seen[id], "task %s claimed twice", id)
		seen[id] = true
	}
}

func TestDuplicateIDConflict(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dialTest(t, ts, nil)

	call(t, c, &Message{Op: OpAdd, Queue: "jobs", TaskID: "fixed", Payload: []byte("a")})

	ctx := context.Background()
	_, err := c.Call(ctx, &Message{Op: OpAdd, Queue: "jobs", TaskID: "fixed", Payload: []byte("b")})
	var werr *Error
	require.ErrorAs(t, err, &werr)
	require.Equal(t, CodeConflict, werr.Code)
}

func TestMissingQueueIsInvalidArgument(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dialTest(t, ts, nil)

	_, err := c.Call(context.Background(), &Message{Op: OpTake})
	var werr *Error
	require.ErrorAs(t, err, &werr)
	require.Equal(t, CodeInvalidArgument, werr.Code)
}

func TestPublishSubscribeOverWire(t *testing.T) {
	ts := newTestServer(t, nil)
	sub := dialTest(t, ts, nil)
	pub := dialTest(t, ts, nil)

	s, err := sub.Subscribe(context.Background(), "progress", 0)
	require.NoError(t, err)

	resp := call(t, pub, &Message{Op: OpPublish, Topic: "progress", Payload: []byte("50%")})
	require.Equal(t, int64(1), resp.Count)

	select {
	case payload := <-s.Events():
		require.Equal(t, []byte("50%"), payload)
	case <-time.After(2 * time.Second):
		t.Fatal("event never arrived")
	}
}

func TestSubscribeTimeoutClosesEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dialTest(t, ts, nil)

	s, err := c.Subscribe(context.Background(), "t", 100*time.Millisecond)
	require.NoError(t, err)

	select {
	case _, open := <-s.Events():
		require.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never timed out")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dialTest(t, ts, nil)

	s, err := c.Subscribe(context.Background(), "t", 0)
	require.NoError(t, err)
	require.NoError(t, s.Unsubscribe(context.Background()))

	// The server has no receivers left for the topic.
	resp := call(t, c, &Message{Op: OpPublish, Topic: "t", Payload: []byte("x")})
	require.Zero(t, resp.Count)
}

func TestDisconnectReleasesClaims(t *testing.T) {
	ts := newTestServer(t, nil)
	worker := dialTest(t, ts, nil)
	other := dialTest(t, ts, nil)

	call(t, other, &Message{Op: OpAdd, Queue: "jobs", TaskID: "t1", Payload: []byte("x")})

	taken := call(t, worker, &Message{Op: OpTake, Queue: "jobs"})
	require.Equal(t, "t1", taken.TaskID)

	// The worker dies mid-task; its claim reverts without waiting for
	// the TTL.
	worker.Close()

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := other.Call(ctx, &Message{Op: OpTake, Queue: "jobs"})
		return err == nil && resp.TaskID == "t1"
	}, 3*time.Second, 50*time.Millisecond)
}

func TestAuthRequired(t *testing.T) {
	creds := &Credentials{User: "admin", Key: "s3cret"}
	ts := newTestServer(t, creds)

	// Wrong key: the dial-time AUTH exchange fails.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, ts.url, &Credentials{User: "admin", Key: "wrong"})
	require.Error(t, err)

	// Right key: ops work.
	c := dialTest(t, ts, creds)
	resp := call(t, c, &Message{Op: OpAdd, Queue: "jobs", Payload: []byte("x")})
	require.NotEmpty(t, resp.TaskID)
}

func TestUnauthenticatedOpRejected(t *testing.T) {
	ts := newTestServer(t, &Credentials{User: "admin", Key: "s3cret"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, ts.url, nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(ctx, &Message{Op: OpPing})
	require.Error(t, err)
}

func TestQueueLifecycleOverWire(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dialTest(t, ts, nil)

	call(t, c, &Message{Op: OpInitQueue, Queue: "jobs"})
	call(t, c, &Message{Op: OpAdd, Queue: "jobs", Payload: []byte("x")})
	call(t, c, &Message{Op: OpClearQueue, Queue: "jobs"})

	n, err := ts.engine.Len(context.Background(), "jobs")
	require.NoError(t, err)
	require.Zero(t, n)

	queues, err := ts.engine.Queues(context.Background())
	require.NoError(t, err)
	require.Contains(t, queues, "jobs")

	call(t, c, &Message{Op: OpRemoveQueue, Queue: "jobs"})
	queues, err = ts.engine.Queues(context.Background())
	require.NoError(t, err)
	require.NotContains(t, queues, "jobs")
}
