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
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/geyang/zaku/codec"
	"github.com/geyang/zaku/pubsub"
	"github.com/geyang/zaku/queue"
	"github.com/geyang/zaku/rpc"
	"github.com/geyang/zaku/store"
)

func startServer(t *testing.T) string {
	t.Helper()
	db := store.NewMemory()
	engine := queue.New(queue.Config{Store: db, Prefix: "test"})
	fabric := pubsub.New(db, "test")
	srv := rpc.NewServer(engine, fabric, nil)

	hs := httptest.NewServer(srv.WebsocketHandler())
	t.Cleanup(func() {
		srv.Stop()
		hs.Close()
	})
	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

func newTaskQ(t *testing.T, url, queueName string) *TaskQ {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q, err := New(ctx, Config{URL: url, Queue: queueName})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestAddTakeRoundTrip(t *testing.T) {
	url := startServer(t)
	q := newTaskQ(t, url, "jobs")
	ctx := context.Background()

	arr := &codec.NDArray{DType: codec.F32, Shape: []int{2, 2}, Data: make([]byte, 16)}
	id, err := q.Add(ctx, map[string]any{"step": 3, "weights": arr})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	gotID, payload, ok, err := q.Take(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, gotID)
	require.Equal(t, int64(3), payload["step"])

	got, isArr := payload["weights"].(*codec.NDArray)
	require.True(t, isArr)
	require.Equal(t, codec.F32, got.DType)
	require.Equal(t, []int{2, 2}, got.Shape)

	require.NoError(t, q.MarkDone(ctx, gotID))
}

func TestTakeEmptyQueue(t *testing.T) {
	url := startServer(t)
	q := newTaskQ(t, url, "jobs")

	_, _, ok, err := q.Take(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAddWithIDConflict(t *testing.T) {
	url := startServer(t)
	q := newTaskQ(t, url, "jobs")
	ctx := context.Background()

	_, err := q.Add(ctx, map[string]any{"n": 1}, WithID("fixed"))
	require.NoError(t, err)

	_, err = q.Add(ctx, map[string]any{"n": 2}, WithID("fixed"))
	var werr *rpc.Error
	require.ErrorAs(t, err, &werr)
	require.Equal(t, rpc.CodeConflict, werr.Code)
}

func TestPopCompletesOnSuccess(t *testing.T) {
	url := startServer(t)
	q := newTaskQ(t, url, "jobs")
	ctx := context.Background()

	_, err := q.Add(ctx, map[string]any{"n": 1})
	require.NoError(t, err)

	worked, err := q.Pop(ctx, func(ctx context.Context, payload map[string]any) error {
		require.Equal(t, int64(1), payload["n"])
		return nil
	})
	require.NoError(t, err)
	require.True(t, worked)

	// The task is gone, not re-queued.
	_, _, ok, err := q.Take(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPopResetsOnError(t *testing.T) {
	url := startServer(t)
	q := newTaskQ(t, url, "jobs")
	ctx := context.Background()

	id, err := q.Add(ctx, map[string]any{"n": 1})
	require.NoError(t, err)

	boom := errors.New("boom")
	worked, err := q.Pop(ctx, func(context.Context, map[string]any) error { return boom })
	require.ErrorIs(t, err, boom)
	require.True(t, worked)

	// Back on the queue immediately, no TTL wait.
	gotID, _, ok, err := q.Take(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, gotID)
}

func TestPopResetsOnPanic(t *testing.T) {
	url := startServer(t)
	q := newTaskQ(t, url, "jobs")
	ctx := context.Background()

	id, err := q.Add(ctx, map[string]any{"n": 1})
	require.NoError(t, err)

	require.Panics(t, func() {
		q.Pop(ctx, func(context.Context, map[string]any) error { panic("boom") })
	})

	gotID, _, ok, err := q.Take(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, gotID)
}

func TestPopEmptyQueueSkipsFn(t *testing.T) {
	url := startServer(t)
	q := newTaskQ(t, url, "jobs")

	called := false
	worked, err := q.Pop(context.Background(), func(context.Context, map[string]any) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.False(t, worked)
	require.False(t, called)
}

func TestPublishSubscribe(t *testing.T) {
	url := startServer(t)
	q := newTaskQ(t, url, "jobs")
	ctx := context.Background()

	sub, err := q.Subscribe(ctx, "progress", 0)
	require.NoError(t, err)

	n, err := q.Publish(ctx, "progress", map[string]any{"pct": 50})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	select {
	case doc := <-sub.Events():
		require.Equal(t, int64(50), doc["pct"])
	case <-time.After(2 * time.Second):
		t.Fatal("event never arrived")
	}
	require.NoError(t, sub.Unsubscribe(ctx))
}

func TestSubscribeOneTimesOut(t *testing.T) {
	url := startServer(t)
	q := newTaskQ(t, url, "jobs")

	doc, ok, err := q.SubscribeOne(context.Background(), "silent", 100*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, doc)
}

// The round trip of the RPC convention: caller tags a request with a
// reply topic, worker pops it and publishes the answer there.
func TestRPCRoundTrip(t *testing.T) {
	url := startServer(t)
	caller := newTaskQ(t, url, "q_rpc")
	worker := newTaskQ(t, url, "q_rpc")

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	go worker.ServeRPC(workerCtx, func(_ context.Context, req map[string]any) (map[string]any, error) {
		return map[string]any{"result": "ok", "x": req["x"]}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reply, err := caller.Call(ctx, map[string]any{"x": 7}, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "ok", reply["result"])
	require.Equal(t, int64(7), reply["x"])
}

func TestRPCWorkerErrorReply(t *testing.T) {
	url := startServer(t)
	caller := newTaskQ(t, url, "q_rpc")
	worker := newTaskQ(t, url, "q_rpc")

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	go worker.ServeRPC(workerCtx, func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("cannot comply")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reply, err := caller.Call(ctx, map[string]any{"x": 1}, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "cannot comply", reply["error"])
}

func TestRPCCallTimesOutWithoutWorker(t *testing.T) {
	url := startServer(t)
	caller := newTaskQ(t, url, "q_rpc")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := caller.Call(ctx, map[string]any{"x": 1}, 200*time.Millisecond)
	require.ErrorIs(t, err, ErrRPCTimeout)
}

func TestCallStreamReceivesMultipleReplies(t *testing.T) {
	url := startServer(t)
	caller := newTaskQ(t, url, "q_rpc")
	worker := newTaskQ(t, url, "q_rpc")

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	go func() {
		for {
			worked, _ := worker.Pop(workerCtx, func(ctx context.Context, req map[string]any) error {
				rid := req["_request_id"].(string)
				for i := 0; i < 3; i++ {
					if _, err := worker.Publish(ctx, rid, map[string]any{"chunk": i}); err != nil {
						return err
					}
				}
				return nil
			})
			if workerCtx.Err() != nil {
				return
			}
			if !worked {
				time.Sleep(20 * time.Millisecond)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := caller.CallStream(ctx, map[string]any{"x": 1}, 500*time.Millisecond)
	require.NoError(t, err)

	var chunks []int64
	for doc := range stream {
		chunks = append(chunks, doc["chunk"].(int64))
	}
	require.Equal(t, []int64{0, 1, 2}, chunks)
}
