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

	"github.com/sirupsen/logrus"

	"github.com/geyang/zaku/codec"
	"github.com/geyang/zaku/metrics"
	"github.com/geyang/zaku/pubsub"
	"github.com/geyang/zaku/queue"
	"github.com/geyang/zaku/store"
)

// releaseTimeout bounds the best-effort claim resets issued when a
// connection drops.
const releaseTimeout = 5 * time.Second

// connHandler serves one client connection. Requests are dispatched on
// background goroutines tracked by callWG, so many may be in flight;
// responses are correlated by rid, not by order. The handler also owns
// the connection's live subscriptions and the set of task ids it has
// claimed, both of which it releases when the connection ends.
type connHandler struct {
	srv  *Server
	conn *wsConn
	log  *logrus.Entry

	callWG     sync.WaitGroup
	rootCtx    context.Context
	cancelRoot context.CancelFunc

	mu     sync.Mutex
	authed bool
	claims map[string]string // task id -> queue
}

func newConnHandler(srv *Server, conn *wsConn) *connHandler {
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	return &connHandler{
		srv:        srv,
		conn:       conn,
		log:        srv.log.WithField("conn", conn.remoteAddr()),
		rootCtx:    rootCtx,
		cancelRoot: cancelRoot,
		authed:     srv.creds == nil,
		claims:     make(map[string]string),
	}
}

// serve reads frames until the connection fails, then tears down. A
// framing error earns the peer a final ERR before the close.
func (h *connHandler) serve() {
	defer h.close()

	for {
		msg, err := h.conn.readMessage()
		if err != nil {
			var werr *Error
			if errors.As(err, &werr) {
				h.finalError(werr.Code, werr.Message)
			}
			h.log.WithError(err).Debug("connection read ended")
			return
		}
		if msg.RID == "" {
			h.finalError(CodeInvalidArgument, "request without rid")
			return
		}
		if !h.checkAuth(msg) {
			return
		}
		h.startCall(msg)
	}
}

// checkAuth enforces the credential gate. It reports whether the
// connection may continue.
func (h *connHandler) checkAuth(msg *Message) bool {
	h.mu.Lock()
	authed := h.authed
	h.mu.Unlock()

	if msg.Op == OpAuth {
		if !h.handleAuth(msg) {
			return false
		}
		return true
	}
	if !authed {
		h.finalError(CodeUnauthenticated, "authentication required")
		return false
	}
	return true
}

func (h *connHandler) handleAuth(msg *Message) bool {
	if h.srv.creds == nil {
		h.write(msg.ack())
		return true
	}
	doc, err := codec.Decode(msg.Payload)
	if err != nil {
		h.finalError(CodeInvalidArgument, "malformed auth payload")
		return false
	}
	user, _ := doc["user"].(string)
	key, _ := doc["key"].(string)
	if user != h.srv.creds.User || key != h.srv.creds.Key {
		h.log.WithField("user", user).Warn("authentication failed")
		h.finalError(CodeUnauthenticated, "bad credentials")
		return false
	}
	h.mu.Lock()
	h.authed = true
	h.mu.Unlock()
	h.write(msg.ack())
	return true
}

// startCall runs the request on a tracked goroutine.
func (h *connHandler) startCall(msg *Message) {
	h.callWG.Add(1)
	go func() {
		defer h.callWG.Done()
		ctx, cancel := context.WithCancel(h.rootCtx)
		defer cancel()

		start := time.Now()
		resp := h.handleCall(ctx, msg)
		outcome := "ok"
		if resp.Error != nil {
			outcome = resp.Error.Code
			h.log.WithFields(logrus.Fields{"op": msg.Op, "rid": msg.RID, "t": time.Since(start), "err": resp.Error.Message}).Info("served")
		} else {
			h.log.WithFields(logrus.Fields{"op": msg.Op, "rid": msg.RID, "t": time.Since(start)}).Debug("served")
		}
		metrics.OpsServed.WithLabelValues(string(msg.Op), outcome).Inc()
		h.write(resp)
	}()
}

func (h *connHandler) handleCall(ctx context.Context, msg *Message) *Message {
	switch msg.Op {
	case OpPing:
		return msg.ack()
	case OpInitQueue:
		return h.handleInitQueue(ctx, msg)
	case OpRemoveQueue, OpClearQueue:
		return h.handleQueueAdmin(ctx, msg)
	case OpAdd:
		return h.handleAdd(ctx, msg)
	case OpTake:
		return h.handleTake(ctx, msg)
	case OpMarkDone, OpMarkReset:
		return h.handleMark(ctx, msg)
	case OpPublish:
		return h.handlePublish(ctx, msg)
	case OpSubscribe:
		return h.handleSubscribe(ctx, msg)
	case OpUnsubscribe:
		return h.handleUnsubscribe(msg)
	default:
		return msg.errorResponse(CodeInvalidArgument, "unknown op %q", msg.Op)
	}
}

func (h *connHandler) handleInitQueue(ctx context.Context, msg *Message) *Message {
	if msg.Queue == "" {
		return msg.errorResponse(CodeInvalidArgument, "queue name required")
	}
	if err := h.srv.engine.Init(ctx, msg.Queue); err != nil {
		return h.opError(msg, err)
	}
	return msg.ack()
}

func (h *connHandler) handleQueueAdmin(ctx context.Context, msg *Message) *Message {
	if msg.Queue == "" {
		return msg.errorResponse(CodeInvalidArgument, "queue name required")
	}
	var err error
	if msg.Op == OpRemoveQueue {
		err = h.srv.engine.Remove(ctx, msg.Queue)
	} else {
		err = h.srv.engine.Clear(ctx, msg.Queue)
	}
	if err != nil {
		return h.opError(msg, err)
	}
	return msg.ack()
}

func (h *connHandler) handleAdd(ctx context.Context, msg *Message) *Message {
	if msg.Queue == "" {
		return msg.errorResponse(CodeInvalidArgument, "queue name required")
	}
	id, err := h.srv.engine.Add(ctx, msg.Queue, msg.Payload, msg.TaskID, msg.TTL)
	if err != nil {
		return h.opError(msg, err)
	}
	resp := msg.ack()
	resp.TaskID = id
	return resp
}

func (h *connHandler) handleTake(ctx context.Context, msg *Message) *Message {
	if msg.Queue == "" {
		return msg.errorResponse(CodeInvalidArgument, "queue name required")
	}
	id, payload, ok, err := h.srv.engine.Take(ctx, msg.Queue, msg.TTL)
	if err != nil {
		return h.opError(msg, err)
	}
	resp := msg.ack()
	if !ok {
		// Empty queue is a null result, not an error.
		return resp
	}
	h.mu.Lock()
	h.claims[id] = msg.Queue
	h.mu.Unlock()
	resp.TaskID = id
	resp.Payload = payload
	return resp
}

func (h *connHandler) handleMark(ctx context.Context, msg *Message) *Message {
	if msg.Queue == "" || msg.TaskID == "" {
		return msg.errorResponse(CodeInvalidArgument, "queue and task_id required")
	}
	var err error
	if msg.Op == OpMarkDone {
		err = h.srv.engine.MarkDone(ctx, msg.Queue, msg.TaskID)
	} else {
		err = h.srv.engine.MarkReset(ctx, msg.Queue, msg.TaskID)
	}
	if err != nil {
		return h.opError(msg, err)
	}
	h.mu.Lock()
	delete(h.claims, msg.TaskID)
	h.mu.Unlock()
	return msg.ack()
}

func (h *connHandler) handlePublish(ctx context.Context, msg *Message) *Message {
	if msg.Topic == "" {
		return msg.errorResponse(CodeInvalidArgument, "topic required")
	}
	n, err := h.srv.fabric.Publish(ctx, msg.Topic, msg.Payload)
	if err != nil {
		return h.opError(msg, err)
	}
	resp := msg.ack()
	resp.Count = n
	return resp
}

func (h *connHandler) handleSubscribe(ctx context.Context, msg *Message) *Message {
	if msg.Topic == "" {
		return msg.errorResponse(CodeInvalidArgument, "topic required")
	}
	timeout := time.Duration(msg.Timeout * float64(time.Second))
	sub, err := h.srv.fabric.Subscribe(ctx, h, msg.Topic, msg.RID, timeout)
	if err != nil {
		return h.opError(msg, err)
	}

	h.callWG.Add(1)
	go h.forwardEvents(sub)
	return msg.ack()
}

// forwardEvents turns fabric deliveries into EVENT frames. A Terminal
// delivery becomes the empty EVENT that tells the client its
// subscription timed out.
func (h *connHandler) forwardEvents(sub *pubsub.Subscriber) {
	defer h.callWG.Done()
	for ev := range sub.Events() {
		frame := &Message{Op: OpEvent, RID: sub.RID, Topic: sub.Topic}
		if !ev.Terminal {
			frame.Payload = ev.Payload
		}
		h.write(frame)
		if ev.Terminal {
			break
		}
	}
}

func (h *connHandler) handleUnsubscribe(msg *Message) *Message {
	subID := msg.SubID
	if subID == "" {
		subID = msg.RID
	}
	if msg.Topic == "" {
		return msg.errorResponse(CodeInvalidArgument, "topic required")
	}
	// Removal is idempotent: an unknown subscription still acks, since
	// it may have timed out moments earlier.
	h.srv.fabric.Unsubscribe(h, msg.Topic, subID)
	return msg.ack()
}

// opError maps engine and fabric failures onto wire error codes.
func (h *connHandler) opError(msg *Message, err error) *Message {
	switch {
	case errors.Is(err, queue.ErrConflict):
		return msg.errorResponse(CodeConflict, "%v", err)
	case errors.Is(err, pubsub.ErrDuplicateRID):
		return msg.errorResponse(CodeInvalidArgument, "%v", err)
	case errors.Is(err, store.ErrUnavailable):
		return msg.errorResponse(CodeUnavailable, "%v", err)
	case errors.Is(err, context.Canceled):
		return msg.errorResponse(CodeInternal, "request canceled")
	default:
		return msg.errorResponse(CodeInternal, "%v", err)
	}
}

func (h *connHandler) write(msg *Message) {
	if err := h.conn.writeMessage(h.rootCtx, msg); err != nil {
		h.log.WithError(err).Debug("write failed")
	}
}

// finalError sends a connection-level ERR and closes the transport.
func (h *connHandler) finalError(code, message string) {
	frame := &Message{Op: OpErr, Error: &Error{Code: code, Message: message}}
	h.conn.writeMessage(context.Background(), frame)
	h.conn.close()
}

// close tears the connection down: cancel in-flight calls, drop
// subscriptions, and release claims. The claim resets are best-effort
// and may race the reaper harmlessly, both paths re-insert at the
// pending tail exactly once.
func (h *connHandler) close() {
	h.cancelRoot()
	h.conn.close()
	h.srv.fabric.DropConnection(h)
	h.callWG.Wait()

	h.mu.Lock()
	claims := make(map[string]string, len(h.claims))
	for id, q := range h.claims {
		claims[id] = q
	}
	h.claims = map[string]string{}
	h.mu.Unlock()

	if len(claims) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	for id, q := range claims {
		if err := h.srv.engine.MarkReset(ctx, q, id); err != nil {
			h.log.WithError(err).WithFields(logrus.Fields{"queue": q, "task": id}).Warn("claim release failed")
		}
	}
}
