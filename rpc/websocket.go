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
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsReadBuffer       = 1024
	wsWriteBuffer      = 1024
	wsPingInterval     = 30 * time.Second
	wsPingWriteTimeout = 5 * time.Second
	wsPongTimeout      = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsMessageSizeLimit = 256 * 1024 * 1024 // tensors ride this transport
)

var wsBufferPool = new(sync.Pool)

// wsConn frames envelopes as binary websocket messages. Reads belong
// to a single loop; writes are serialized by encMu so request handlers
// and event pushes can share the connection.
type wsConn struct {
	conn *websocket.Conn

	encMu sync.Mutex // guards writes

	wg           sync.WaitGroup
	pingReset    chan struct{}
	pongReceived chan struct{}
	closeOnce    sync.Once
	closeCh      chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(wsMessageSizeLimit)
	wc := &wsConn{
		conn:         conn,
		pingReset:    make(chan struct{}, 1),
		pongReceived: make(chan struct{}),
		closeCh:      make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		select {
		case wc.pongReceived <- struct{}{}:
		case <-wc.closeCh:
		}
		return nil
	})
	wc.wg.Add(1)
	go wc.pingLoop()
	return wc
}

func (wc *wsConn) remoteAddr() string {
	return wc.conn.RemoteAddr().String()
}

// readMessage blocks until the next envelope arrives. Non-binary
// frames are rejected as framing errors.
func (wc *wsConn) readMessage() (*Message, error) {
	typ, data, err := wc.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if typ != websocket.BinaryMessage {
		return nil, &Error{Code: CodeInvalidArgument, Message: "expected binary frame"}
	}
	return decodeMessage(data)
}

func (wc *wsConn) writeMessage(ctx context.Context, m *Message) error {
	data, err := encodeMessage(m)
	if err != nil {
		return err
	}
	wc.encMu.Lock()
	defer wc.encMu.Unlock()
	select {
	case <-wc.closeCh:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	// Every write refreshes the deadline; the ping loop leaves a stale
	// absolute deadline behind otherwise.
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	wc.conn.SetWriteDeadline(deadline)
	if err := wc.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return err
	}
	// Delay the next idle ping.
	select {
	case wc.pingReset <- struct{}{}:
	default:
	}
	return nil
}

func (wc *wsConn) closed() <-chan struct{} { return wc.closeCh }

func (wc *wsConn) close() {
	wc.closeOnce.Do(func() {
		close(wc.closeCh)
		wc.conn.Close()
	})
	wc.wg.Wait()
}

// pingLoop sends periodic ping frames when the connection is idle.
func (wc *wsConn) pingLoop() {
	var pingTimer = time.NewTimer(wsPingInterval)
	defer wc.wg.Done()
	defer pingTimer.Stop()

	for {
		select {
		case <-wc.closeCh:
			return

		case <-wc.pingReset:
			if !pingTimer.Stop() {
				<-pingTimer.C
			}
			pingTimer.Reset(wsPingInterval)

		case <-pingTimer.C:
			wc.encMu.Lock()
			wc.conn.SetWriteDeadline(time.Now().Add(wsPingWriteTimeout))
			wc.conn.WriteMessage(websocket.PingMessage, nil)
			wc.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
			wc.encMu.Unlock()
			pingTimer.Reset(wsPingInterval)

		case <-wc.pongReceived:
			wc.conn.SetReadDeadline(time.Time{})
		}
	}
}

func newWSDialer() *websocket.Dialer {
	return &websocket.Dialer{
		ReadBufferSize:  wsReadBuffer,
		WriteBufferSize: wsWriteBuffer,
		WriteBufferPool: wsBufferPool,
	}
}
