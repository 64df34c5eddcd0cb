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
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/geyang/zaku/metrics"
	"github.com/geyang/zaku/pubsub"
	"github.com/geyang/zaku/queue"
)

// Credentials is the optional shared secret required from clients.
type Credentials struct {
	User string
	Key  string
}

// Server hosts the task-queue protocol. It upgrades incoming HTTP
// connections to websockets and runs one connection handler per
// client until Stop.
type Server struct {
	engine *queue.Engine
	fabric *pubsub.Fabric
	creds  *Credentials
	log    *logrus.Entry

	mu      sync.Mutex
	conns   map[*connHandler]struct{}
	stopped bool
}

// NewServer wires the queue engine and pub/sub fabric into a
// transport server. creds may be nil to disable authentication.
func NewServer(engine *queue.Engine, fabric *pubsub.Fabric, creds *Credentials) *Server {
	return &Server{
		engine: engine,
		fabric: fabric,
		creds:  creds,
		log:    logrus.WithField("component", "rpc"),
		conns:  make(map[*connHandler]struct{}),
	}
}

// WebsocketHandler returns the http.Handler that upgrades connections
// and serves the protocol on them.
func (s *Server) WebsocketHandler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBuffer,
		WriteBufferSize: wsWriteBuffer,
		WriteBufferPool: wsBufferPool,
		// The protocol authenticates with its own AUTH frame; browser
		// origin checks add nothing for non-browser workers.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.WithError(err).Debug("websocket upgrade failed")
			return
		}
		s.ServeConn(conn)
	})
}

// ServeConn drives the protocol on an established websocket
// connection, blocking until the peer disconnects or the server
// stops.
func (s *Server) ServeConn(conn *websocket.Conn) {
	h := newConnHandler(s, newWSConn(conn))

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		h.conn.close()
		return
	}
	s.conns[h] = struct{}{}
	s.mu.Unlock()

	metrics.OpenConnections.Inc()
	defer metrics.OpenConnections.Dec()

	h.serve()

	s.mu.Lock()
	delete(s.conns, h)
	s.mu.Unlock()
}

// Stop closes every live connection and refuses new ones. Pending
// requests finish or fail with their connection.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopped = true
	conns := make([]*connHandler, 0, len(s.conns))
	for h := range s.conns {
		conns = append(conns, h)
	}
	s.mu.Unlock()

	for _, h := range conns {
		h.conn.close()
	}
}
