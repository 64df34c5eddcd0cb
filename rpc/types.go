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

// Package rpc carries queue operations and topic broadcasts over a
// persistent bidirectional connection. Each frame is a msgpack-encoded
// envelope; requests are correlated to replies by a client-chosen rid,
// so any number of requests may be in flight on one connection. The
// server pushes EVENT frames for live subscriptions, tagged with the
// rid of the SUBSCRIBE that created them.
package rpc

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Op names the operation an envelope carries.
type Op string

// Client-initiated ops.
const (
	OpInitQueue   Op = "INIT_QUEUE"
	OpRemoveQueue Op = "REMOVE_QUEUE"
	OpClearQueue  Op = "CLEAR_QUEUE"
	OpAdd         Op = "ADD"
	OpTake        Op = "TAKE"
	OpMarkDone    Op = "MARK_DONE"
	OpMarkReset   Op = "MARK_RESET"
	OpPublish     Op = "PUBLISH"
	OpSubscribe   Op = "SUBSCRIBE"
	OpUnsubscribe Op = "UNSUBSCRIBE"
	OpPing        Op = "PING"
	OpAuth        Op = "AUTH"
)

// Server-initiated ops.
const (
	OpEvent Op = "EVENT"
	OpAck   Op = "ACK"
	OpErr   Op = "ERR"
)

// Error codes surfaced to clients.
const (
	CodeConflict        = "CONFLICT"
	CodeNotFound        = "NOT_FOUND"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeUnavailable     = "BACKING_STORE_UNAVAILABLE"
	CodeInternal        = "INTERNAL"
)

// Error is the wire error carried on ERR frames.
type Error struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Message is the envelope. Zero-valued fields are omitted from the
// wire form, so a frame only carries what its op needs.
type Message struct {
	Op      Op      `msgpack:"op"`
	RID     string  `msgpack:"rid,omitempty"`
	Queue   string  `msgpack:"queue,omitempty"`
	TaskID  string  `msgpack:"task_id,omitempty"`
	Topic   string  `msgpack:"topic,omitempty"`
	SubID   string  `msgpack:"sub_id,omitempty"` // UNSUBSCRIBE: rid of the subscription to cancel
	TTL     float64 `msgpack:"ttl,omitempty"`
	Timeout float64 `msgpack:"timeout,omitempty"`
	Payload []byte  `msgpack:"payload,omitempty"`
	Count   int64   `msgpack:"count,omitempty"`
	Error   *Error  `msgpack:"error,omitempty"`
}

// ack builds the success reply to a request.
func (m *Message) ack() *Message {
	return &Message{Op: OpAck, RID: m.RID}
}

// errorResponse builds the ERR reply to a request.
func (m *Message) errorResponse(code, format string, args ...any) *Message {
	return &Message{
		Op:    OpErr,
		RID:   m.RID,
		Error: &Error{Code: code, Message: fmt.Sprintf(format, args...)},
	}
}

func encodeMessage(m *Message) ([]byte, error) {
	return msgpack.Marshal(m)
}

func decodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
