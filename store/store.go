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

// Package store abstracts the durable backing store behind the narrow
// contract the queue engine and pub/sub fabric need: JSON documents and
// raw blobs by key, ordered lists, sets, key-prefix iteration, and
// publish/subscribe by channel name. The redis provider is the
// production implementation; the memory provider backs unit tests.
package store

import (
	"context"
	"errors"
)

// ErrUnavailable wraps backing-store failures that remain after the
// provider's bounded retries. Callers surface it as a retryable
// condition.
var ErrUnavailable = errors.New("store unavailable")

// Subscription is a live pub/sub channel subscription. Events yields
// published payloads until Close is called or the store shuts down,
// after which the channel is closed.
type Subscription interface {
	Events() <-chan []byte
	Close() error
}

// Store is the backing-store contract.
//
// PopHead must be atomic with respect to concurrent PopHead calls on
// the same key: no two callers may observe the same element. Delete
// reports how many of the named keys existed, which the engine uses as
// a compare-and-delete primitive.
type Store interface {
	// JSON documents.
	SetJSON(ctx context.Context, key string, v any) error
	// SetJSONNX writes the document only if the key does not exist and
	// reports whether it wrote.
	SetJSONNX(ctx context.Context, key string, v any) (bool, error)
	// GetJSON reads a document into out, reporting whether the key existed.
	GetJSON(ctx context.Context, key string, out any) (bool, error)

	// Raw blobs.
	SetBytes(ctx context.Context, key string, data []byte) error
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)

	// Ordered lists.
	PushHead(ctx context.Context, key string, vals ...string) error
	PushTail(ctx context.Context, key string, vals ...string) error
	PopHead(ctx context.Context, key string) (string, bool, error)
	ListLen(ctx context.Context, key string) (int64, error)

	// Sets.
	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	Delete(ctx context.Context, keys ...string) (int64, error)
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)

	// Pub/sub.
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}
