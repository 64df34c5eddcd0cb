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

// Package blob provides the optional bulk-payload spillover store.
// Payloads above the engine's threshold are written here while the
// primary store keeps only metadata. Consistency is best-effort with
// metadata authoritative.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has no stored payload.
var ErrNotFound = errors.New("blob not found")

// Store holds large payload bytes by key.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close(ctx context.Context) error
}
