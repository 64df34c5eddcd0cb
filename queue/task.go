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

package queue

// Status of a stored task record.
const (
	StatusPending = "PENDING"
	StatusClaimed = "CLAIMED"
)

// Record is the stored task metadata, minus the payload bytes which
// live under their own key.
type Record struct {
	ID        string  `json:"id"`
	Status    string  `json:"status"`
	CreatedAt int64   `json:"created_at"` // unix-ms
	ClaimedAt int64   `json:"claimed_at,omitempty"`
	TTL       float64 `json:"ttl_seconds"`
	// Blob names the spillover key when the payload was too large for
	// the primary store. Empty for inline payloads.
	Blob string `json:"blob,omitempty"`
}

// claim is the claim-set entry written at Take time.
type claim struct {
	Deadline int64   `json:"deadline"` // unix-ms
	TTL      float64 `json:"ttl"`
}
