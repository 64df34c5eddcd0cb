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

// Package queue implements the per-queue task state machine over the
// backing store, plus the background reaper that reverts expired
// claims.
//
// Persisted layout, all under a configurable prefix:
//
//	{prefix}:queues                          set of queue names
//	{prefix}:queue:{name}:pending            ordered list of task ids
//	{prefix}:queue:{name}:claims:{id}        claim doc {deadline, ttl}
//	{prefix}:queue:{name}:meta:{id}          task record minus payload
//	{prefix}:queue:{name}:payload:{id}       raw payload bytes
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/geyang/zaku/blob"
	"github.com/geyang/zaku/metrics"
	"github.com/geyang/zaku/store"
)

// ErrConflict is returned by Add when the caller-supplied task id is
// already present in the queue.
var ErrConflict = errors.New("task id already exists")

const (
	// DefaultTTL is the claim lifetime applied when neither the task
	// nor the Take call specifies one.
	DefaultTTL = 5.0

	// takeAttempts bounds the pop-then-claim loop.
	takeAttempts = 3
)

// Config configures an Engine.
type Config struct {
	Store  store.Store
	Prefix string // key namespace, default "zaku"

	// Blobs, when set, receives payloads larger than BlobThreshold
	// bytes; the primary store then only holds the record.
	Blobs         blob.Store
	BlobThreshold int

	DefaultTTL float64
}

// Engine is the queue state machine. It is stateless between calls:
// all mutable state lives in the backing store, so any number of
// engines (in one process or many) may operate on the same queues.
type Engine struct {
	db         store.Store
	prefix     string
	blobs      blob.Store
	blobMin    int
	defaultTTL float64
	log        *logrus.Entry
}

// New creates an engine over the given store.
func New(cfg Config) *Engine {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "zaku"
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Engine{
		db:         cfg.Store,
		prefix:     prefix,
		blobs:      cfg.Blobs,
		blobMin:    cfg.BlobThreshold,
		defaultTTL: ttl,
		log:        logrus.WithField("component", "queue"),
	}
}

func (e *Engine) keyQueues() string { return e.prefix + ":queues" }

func (e *Engine) keyQueue(q string) string { return e.prefix + ":queue:" + q + ":" }

func (e *Engine) keyPending(q string) string { return e.keyQueue(q) + "pending" }

func (e *Engine) keyClaims(q string) string { return e.keyQueue(q) + "claims:" }

func (e *Engine) keyMeta(q, id string) string { return e.keyQueue(q) + "meta:" + id }

func (e *Engine) keyPayload(q, id string) string { return e.keyQueue(q) + "payload:" + id }

func nowMS() int64 { return time.Now().UnixMilli() }

// Init registers the queue. It is idempotent and succeeds when the
// queue already exists.
func (e *Engine) Init(ctx context.Context, q string) error {
	if q == "" {
		return errors.New("queue name is empty")
	}
	return e.db.SetAdd(ctx, e.keyQueues(), q)
}

// Queues lists the known queue names.
func (e *Engine) Queues(ctx context.Context) ([]string, error) {
	return e.db.SetMembers(ctx, e.keyQueues())
}

// Len reports the pending-list length.
func (e *Engine) Len(ctx context.Context, q string) (int64, error) {
	return e.db.ListLen(ctx, e.keyPending(q))
}

// Add appends a task to the queue's pending tail. When id is empty a
// UUIDv4 is minted. A caller-supplied id that already exists fails
// with ErrConflict. The queue is auto-created.
func (e *Engine) Add(ctx context.Context, q string, payload []byte, id string, ttl float64) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if ttl <= 0 {
		ttl = e.defaultTTL
	}

	rec := Record{
		ID:        id,
		Status:    StatusPending,
		CreatedAt: nowMS(),
		TTL:       ttl,
	}
	spill := e.blobs != nil && e.blobMin > 0 && len(payload) > e.blobMin
	if spill {
		rec.Blob = e.keyPayload(q, id)
	}

	// The record doc doubles as the existence marker: NX write detects
	// id collisions before any payload bytes move.
	wrote, err := e.db.SetJSONNX(ctx, e.keyMeta(q, id), rec)
	if err != nil {
		return "", err
	}
	if !wrote {
		return "", fmt.Errorf("%w: %s", ErrConflict, id)
	}

	if spill {
		err = e.blobs.Put(ctx, rec.Blob, payload)
	} else if len(payload) > 0 {
		err = e.db.SetBytes(ctx, e.keyPayload(q, id), payload)
	}
	if err != nil {
		e.db.Delete(ctx, e.keyMeta(q, id))
		return "", err
	}

	if err := e.db.SetAdd(ctx, e.keyQueues(), q); err != nil {
		return "", err
	}
	if err := e.db.PushTail(ctx, e.keyPending(q), id); err != nil {
		return "", err
	}
	metrics.TasksAdded.Inc()
	return id, nil
}

// Take claims the oldest pending task. The empty queue is not an
// error: ok is false and everything else is zero. ttlOverride, when
// positive, replaces the task's stored TTL for this claim.
//
// Claiming is pop-then-write: PopHead grants exclusivity, then the
// claim doc is written. If the claim write fails the id is pushed back
// to the head and the loop retries, bounded by takeAttempts.
func (e *Engine) Take(ctx context.Context, q string, ttlOverride float64) (string, []byte, bool, error) {
	var lastErr error
	for attempts := 0; attempts < takeAttempts; {
		id, ok, err := e.db.PopHead(ctx, e.keyPending(q))
		if err != nil {
			return "", nil, false, err
		}
		if !ok {
			return "", nil, false, lastErr
		}

		var rec Record
		found, err := e.db.GetJSON(ctx, e.keyMeta(q, id), &rec)
		if err != nil {
			e.db.PushHead(ctx, e.keyPending(q), id)
			return "", nil, false, err
		}
		if !found {
			// Stale id whose record was removed (MarkDone on a pending
			// task, or a Clear that raced the pop). Any number of these
			// may sit at the head; skipping one costs no claim attempt.
			e.log.WithFields(logrus.Fields{"queue": q, "task": id}).Debug("dropping orphaned pending id")
			continue
		}

		ttl := rec.TTL
		if ttlOverride > 0 {
			ttl = ttlOverride
		}
		if ttl <= 0 {
			ttl = e.defaultTTL
		}
		cl := claim{Deadline: nowMS() + int64(ttl*1000), TTL: ttl}
		if err := e.db.SetJSON(ctx, e.keyClaims(q)+id, cl); err != nil {
			e.db.PushHead(ctx, e.keyPending(q), id)
			lastErr = err
			attempts++
			continue
		}

		rec.Status = StatusClaimed
		rec.ClaimedAt = nowMS()
		if err := e.db.SetJSON(ctx, e.keyMeta(q, id), rec); err != nil {
			e.log.WithError(err).WithField("task", id).Warn("claim recorded but record update failed")
		}

		payload, err := e.loadPayload(ctx, q, &rec)
		if err != nil {
			return "", nil, false, err
		}
		metrics.TasksTaken.Inc()
		return id, payload, true, nil
	}
	return "", nil, false, lastErr
}

func (e *Engine) loadPayload(ctx context.Context, q string, rec *Record) ([]byte, error) {
	if rec.Blob != "" {
		data, err := e.blobs.Get(ctx, rec.Blob)
		if err != nil {
			return nil, fmt.Errorf("payload blob %s: %w", rec.Blob, err)
		}
		return data, nil
	}
	data, _, err := e.db.GetBytes(ctx, e.keyPayload(q, rec.ID))
	return data, err
}

// MarkDone removes the task entirely. Absent entries are a success so
// that completion signals tolerate at-least-once delivery.
func (e *Engine) MarkDone(ctx context.Context, q, id string) error {
	var rec Record
	found, err := e.db.GetJSON(ctx, e.keyMeta(q, id), &rec)
	if err != nil {
		return err
	}
	if found && rec.Blob != "" {
		if err := e.blobs.Delete(ctx, rec.Blob); err != nil {
			e.log.WithError(err).WithField("blob", rec.Blob).Warn("blob delete failed")
		}
	}
	_, err = e.db.Delete(ctx, e.keyClaims(q)+id, e.keyMeta(q, id), e.keyPayload(q, id))
	return err
}

// MarkReset reverts a claimed task to pending, re-inserting at the
// tail. Not-claimed is a no-op success. The conditional delete makes
// resets idempotent: only the caller that removes the claim re-inserts
// the id.
func (e *Engine) MarkReset(ctx context.Context, q, id string) error {
	n, err := e.db.Delete(ctx, e.keyClaims(q)+id)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	var rec Record
	if found, err := e.db.GetJSON(ctx, e.keyMeta(q, id), &rec); err == nil && found {
		rec.Status = StatusPending
		rec.ClaimedAt = 0
		if err := e.db.SetJSON(ctx, e.keyMeta(q, id), rec); err != nil {
			e.log.WithError(err).WithField("task", id).Warn("record update failed on reset")
		}
	}
	return e.db.PushTail(ctx, e.keyPending(q), id)
}

// Clear empties the queue's pending list, claims, records, and
// payloads. The queue itself survives.
func (e *Engine) Clear(ctx context.Context, q string) error {
	// Delete spilled payloads first while the records still name them.
	if e.blobs != nil {
		metaPrefix := e.keyQueue(q) + "meta:"
		keys, err := e.db.ScanPrefix(ctx, metaPrefix)
		if err != nil {
			return err
		}
		for _, key := range keys {
			var rec Record
			if found, err := e.db.GetJSON(ctx, key, &rec); err == nil && found && rec.Blob != "" {
				if err := e.blobs.Delete(ctx, rec.Blob); err != nil {
					e.log.WithError(err).WithField("blob", rec.Blob).Warn("blob delete failed")
				}
			}
		}
	}

	keys, err := e.db.ScanPrefix(ctx, e.keyQueue(q))
	if err != nil {
		return err
	}
	_, err = e.db.Delete(ctx, keys...)
	return err
}

// Remove clears the queue and drops it from the queue index.
func (e *Engine) Remove(ctx context.Context, q string) error {
	if err := e.Clear(ctx, q); err != nil {
		return err
	}
	return e.db.SetRemove(ctx, e.keyQueues(), q)
}

// Reap reverts every expired claim in the queue to the pending tail.
// It returns the number reaped and the smallest TTL among claims still
// live, zero when there are none. The delete-count guard skips claims
// a concurrent MarkDone or MarkReset removed first.
func (e *Engine) Reap(ctx context.Context, q string) (int, float64, error) {
	claimPrefix := e.keyClaims(q)
	keys, err := e.db.ScanPrefix(ctx, claimPrefix)
	if err != nil {
		return 0, 0, err
	}

	var (
		reaped int
		minTTL float64
		now    = nowMS()
	)
	for _, key := range keys {
		var cl claim
		found, err := e.db.GetJSON(ctx, key, &cl)
		if err != nil {
			return reaped, minTTL, err
		}
		if !found {
			continue
		}
		if cl.Deadline > now {
			if minTTL == 0 || cl.TTL < minTTL {
				minTTL = cl.TTL
			}
			continue
		}

		n, err := e.db.Delete(ctx, key)
		if err != nil {
			return reaped, minTTL, err
		}
		if n == 0 {
			continue // lost the race against MarkDone/MarkReset
		}
		id := key[len(claimPrefix):]
		var rec Record
		if found, err := e.db.GetJSON(ctx, e.keyMeta(q, id), &rec); err == nil && found {
			rec.Status = StatusPending
			rec.ClaimedAt = 0
			e.db.SetJSON(ctx, e.keyMeta(q, id), rec)
		}
		if err := e.db.PushTail(ctx, e.keyPending(q), id); err != nil {
			return reaped, minTTL, err
		}
		reaped++
		metrics.TasksReaped.Inc()
		e.log.WithFields(logrus.Fields{"queue": q, "task": id}).Debug("reaped expired claim")
	}
	return reaped, minTTL, nil
}

// ReapAll runs Reap over every known queue.
func (e *Engine) ReapAll(ctx context.Context) (int, float64, error) {
	queues, err := e.Queues(ctx)
	if err != nil {
		return 0, 0, err
	}
	var (
		total  int
		minTTL float64
	)
	for _, q := range queues {
		n, ttl, err := e.Reap(ctx, q)
		total += n
		if err != nil {
			return total, minTTL, err
		}
		if ttl > 0 && (minTTL == 0 || ttl < minTTL) {
			minTTL = ttl
		}
	}
	return total, minTTL, nil
}
