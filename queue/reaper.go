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

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	reaperMaxPeriod = time.Second
	reaperMinPeriod = 50 * time.Millisecond
)

// Reaper periodically sweeps all known queues and reverts expired
// claims. One reaper per process is enough; ticks are idempotent, so
// running several (or several processes) is merely wasteful.
type Reaper struct {
	engine *Engine
	log    *logrus.Entry
}

// NewReaper wraps the engine in a reaper.
func NewReaper(e *Engine) *Reaper {
	return &Reaper{
		engine: e,
		log:    logrus.WithField("component", "reaper"),
	}
}

// Run sweeps until ctx is canceled. The tick period follows the
// smallest TTL observed among live claims: min(1s, ttl/4), floored so
// tiny TTLs cannot turn the sweep into a busy loop.
func (r *Reaper) Run(ctx context.Context) {
	timer := time.NewTimer(reaperMaxPeriod)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		reaped, minTTL, err := r.engine.ReapAll(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.WithError(err).Warn("reap sweep failed")
		}
		if reaped > 0 {
			r.log.WithField("count", reaped).Debug("reaped expired claims")
		}
		timer.Reset(nextPeriod(minTTL))
	}
}

func nextPeriod(minTTL float64) time.Duration {
	period := reaperMaxPeriod
	if minTTL > 0 {
		if p := time.Duration(minTTL / 4 * float64(time.Second)); p < period {
			period = p
		}
	}
	if period < reaperMinPeriod {
		period = reaperMinPeriod
	}
	return period
}
