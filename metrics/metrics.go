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

// Package metrics registers the service's prometheus collectors on the
// default registry so embedding processes can expose them however they
// like.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OpsServed counts transport requests by op and outcome ("ok" or
	// an error code).
	OpsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zaku",
		Name:      "ops_served_total",
		Help:      "Requests served, by op and outcome.",
	}, []string{"op", "outcome"})

	TasksAdded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zaku",
		Name:      "tasks_added_total",
		Help:      "Tasks appended to pending lists.",
	})

	TasksTaken = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zaku",
		Name:      "tasks_taken_total",
		Help:      "Tasks claimed by workers.",
	})

	TasksReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zaku",
		Name:      "tasks_reaped_total",
		Help:      "Expired claims reverted to pending.",
	})

	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zaku",
		Name:      "events_published_total",
		Help:      "Events handed to the pub/sub fabric.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zaku",
		Name:      "events_dropped_total",
		Help:      "Events dropped because a subscriber inbox was full.",
	})

	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "zaku",
		Name:      "open_connections",
		Help:      "Live client connections.",
	})
)
