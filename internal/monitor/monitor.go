// Copyright 2024 The sabfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package monitor exposes operation counters for the filesystem
// facade. Collectors register against the default prometheus
// registerer; hosts that do not scrape simply pay for a few atomics.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opsCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sabfs_ops_total",
			Help: "Count of filesystem facade operations, by operation name.",
		},
		[]string{"op"})

	opErrorsCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sabfs_op_errors_total",
			Help: "Count of failed facade operations, by operation and error code.",
		},
		[]string{"op", "code"})

	eventsCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sabfs_events_emitted_total",
			Help: "Count of watcher/change events pushed onto buses, by event name.",
		},
		[]string{"event"})
)

// RecordOp counts one facade call.
func RecordOp(op string) {
	opsCount.WithLabelValues(op).Inc()
}

// RecordOpError counts one failed facade call by POSIX code.
func RecordOpError(op, code string) {
	opErrorsCount.WithLabelValues(op, code).Inc()
}

// RecordEvent counts one emitted event.
func RecordEvent(event string) {
	eventsCount.WithLabelValues(event).Inc()
}
