// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	gosync "sync"
	"time"

	"github.com/element-hq/syncrooms/syncapi/types"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	stageResolve = "resolve"
	stageDMRooms = "dm_rooms"
	stageSort    = "sort"
	stageLists   = "lists"
)

var (
	roomListStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "syncrooms",
			Subsystem: "room_lists",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each stage of resolving room lists",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"stage"},
	)
	roomListResolvedRooms = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "syncrooms",
			Subsystem: "room_lists",
			Name:      "resolved_rooms",
			Help:      "Number of rooms in the sync window of a request",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
	)
	roomListTokenWriterLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "syncrooms",
			Subsystem: "room_lists",
			Name:      "token_writer_lag",
			Help:      "Stream positions between the slowest and fastest writer in the last to_token",
		},
	)
	roomListInconsistencies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "syncrooms",
			Subsystem: "room_lists",
			Name:      "inconsistent_memberships_total",
			Help:      "Total number of requests that failed on inconsistent membership data",
		},
	)
)

var registerRoomListMetrics gosync.Once

func init() {
	registerRoomListMetrics.Do(func() {
		prometheus.MustRegister(
			roomListStageDuration, roomListResolvedRooms,
			roomListTokenWriterLag, roomListInconsistencies,
		)
	})
}

func observeStage(stage string, duration time.Duration) {
	roomListStageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// observeTokenLag records how far the writers in the token are apart. A large
// lag means a writer is stuck.
func observeTokenLag(to types.StreamToken) {
	roomListTokenWriterLag.Set(float64(to.MaxPosition() - to.MinStream()))
}
