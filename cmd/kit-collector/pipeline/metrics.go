// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//          http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
	telegramsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kitcollector_telegrams_total",
			Help: "Processed telegrams by outcome",
		},
		[]string{"outcome"},
	)
	artifactsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kitcollector_artifacts_total",
			Help: "Artifacts attached to telegrams",
		},
		[]string{"artifact"},
	)
	channelResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kitcollector_channel_results_total",
			Help: "Channel publish results",
		},
		[]string{"channel", "result"},
	)
	processSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kitcollector_process_seconds",
			Help:    "Time spent processing one telegram",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		},
	)
	shardQueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kitcollector_shard_queue_length",
			Help: "Telegrams waiting per shard worker",
		},
		[]string{"shard"},
	)
	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kitcollector_cache_entries",
			Help: "Kits held by the device cache",
		},
	)
	cacheLookups = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kitcollector_cache_lookups",
			Help: "Device cache lookups since start by result",
		},
		[]string{"result"},
	)
	noticesTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kitcollector_notices",
			Help: "Notices since start by state",
		},
		[]string{"state"},
	)
)

func updateStateGauges(pc *PipelineContext) {
	cs := pc.Cache.Stats()
	cacheEntries.Set(float64(cs.Entries))
	cacheLookups.WithLabelValues("hit").Set(float64(cs.Hits))
	cacheLookups.WithLabelValues("miss").Set(float64(cs.Misses))
	if pc.Notices != nil {
		ns := pc.Notices.Stats()
		noticesTotal.WithLabelValues("sent").Set(float64(ns.Sent))
		noticesTotal.WithLabelValues("suppressed").Set(float64(ns.Suppressed))
		noticesTotal.WithLabelValues("failed").Set(float64(ns.Failed))
		noticesTotal.WithLabelValues("dropped").Set(float64(ns.Dropped))
	}
}
