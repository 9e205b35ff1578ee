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

package input

import (
	"context"

	"github.com/coocood/freecache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"github.com/sensorkits/kit-collector/internal"
	"go.uber.org/zap"
)

var inputFaults = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kitcollector_input_faults_total",
	Help: "Malformed telegrams skipped by the input",
})

// Source yields telegrams. A telegram with a terminal artifact ends the input.
type Source interface {
	Next(ctx context.Context) (shared.Telegram, error)
	Close() error
}

// Deduplicator drops payloads seen within the retention window.
type Deduplicator struct {
	cache   *freecache.Cache
	seconds int
}

func NewDeduplicator(sizeBytes, retentionSeconds int) *Deduplicator {
	return &Deduplicator{cache: freecache.NewCache(sizeBytes), seconds: retentionSeconds}
}

// Seen reports whether topic and payload were seen before and remembers them otherwise.
func (d *Deduplicator) Seen(topic string, payload []byte) bool {
	key := internal.AsXXHash([]byte(topic), payload)
	if _, err := d.cache.Get(key); err == nil {
		return true
	}
	if err := d.cache.Set(key, []byte{1}, d.seconds); err != nil {
		zap.S().Debugf("Error putting message in cache: %s", err)
	}
	return false
}

// faults counts consecutive malformed telegrams.
type faults struct {
	limit       int
	consecutive int
	total       uint64
}

// fail returns true once the limit of consecutive faults is reached.
func (f *faults) fail(err error) bool {
	f.consecutive++
	f.total++
	inputFaults.Inc()
	zap.S().Warnf("Skipping telegram (%d consecutive faults): %s", f.consecutive, err)
	return f.limit > 0 && f.consecutive >= f.limit
}

func (f *faults) ok() {
	f.consecutive = 0
}
