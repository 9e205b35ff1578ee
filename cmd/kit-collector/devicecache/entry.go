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

package devicecache

import (
	"sync"
	"time"

	"github.com/sensorkits/kit-collector/cmd/kit-collector/metadata"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
)

type StaticTracker struct {
	Last   shared.Datum
	Streak int
}

// GatewaySummary keeps a rolling window of the best gateway signal per telegram.
type GatewaySummary struct {
	BestGateway string
	RSSI        []float64
	MinRSSI     float64
	MaxRSSI     float64
	MeanRSSI    float64
}

// Entry is the cached state of one kit.
// All fields are guarded by the entry lock, see Cache.Do.
type Entry struct {
	mu sync.Mutex

	Identity   shared.DeviceIdentity
	Registered bool

	MetadataRowID          int64
	Enablement             metadata.Enablement
	HomeLocation           string
	InstalledSensors       []metadata.SensorType
	NotificationRouteRowID int64
	NoticeRoutes           []string
	RefreshedAt            time.Time
	invalidated            bool

	RecordCount              uint64
	LastSeenAt               time.Time
	EstimatedIntervalSeconds float64
	ThrottledSince           *time.Time

	InvalidFieldCounters map[string]int
	StaticValueTrackers  map[string]*StaticTracker
	LastNoticeAt         map[string]time.Time
	LastFirmwareVersion  string
	ReportedSensorTypes  []string
	AwayFromHome         bool
	Gateway              GatewaySummary
}

func newEntry(id shared.DeviceIdentity) *Entry {
	return &Entry{
		Identity:             id,
		InvalidFieldCounters: make(map[string]int),
		StaticValueTrackers:  make(map[string]*StaticTracker),
		LastNoticeAt:         make(map[string]time.Time),
	}
}

// NewTestEntry returns a registered, enabled entry that is not part of any cache.
func NewTestEntry(id shared.DeviceIdentity, sensors ...metadata.SensorType) *Entry {
	e := newEntry(id)
	e.Registered = true
	e.Enablement = metadata.Enabled
	e.InstalledSensors = sensors
	return e
}

// applyMetadata replaces the metadata part only. A nil m marks the kit unregistered.
func (e *Entry) applyMetadata(m *metadata.KitMetadata, now time.Time, fresh bool) {
	e.RefreshedAt = now
	e.invalidated = false
	if m == nil {
		e.Registered = false
		e.MetadataRowID = 0
		e.Enablement = metadata.EnablementUnknown
		e.InstalledSensors = nil
		e.NoticeRoutes = nil
		e.NotificationRouteRowID = 0
		return
	}
	e.Registered = true
	e.MetadataRowID = m.RowID
	e.Enablement = m.Enablement
	// a home initialized here may not be persisted yet
	if m.HomeLocation != "" {
		e.HomeLocation = m.HomeLocation
	}
	e.InstalledSensors = m.Sensors
	e.NotificationRouteRowID = m.NoticeRouteRowID
	e.NoticeRoutes = m.NoticeRoutes
	if fresh {
		e.AwayFromHome = m.Away
		e.LastFirmwareVersion = m.Firmware
	}
}

func (e *Entry) expired(now time.Time, ttl time.Duration) bool {
	return e.invalidated || now.Sub(e.RefreshedAt) >= ttl
}

// Touch records a telegram at now and updates the interval estimate, bounded by maxInterval.
func (e *Entry) Touch(now time.Time, maxInterval time.Duration) {
	if !e.LastSeenAt.IsZero() {
		gap := now.Sub(e.LastSeenAt).Seconds()
		limit := maxInterval.Seconds()
		if gap > 0 {
			if gap > limit {
				gap = limit
			}
			if e.EstimatedIntervalSeconds == 0 {
				e.EstimatedIntervalSeconds = gap
			} else {
				e.EstimatedIntervalSeconds = 0.75*e.EstimatedIntervalSeconds + 0.25*gap
			}
			if e.EstimatedIntervalSeconds > limit {
				e.EstimatedIntervalSeconds = limit
			}
		}
	}
	e.RecordCount++
	e.LastSeenAt = now
}

// NoticeDue reports whether a notice of kind may be sent at now and, if so, marks it sent.
func (e *Entry) NoticeDue(kind string, now time.Time, cooldown time.Duration) bool {
	last, ok := e.LastNoticeAt[kind]
	if ok && now.Sub(last) < cooldown {
		return false
	}
	e.LastNoticeAt[kind] = now
	return true
}

// SensorTypeNames lists the names of the installed sensors.
func (e *Entry) SensorTypeNames() []string {
	names := make([]string, 0, len(e.InstalledSensors))
	for _, s := range e.InstalledSensors {
		names = append(names, s.Name)
	}
	return names
}

type Snapshot struct {
	Identity                 string     `json:"identity"`
	Registered               bool       `json:"registered"`
	Enablement               string     `json:"enablement"`
	HomeLocation             string     `json:"home_location,omitempty"`
	Sensors                  []string   `json:"sensors,omitempty"`
	NoticeRoutes             int        `json:"notice_routes"`
	RefreshedAt              time.Time  `json:"refreshed_at"`
	RecordCount              uint64     `json:"record_count"`
	LastSeenAt               time.Time  `json:"last_seen_at"`
	EstimatedIntervalSeconds float64    `json:"estimated_interval_seconds"`
	ThrottledSince           *time.Time `json:"throttled_since,omitempty"`
	Firmware                 string     `json:"firmware,omitempty"`
	AwayFromHome             bool       `json:"away_from_home"`
	BestGateway              string     `json:"best_gateway,omitempty"`
	MinRSSI                  float64    `json:"min_rssi"`
	MaxRSSI                  float64    `json:"max_rssi"`
	MeanRSSI                 float64    `json:"mean_rssi"`
}

// Snapshot copies the entry for display. It takes the entry lock.
func (e *Entry) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Identity:                 e.Identity.String(),
		Registered:               e.Registered,
		Enablement:               e.Enablement.String(),
		HomeLocation:             e.HomeLocation,
		Sensors:                  e.SensorTypeNames(),
		NoticeRoutes:             len(e.NoticeRoutes),
		RefreshedAt:              e.RefreshedAt,
		RecordCount:              e.RecordCount,
		LastSeenAt:               e.LastSeenAt,
		EstimatedIntervalSeconds: e.EstimatedIntervalSeconds,
		ThrottledSince:           e.ThrottledSince,
		Firmware:                 e.LastFirmwareVersion,
		AwayFromHome:             e.AwayFromHome,
		BestGateway:              e.Gateway.BestGateway,
		MinRSSI:                  e.Gateway.MinRSSI,
		MaxRSSI:                  e.Gateway.MaxRSSI,
		MeanRSSI:                 e.Gateway.MeanRSSI,
	}
}
