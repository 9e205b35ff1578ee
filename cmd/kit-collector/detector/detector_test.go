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

package detector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sensorkits/kit-collector/cmd/kit-collector/devicecache"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/helper"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/metadata"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/normalizer"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recordingNotifier) Notify(ctx context.Context, kind string, message string, entry *devicecache.Entry, at time.Time, broadcastToGroup bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	return true
}

type recordingUpdates struct {
	requests []metadata.UpdateRequest
}

func (r *recordingUpdates) Submit(req metadata.UpdateRequest) bool {
	r.requests = append(r.requests, req)
	return true
}

var (
	kit   = shared.DeviceIdentity{Project: "SAN", Serial: "1234"}
	start = time.Unix(1700000000, 0)
)

// home is in Nijmegen; offsets are applied northwards.
const homeLat, homeLon = 51.8426, 5.8546

func metersNorth(m float64) string {
	return Encode(homeLat+m/111195.0, homeLon)
}

func newDetector() (*Detector, *recordingNotifier, *recordingUpdates) {
	helper.InitTestLogging()
	notices := &recordingNotifier{}
	updates := &recordingUpdates{}
	return New(DefaultConfig(), notices, updates), notices, updates
}

func inputWith(now time.Time, geohash string) Input {
	rec := shared.NewCanonicalRecord(kit, now)
	if geohash != "" {
		rec.Measurements[normalizer.UnassignedSensorType] = []shared.Measurement{{Field: "geohash", Value: shared.NewValue(shared.Text(geohash), "", nil)}}
	}
	return Input{
		Info:   &shared.DeviceInfo{Identity: kit},
		Raw:    &shared.RawRecord{Timestamp: now},
		Result: normalizer.Result{Record: rec},
		Now:    now,
	}
}

func TestDistance(t *testing.T) {
	assert.InDelta(t, 0, Distance(metersNorth(0), metersNorth(0)), 0.5)
	assert.InDelta(t, 100, Distance(metersNorth(0), metersNorth(100)), 1)
	assert.InDelta(t, 1000, Distance(metersNorth(0), metersNorth(1000)), 2)
}

func TestAdmit(t *testing.T) {
	d, _, _ := newDetector()
	assert.Equal(t, shared.ArtifactUnregistered, d.Admit(nil, kit, start))

	e := devicecache.NewTestEntry(kit)
	assert.Equal(t, shared.Artifact(""), d.Admit(e, kit, start))

	e.Registered = false
	assert.Equal(t, shared.ArtifactUnregistered, d.Admit(e, kit, start))

	e.Registered = true
	e.Enablement = metadata.Disabled
	assert.Equal(t, shared.ArtifactDisabled, d.Admit(e, kit, start))
	assert.Equal(t, shared.ArtifactDisabled, d.Admit(e, kit, start.Add(time.Minute)))
	assert.Equal(t, uint64(1), d.DisabledWarnings(), "warned once per window")

	arts := d.Evaluate(context.Background(), e, inputWith(start, ""))
	assert.Equal(t, []shared.Artifact{shared.ArtifactDisabled}, arts.List())
}

func TestRestart(t *testing.T) {
	d, notices, _ := newDetector()
	e := devicecache.NewTestEntry(kit)
	ctx := context.Background()

	arts := d.Evaluate(ctx, e, inputWith(start, ""))
	assert.True(t, arts.Has(shared.ArtifactNewKit))
	e.Touch(start, 30*time.Minute)

	arts = d.Evaluate(ctx, e, inputWith(start.Add(10*time.Minute), ""))
	assert.False(t, arts.Has(shared.ArtifactRestarted))
	e.Touch(start.Add(10*time.Minute), 30*time.Minute)

	arts = d.Evaluate(ctx, e, inputWith(start.Add(101*time.Minute), ""))
	assert.True(t, arts.Has(shared.ArtifactRestarted))
	assert.Equal(t, []string{NoticeKindRestart, NoticeKindRestart}, notices.kinds)
}

func TestHomeLocationTransitions(t *testing.T) {
	d, notices, updates := newDetector()
	e := devicecache.NewTestEntry(kit)
	e.LastSeenAt = start
	ctx := context.Background()

	arts := d.Evaluate(ctx, e, inputWith(start, metersNorth(0)))
	assert.True(t, arts.Has(shared.ArtifactHomeInitialized))
	require.Len(t, updates.requests, 1)
	assert.True(t, updates.requests[0].Location.SetHome)
	assert.Equal(t, metersNorth(0), e.HomeLocation)

	arts = d.Evaluate(ctx, e, inputWith(start, metersNorth(50)))
	assert.Zero(t, arts.Len(), "50 m is still home")
	assert.Len(t, updates.requests, 1)

	arts = d.Evaluate(ctx, e, inputWith(start, metersNorth(200)))
	assert.Equal(t, []shared.Artifact{shared.ArtifactRemovedFromHome}, arts.List())
	require.Len(t, updates.requests, 2)
	assert.True(t, updates.requests[1].Location.Away)
	assert.True(t, e.AwayFromHome)

	arts = d.Evaluate(ctx, e, inputWith(start, metersNorth(210)))
	assert.Zero(t, arts.Len())
	assert.Len(t, updates.requests, 2)

	arts = d.Evaluate(ctx, e, inputWith(start, metersNorth(50)))
	assert.Equal(t, []shared.Artifact{shared.ArtifactReturnedHome}, arts.List())
	require.Len(t, updates.requests, 3)
	assert.False(t, updates.requests[2].Location.Away)
	assert.False(t, e.AwayFromHome)

	assert.Equal(t, []string{NoticeKindLocation, NoticeKindLocation}, notices.kinds)
}

func TestLocationFromCoordinates(t *testing.T) {
	d, _, _ := newDetector()
	e := devicecache.NewTestEntry(kit)
	e.HomeLocation = metersNorth(0)
	e.LastSeenAt = start

	in := inputWith(start, "")
	in.Result.Record.Measurements["gps"] = []shared.Measurement{
		{Field: "latitude", Value: shared.NewValue(shared.Numeric(homeLat+0.01), "degrees", nil)},
		{Field: "longitude", Value: shared.NewValue(shared.Numeric(homeLon), "degrees", nil)},
	}
	arts := d.Evaluate(context.Background(), e, in)
	assert.True(t, arts.Has(shared.ArtifactRemovedFromHome))
}

func TestEvent(t *testing.T) {
	d, notices, _ := newDetector()
	e := devicecache.NewTestEntry(kit)
	e.LastSeenAt = start

	in := inputWith(start, "")
	in.Raw.Meta = map[string]any{"event": 2.0}
	in.Result.Record.Measurements["unassigned"] = append(in.Result.Record.Measurements["unassigned"],
		shared.Measurement{Field: "event", Value: shared.NewValue(shared.Numeric(2), "", nil)},
		shared.Measurement{Field: "battery", Value: shared.NewValue(shared.Numeric(3.9), "V", nil)})

	arts := d.Evaluate(context.Background(), e, in)
	assert.True(t, arts.Has(shared.ArtifactEvent))
	_, _, found := in.Result.Record.Find("event")
	assert.False(t, found, "event is stripped from the measurements")
	_, _, found = in.Result.Record.Find("battery")
	assert.True(t, found)
	assert.Equal(t, []string{NoticeKindEvent}, notices.kinds)
}

func TestFirmwareAndSensorTypes(t *testing.T) {
	d, _, updates := newDetector()
	e := devicecache.NewTestEntry(kit, metadata.SensorType{Name: "sds011"})
	e.LastSeenAt = start
	ctx := context.Background()

	in := inputWith(start, "")
	in.Raw.Meta = map[string]any{"version": "V1.0"}
	in.Result.Record.Measurements["sds011"] = []shared.Measurement{{Field: "pm10", Value: shared.NewValue(shared.Numeric(3), "", nil)}}
	arts := d.Evaluate(ctx, e, in)
	assert.Zero(t, arts.Len(), "first firmware sighting is recorded silently")
	require.Len(t, updates.requests, 1)
	assert.Equal(t, "V1.0", updates.requests[0].Firmware)

	arts = d.Evaluate(ctx, e, in)
	assert.Zero(t, arts.Len())
	assert.Len(t, updates.requests, 1)

	in.Raw.Meta["version"] = "V1.1"
	in.Result.Record.Measurements["sps30"] = []shared.Measurement{{Field: "pm25", Value: shared.NewValue(shared.Numeric(3), "", nil)}}
	arts = d.Evaluate(ctx, e, in)
	assert.Equal(t, []shared.Artifact{shared.ArtifactFirmwareChanged, shared.ArtifactSensorTypesChanged}, arts.List())
	require.Len(t, updates.requests, 2)
	assert.Equal(t, []string{"sds011", "sps30"}, updates.requests[1].SensorTypes)

	arts = d.Evaluate(ctx, e, in)
	assert.Zero(t, arts.Len(), "the same unregistered sensor type is reported once")
}

func TestStaticDue(t *testing.T) {
	var flagged []int
	for streak := 0; streak <= 250; streak++ {
		if StaticDue(streak, 20) {
			flagged = append(flagged, streak)
		}
	}
	assert.Equal(t, []int{21, 121, 221}, flagged)
}

func TestStaticValueFlagging(t *testing.T) {
	d, notices, _ := newDetector()
	n := normalizer.New(nil, 100, nil)
	e := devicecache.NewTestEntry(kit)
	ctx := context.Background()

	var flaggedAt []int
	for i := 0; i <= 130; i++ {
		now := start.Add(time.Duration(i) * 10 * time.Minute)
		res, err := n.Normalize(ctx, e, &shared.RawRecord{Timestamp: now, Data: map[string]any{"sds011": map[string]any{"pm10": 4.0}}})
		require.NoError(t, err)
		arts := d.Evaluate(ctx, e, Input{Info: &shared.DeviceInfo{Identity: kit}, Raw: &shared.RawRecord{}, Result: res, Now: now})
		if arts.Has(shared.ArtifactStaticValue) {
			flaggedAt = append(flaggedAt, e.StaticValueTrackers["sds011.pm10"].Streak)
		}
		e.Touch(now, 30*time.Minute)
	}
	assert.Equal(t, []int{21, 121}, flaggedAt)
	assert.Contains(t, notices.kinds, NoticeKindStatic)
}

func TestInvalidArtifacts(t *testing.T) {
	d, _, _ := newDetector()
	e := devicecache.NewTestEntry(kit)
	e.LastSeenAt = start

	in := inputWith(start, "")
	in.Result.InvalidFields = []string{"bme280.temp"}
	e.InvalidFieldCounters["bme280.temp"] = 5
	arts := d.Evaluate(context.Background(), e, in)
	assert.Equal(t, []shared.Artifact{shared.ArtifactOutOfBand}, arts.List())

	e.InvalidFieldCounters["bme280.temp"] = 101
	arts = d.Evaluate(context.Background(), e, in)
	assert.Equal(t, []shared.Artifact{shared.ArtifactOutOfBand, shared.ArtifactInvalidStreak}, arts.List())
}

func TestGatewaySummary(t *testing.T) {
	d, _, _ := newDetector()
	e := devicecache.NewTestEntry(kit)
	e.LastSeenAt = start
	for _, rssi := range []float64{-100, -80, -90} {
		in := inputWith(start, "")
		in.Info.Gateways = []shared.GatewayInfo{{ID: "gw-low", RSSI: -120}, {ID: "gw-best", RSSI: rssi}}
		d.Evaluate(context.Background(), e, in)
	}
	assert.Equal(t, "gw-best", e.Gateway.BestGateway)
	assert.Equal(t, -100.0, e.Gateway.MinRSSI)
	assert.Equal(t, -80.0, e.Gateway.MaxRSSI)
	assert.Equal(t, -90.0, e.Gateway.MeanRSSI)
}
