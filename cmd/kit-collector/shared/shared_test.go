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

package shared

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatumOf(t *testing.T) {
	assert.Equal(t, Numeric(21.5), DatumOf(21.5))
	assert.Equal(t, Numeric(3), DatumOf("3"))
	assert.Equal(t, Text("u1hcy6"), DatumOf("u1hcy6"))
	assert.True(t, DatumOf(nil).IsMissing())
	assert.True(t, DatumOf("").IsMissing())
	assert.True(t, DatumOf([]any{1}).IsMissing())
}

func TestParseDeviceIdentity(t *testing.T) {
	id, ok := ParseDeviceIdentity("SAN_1234abcd")
	require.True(t, ok)
	assert.Equal(t, DeviceIdentity{Project: "SAN", Serial: "1234abcd"}, id)
	assert.Equal(t, "SAN_1234abcd", id.String())

	_, ok = ParseDeviceIdentity("nounderscore")
	assert.False(t, ok)
}

func TestNewValueVariants(t *testing.T) {
	assert.IsType(t, Scalar{}, NewValue(Numeric(1), "", nil))
	assert.IsType(t, ScalarWithUnit{}, NewValue(Numeric(1), "C", nil))
	assert.IsType(t, ScalarWithUnitAndCalibration{}, NewValue(Numeric(1), "C", []float64{0, 1}))
}

func TestCanonicalRecordRaw(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	r := NewCanonicalRecord(DeviceIdentity{Project: "SAN", Serial: "1"}, ts)
	r.Measurements["bme280"] = []Measurement{
		{Field: "pressure", Value: NewValue(Numeric(1013.2), "hPa", nil)},
		{Field: "temp", Value: NewValue(Numeric(20.5), "C", []float64{-0.5, 1})},
	}
	r.Measurements["sds011"] = []Measurement{{Field: "pm10", Value: NewValue(Missing(), "", nil)}}

	raw := r.Raw()
	assert.Equal(t, ts, raw.Timestamp)
	bme := raw.Data["bme280"].(map[string]any)
	assert.Equal(t, []any{1013.2, "hPa"}, bme["pressure"])
	assert.Equal(t, []any{20.5, "C", []any{-0.5, 1.0}}, bme["temp"])
	assert.Nil(t, raw.Data["sds011"].(map[string]any)["pm10"])

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 2, r.Present())
}

func TestCanonicalRecordRemove(t *testing.T) {
	r := NewCanonicalRecord(DeviceIdentity{Project: "SAN", Serial: "1"}, time.Now())
	r.Measurements["meta"] = []Measurement{{Field: "event", Value: NewValue(Numeric(2), "", nil)}}
	r.Measurements["sds011"] = []Measurement{{Field: "pm10", Value: NewValue(Numeric(4), "", nil)}}

	assert.True(t, r.Remove("event"))
	assert.False(t, r.Remove("event"))
	assert.Equal(t, []string{"sds011"}, r.SensorTypes())

	st, m, ok := r.Find("pm10")
	require.True(t, ok)
	assert.Equal(t, "sds011", st)
	assert.Equal(t, 4.0, m.Value.Datum().Number)
}

func TestCanonicalRecordMarshalJSON(t *testing.T) {
	r := NewCanonicalRecord(DeviceIdentity{Project: "SAN", Serial: "1"}, time.UnixMilli(1500))
	r.Measurements["sds011"] = []Measurement{{Field: "pm25", Value: NewValue(Numeric(7), "ug/m3", nil)}}

	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"project":"SAN","serial":"1","timestamp_ms":1500,"data":{"sds011":{"pm25":[7,"ug/m3"]}}}`, string(b))
}

func TestArtifacts(t *testing.T) {
	var a Artifacts
	a.Add(ArtifactNewKit, ArtifactNewKit, "", ArtifactEvent)
	assert.Equal(t, []Artifact{ArtifactNewKit, ArtifactEvent}, a.List())
	assert.False(t, a.Terminal())

	a.Add(ArtifactThrottled)
	assert.True(t, a.Terminal())
	assert.Equal(t, []string{"New kit", "Event message", "Skip data. Throttling kit."}, a.Strings())
}

func TestBestGateway(t *testing.T) {
	info := &DeviceInfo{Gateways: []GatewayInfo{{ID: "a", RSSI: -110}, {ID: "b", RSSI: -80}, {ID: "c", RSSI: -95}}}
	gw, ok := info.BestGateway()
	require.True(t, ok)
	assert.Equal(t, "b", gw.ID)

	_, ok = (&DeviceInfo{}).BestGateway()
	assert.False(t, ok)
}
