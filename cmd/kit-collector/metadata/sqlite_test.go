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

package metadata

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "kits.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSQLiteRegisterAndLookup(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	id := shared.DeviceIdentity{Project: "SAN", Serial: "1234"}

	_, err := s.Lookup(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	rowID, err := s.Register(ctx, KitMetadata{
		Identity:     id,
		Enablement:   Enabled,
		HomeLocation: "u1hcy6k",
		Sensors: []SensorType{
			{Category: "meteo", Name: "bme280", Fields: []SensorField{{Name: "temp", Unit: "C"}}},
		},
		NoticeRoutes: []string{"alice@example.org"},
	})
	require.NoError(t, err)
	assert.Positive(t, rowID)

	m, err := s.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, rowID, m.RowID)
	assert.Equal(t, Enabled, m.Enablement)
	assert.Equal(t, "u1hcy6k", m.HomeLocation)
	require.Len(t, m.Sensors, 1)
	assert.Equal(t, "C", m.Sensors[0].Fields[0].Unit)
	assert.Equal(t, []string{"alice@example.org"}, m.NoticeRoutes)

	// re-registering keeps the row
	again, err := s.Register(ctx, KitMetadata{Identity: id, Enablement: Disabled})
	require.NoError(t, err)
	assert.Equal(t, rowID, again)
	m, err = s.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Disabled, m.Enablement)
}

func TestSQLiteUpdates(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	id := shared.DeviceIdentity{Project: "SAN", Serial: "1"}
	_, err := s.Register(ctx, KitMetadata{Identity: id})
	require.NoError(t, err)

	require.NoError(t, s.UpdateLocation(ctx, id, LocationUpdate{Geohash: "u1hcy6k", SetHome: true}))
	m, err := s.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "u1hcy6k", m.HomeLocation)
	assert.Equal(t, EnablementUnknown, m.Enablement)

	require.NoError(t, s.UpdateLocation(ctx, id, LocationUpdate{Geohash: "u1hcz00", Away: true}))
	m, err = s.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "u1hcy6k", m.HomeLocation)
	assert.True(t, m.Away)

	require.NoError(t, s.UpdateSensorTypes(ctx, id, "V3", []string{"sps30"}))
	m, err = s.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "V3", m.Firmware)

	missing := shared.DeviceIdentity{Project: "SAN", Serial: "2"}
	assert.ErrorIs(t, s.UpdateSensorTypes(ctx, missing, "V3", nil), ErrNotFound)
	assert.NoError(t, s.Ping(ctx))
}
