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
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
)

// ErrNotFound is returned by Lookup for kits without a registration row.
var ErrNotFound = errors.New("kit not registered")

type Enablement int

const (
	EnablementUnknown Enablement = iota
	Enabled
	Disabled
)

func (e Enablement) String() string {
	switch e {
	case Enabled:
		return "enabled"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

type SensorField struct {
	Name        string    `json:"name"`
	Unit        string    `json:"unit,omitempty"`
	Calibration []float64 `json:"calibration,omitempty"`
}

// SensorType describes an installed sensor. Matcher is a case insensitive pattern for raw sensor keys.
type SensorType struct {
	Category string        `json:"category"`
	Name     string        `json:"name"`
	Matcher  string        `json:"matcher,omitempty"`
	Fields   []SensorField `json:"fields,omitempty"`
}

type KitMetadata struct {
	RowID            int64
	Identity         shared.DeviceIdentity
	Enablement       Enablement
	HomeLocation     string
	Away             bool
	Firmware         string
	Sensors          []SensorType
	NoticeRouteRowID int64
	NoticeRoutes     []string
}

// LocationUpdate either sets the home location or records where the kit was seen.
type LocationUpdate struct {
	Geohash string
	SetHome bool
	Away    bool
}

type Store interface {
	Lookup(ctx context.Context, id shared.DeviceIdentity) (*KitMetadata, error)
	UpdateSensorTypes(ctx context.Context, id shared.DeviceIdentity, firmware string, sensorTypes []string) error
	UpdateLocation(ctx context.Context, id shared.DeviceIdentity, update LocationUpdate) error
	Ping(ctx context.Context) error
	Close()
}

func decodeSensors(raw string) ([]SensorType, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var sensors []SensorType
	if err := json.Unmarshal([]byte(raw), &sensors); err != nil {
		return nil, fmt.Errorf("failed to decode sensors: %w", err)
	}
	return sensors, nil
}

func encodeSensors(sensors []SensorType) (string, error) {
	if len(sensors) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(sensors)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// splitRoutes parses a comma or semicolon separated route list.
func splitRoutes(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n'
	})
	routes := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			routes = append(routes, f)
		}
	}
	return routes
}

func enablementFromCode(code int64) Enablement {
	switch code {
	case 1:
		return Enabled
	case 2:
		return Disabled
	default:
		return EnablementUnknown
	}
}

func enablementFromBool(active *bool) Enablement {
	if active == nil {
		return EnablementUnknown
	}
	if *active {
		return Enabled
	}
	return Disabled
}
