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
	"strings"
	"time"
)

// DeviceIdentity is the immutable key of a kit.
type DeviceIdentity struct {
	Project string `json:"project"`
	Serial  string `json:"serial"`
}

func (d DeviceIdentity) String() string {
	return d.Project + "_" + d.Serial
}

func (d DeviceIdentity) IsValid() bool {
	return d.Project != "" && d.Serial != ""
}

// ParseDeviceIdentity splits "project_serial". The project part never contains an underscore.
func ParseDeviceIdentity(s string) (DeviceIdentity, bool) {
	project, serial, found := strings.Cut(s, "_")
	if !found || project == "" || serial == "" {
		return DeviceIdentity{}, false
	}
	return DeviceIdentity{Project: project, Serial: serial}, true
}

type GatewayInfo struct {
	ID   string  `json:"id"`
	RSSI float64 `json:"rssi"`
	SNR  float64 `json:"snr"`
}

// DeviceInfo is the transport envelope of a telegram.
type DeviceInfo struct {
	Identity   DeviceIdentity `json:"identity"`
	Topic      string         `json:"topic,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
	Gateways   []GatewayInfo  `json:"gateways,omitempty"`
	Firmware   string         `json:"firmware,omitempty"`
}

// BestGateway returns the gateway with the strongest signal.
func (d *DeviceInfo) BestGateway() (GatewayInfo, bool) {
	if d == nil || len(d.Gateways) == 0 {
		return GatewayInfo{}, false
	}
	best := d.Gateways[0]
	for _, gw := range d.Gateways[1:] {
		if gw.RSSI > best.RSSI {
			best = gw
		}
	}
	return best, true
}

// RawRecord is a telegram payload as received.
// Data values are scalars, 2-4 element tuples (value[, unit[, calibration]]) or nested field maps.
type RawRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Meta      map[string]any `json:"meta,omitempty"`
	Data      map[string]any `json:"data"`
}

// MetaString returns a meta entry as string, numbers are formatted.
func (r *RawRecord) MetaString(key string) (string, bool) {
	if r == nil || r.Meta == nil {
		return "", false
	}
	v, ok := r.Meta[key]
	if !ok || v == nil {
		return "", false
	}
	d := DatumOf(v)
	if d.IsMissing() {
		return "", false
	}
	return d.String(), true
}

// Telegram is one item yielded by an input source.
// A non-empty Terminal ends the input.
type Telegram struct {
	Info     *DeviceInfo
	Record   *RawRecord
	Terminal Artifact
}
