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

package channels

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/dispatch"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"go.uber.org/zap"
)

const DefaultPortalURL = "https://api.sensor.community/v1/push-sensor-data/"

// portalValueTypes maps canonical fields to the value types of the community portal.
var portalValueTypes = map[string]string{
	"pm10":     "P1",
	"pm25":     "P2",
	"pm1":      "P0",
	"pm4":      "P4",
	"temp":     "temperature",
	"rv":       "humidity",
	"pressure": "pressure",
}

// portalPins selects the X-Pin header. Particulate sensors report on pin 1, climate sensors on pin 7.
var portalPins = map[string]string{
	"P0":          "1",
	"P1":          "1",
	"P2":          "1",
	"P4":          "1",
	"temperature": "7",
	"humidity":    "7",
	"pressure":    "11",
}

type portalValue struct {
	ValueType string `json:"value_type"`
	Value     string `json:"value"`
}

type portalBody struct {
	SoftwareVersion  string        `json:"software_version"`
	SensorDataValues []portalValue `json:"sensordatavalues"`
}

// PortalChannel forwards particulate and climate readings to a community portal.
type PortalChannel struct {
	name     string
	url      string
	prefix   string
	software string
	client   *http.Client
}

func NewPortalChannel(name, url, sensorPrefix, software string, client *http.Client) *PortalChannel {
	if client == nil {
		client = http.DefaultClient
	}
	return &PortalChannel{name: name, url: url, prefix: sensorPrefix, software: software, client: client}
}

func (p *PortalChannel) Name() string {
	return p.name
}

// groups splits the record by pin, each pin is one request.
func groups(record *shared.CanonicalRecord) map[string][]portalValue {
	out := make(map[string][]portalValue)
	for _, st := range record.SensorTypes() {
		for _, m := range record.Measurements[st] {
			vt, ok := portalValueTypes[m.Field]
			if !ok {
				continue
			}
			d := m.Value.Datum()
			if !d.IsNumeric() {
				continue
			}
			pin := portalPins[vt]
			dup := false
			for _, v := range out[pin] {
				if v.ValueType == vt {
					dup = true
					break
				}
			}
			if dup {
				continue
			}
			out[pin] = append(out[pin], portalValue{ValueType: vt, Value: strconv.FormatFloat(d.Number, 'f', -1, 64)})
		}
	}
	return out
}

func (p *PortalChannel) Publish(ctx context.Context, info *shared.DeviceInfo, record *shared.CanonicalRecord, _ []string) (dispatch.Result, error) {
	byPin := groups(record)
	if len(byPin) == 0 {
		return dispatch.ExplainedResult("no portal fields"), nil
	}
	software := p.software
	if info != nil && info.Firmware != "" {
		software = info.Firmware
	}
	pins := make([]string, 0, len(byPin))
	for pin := range byPin {
		pins = append(pins, pin)
	}
	sort.Strings(pins)

	for _, pin := range pins {
		body, err := json.Marshal(portalBody{SoftwareVersion: software, SensorDataValues: byPin[pin]})
		if err != nil {
			return dispatch.Result{}, fmt.Errorf("failed to encode portal body: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
		if err != nil {
			return dispatch.Result{}, fmt.Errorf("failed to create portal request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Pin", pin)
		req.Header.Set("X-Sensor", p.prefix+record.Identity.Serial)

		resp, err := p.client.Do(req)
		if err != nil {
			return dispatch.Result{}, fmt.Errorf("portal request failed: %w", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return dispatch.Result{}, fmt.Errorf("portal answered %d", resp.StatusCode)
		default:
			zap.S().Debugf("Portal rejected %s on pin %s with %d", record.Identity, pin, resp.StatusCode)
			return dispatch.RejectedResult(fmt.Sprintf("portal answered %d", resp.StatusCode)), nil
		}
	}
	return dispatch.DeliveredResult(), nil
}
