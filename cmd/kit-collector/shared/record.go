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
	"sort"
	"time"

	"github.com/goccy/go-json"
)

type Measurement struct {
	Field string
	Value MeasurementValue
}

// CanonicalRecord is the normalized form of a telegram.
// It must not be modified once handed to the dispatcher.
type CanonicalRecord struct {
	Identity     DeviceIdentity
	Timestamp    time.Time
	Measurements map[string][]Measurement
}

func NewCanonicalRecord(id DeviceIdentity, ts time.Time) *CanonicalRecord {
	return &CanonicalRecord{
		Identity:     id,
		Timestamp:    ts,
		Measurements: make(map[string][]Measurement),
	}
}

// SensorTypes returns the sensor type keys in sorted order.
func (r *CanonicalRecord) SensorTypes() []string {
	keys := make([]string, 0, len(r.Measurements))
	for k := range r.Measurements {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len counts all measurements, missing ones included.
func (r *CanonicalRecord) Len() int {
	n := 0
	for _, ms := range r.Measurements {
		n += len(ms)
	}
	return n
}

// Present counts measurements that hold a value.
func (r *CanonicalRecord) Present() int {
	n := 0
	for _, ms := range r.Measurements {
		for _, m := range ms {
			if m.Value != nil && !m.Value.Datum().IsMissing() {
				n++
			}
		}
	}
	return n
}

// Find returns the first measurement with the given field, searching sensor types in sorted order.
func (r *CanonicalRecord) Find(field string) (string, Measurement, bool) {
	for _, st := range r.SensorTypes() {
		for _, m := range r.Measurements[st] {
			if m.Field == field {
				return st, m, true
			}
		}
	}
	return "", Measurement{}, false
}

// Remove drops every measurement with the given field and empty sensor groups.
func (r *CanonicalRecord) Remove(field string) bool {
	removed := false
	for st, ms := range r.Measurements {
		kept := ms[:0]
		for _, m := range ms {
			if m.Field == field {
				removed = true
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) == 0 {
			delete(r.Measurements, st)
		} else {
			r.Measurements[st] = kept
		}
	}
	return removed
}

// Raw renders the record back into raw telegram form.
func (r *CanonicalRecord) Raw() *RawRecord {
	raw := &RawRecord{
		Timestamp: r.Timestamp,
		Meta:      map[string]any{},
		Data:      make(map[string]any, len(r.Measurements)),
	}
	for st, ms := range r.Measurements {
		fields := make(map[string]any, len(ms))
		for _, m := range ms {
			fields[m.Field] = RawValue(m.Value)
		}
		raw.Data[st] = fields
	}
	return raw
}

type recordJSON struct {
	Project   string                    `json:"project"`
	Serial    string                    `json:"serial"`
	Timestamp int64                     `json:"timestamp_ms"`
	Data      map[string]map[string]any `json:"data"`
}

func (r *CanonicalRecord) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		Project:   r.Identity.Project,
		Serial:    r.Identity.Serial,
		Timestamp: r.Timestamp.UnixMilli(),
		Data:      make(map[string]map[string]any, len(r.Measurements)),
	}
	for st, ms := range r.Measurements {
		fields := make(map[string]any, len(ms))
		for _, m := range ms {
			fields[m.Field] = RawValue(m.Value)
		}
		out.Data[st] = fields
	}
	return json.Marshal(out)
}

// Equal compares two records field by field.
func (r *CanonicalRecord) Equal(o *CanonicalRecord) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.Identity != o.Identity || !r.Timestamp.Equal(o.Timestamp) || len(r.Measurements) != len(o.Measurements) {
		return false
	}
	for st, ms := range r.Measurements {
		oms, ok := o.Measurements[st]
		if !ok || len(oms) != len(ms) {
			return false
		}
		for i := range ms {
			if ms[i].Field != oms[i].Field || !ValuesEqual(ms[i].Value, oms[i].Value) {
				return false
			}
		}
	}
	return true
}
