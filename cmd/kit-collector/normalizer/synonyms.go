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

package normalizer

import (
	"regexp"
	"sort"
	"strings"

	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
)

// UnclassifiedPrefix marks field names that are not in the synonym table.
const UnclassifiedPrefix = "_"

// FieldDef describes a canonical measurement field.
type FieldDef struct {
	Name    string
	Aliases []string
	Unit    string
	// Valid values are in [Min, Max) when HasRange is set.
	HasRange bool
	Min      float64
	Max      float64
	Pattern  *regexp.Regexp
	// ZeroInvalid rejects an exact 0 reading, a common sensor failure mode.
	ZeroInvalid bool
	// NotTracked excludes the field from stuck value detection.
	NotTracked bool
}

func def(name, unit string, aliases ...string) FieldDef {
	return FieldDef{Name: name, Unit: unit, Aliases: aliases}
}

func (d FieldDef) withRange(min, max float64) FieldDef {
	d.HasRange, d.Min, d.Max = true, min, max
	return d
}

func (d FieldDef) untracked() FieldDef {
	d.NotTracked = true
	return d
}

var geohashPattern = regexp.MustCompile(`^[0-9bcdefghjkmnpqrstuvwxyz]{1,12}$`)

// DefaultFields is the built in synonym table.
var DefaultFields = []FieldDef{
	func() FieldDef {
		d := def("temp", "C", "temperature", "tmp", "t", "celsius", "temp_c").withRange(-50, 70)
		d.ZeroInvalid = true
		return d
	}(),
	def("rv", "%", "rh", "hum", "humidity", "relative_humidity", "vochtigheid").withRange(0, 100.1),
	def("pressure", "hPa", "pres", "press", "luchtdruk", "baro", "barometer", "hpa").withRange(500, 1200),
	def("pm1", "ug/m3", "pm1.0", "pm01", "pm1_0").withRange(0, 1000),
	def("pm25", "ug/m3", "pm2.5", "pm2_5", "pm025").withRange(0, 1000),
	def("pm4", "ug/m3", "pm4.0", "pm4_0").withRange(0, 1000),
	def("pm10", "ug/m3", "pm10.0", "pm10_0").withRange(0, 1000),
	def("pm03_cnt", "pcs/cm3", "pm0.3_cnt", "n03", "count03").withRange(0, 100000),
	def("pm05_cnt", "pcs/cm3", "pm0.5_cnt", "n05", "count05").withRange(0, 100000),
	def("pm1_cnt", "pcs/cm3", "pm1.0_cnt", "n1", "count1").withRange(0, 100000),
	def("pm25_cnt", "pcs/cm3", "pm2.5_cnt", "n25", "count25").withRange(0, 100000),
	def("pm4_cnt", "pcs/cm3", "pm4.0_cnt", "n4", "count4").withRange(0, 100000),
	def("pm10_cnt", "pcs/cm3", "pm10.0_cnt", "n10", "count10").withRange(0, 100000),
	def("grain", "um", "grain_size", "tps", "typical_particle_size").withRange(0, 10),
	def("gas", "kOhm", "gas_resistance", "voc_raw").withRange(0, 1000000),
	def("aqi", "%", "iaq", "air_quality").withRange(0, 500.1),
	def("co2", "ppm", "carbon_dioxide").withRange(250, 10000),
	def("no2", "ppb", "nitrogen_dioxide").withRange(0, 5000),
	def("o3", "ppb", "ozone").withRange(0, 5000),
	def("wind_speed", "m/s", "ws", "windspeed", "wind").withRange(0, 75),
	def("wind_dir", "degrees", "wr", "wd", "wind_direction", "winddirection").withRange(0, 360),
	def("rain", "mm", "prec", "precipitation", "rainfall").withRange(0, 500),
	def("light", "lux", "lux", "illuminance", "luminosity").withRange(0, 200000),
	def("uv", "", "uvi", "uv_index").withRange(0, 20),
	def("battery", "V", "accu", "vbat", "volt", "voltage", "batt").withRange(0, 25).untracked(),
	func() FieldDef {
		d := def("geohash", "", "geo", "gps", "location").untracked()
		d.Pattern = geohashPattern
		return d
	}(),
	def("latitude", "degrees", "lat").withRange(-90, 90.000001).untracked(),
	def("longitude", "degrees", "lon", "lng", "long").withRange(-180, 180.000001).untracked(),
	def("altitude", "m", "alt", "height", "elevation").withRange(-500, 9000).untracked(),
	def("event", "", "evt", "event_code").untracked(),
}

// Valid checks a present datum against the field's range or pattern.
func (d *FieldDef) Valid(v shared.Datum) bool {
	if v.IsMissing() {
		return true
	}
	if d.Pattern != nil {
		return d.Pattern.MatchString(v.String())
	}
	if !d.HasRange {
		return true
	}
	if !v.IsNumeric() {
		return false
	}
	if d.ZeroInvalid && v.Number == 0 {
		return false
	}
	return v.Number >= d.Min && v.Number < d.Max
}

type alias struct {
	name string
	def  *FieldDef
}

// SynonymTable translates field names to canonical names.
type SynonymTable struct {
	exact      map[string]*FieldDef
	substrings []alias
}

func NewSynonymTable(defs []FieldDef) *SynonymTable {
	t := &SynonymTable{exact: make(map[string]*FieldDef)}
	for i := range defs {
		d := &defs[i]
		for _, name := range append([]string{d.Name}, d.Aliases...) {
			name = strings.ToLower(name)
			if _, taken := t.exact[name]; !taken {
				t.exact[name] = d
			}
			if len(name) >= 3 {
				t.substrings = append(t.substrings, alias{name: name, def: d})
			}
		}
	}
	// longest alias wins so that pm10 is not read as pm1
	sort.SliceStable(t.substrings, func(i, j int) bool {
		return len(t.substrings[i].name) > len(t.substrings[j].name)
	})
	return t
}

// Translate returns the canonical name of a raw field name.
// Unknown names come back with UnclassifiedPrefix and a nil definition.
func (t *SynonymTable) Translate(raw string) (string, *FieldDef) {
	if strings.HasPrefix(raw, UnclassifiedPrefix) {
		return raw, nil
	}
	name := strings.ToLower(strings.TrimSpace(raw))
	if d, ok := t.exact[name]; ok {
		return d.Name, d
	}
	for _, a := range t.substrings {
		if strings.Contains(name, a.name) {
			return a.def.Name, a.def
		}
	}
	return UnclassifiedPrefix + raw, nil
}

// Lookup returns the definition of a canonical field.
func (t *SynonymTable) Lookup(canonical string) *FieldDef {
	d, ok := t.exact[canonical]
	if !ok || d.Name != canonical {
		return nil
	}
	return d
}

// IsGeohash reports whether s only holds geohash characters.
func IsGeohash(s string) bool {
	return geohashPattern.MatchString(s)
}
