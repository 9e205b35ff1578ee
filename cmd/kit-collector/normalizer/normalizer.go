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
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sensorkits/kit-collector/cmd/kit-collector/devicecache"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/metadata"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"github.com/sensorkits/kit-collector/internal"
	"go.uber.org/zap"
)

// UnassignedSensorType groups bare fields no installed sensor declares.
const UnassignedSensorType = "unassigned"

const NoticeKindInvalid = "invalid"

// Notifier is satisfied by notify.Router.
type Notifier interface {
	Notify(ctx context.Context, kind string, message string, entry *devicecache.Entry, at time.Time, broadcastToGroup bool) bool
}

type Normalizer struct {
	synonyms         *SynonymTable
	invalidThreshold int
	notices          Notifier

	unknownNames *internal.Suppressor
	attention    *internal.Suppressor
	patterns     sync.Map
}

// New creates a Normalizer. notices may be nil.
func New(synonyms *SynonymTable, invalidThreshold int, notices Notifier) *Normalizer {
	if synonyms == nil {
		synonyms = NewSynonymTable(DefaultFields)
	}
	return &Normalizer{
		synonyms:         synonyms,
		invalidThreshold: invalidThreshold,
		notices:          notices,
		unknownNames:     internal.NewSuppressor(24 * time.Hour),
		attention:        internal.NewSuppressor(time.Hour),
	}
}

func (n *Normalizer) Synonyms() *SynonymTable {
	return n.synonyms
}

type Result struct {
	Record *shared.CanonicalRecord
	// InvalidFields and StaticFields hold "sensorType.field" keys.
	InvalidFields []string
	StaticFields  []string
}

// TrackerKey is the key of per field counters on the cache entry.
func TrackerKey(sensorType, field string) string {
	return sensorType + "." + field
}

// Normalize converts raw into a canonical record and updates the entry's invalid and static counters.
// The caller holds the entry lock.
func (n *Normalizer) Normalize(ctx context.Context, entry *devicecache.Entry, raw *shared.RawRecord) (Result, error) {
	if entry == nil {
		return Result{}, errors.New("normalize without cache entry")
	}
	if raw == nil {
		return Result{}, errors.New("normalize without record")
	}
	res := Result{Record: shared.NewCanonicalRecord(entry.Identity, raw.Timestamp)}

	keys := make([]string, 0, len(raw.Data))
	for k := range raw.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		switch v := raw.Data[key].(type) {
		case map[string]any:
			sensorType, sensor := n.resolveSensorType(entry, key)
			fields := make([]string, 0, len(v))
			for f := range v {
				fields = append(fields, f)
			}
			sort.Strings(fields)
			for _, f := range fields {
				n.add(ctx, entry, &res, sensorType, sensor, f, v[f])
			}
		default:
			canonical, _ := n.synonyms.Translate(key)
			sensorType, sensor := n.sensorForField(entry, canonical)
			n.add(ctx, entry, &res, sensorType, sensor, key, v)
		}
	}
	for st, ms := range res.Record.Measurements {
		sort.SliceStable(ms, func(i, j int) bool { return ms[i].Field < ms[j].Field })
		res.Record.Measurements[st] = ms
	}
	return res, nil
}

func (n *Normalizer) add(ctx context.Context, entry *devicecache.Entry, res *Result, sensorType string, sensor *metadata.SensorType, rawName string, rawValue any) {
	canonical, fieldDef := n.synonyms.Translate(rawName)
	if fieldDef == nil && !strings.HasPrefix(rawName, UnclassifiedPrefix) && n.unknownNames.Allow(rawName) {
		zap.S().Infof("Unknown field %q from %s passed through as %s", rawName, entry.Identity, canonical)
	}
	for _, m := range res.Record.Measurements[sensorType] {
		if m.Field == canonical {
			zap.S().Debugf("Duplicate field %s.%s from %s dropped", sensorType, canonical, entry.Identity)
			return
		}
	}

	datum, unit, calibration, err := parseValue(rawValue)
	key := TrackerKey(sensorType, canonical)
	invalid := false
	if err != nil {
		zap.S().Debugf("Malformed value of %s from %s: %v", key, entry.Identity, err)
		invalid = true
		datum = shared.Missing()
	}

	if sf := sensorField(sensor, n.synonyms, canonical); sf != nil {
		if unit == "" {
			unit = sf.Unit
		}
		if len(calibration) == 0 {
			calibration = sf.Calibration
		}
	}
	if unit == "" && fieldDef != nil {
		unit = fieldDef.Unit
	}
	if fieldDef != nil && !fieldDef.Valid(datum) {
		invalid = true
		datum = shared.Missing()
	}

	res.Record.Measurements[sensorType] = append(res.Record.Measurements[sensorType],
		shared.Measurement{Field: canonical, Value: shared.NewValue(datum, unit, calibration)})

	switch {
	case invalid:
		res.InvalidFields = append(res.InvalidFields, key)
		entry.InvalidFieldCounters[key]++
		if entry.InvalidFieldCounters[key] > n.invalidThreshold {
			n.invalidStreak(ctx, entry, key, res.Record.Timestamp)
		}
	case !datum.IsMissing():
		entry.InvalidFieldCounters[key] = 0
		if datum.IsNumeric() && (fieldDef == nil || !fieldDef.NotTracked) {
			if n.trackStatic(entry, key, datum) {
				res.StaticFields = append(res.StaticFields, key)
			}
		}
	}
}

func (n *Normalizer) trackStatic(entry *devicecache.Entry, key string, datum shared.Datum) bool {
	tr, ok := entry.StaticValueTrackers[key]
	if ok && tr.Last.Equal(datum) {
		tr.Streak++
		return true
	}
	entry.StaticValueTrackers[key] = &devicecache.StaticTracker{Last: datum}
	return false
}

func (n *Normalizer) invalidStreak(ctx context.Context, entry *devicecache.Entry, key string, at time.Time) {
	count := entry.InvalidFieldCounters[key]
	if !n.attention.Allow(entry.Identity.String() + "/" + key) {
		return
	}
	msg := fmt.Sprintf("%s: %d consecutive invalid values of %s", entry.Identity, count, key)
	zap.S().Warnf("ATTENTION: %s", msg)
	if n.notices != nil {
		n.notices.Notify(ctx, NoticeKindInvalid, msg, entry, at, false)
	}
}

// resolveSensorType maps a raw sensor key onto an installed sensor.
func (n *Normalizer) resolveSensorType(entry *devicecache.Entry, key string) (string, *metadata.SensorType) {
	lk := strings.ToLower(key)
	for i := range entry.InstalledSensors {
		if strings.ToLower(entry.InstalledSensors[i].Name) == lk {
			return entry.InstalledSensors[i].Name, &entry.InstalledSensors[i]
		}
	}
	for i := range entry.InstalledSensors {
		s := &entry.InstalledSensors[i]
		if s.Matcher == "" {
			continue
		}
		if re := n.pattern(s.Matcher); re != nil && re.MatchString(key) {
			return s.Name, s
		}
	}
	return lk, nil
}

func (n *Normalizer) sensorForField(entry *devicecache.Entry, canonical string) (string, *metadata.SensorType) {
	for i := range entry.InstalledSensors {
		s := &entry.InstalledSensors[i]
		if sensorField(s, n.synonyms, canonical) != nil {
			return s.Name, s
		}
	}
	return UnassignedSensorType, nil
}

func (n *Normalizer) pattern(expr string) *regexp.Regexp {
	if v, ok := n.patterns.Load(expr); ok {
		return v.(*regexp.Regexp)
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		zap.S().Warnf("Invalid sensor matcher %q: %v", expr, err)
		return nil
	}
	n.patterns.Store(expr, re)
	return re
}

func sensorField(sensor *metadata.SensorType, synonyms *SynonymTable, canonical string) *metadata.SensorField {
	if sensor == nil {
		return nil
	}
	for i := range sensor.Fields {
		name, _ := synonyms.Translate(sensor.Fields[i].Name)
		if name == canonical {
			return &sensor.Fields[i]
		}
	}
	return nil
}

// parseValue accepts a scalar or a (value[, unit[, calibration[, extra]]]) tuple.
func parseValue(v any) (shared.Datum, string, []float64, error) {
	switch t := v.(type) {
	case nil, string, float64, float32, int, int64, bool:
		return shared.DatumOf(t), "", nil, nil
	case []float64:
		items := make([]any, len(t))
		for i, f := range t {
			items[i] = f
		}
		return parseTuple(items)
	case []any:
		return parseTuple(t)
	default:
		return shared.Missing(), "", nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func parseTuple(items []any) (shared.Datum, string, []float64, error) {
	if len(items) == 0 || len(items) > 4 {
		return shared.Missing(), "", nil, fmt.Errorf("tuple of length %d", len(items))
	}
	switch items[0].(type) {
	case []any, map[string]any:
		return shared.Missing(), "", nil, errors.New("nested tuple value")
	}
	d := shared.DatumOf(items[0])
	var unit string
	if len(items) >= 2 && items[1] != nil {
		s, ok := items[1].(string)
		if !ok {
			return shared.Missing(), "", nil, fmt.Errorf("unit of type %T", items[1])
		}
		unit = s
	}
	var calibration []float64
	if len(items) >= 3 && items[2] != nil {
		c, err := parseCalibration(items[2])
		if err != nil {
			return shared.Missing(), "", nil, err
		}
		calibration = c
	}
	return d, unit, calibration, nil
}

func parseCalibration(v any) ([]float64, error) {
	switch t := v.(type) {
	case []float64:
		return t, nil
	case []any:
		out := make([]float64, 0, len(t))
		for _, item := range t {
			d := shared.DatumOf(item)
			if !d.IsNumeric() {
				return nil, fmt.Errorf("calibration coefficient %v is not numeric", item)
			}
			out = append(out, d.Number)
		}
		return out, nil
	case float64:
		return []float64{t}, nil
	default:
		return nil, fmt.Errorf("calibration of type %T", v)
	}
}
