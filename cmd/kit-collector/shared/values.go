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
	"math"
	"strconv"

	"github.com/goccy/go-json"
)

type DatumKind uint8

const (
	DatumMissing DatumKind = iota
	DatumNumeric
	DatumText
)

// Datum is a single measured value. The zero value is missing.
type Datum struct {
	Kind   DatumKind
	Number float64
	Text   string
}

func Numeric(v float64) Datum {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Datum{}
	}
	return Datum{Kind: DatumNumeric, Number: v}
}

func Text(s string) Datum {
	return Datum{Kind: DatumText, Text: s}
}

func Missing() Datum {
	return Datum{}
}

// DatumOf converts a decoded JSON value. Strings holding a number become numeric.
func DatumOf(v any) Datum {
	switch t := v.(type) {
	case nil:
		return Missing()
	case float64:
		return Numeric(t)
	case float32:
		return Numeric(float64(t))
	case int:
		return Numeric(float64(t))
	case int64:
		return Numeric(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Text(t.String())
		}
		return Numeric(f)
	case bool:
		if t {
			return Numeric(1)
		}
		return Numeric(0)
	case string:
		if t == "" {
			return Missing()
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return Numeric(f)
		}
		return Text(t)
	default:
		return Missing()
	}
}

func (d Datum) IsMissing() bool { return d.Kind == DatumMissing }
func (d Datum) IsNumeric() bool { return d.Kind == DatumNumeric }

func (d Datum) Equal(o Datum) bool {
	if d.Kind != o.Kind {
		return false
	}
	switch d.Kind {
	case DatumNumeric:
		return d.Number == o.Number
	case DatumText:
		return d.Text == o.Text
	default:
		return true
	}
}

// Raw returns float64, string or nil.
func (d Datum) Raw() any {
	switch d.Kind {
	case DatumNumeric:
		return d.Number
	case DatumText:
		return d.Text
	default:
		return nil
	}
}

func (d Datum) String() string {
	switch d.Kind {
	case DatumNumeric:
		return strconv.FormatFloat(d.Number, 'f', -1, 64)
	case DatumText:
		return d.Text
	default:
		return ""
	}
}

// MeasurementValue is one of Scalar, ScalarWithUnit or ScalarWithUnitAndCalibration.
type MeasurementValue interface {
	Datum() Datum
	Unit() string
	Calibration() []float64
	measurementValue()
}

type Scalar struct {
	Value Datum
}

type ScalarWithUnit struct {
	Value    Datum
	UnitName string
}

type ScalarWithUnitAndCalibration struct {
	Value       Datum
	UnitName    string
	Coefficient []float64
}

func (s Scalar) Datum() Datum           { return s.Value }
func (s Scalar) Unit() string           { return "" }
func (s Scalar) Calibration() []float64 { return nil }
func (Scalar) measurementValue()        {}

func (s ScalarWithUnit) Datum() Datum           { return s.Value }
func (s ScalarWithUnit) Unit() string           { return s.UnitName }
func (s ScalarWithUnit) Calibration() []float64 { return nil }
func (ScalarWithUnit) measurementValue()        {}

func (s ScalarWithUnitAndCalibration) Datum() Datum           { return s.Value }
func (s ScalarWithUnitAndCalibration) Unit() string           { return s.UnitName }
func (s ScalarWithUnitAndCalibration) Calibration() []float64 { return s.Coefficient }
func (ScalarWithUnitAndCalibration) measurementValue()        {}

// NewValue picks the narrowest variant able to hold the given parts.
func NewValue(d Datum, unit string, calibration []float64) MeasurementValue {
	switch {
	case len(calibration) > 0:
		c := make([]float64, len(calibration))
		copy(c, calibration)
		return ScalarWithUnitAndCalibration{Value: d, UnitName: unit, Coefficient: c}
	case unit != "":
		return ScalarWithUnit{Value: d, UnitName: unit}
	default:
		return Scalar{Value: d}
	}
}

// RawValue renders a value in the raw tuple form accepted by the normalizer.
func RawValue(v MeasurementValue) any {
	if v == nil {
		return nil
	}
	cal := v.Calibration()
	switch {
	case len(cal) > 0:
		c := make([]any, len(cal))
		for i, f := range cal {
			c[i] = f
		}
		return []any{v.Datum().Raw(), v.Unit(), c}
	case v.Unit() != "":
		return []any{v.Datum().Raw(), v.Unit()}
	default:
		return v.Datum().Raw()
	}
}

func ValuesEqual(a, b MeasurementValue) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if !a.Datum().Equal(b.Datum()) || a.Unit() != b.Unit() {
		return false
	}
	ca, cb := a.Calibration(), b.Calibration()
	if len(ca) != len(cb) {
		return false
	}
	for i := range ca {
		if ca[i] != cb[i] {
			return false
		}
	}
	return true
}
