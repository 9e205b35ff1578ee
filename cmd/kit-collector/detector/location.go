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
	"math"

	"github.com/mmcloughlin/geohash"
)

const earthRadiusMeters = 6371008.8

// Distance returns the great circle distance in meters between the centers of two geohash cells.
func Distance(a, b string) float64 {
	lat1, lon1 := geohash.DecodeCenter(a)
	lat2, lon2 := geohash.DecodeCenter(b)
	return haversine(lat1, lon1, lat2, lon2)
}

func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Encode converts a coordinate to a geohash of full precision.
func Encode(lat, lon float64) string {
	return geohash.EncodeWithPrecision(lat, lon, 12)
}
