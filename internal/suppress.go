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

package internal

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Suppressor lets a keyed message through once per window.
type Suppressor struct {
	seen *cache.Cache
}

func NewSuppressor(window time.Duration) *Suppressor {
	cleanup := window * 2
	if cleanup < time.Minute {
		cleanup = time.Minute
	}
	return &Suppressor{seen: cache.New(window, cleanup)}
}

// Allow reports true the first time key is seen within the window.
func (s *Suppressor) Allow(key string) bool {
	// Add fails when the key is present and not expired
	return s.seen.Add(key, struct{}{}, cache.DefaultExpiration) == nil
}

func (s *Suppressor) Forget(key string) {
	s.seen.Delete(key)
}
