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

package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/sensorkits/kit-collector/cmd/kit-collector/devicecache"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/helper"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"github.com/stretchr/testify/assert"
)

var start = time.Unix(1700000000, 0)

func feed(g *Governor, e *devicecache.Entry, offset time.Duration) shared.Artifact {
	now := start.Add(offset)
	a := g.Evaluate(context.Background(), e, now)
	e.Touch(now, 30*time.Minute)
	return a
}

func TestThrottleLifecycle(t *testing.T) {
	helper.InitTestLogging()
	g := New(DefaultConfig(), nil)
	e := devicecache.NewTestEntry(shared.DeviceIdentity{Project: "SAN", Serial: "1"})

	assert.Equal(t, shared.Artifact(""), feed(g, e, 0))
	assert.Equal(t, shared.Artifact(""), feed(g, e, 100*time.Second))
	assert.Equal(t, shared.ArtifactStartThrottling, feed(g, e, 150*time.Second))
	assert.True(t, shared.ArtifactStartThrottling.IsTerminal())
	assert.NotNil(t, e.ThrottledSince)

	assert.Equal(t, shared.ArtifactThrottled, feed(g, e, 2*time.Hour))
	assert.Equal(t, shared.ArtifactThrottled, feed(g, e, 150*time.Second+4*time.Hour-time.Second))

	assert.Equal(t, shared.ArtifactResetThrottling, feed(g, e, 150*time.Second+4*time.Hour+time.Second))
	assert.False(t, shared.ArtifactResetThrottling.IsTerminal())
	assert.Nil(t, e.ThrottledSince)

	assert.Equal(t, shared.Artifact(""), feed(g, e, 150*time.Second+4*time.Hour+10*time.Minute))
}

func TestNoThrottleAtExpectedRate(t *testing.T) {
	g := New(DefaultConfig(), nil)
	e := devicecache.NewTestEntry(shared.DeviceIdentity{Project: "SAN", Serial: "2"})
	for i := 0; i < 20; i++ {
		assert.Equal(t, shared.Artifact(""), feed(g, e, time.Duration(i)*480*time.Second))
	}
	assert.Nil(t, e.ThrottledSince)
	assert.Equal(t, 480.0, e.EstimatedIntervalSeconds)
}
