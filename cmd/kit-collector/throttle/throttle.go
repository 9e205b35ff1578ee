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
	"time"

	"github.com/sensorkits/kit-collector/cmd/kit-collector/devicecache"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/normalizer"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"go.uber.org/zap"
)

const NoticeKindThrottle = "throttle"

type Config struct {
	// ExpectedRate is the minimum interval between telegrams of a kit.
	ExpectedRate time.Duration
	// AfterRecords is the number of earlier telegrams a kit needs before it can be throttled.
	AfterRecords int
	// Reset clears throttling after this much time.
	Reset time.Duration
}

func DefaultConfig() Config {
	return Config{
		ExpectedRate: 480 * time.Second,
		AfterRecords: 2,
		Reset:        4 * time.Hour,
	}
}

type Governor struct {
	cfg     Config
	notices normalizer.Notifier
}

// New creates a Governor. notices may be nil.
func New(cfg Config, notices normalizer.Notifier) *Governor {
	return &Governor{cfg: cfg, notices: notices}
}

// Evaluate decides whether the telegram arriving at now is throttled.
// It runs before the entry is touched, with the entry lock held.
// An empty artifact means no throttling decision was made.
func (g *Governor) Evaluate(ctx context.Context, entry *devicecache.Entry, now time.Time) shared.Artifact {
	if entry.ThrottledSince != nil {
		since := *entry.ThrottledSince
		if now.Sub(since) >= g.cfg.Reset {
			entry.ThrottledSince = nil
			zap.S().Infof("Kit %s no longer throttled after %s", entry.Identity, now.Sub(since).Round(time.Minute))
			return shared.ArtifactResetThrottling
		}
		return shared.ArtifactThrottled
	}
	if entry.LastSeenAt.IsZero() || entry.RecordCount < uint64(g.cfg.AfterRecords) {
		return ""
	}
	gap := now.Sub(entry.LastSeenAt)
	if gap >= g.cfg.ExpectedRate {
		return ""
	}
	started := now
	entry.ThrottledSince = &started
	zap.S().Warnf("Kit %s sends every %s, expected at most every %s. Throttling.", entry.Identity, gap, g.cfg.ExpectedRate)
	if g.notices != nil {
		g.notices.Notify(ctx, NoticeKindThrottle, "Kit "+entry.Identity.String()+": sends data too often, throttled", entry, now, false)
	}
	return shared.ArtifactStartThrottling
}
