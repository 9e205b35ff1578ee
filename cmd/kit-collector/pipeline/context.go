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

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sensorkits/kit-collector/cmd/kit-collector/channels"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/config"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/detector"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/devicecache"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/dispatch"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/metadata"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/normalizer"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/notify"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/throttle"
	"go.uber.org/zap"
)

// PipelineContext holds every stage of the pipeline.
type PipelineContext struct {
	Config     *config.Config
	Store      metadata.Store
	Cache      *devicecache.Cache
	Updater    *metadata.Updater
	Normalizer *normalizer.Normalizer
	Detector   *detector.Detector
	Throttle   *throttle.Governor
	Notices    *notify.Router
	Dispatcher *dispatch.Dispatcher
	Now        func() time.Time
}

// Build wires the stages from cfg. The updater and the notice senders are started with ctx.
// notices are applied after the configured sinks.
func Build(ctx context.Context, cfg *config.Config, store metadata.Store, notices ...notify.Option) (*PipelineContext, error) {
	sinks := []notify.Option{
		notify.WithSink(notify.KindSlack, notify.NewSlackSink()),
		notify.WithQueue(cfg.WorkerQueueSize, cfg.Workers),
	}
	if cfg.File.Mail != nil {
		mail, err := notify.NewMailSink(*cfg.File.Mail)
		if err != nil {
			return nil, fmt.Errorf("failed to set up mail notices: %w", err)
		}
		sinks = append(sinks, notify.WithSink(notify.KindMail, mail))
	} else {
		zap.S().Infof("No mail server configured, mail notices are logged")
	}
	router, err := notify.New(cfg.File.NoticeRules, cfg.File.Operators, cfg.NoticeCooldown, cfg.ChannelTimeout, append(sinks, notices...)...)
	if err != nil {
		return nil, err
	}

	cache, err := devicecache.New(store, cfg.CacheSize, cfg.CacheTTL,
		devicecache.WithMaxInterval(cfg.MaxInterval),
		devicecache.WithLookupTimeout(cfg.MetadataTimeout),
	)
	if err != nil {
		return nil, err
	}

	updater := metadata.NewUpdater(store, cfg.WorkerQueueSize, cfg.MetadataTimeout)
	updater.Start(ctx)
	router.Start(ctx)

	disp := dispatch.New(dispatch.Config{
		DisableThreshold: cfg.ChannelDisableThreshold,
		Cooldown:         cfg.ChannelCooldown,
		Timeout:          cfg.ChannelTimeout,
	}, router)
	for _, cc := range cfg.File.Channels {
		ch, err := channels.Build(cc, cfg)
		if err != nil {
			_ = disp.Close()
			updater.Close()
			router.Close()
			return nil, err
		}
		if err = disp.Add(ch, cc.Filter, cc.Enabled); err != nil {
			_ = disp.Close()
			updater.Close()
			router.Close()
			return nil, err
		}
	}

	return &PipelineContext{
		Config:     cfg,
		Store:      store,
		Cache:      cache,
		Updater:    updater,
		Normalizer: normalizer.New(nil, cfg.InvalidStreakThreshold, router),
		Detector: detector.New(detector.Config{
			RestartGap:           cfg.RestartGap,
			HomeDistanceMeters:   cfg.HomeDistanceMeters,
			StaticThreshold:      cfg.StaticStreakThreshold,
			InvalidThreshold:     cfg.InvalidStreakThreshold,
			DisabledWarnInterval: cfg.DisabledWarnInterval,
			GatewayWindow:        detector.DefaultConfig().GatewayWindow,
		}, router, updater),
		Throttle: throttle.New(throttle.Config{
			ExpectedRate: cfg.ExpectedRate,
			AfterRecords: cfg.ThrottleAfterRecords,
			Reset:        cfg.ThrottleReset,
		}, router),
		Notices:    router,
		Dispatcher: disp,
		Now:        time.Now,
	}, nil
}

// Close releases the channels, then waits for queued metadata updates and notices.
func (pc *PipelineContext) Close() error {
	err := pc.Dispatcher.Close()
	pc.Updater.Close()
	pc.Notices.Close()
	return err
}
