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

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/api"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/config"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/helper"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/input"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/metadata"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/pipeline"
	"github.com/sensorkits/kit-collector/internal"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

func main() {
	helper.InitLogging()
	InitPrometheus()

	cfg, err := config.Load()
	if err != nil {
		zap.S().Fatalf("Invalid configuration: %s", err)
	}

	stopped := make(chan struct{})
	shutdown := internal.NewGracefulShutdown(func(ctx context.Context) error {
		select {
		case <-stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, cfg.ShutdownGrace)
	ctx := shutdown.Context()
	go func() {
		if errors.Is(shutdown.Wait(), internal.ErrShutdownTimeout) {
			zap.S().Errorf("Queued telegrams were not drained within %s", cfg.ShutdownGrace)
			_ = zap.L().Sync()
			os.Exit(1)
		}
	}()

	internal.Initfgtrace(ctx, "0.0.0.0:1337")

	store, err := openStore(ctx, cfg)
	if err != nil {
		zap.S().Fatalf("Failed to open metadata store: %s", err)
	}
	defer store.Close()

	pc, err := pipeline.Build(ctx, cfg, store)
	if err != nil {
		zap.S().Fatalf("Failed to build pipeline: %s", err)
	}
	p := pipeline.New(pc)

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	health.AddReadinessCheck("metadata", func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return store.Ping(pingCtx)
	})

	src, err := openSource(ctx, cfg, health)
	if err != nil {
		zap.S().Fatalf("Failed to open input: %s", err)
	}
	InitHealthCheck(health)

	var accounts gin.Accounts
	if cfg.AdminUser != "" {
		accounts = gin.Accounts{cfg.AdminUser: cfg.AdminPassword}
	}
	go func() {
		err := api.Serve(ctx, cfg.AdminAddr, api.NewRouter(api.Services{
			Dispatcher: pc.Dispatcher,
			Cache:      pc.Cache,
			Notices:    pc.Notices,
			Updater:    pc.Updater,
		}, accounts))
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.S().Errorf("Admin API stopped: %s", err)
		}
	}()

	runErr := p.Run(ctx, src, nil)
	if err = src.Close(); err != nil {
		zap.S().Warnf("Failed to close input: %s", err)
	}
	if err = pc.Close(); err != nil {
		zap.S().Warnf("Failed to close channels: %s", err)
	}
	close(stopped)
	shutdown.Shutdown()
	_ = shutdown.Wait()

	switch {
	case runErr == nil:
		zap.S().Infof("Kit collector stopped")
	case errors.Is(runErr, pipeline.ErrUndeliverable), errors.Is(runErr, pipeline.ErrFatalInput):
		zap.S().Errorf("Kit collector halted: %s", runErr)
		_ = zap.L().Sync()
		os.Exit(2)
	default:
		zap.S().Errorf("Kit collector failed: %s", runErr)
		_ = zap.L().Sync()
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (metadata.Store, error) {
	if cfg.MetadataBackend == "sqlite" {
		zap.S().Infof("Using sqlite metadata at %s", cfg.SQLitePath)
		return metadata.OpenSQLiteStore(cfg.SQLitePath)
	}
	zap.S().Infof("Using postgres metadata at %s:%d", cfg.Postgres.Host, cfg.Postgres.Port)
	return metadata.NewPostgresStore(ctx, cfg.Postgres.ConnString())
}

func openSource(ctx context.Context, cfg *config.Config, health healthcheck.Handler) (input.Source, error) {
	if cfg.InputMode == "replay" {
		zap.S().Infof("Replaying %s", cfg.ReplayFile)
		return input.OpenReplaySource(cfg.ReplayFile, cfg.InputErrorLimit)
	}

	dedupSize, err := env.GetAsInt("DEDUP_CACHE_SIZE_MB", false, 50)
	if err != nil {
		return nil, err
	}
	dedupSeconds, err := env.GetAsInt("DEDUP_RETENTION_SECONDS", false, 600)
	if err != nil {
		return nil, err
	}
	queue, err := input.OpenQueueSource(cfg.MQTT.QueuePath, input.NewDeduplicator(dedupSize*1024*1024, dedupSeconds), cfg.InputErrorLimit)
	if err != nil {
		return nil, err
	}
	src, err := input.NewMQTTSource(ctx, cfg.MQTT, queue)
	if err != nil {
		_ = queue.Close()
		return nil, err
	}
	health.AddReadinessCheck("mqtt", src.Check())
	health.AddLivenessCheck("mqtt", src.Check())
	return src, nil
}

func InitPrometheus() {
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func InitHealthCheck(health healthcheck.Handler) {
	zap.S().Debugf("Setting up healthcheck")
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}
