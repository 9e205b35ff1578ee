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

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/devicecache"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/dispatch"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/metadata"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/notify"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"go.uber.org/zap"
)

// Services are the pipeline parts the admin API exposes. Notices and Updater may be nil.
type Services struct {
	Dispatcher *dispatch.Dispatcher
	Cache      *devicecache.Cache
	Notices    *notify.Router
	Updater    *metadata.Updater
}

type kitRequest struct {
	Project string `uri:"project" binding:"required"`
	Serial  string `uri:"serial" binding:"required"`
}

type channelRequest struct {
	Name string `uri:"name" binding:"required"`
}

// NewRouter builds the admin API. Without accounts the API is open.
func NewRouter(s Services, accounts gin.Accounts) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	var v1 *gin.RouterGroup
	if len(accounts) > 0 {
		v1 = router.Group("/api/v1", gin.BasicAuth(accounts))
	} else {
		v1 = router.Group("/api/v1")
	}
	{
		v1.GET("/channels", s.getChannels)
		v1.POST("/channels/:name/enable", s.enableChannel)
		v1.GET("/kits", s.getKits)
		v1.GET("/kits/:project/:serial", s.getKit)
		v1.POST("/kits/:project/:serial/invalidate", s.invalidateKit)
		v1.GET("/stats", s.getStats)
	}
	return router
}

func (s Services) getChannels(c *gin.Context) {
	c.JSON(http.StatusOK, s.Dispatcher.States())
}

func (s Services) enableChannel(c *gin.Context) {
	var req channelRequest
	if err := c.BindUri(&req); err != nil {
		return
	}
	if err := s.Dispatcher.Enable(req.Name); err != nil {
		if errors.Is(err, dispatch.ErrUnknownChannel) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	zap.S().Infof("Channel %s enabled by %s", req.Name, c.ClientIP())
	c.Status(http.StatusNoContent)
}

func (s Services) getKits(c *gin.Context) {
	c.JSON(http.StatusOK, s.Cache.Identities())
}

func (s Services) getKit(c *gin.Context) {
	var req kitRequest
	if err := c.BindUri(&req); err != nil {
		return
	}
	id := shared.DeviceIdentity{Project: req.Project, Serial: req.Serial}
	entry, ok := s.Cache.Lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "kit " + id.String() + " not cached"})
		return
	}
	c.JSON(http.StatusOK, entry.Snapshot())
}

func (s Services) invalidateKit(c *gin.Context) {
	var req kitRequest
	if err := c.BindUri(&req); err != nil {
		return
	}
	id := shared.DeviceIdentity{Project: req.Project, Serial: req.Serial}
	if !s.Cache.Invalidate(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "kit " + id.String() + " not cached"})
		return
	}
	zap.S().Infof("Metadata of %s invalidated by %s", id, c.ClientIP())
	c.Status(http.StatusNoContent)
}

func (s Services) getStats(c *gin.Context) {
	stats := gin.H{"cache": s.Cache.Stats()}
	if s.Notices != nil {
		stats["notices"] = s.Notices.Stats()
	}
	if s.Updater != nil {
		applied, failed, dropped := s.Updater.Stats()
		stats["metadata_updates"] = gin.H{"applied": applied, "failed": failed, "dropped": dropped}
	}
	c.JSON(http.StatusOK, stats)
}

// Serve runs handler on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		zap.S().Infof("Admin API listening on %s", addr)
		errs <- srv.ListenAndServe()
	}()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
