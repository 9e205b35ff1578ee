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
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

var ErrShutdownTimeout = errors.New("shutdown tasks did not complete in time")

type GracefulShutdownHandler interface {
	Context() context.Context // Cancelled as soon as a shutdown starts.
	Shutdown()                // Triggers a graceful shutdown programmatically.
	ShuttingDown() bool       // Quickly checks if a shutdown is in progress.
	Wait() error              // Blocks until shutdown tasks are complete.
}

type gracefulShutdown struct {
	ctx     context.Context
	cancel  context.CancelFunc
	trigger chan struct{}
	once    sync.Once
	done    chan struct{}
	err     error
}

// NewGracefulShutdown starts watching for SIGINT/SIGTERM.
// onShutdown runs after the root context is cancelled and gets at most timeout to finish.
func NewGracefulShutdown(onShutdown func(ctx context.Context) error, timeout time.Duration) GracefulShutdownHandler {
	ctx, cancel := context.WithCancel(context.Background())
	gs := &gracefulShutdown{
		ctx:     ctx,
		cancel:  cancel,
		trigger: make(chan struct{}),
		done:    make(chan struct{}),
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer close(gs.done)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			zap.S().Infow("Received signal, shutting down", "signal", sig.String())
		case <-gs.trigger:
			zap.S().Infow("Shutdown requested")
		}
		gs.cancel()

		if onShutdown == nil {
			return
		}
		zap.S().Infow("Waiting for shutdown tasks to complete", "timeout", timeout)
		tctx, tcancel := context.WithTimeout(context.Background(), timeout)
		defer tcancel()

		result := make(chan error, 1)
		go func() {
			result <- onShutdown(tctx)
		}()
		select {
		case err := <-result:
			if err != nil {
				zap.S().Errorw("Error during shutdown", "error", err)
			}
			gs.err = err
		case <-tctx.Done():
			zap.S().Errorw("Shutdown tasks did not complete in time", "timeout", timeout)
			gs.err = ErrShutdownTimeout
		}
		zap.S().Info("Shutdown tasks completed. Ready to exit.")
	}()

	return gs
}

func (gs *gracefulShutdown) Context() context.Context {
	return gs.ctx
}

func (gs *gracefulShutdown) ShuttingDown() bool {
	return gs.ctx.Err() != nil
}

func (gs *gracefulShutdown) Shutdown() {
	gs.once.Do(func() {
		close(gs.trigger)
	})
}

func (gs *gracefulShutdown) Wait() error {
	<-gs.done
	return gs.err
}
