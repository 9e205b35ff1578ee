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
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/sensorkits/kit-collector/cmd/kit-collector/input"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"github.com/sensorkits/kit-collector/internal"
	"go.uber.org/zap"
)

// Observer sees every outcome. It is called from the shard workers.
type Observer func(out Outcome, err error)

// Run reads src until it ends or ctx is cancelled. Telegrams are sharded by kit onto the workers,
// so the telegrams of one kit keep their order. Queued telegrams are drained before Run returns.
func (p *Pipeline) Run(ctx context.Context, src input.Source, observe Observer) error {
	workers := p.pc.Config.Workers
	if workers < 1 {
		workers = 1
	}
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	workCtx := context.WithoutCancel(ctx)

	var (
		haltOnce sync.Once
		haltErr  error
		wg       sync.WaitGroup
	)
	queues := make([]chan shared.Telegram, workers)
	for i := range queues {
		queues[i] = make(chan shared.Telegram, p.pc.Config.WorkerQueueSize)
		wg.Add(1)
		go func(shard int, queue <-chan shared.Telegram) {
			defer wg.Done()
			gauge := shardQueueLength.WithLabelValues(strconv.Itoa(shard))
			for tg := range queue {
				gauge.Set(float64(len(queue)))
				out, err := p.Process(workCtx, tg)
				if observe != nil {
					observe(out, err)
				}
				if errors.Is(err, ErrUndeliverable) {
					haltOnce.Do(func() {
						haltErr = err
						zap.S().Errorf("Halting: %s", err)
						stopReading()
					})
				}
			}
		}(i, queues[i])
	}

	runErr := p.read(readCtx, src, queues)
	for _, q := range queues {
		close(q)
	}
	wg.Wait()

	if haltErr != nil {
		return haltErr
	}
	return runErr
}

func (p *Pipeline) read(ctx context.Context, src input.Source, queues []chan shared.Telegram) error {
	for {
		tg, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				zap.S().Infof("Stopped reading input")
				return nil
			}
			return fmt.Errorf("input failed: %w", err)
		}
		switch tg.Terminal {
		case "":
		case shared.ArtifactEndOfInput:
			zap.S().Infof("End of input")
			return nil
		case shared.ArtifactFatalInput:
			return ErrFatalInput
		default:
			return fmt.Errorf("input ended: %s", tg.Terminal)
		}
		if tg.Info == nil {
			continue
		}
		shard := internal.Shard(tg.Info.Identity.String(), len(queues))
		select {
		case queues[shard] <- tg:
		case <-ctx.Done():
			return nil
		}
	}
}
