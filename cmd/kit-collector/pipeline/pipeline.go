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
	"time"

	"github.com/sensorkits/kit-collector/cmd/kit-collector/detector"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/devicecache"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/dispatch"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"go.uber.org/zap"
)

var (
	// ErrUndeliverable stops the pipeline when no channel accepted a record and halting is configured.
	ErrUndeliverable = errors.New("no channel accepted data")
	ErrFatalInput    = errors.New("fatal input failure")
)

// Outcome describes what happened to one telegram.
type Outcome struct {
	Identity  shared.DeviceIdentity
	Artifacts shared.Artifacts
	Record    *shared.CanonicalRecord
	Report    *dispatch.Report
}

// Forwarded reports whether the record was handed to the channels.
func (o Outcome) Forwarded() bool {
	return o.Report != nil
}

type Pipeline struct {
	pc *PipelineContext
}

func New(pc *PipelineContext) *Pipeline {
	if pc.Now == nil {
		pc.Now = time.Now
	}
	return &Pipeline{pc: pc}
}

func (p *Pipeline) Context() *PipelineContext {
	return p.pc
}

// Process runs one telegram through all stages. Telegrams of the same kit must not be processed concurrently.
func (p *Pipeline) Process(ctx context.Context, tg shared.Telegram) (out Outcome, err error) {
	start := time.Now()
	defer func() {
		processSeconds.Observe(time.Since(start).Seconds())
		updateStateGauges(p.pc)
		for _, a := range out.Artifacts.List() {
			artifactsTotal.WithLabelValues(string(a)).Inc()
		}
		switch {
		case err != nil:
			telegramsTotal.WithLabelValues("error").Inc()
		case out.Forwarded():
			telegramsTotal.WithLabelValues("forwarded").Inc()
		default:
			telegramsTotal.WithLabelValues("dropped").Inc()
		}
	}()

	if tg.Info == nil || tg.Record == nil {
		return out, fmt.Errorf("telegram without envelope or payload")
	}
	id := tg.Info.Identity
	out.Identity = id
	now := tg.Info.ReceivedAt
	if now.IsZero() {
		now = p.pc.Now()
	}

	err = p.pc.Cache.Do(ctx, id, func(entry *devicecache.Entry) error {
		if a := p.pc.Detector.Admit(entry, id, now); a != "" {
			out.Artifacts.Add(a)
			return nil
		}
		res, err := p.pc.Normalizer.Normalize(ctx, entry, tg.Record)
		if err != nil {
			return fmt.Errorf("failed to normalize telegram of %s: %w", id, err)
		}
		if res.Record.Present() == 0 {
			out.Artifacts.Add(shared.ArtifactNoMeasurements)
			return nil
		}
		found := p.pc.Detector.Evaluate(ctx, entry, detector.Input{
			Info:   tg.Info,
			Raw:    tg.Record,
			Result: res,
			Now:    now,
		})
		out.Artifacts.Add(found.List()...)
		// the detector strips event codes, which may leave nothing to forward
		if res.Record.Present() == 0 {
			out.Artifacts.Add(shared.ArtifactNoMeasurements)
			entry.Touch(now, p.pc.Cache.MaxInterval())
			return nil
		}
		if a := p.pc.Throttle.Evaluate(ctx, entry, now); a != "" {
			out.Artifacts.Add(a)
		}
		entry.Touch(now, p.pc.Cache.MaxInterval())
		if !out.Artifacts.Terminal() {
			out.Record = res.Record
		}
		return nil
	})
	if err != nil {
		zap.S().Errorf("Dropping telegram of %s: %s", id, err)
		return out, err
	}
	if out.Record == nil {
		zap.S().Debugf("Not forwarding %s: %v", id, out.Artifacts.Strings())
		return out, nil
	}

	out.Artifacts.Add(shared.ArtifactForwardData)
	report := p.pc.Dispatcher.Dispatch(ctx, tg.Info, out.Record, out.Artifacts.Strings())
	out.Report = &report
	for _, cr := range report.Results {
		channelResultsTotal.WithLabelValues(cr.Channel, resultLabel(cr)).Inc()
	}
	if !report.Accepted {
		out.Artifacts.Add(shared.ArtifactNoChannelAccepted)
		zap.S().Warnf("No channel accepted the record of %s", id)
		if p.pc.Config.HaltOnUndeliverable {
			return out, fmt.Errorf("%w: %s", ErrUndeliverable, id)
		}
	}
	return out, nil
}

func resultLabel(cr dispatch.ChannelResult) string {
	switch {
	case cr.Skipped != "":
		return "skipped"
	case cr.Err != nil:
		return "error"
	}
	return cr.Result.Outcome.String()
}
