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

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrUnknownChannel = errors.New("unknown channel")

type Outcome int

const (
	// Delivered means the channel stored or forwarded the record.
	Delivered Outcome = iota
	// Rejected means the channel refused the record.
	Rejected
	// Explained means the channel did not take the record but had a reason that counts as handled.
	Explained
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case Explained:
		return "explained"
	}
	return "unknown"
}

type Result struct {
	Outcome Outcome
	Reason  string
}

func DeliveredResult() Result {
	return Result{Outcome: Delivered}
}

func RejectedResult(reason string) Result {
	return Result{Outcome: Rejected, Reason: reason}
}

func ExplainedResult(reason string) Result {
	return Result{Outcome: Explained, Reason: reason}
}

// Accepted is true for delivered and explained results.
func (r Result) Accepted() bool {
	return r.Outcome == Delivered || r.Outcome == Explained
}

// Channel is an output the pipeline publishes records to.
type Channel interface {
	Name() string
	Publish(ctx context.Context, info *shared.DeviceInfo, record *shared.CanonicalRecord, artifacts []string) (Result, error)
}

// OperatorNotifier reaches the operators. It is used when a channel gets disabled.
type OperatorNotifier interface {
	NotifyOperators(ctx context.Context, kind, message string) bool
}

const NoticeKindChannel = "channel"

type Config struct {
	DisableThreshold int
	Cooldown         time.Duration
	Timeout          time.Duration
}

func DefaultConfig() Config {
	return Config{DisableThreshold: 20, Cooldown: 2 * time.Minute, Timeout: 30 * time.Second}
}

type slot struct {
	channel Channel
	filter  *regexp.Regexp
	state   *ChannelState
}

type Option func(d *Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

type Dispatcher struct {
	cfg       Config
	slots     []*slot
	byName    map[string]*slot
	operators OperatorNotifier
	now       func() time.Time
}

// New creates a Dispatcher. operators may be nil.
func New(cfg Config, operators OperatorNotifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		byName:    make(map[string]*slot),
		operators: operators,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Add registers a channel. Channels are evaluated in the order they were added.
func (d *Dispatcher) Add(ch Channel, filter string, enabled bool) error {
	name := ch.Name()
	if _, ok := d.byName[name]; ok {
		return fmt.Errorf("channel %s registered twice", name)
	}
	s := &slot{channel: ch, state: newChannelState(name, enabled)}
	if filter != "" {
		re, err := regexp.Compile(filter)
		if err != nil {
			return fmt.Errorf("channel %s: invalid filter %q: %w", name, filter, err)
		}
		s.filter = re
	}
	d.slots = append(d.slots, s)
	d.byName[name] = s
	return nil
}

type ChannelResult struct {
	Channel string
	Result  Result
	Err     error
	// Skipped holds the reason a channel was not asked.
	Skipped string
}

type Report struct {
	Results  []ChannelResult
	Accepted bool
}

// Delivered returns the names of the channels that delivered the record.
func (r Report) Delivered() []string {
	var names []string
	for _, cr := range r.Results {
		if cr.Skipped == "" && cr.Err == nil && cr.Result.Outcome == Delivered {
			names = append(names, cr.Channel)
		}
	}
	return names
}

// Dispatch publishes the record to every eligible channel in parallel.
func (d *Dispatcher) Dispatch(ctx context.Context, info *shared.DeviceInfo, record *shared.CanonicalRecord, artifacts []string) Report {
	report := Report{Results: make([]ChannelResult, len(d.slots))}
	identity := record.Identity.String()
	now := d.now()

	var g errgroup.Group
	for i, s := range d.slots {
		report.Results[i].Channel = s.channel.Name()
		if s.filter != nil && !s.filter.MatchString(identity) {
			report.Results[i].Skipped = "filtered"
			continue
		}
		if ok, reason := s.state.Eligible(now); !ok {
			report.Results[i].Skipped = reason
			continue
		}
		i, s := i, s
		g.Go(func() error {
			res, err := d.publish(ctx, s, info, record, artifacts)
			report.Results[i].Result = res
			report.Results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	for i, s := range d.slots {
		cr := &report.Results[i]
		if cr.Skipped != "" {
			continue
		}
		if cr.Err != nil {
			zap.S().Warnf("Channel %s failed for %s: %s", cr.Channel, identity, cr.Err)
			if s.state.Failed(d.now(), cr.Err, d.cfg.Cooldown, d.cfg.DisableThreshold) {
				d.disabled(ctx, s)
			}
			continue
		}
		s.state.Succeeded()
		if cr.Result.Accepted() {
			report.Accepted = true
		}
	}
	return report
}

func (d *Dispatcher) publish(ctx context.Context, s *slot, info *shared.DeviceInfo, record *shared.CanonicalRecord, artifacts []string) (res Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("channel %s panicked: %v", s.channel.Name(), p)
		}
	}()
	return s.channel.Publish(ctx, info, record, artifacts)
}

func (d *Dispatcher) disabled(ctx context.Context, s *slot) {
	snap := s.state.Snapshot()
	msg := fmt.Sprintf("Channel %s disabled after %d consecutive errors. Last error: %s", snap.Name, snap.ErrorCount, snap.LastError)
	zap.S().Error(msg)
	if d.operators != nil {
		d.operators.NotifyOperators(ctx, NoticeKindChannel, msg)
	}
}

// Enable reactivates a disabled or cooling channel.
func (d *Dispatcher) Enable(name string) error {
	s, ok := d.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	s.state.Enable()
	zap.S().Infof("Channel %s enabled", name)
	return nil
}

// States returns the channel states in declaration order.
func (d *Dispatcher) States() []StateSnapshot {
	out := make([]StateSnapshot, 0, len(d.slots))
	for _, s := range d.slots {
		out = append(out, s.state.Snapshot())
	}
	return out
}

// Close closes every channel that holds resources.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, s := range d.slots {
		if c, ok := s.channel.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close channel %s: %w", s.channel.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
