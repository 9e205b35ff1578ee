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

package notify

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sensorkits/kit-collector/cmd/kit-collector/config"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/devicecache"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"
)

// Sink delivers a notice to the recipients of one kind.
type Sink interface {
	Name() string
	Send(ctx context.Context, message string, recipients []string) bool
}

const (
	KindMail  = "mail"
	KindSlack = "slack"
	KindLog   = "log"
)

// Recipient is a normalized notice address.
type Recipient struct {
	Kind    string
	Address string
}

// Key identifies a recipient for deduplication.
func (r Recipient) Key() string {
	return r.Kind + ":" + strings.ToLower(r.Address)
}

// ParseRecipient normalizes a configured address. Prefixes decide the sink,
// bare addresses with an @ go to mail and bare webhook URLs go to slack.
func ParseRecipient(raw string) (Recipient, bool) {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	switch {
	case s == "":
		return Recipient{}, false
	case strings.HasPrefix(lower, "mailto:"):
		return Recipient{Kind: KindMail, Address: strings.TrimSpace(s[len("mailto:"):])}, true
	case strings.HasPrefix(lower, "email:"):
		return Recipient{Kind: KindMail, Address: strings.TrimSpace(s[len("email:"):])}, true
	case strings.HasPrefix(lower, "slack:"):
		return Recipient{Kind: KindSlack, Address: strings.TrimSpace(s[len("slack:"):])}, true
	case strings.HasPrefix(lower, "log:"):
		return Recipient{Kind: KindLog, Address: strings.TrimSpace(s[len("log:"):])}, true
	case strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://"):
		return Recipient{Kind: KindSlack, Address: s}, true
	case strings.Contains(s, "@"):
		return Recipient{Kind: KindMail, Address: lower}, true
	}
	return Recipient{Kind: KindLog, Address: s}, true
}

type rule struct {
	pattern    *regexp.Regexp
	recipients []string
}

type Option func(r *Router)

// WithSink registers the sink for one recipient kind.
func WithSink(kind string, s Sink) Option {
	return func(r *Router) { r.sinks[kind] = s }
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithQueue sets how many notices may wait for delivery and how many senders drain them.
func WithQueue(size, workers int) Option {
	return func(r *Router) {
		r.queueSize = size
		r.workers = workers
	}
}

type notice struct {
	kind       string
	message    string
	recipients []Recipient
}

// Router resolves recipients for a notice and hands it to background senders
// that fan it out to the sinks.
type Router struct {
	rules     []rule
	operators []string
	sinks     map[string]Sink
	fallback  Sink
	cooldown  time.Duration
	timeout   time.Duration
	now       func() time.Time

	queueSize int
	workers   int
	queue     chan notice
	wg        sync.WaitGroup
	once      sync.Once

	sent       atomic.Uint64
	suppressed atomic.Uint64
	failed     atomic.Uint64
	dropped    atomic.Uint64
}

// New builds a router. Notices are only delivered after Start.
func New(rules []config.NoticeRule, operators []string, cooldown, timeout time.Duration, opts ...Option) (*Router, error) {
	r := &Router{
		operators: operators,
		sinks:     make(map[string]Sink),
		fallback:  NewLogSink(),
		cooldown:  cooldown,
		timeout:   timeout,
		now:       time.Now,
		queueSize: 256,
		workers:   2,
	}
	for _, nr := range rules {
		re, err := regexp.Compile(nr.Pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to compile notice rule %q: %w", nr.Pattern, err)
		}
		r.rules = append(r.rules, rule{pattern: re, recipients: nr.Recipients})
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.queueSize < 1 {
		r.queueSize = 1
	}
	if r.workers < 1 {
		r.workers = 1
	}
	r.queue = make(chan notice, r.queueSize)
	return r, nil
}

// Start launches the senders. Notices still queued when ctx ends are delivered until Close.
func (r *Router) Start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for n := range r.queue {
				r.send(ctx, n)
			}
		}()
	}
}

// Close stops accepting notices and waits until the queued ones are sent.
func (r *Router) Close() {
	r.once.Do(func() {
		close(r.queue)
	})
	r.wg.Wait()
}

// Recipients returns the deduplicated recipients for a kit.
func (r *Router) Recipients(entry *devicecache.Entry, broadcastToGroup bool) []Recipient {
	candidates := append([]string(nil), entry.NoticeRoutes...)
	if broadcastToGroup || len(entry.NoticeRoutes) == 0 {
		name := entry.Identity.String()
		for _, ru := range r.rules {
			if ru.pattern.MatchString(name) {
				candidates = append(candidates, ru.recipients...)
			}
		}
	}
	return dedup(candidates)
}

func dedup(raw []string) []Recipient {
	seen := make(map[string]bool, len(raw))
	out := make([]Recipient, 0, len(raw))
	for _, s := range raw {
		rc, ok := ParseRecipient(s)
		if !ok || seen[rc.Key()] {
			continue
		}
		seen[rc.Key()] = true
		out = append(out, rc)
	}
	return out
}

// Notify queues a kit notice unless one of the same kind went out within the cooldown before at.
// A zero at means now. The caller holds the entry lock; delivery happens in the background.
func (r *Router) Notify(ctx context.Context, kind, message string, entry *devicecache.Entry, at time.Time, broadcastToGroup bool) bool {
	if entry == nil {
		return r.NotifyOperators(ctx, kind, message)
	}
	if at.IsZero() {
		at = r.now()
	}
	if !entry.NoticeDue(kind, at, r.cooldown) {
		r.suppressed.Add(1)
		zap.S().Debugf("Suppressing %s notice for %s", kind, entry.Identity)
		return false
	}
	recipients := r.Recipients(entry, broadcastToGroup)
	if len(recipients) == 0 {
		zap.S().Infof("No recipients for %s notice of %s: %s", kind, entry.Identity, message)
		return false
	}
	return r.enqueue(notice{kind: kind, message: message, recipients: recipients})
}

// NotifyOperators queues a notice to the configured operators. There is no cooldown.
func (r *Router) NotifyOperators(_ context.Context, kind, message string) bool {
	recipients := dedup(r.operators)
	if len(recipients) == 0 {
		zap.S().Warnf("No operators configured for %s notice: %s", kind, message)
		return false
	}
	return r.enqueue(notice{kind: kind, message: message, recipients: recipients})
}

// enqueue never blocks. It returns false if the queue is full or closed.
func (r *Router) enqueue(n notice) (ok bool) {
	defer func() {
		if recover() != nil {
			r.dropped.Add(1)
			ok = false
		}
	}()
	select {
	case r.queue <- n:
		return true
	default:
		r.dropped.Add(1)
		zap.S().Warnf("Notice queue full, dropping %s notice: %s", n.kind, n.message)
		return false
	}
}

func (r *Router) send(ctx context.Context, n notice) {
	byKind := make(map[string][]string)
	for _, rc := range n.recipients {
		byKind[rc.Kind] = append(byKind[rc.Kind], rc.Address)
	}
	kinds := maps.Keys(byKind)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var delivered atomic.Int32
	var g errgroup.Group
	for _, k := range kinds {
		sink, ok := r.sinks[k]
		if !ok {
			sink = r.fallback
		}
		addresses := byKind[k]
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					zap.S().Errorf("Notice sink %s panicked: %v", sink.Name(), p)
					r.failed.Add(1)
				}
			}()
			if sink.Send(ctx, n.message, addresses) {
				delivered.Add(1)
				return nil
			}
			r.failed.Add(1)
			zap.S().Warnf("Notice sink %s failed to deliver %s notice to %d recipients", sink.Name(), n.kind, len(addresses))
			return nil
		})
	}
	_ = g.Wait()

	if delivered.Load() > 0 {
		r.sent.Add(1)
	}
}

type Stats struct {
	Sent       uint64 `json:"sent"`
	Suppressed uint64 `json:"suppressed"`
	Failed     uint64 `json:"failed"`
	Dropped    uint64 `json:"dropped"`
}

func (r *Router) Stats() Stats {
	return Stats{Sent: r.sent.Load(), Suppressed: r.suppressed.Load(), Failed: r.failed.Load(), Dropped: r.dropped.Load()}
}
