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

package devicecache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/EagleChen/mapmutex"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/metadata"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"go.uber.org/zap"
)

// ErrRefreshBusy is returned when the refresh lock of a kit could not be taken.
var ErrRefreshBusy = errors.New("metadata refresh already in progress")

// Cache holds per kit state. Lookups of unknown kits are cached as unregistered entries.
type Cache struct {
	store       metadata.Store
	entries     *lru.ARCCache
	keyLock     *mapmutex.Mutex
	ttl         time.Duration
	maxInterval time.Duration
	timeout     time.Duration
	now         func() time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	refreshes atomic.Uint64
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithMaxInterval(d time.Duration) Option {
	return func(c *Cache) { c.maxInterval = d }
}

// WithLookupTimeout bounds every metadata lookup. Zero disables the bound.
func WithLookupTimeout(d time.Duration) Option {
	return func(c *Cache) { c.timeout = d }
}

func New(store metadata.Store, size int, ttl time.Duration, opts ...Option) (*Cache, error) {
	entries, err := lru.NewARC(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create ARC: %w", err)
	}
	c := &Cache{
		store:       store,
		entries:     entries,
		keyLock:     mapmutex.NewCustomizedMapMutex(800, 100000000, 10, 1.1, 0.2),
		ttl:         ttl,
		maxInterval: 30 * time.Minute,
		timeout:     10 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Cache) peek(key string) *Entry {
	v, ok := c.entries.Get(key)
	if !ok {
		return nil
	}
	return v.(*Entry)
}

// Get returns the entry of id, refreshing it from the metadata store when missing or expired.
// found is false for kits without a registration. err is set only for store failures
// on kits that were never loaded.
func (c *Cache) Get(ctx context.Context, id shared.DeviceIdentity) (*Entry, bool, error) {
	key := id.String()
	if e := c.peek(key); e != nil && !c.isExpired(e) {
		c.hits.Add(1)
		return e, c.isRegistered(e), nil
	}
	c.misses.Add(1)

	err := c.Refresh(ctx, id)
	e := c.peek(key)
	if err != nil {
		if e == nil {
			return nil, false, err
		}
		zap.S().Warnf("Using stale metadata for %s: %v", id, err)
	}
	if e == nil {
		return nil, false, fmt.Errorf("entry of %s vanished after refresh", id)
	}
	return e, c.isRegistered(e), nil
}

// Refresh re-reads the metadata of id when its TTL elapsed, it was invalidated or it is not cached.
// Activity and anomaly state of an existing entry are kept.
func (c *Cache) Refresh(ctx context.Context, id shared.DeviceIdentity) error {
	key := id.String()
	if !c.keyLock.TryLock(key) {
		zap.S().Warnf("Could not lock %s for a metadata refresh", id)
		return fmt.Errorf("failed to refresh %s: %w", id, ErrRefreshBusy)
	}
	defer c.keyLock.Unlock(key)

	// somebody else may have refreshed while we were waiting
	e := c.peek(key)
	if e != nil && !c.isExpired(e) {
		return nil
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	meta, err := c.store.Lookup(ctx, id)
	if errors.Is(err, metadata.ErrNotFound) {
		meta = nil
	} else if err != nil {
		return fmt.Errorf("failed to refresh %s: %w", id, err)
	}
	c.refreshes.Add(1)

	now := c.now()
	if e == nil {
		e = newEntry(id)
		e.applyMetadata(meta, now, true)
		c.entries.Add(key, e)
		return nil
	}
	e.mu.Lock()
	e.applyMetadata(meta, now, !e.Registered && meta != nil)
	e.mu.Unlock()
	return nil
}

// Invalidate forces the next Get of id to reload the metadata.
func (c *Cache) Invalidate(id shared.DeviceIdentity) bool {
	e := c.peek(id.String())
	if e == nil {
		return false
	}
	e.mu.Lock()
	e.invalidated = true
	e.mu.Unlock()
	return true
}

// Do runs fn with the entry lock of id held. fn must not call back into the cache for the same kit.
func (c *Cache) Do(ctx context.Context, id shared.DeviceIdentity, fn func(e *Entry) error) error {
	e, _, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e)
}

// Touch updates the activity fields of a cached kit.
func (c *Cache) Touch(id shared.DeviceIdentity, now time.Time) bool {
	e := c.peek(id.String())
	if e == nil {
		return false
	}
	e.mu.Lock()
	e.Touch(now, c.maxInterval)
	e.mu.Unlock()
	return true
}

func (c *Cache) MaxInterval() time.Duration {
	return c.maxInterval
}

// Lookup returns a cached entry without refreshing it.
func (c *Cache) Lookup(id shared.DeviceIdentity) (*Entry, bool) {
	v, ok := c.entries.Peek(id.String())
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// Identities lists the cached kits in sorted order.
func (c *Cache) Identities() []string {
	keys := c.entries.Keys()
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.(string))
	}
	sort.Strings(out)
	return out
}

type Stats struct {
	Entries   int
	Hits      uint64
	Misses    uint64
	Refreshes uint64
}

func (c *Cache) Stats() Stats {
	return Stats{
		Entries:   c.entries.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Refreshes: c.refreshes.Load(),
	}
}

func (c *Cache) isExpired(e *Entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expired(c.now(), c.ttl)
}

func (c *Cache) isRegistered(e *Entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Registered
}
