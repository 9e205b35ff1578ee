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

package metadata

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"go.uber.org/zap"
)

// UpdateRequest carries one metadata change. Exactly one of SensorTypes or Location is set.
type UpdateRequest struct {
	Identity    shared.DeviceIdentity
	Firmware    string
	SensorTypes []string
	Location    *LocationUpdate
}

type UpdateSink interface {
	Submit(req UpdateRequest) bool
}

// Updater applies UpdateRequests in the background so that telegram processing never waits on them.
type Updater struct {
	store   Store
	queue   chan UpdateRequest
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once

	applied atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func NewUpdater(store Store, queueSize int, timeout time.Duration) *Updater {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Updater{
		store:   store,
		queue:   make(chan UpdateRequest, queueSize),
		timeout: timeout,
	}
}

func (u *Updater) Start(ctx context.Context) {
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		for req := range u.queue {
			if err := u.apply(ctx, req); err != nil {
				u.failed.Add(1)
				zap.S().Warnf("Failed to update metadata of %s: %v", req.Identity, err)
				continue
			}
			u.applied.Add(1)
		}
	}()
}

// Submit enqueues req without blocking. It returns false if the queue is full or closed.
func (u *Updater) Submit(req UpdateRequest) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case u.queue <- req:
		return true
	default:
		u.dropped.Add(1)
		zap.S().Warnf("Metadata update queue full, dropping update of %s", req.Identity)
		return false
	}
}

// Close stops accepting requests and waits until the queue is drained.
func (u *Updater) Close() {
	u.once.Do(func() {
		close(u.queue)
	})
	u.wg.Wait()
}

func (u *Updater) Stats() (applied, failed, dropped uint64) {
	return u.applied.Load(), u.failed.Load(), u.dropped.Load()
}

func (u *Updater) apply(ctx context.Context, req UpdateRequest) error {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = u.timeout

	operation := func() error {
		var err error
		if req.Location != nil {
			err = u.store.UpdateLocation(ctx, req.Identity, *req.Location)
		} else {
			err = u.store.UpdateSensorTypes(ctx, req.Identity, req.Firmware, req.SensorTypes)
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}
