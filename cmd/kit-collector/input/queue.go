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

package input

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/beeker1121/goque"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"github.com/sensorkits/kit-collector/internal"
	"go.uber.org/zap"
)

type queueObject struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// QueueSource buffers incoming payloads on disk and parses them on Next.
type QueueSource struct {
	queue  *goque.Queue
	dedup  *Deduplicator
	faults faults
	now    func() time.Time

	pollSlot time.Duration
	pollMax  time.Duration

	enqueued   atomic.Uint64
	duplicates atomic.Uint64
}

// OpenQueueSource opens the queue at path. dedup may be nil.
func OpenQueueSource(path string, dedup *Deduplicator, errorLimit int) (*QueueSource, error) {
	q, err := goque.OpenQueue(path)
	if err != nil {
		return nil, fmt.Errorf("error opening queue %s: %w", path, err)
	}
	zap.S().Infof("Opened input queue %s with %d pending telegrams", path, q.Length())
	return &QueueSource{
		queue:    q,
		dedup:    dedup,
		faults:   faults{limit: errorLimit},
		now:      time.Now,
		pollSlot: 10 * time.Millisecond,
		pollMax:  time.Second,
	}, nil
}

// Enqueue stores a payload unless it is a duplicate.
func (q *QueueSource) Enqueue(topic string, payload []byte) error {
	if q.dedup != nil && q.dedup.Seen(topic, payload) {
		q.duplicates.Add(1)
		zap.S().Debugf("Dropping duplicate telegram on %s", topic)
		return nil
	}
	_, err := q.queue.EnqueueObject(queueObject{Topic: topic, Payload: payload, ReceivedAt: q.now()})
	if err != nil {
		return fmt.Errorf("error enqueuing: %w", err)
	}
	q.enqueued.Add(1)
	return nil
}

func (q *QueueSource) Next(ctx context.Context) (shared.Telegram, error) {
	var retries int64
	for {
		if err := ctx.Err(); err != nil {
			return shared.Telegram{}, err
		}
		item, err := q.queue.Dequeue()
		if errors.Is(err, goque.ErrEmpty) {
			internal.SleepBackedOff(ctx, retries, q.pollSlot, q.pollMax)
			if retries < 10 {
				retries++
			}
			continue
		}
		if err != nil {
			return shared.Telegram{}, fmt.Errorf("error dequeuing: %w", err)
		}
		retries = 0

		var obj queueObject
		if err = item.ToObject(&obj); err != nil {
			if q.faults.fail(fmt.Errorf("%w: undecodable queue item: %s", ErrMalformed, err)) {
				return shared.Telegram{Terminal: shared.ArtifactFatalInput}, nil
			}
			continue
		}
		tg, err := Parse(obj.Topic, obj.Payload, obj.ReceivedAt)
		if err != nil {
			if q.faults.fail(err) {
				return shared.Telegram{Terminal: shared.ArtifactFatalInput}, nil
			}
			continue
		}
		q.faults.ok()
		return tg, nil
	}
}

func (q *QueueSource) Length() uint64 {
	return q.queue.Length()
}

type QueueStats struct {
	Enqueued   uint64 `json:"enqueued"`
	Duplicates uint64 `json:"duplicates"`
	Pending    uint64 `json:"pending"`
}

func (q *QueueSource) Stats() QueueStats {
	return QueueStats{Enqueued: q.enqueued.Load(), Duplicates: q.duplicates.Load(), Pending: q.queue.Length()}
}

func (q *QueueSource) Close() error {
	if err := q.queue.Close(); err != nil {
		return fmt.Errorf("error closing queue: %w", err)
	}
	return nil
}
