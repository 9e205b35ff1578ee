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

package channels

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/dispatch"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
)

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// DisplayChannel publishes records to a redis channel that live displays subscribe to.
type DisplayChannel struct {
	name    string
	channel string
	client  redisPublisher
}

func NewDisplayChannel(name, channel string, client redisPublisher) *DisplayChannel {
	return &DisplayChannel{name: name, channel: channel, client: client}
}

func (d *DisplayChannel) Name() string {
	return d.name
}

func (d *DisplayChannel) Publish(ctx context.Context, _ *shared.DeviceInfo, record *shared.CanonicalRecord, _ []string) (dispatch.Result, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("failed to encode record: %w", err)
	}
	receivers, err := d.client.Publish(ctx, d.channel+"."+record.Identity.Project, payload).Result()
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("redis publish failed: %w", err)
	}
	if receivers == 0 {
		return dispatch.ExplainedResult("no display subscribed"), nil
	}
	return dispatch.DeliveredResult(), nil
}

func (d *DisplayChannel) Close() error {
	return d.client.Close()
}
