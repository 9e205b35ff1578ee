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

	"github.com/goccy/go-json"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/dispatch"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"go.uber.org/zap"
)

// ConsoleChannel logs every record.
type ConsoleChannel struct {
	name  string
	debug bool
}

func NewConsoleChannel(name string, debug bool) *ConsoleChannel {
	return &ConsoleChannel{name: name, debug: debug}
}

func (c *ConsoleChannel) Name() string {
	return c.name
}

func (c *ConsoleChannel) Publish(_ context.Context, _ *shared.DeviceInfo, record *shared.CanonicalRecord, artifacts []string) (dispatch.Result, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return dispatch.Result{}, err
	}
	if c.debug {
		zap.S().Infow("Record", "kit", record.Identity.String(), "record", string(payload), "artifacts", artifacts)
	} else {
		zap.S().Infow("Record", "kit", record.Identity.String(), "record", string(payload))
	}
	return dispatch.DeliveredResult(), nil
}
