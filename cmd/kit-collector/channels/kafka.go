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
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/dispatch"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	kafkashared "github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/shared"
)

type kafkaProducer interface {
	SendMessage(message *kafkashared.KafkaMessage)
	GetProducedMessages() (uint64, uint64)
	Close() error
}

type kafkaEnvelope struct {
	Record    *shared.CanonicalRecord `json:"record"`
	Gateway   *shared.GatewayInfo     `json:"gateway,omitempty"`
	Artifacts []string                `json:"artifacts,omitempty"`
}

// KafkaChannel produces records keyed by kit identity.
// The producer is asynchronous, failures surface on the next publish.
type KafkaChannel struct {
	name     string
	topic    string
	producer kafkaProducer

	mu         sync.Mutex
	seenErrors uint64
}

func NewKafkaChannel(name, topic string, producer kafkaProducer) *KafkaChannel {
	return &KafkaChannel{name: name, topic: topic, producer: producer}
}

func (k *KafkaChannel) Name() string {
	return k.name
}

func (k *KafkaChannel) Publish(_ context.Context, info *shared.DeviceInfo, record *shared.CanonicalRecord, artifacts []string) (dispatch.Result, error) {
	k.mu.Lock()
	_, errs := k.producer.GetProducedMessages()
	failed := errs - k.seenErrors
	k.seenErrors = errs
	k.mu.Unlock()
	if failed > 0 {
		return dispatch.Result{}, fmt.Errorf("producer reported %d failed messages", failed)
	}

	env := kafkaEnvelope{Record: record, Artifacts: artifacts}
	if gw, ok := info.BestGateway(); ok {
		env.Gateway = &gw
	}
	value, err := json.Marshal(env)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("failed to encode record: %w", err)
	}
	headers := map[string]string{"project": record.Identity.Project}
	if len(artifacts) > 0 {
		headers["artifacts"] = strings.Join(artifacts, ",")
	}
	headers["measurements"] = strconv.Itoa(record.Present())
	k.producer.SendMessage(&kafkashared.KafkaMessage{
		Topic:   k.topic,
		Key:     []byte(record.Identity.String()),
		Value:   value,
		Headers: headers,
	})
	return dispatch.DeliveredResult(), nil
}

func (k *KafkaChannel) Close() error {
	return k.producer.Close()
}
