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
	"time"

	"github.com/cenkalti/backoff"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/heptiolabs/healthcheck"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/config"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"go.uber.org/zap"
)

// MQTTSource subscribes to the uplink topic and feeds a QueueSource.
type MQTTSource struct {
	client MQTT.Client
	topic  string
	queue  *QueueSource
}

func onMessageReceived(q *QueueSource) MQTT.MessageHandler {
	return func(_ MQTT.Client, message MQTT.Message) {
		if err := q.Enqueue(message.Topic(), message.Payload()); err != nil {
			zap.S().Errorf("Failed to store telegram from %s: %s", message.Topic(), err)
		}
	}
}

// NewMQTTSource connects to the broker, retrying with exponential backoff until ctx ends.
func NewMQTTSource(ctx context.Context, cfg config.MQTTConfig, queue *QueueSource) (*MQTTSource, error) {
	s := &MQTTSource{topic: cfg.Topic, queue: queue}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(func(c MQTT.Client) {
		reader := c.OptionsReader()
		zap.S().Infof("Connected to MQTT broker (%s)", reader.ClientID())
		if token := c.Subscribe(s.topic, 1, onMessageReceived(queue)); token.Wait() && token.Error() != nil {
			zap.S().Errorf("Failed to subscribe to %s: %s", s.topic, token.Error())
			return
		}
		zap.S().Infof("MQTT subscribed (%s)", s.topic)
	})
	opts.SetConnectionLostHandler(func(c MQTT.Client, err error) {
		reader := c.OptionsReader()
		zap.S().Warnf("Connection lost, reconnecting (%v) (%s)", err, reader.ClientID())
	})
	s.client = MQTT.NewClient(opts)

	connect := func() error {
		token := s.client.Connect()
		if !token.WaitTimeout(30 * time.Second) {
			return errors.New("timeout connecting to broker")
		}
		return token.Error()
	}
	notify := func(err error, next time.Duration) {
		zap.S().Warnf("Failed to connect to %s: %s. Retrying in %s", cfg.BrokerURL, err, next)
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	if err := backoff.RetryNotify(connect, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.BrokerURL, err)
	}
	return s, nil
}

func (s *MQTTSource) Next(ctx context.Context) (shared.Telegram, error) {
	return s.queue.Next(ctx)
}

// Check is a readiness check for the broker connection.
func (s *MQTTSource) Check() healthcheck.Check {
	return func() error {
		if s.client.IsConnected() {
			return nil
		}
		return errors.New("not connected")
	}
}

func (s *MQTTSource) Close() error {
	s.client.Unsubscribe(s.topic)
	s.client.Disconnect(250)
	return s.queue.Close()
}
