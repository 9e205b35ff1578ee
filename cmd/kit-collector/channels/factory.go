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
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/config"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/dispatch"
	"github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/producer"
	"go.uber.org/zap"
)

const (
	TypeConsole = "console"
	TypeStorage = "storage"
	TypePortal  = "portal"
	TypeKafka   = "kafka"
	TypeDisplay = "display"
)

// Build creates the output channel described by cc.
func Build(cc config.ChannelConfig, cfg *config.Config) (dispatch.Channel, error) {
	zap.S().Infof("Setting up channel %s of type %s", cc.Name, cc.Type)
	switch cc.Type {
	case TypeConsole:
		return NewConsoleChannel(cc.Name, cc.Debug), nil
	case TypeStorage:
		ch, err := OpenStorageChannel(cc.Name, cc.Setting("dsn", cfg.Postgres.ConnString()), isTrue(cc.Setting("dry_run", "false")))
		if err != nil {
			return nil, err
		}
		return ch, nil
	case TypePortal:
		client := &http.Client{Timeout: cfg.ChannelTimeout}
		return NewPortalChannel(cc.Name, cc.Setting("url", DefaultPortalURL), cc.Setting("sensor_prefix", "kit-"), cc.Setting("software", "kit-collector"), client), nil
	case TypeKafka:
		brokers := splitList(cc.Setting("brokers", "localhost:9092"))
		p, err := producer.NewProducer(brokers)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka producer for channel %s: %w", cc.Name, err)
		}
		return NewKafkaChannel(cc.Name, cc.Setting("topic", "kit-records"), p), nil
	case TypeDisplay:
		db, err := strconv.Atoi(cc.Setting("db", "0"))
		if err != nil {
			return nil, fmt.Errorf("channel %s: invalid redis db: %w", cc.Name, err)
		}
		return NewDisplayChannel(cc.Name, cc.Setting("channel", "kits"), redisClient(cc, db)), nil
	}
	return nil, fmt.Errorf("channel %s has unknown type %q", cc.Name, cc.Type)
}

func redisClient(cc config.ChannelConfig, db int) *redis.Client {
	password := cc.Setting("password", "")
	if sentinels := splitList(cc.Setting("sentinels", "")); len(sentinels) > 0 {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       cc.Setting("master", "mymaster"),
			SentinelAddrs:    sentinels,
			SentinelPassword: password,
			Password:         password,
			DB:               db,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:     cc.Setting("address", "localhost:6379"),
		Password: password,
		DB:       db,
	})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isTrue(s string) bool {
	return s == "True" || s == "true" || s == "1"
}
