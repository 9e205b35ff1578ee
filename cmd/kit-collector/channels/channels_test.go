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
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/lib/pq"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/config"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/dispatch"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/helper"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kafkashared "github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/shared"
)

var kit = shared.DeviceIdentity{Project: "SAN", Serial: "1"}

func sampleRecord() *shared.CanonicalRecord {
	rec := shared.NewCanonicalRecord(kit, time.UnixMilli(1700000000123))
	rec.Measurements["sds011"] = []shared.Measurement{
		{Field: "pm10", Value: shared.ScalarWithUnit{Value: shared.Numeric(12.5), UnitName: "ug/m3"}},
		{Field: "pm25", Value: shared.Scalar{Value: shared.Missing()}},
	}
	rec.Measurements["unassigned"] = []shared.Measurement{
		{Field: "geohash", Value: shared.Scalar{Value: shared.Text("u1hcy7e0h6x4")}},
	}
	return rec
}

func TestStoragePublish(t *testing.T) {
	helper.InitTestLogging()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := NewStorageChannel("storage", db, false)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO measurements")).
		WithArgs(int64(1700000000123), "SAN", "1", "sds011", "pm10", 12.5, nil, "ug/m3").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO measurements")).
		WithArgs(int64(1700000000123), "SAN", "1", "unassigned", "geohash", nil, "u1hcy7e0h6x4", "").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	res, err := s.Publish(context.Background(), nil, sampleRecord(), nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Delivered, res.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorageViolationIsRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := NewStorageChannel("storage", db, false)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO measurements").WillReturnError(&pq.Error{Code: "23514", Message: "check violated"})
	mock.ExpectRollback()

	res, err := s.Publish(context.Background(), nil, sampleRecord(), nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Rejected, res.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorageConnectionLoss(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := NewStorageChannel("storage", db, false)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO measurements").WillReturnError(&pq.Error{Code: "08000"})
	mock.ExpectRollback()

	_, err = s.Publish(context.Background(), nil, sampleRecord(), nil)
	assert.ErrorContains(t, err, "connection lost")
	assert.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))
	_, err = s.Publish(context.Background(), nil, sampleRecord(), nil)
	assert.Error(t, err)
}

func TestStorageDryRunAndEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := NewStorageChannel("storage", db, true)

	res, err := s.Publish(context.Background(), nil, shared.NewCanonicalRecord(kit, time.Now()), nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Rejected, res.Outcome)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO measurements").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO measurements").WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectRollback()
	res, err = s.Publish(context.Background(), nil, sampleRecord(), nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Explained, res.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type portalRequest struct {
	pin, sensor string
	body        portalBody
}

func portalServer(t *testing.T, status int) (*httptest.Server, *[]portalRequest) {
	var mu sync.Mutex
	var got []portalRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		var body portalBody
		assert.NoError(t, json.Unmarshal(b, &body))
		mu.Lock()
		got = append(got, portalRequest{pin: r.Header.Get("X-Pin"), sensor: r.Header.Get("X-Sensor"), body: body})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestPortalPublish(t *testing.T) {
	srv, got := portalServer(t, http.StatusCreated)
	p := NewPortalChannel("portal", srv.URL, "kit-", "kit-collector", srv.Client())

	rec := shared.NewCanonicalRecord(kit, time.Now())
	rec.Measurements["sds011"] = []shared.Measurement{
		{Field: "pm10", Value: shared.Scalar{Value: shared.Numeric(20)}},
		{Field: "pm25", Value: shared.Scalar{Value: shared.Numeric(8.25)}},
	}
	rec.Measurements["bme280"] = []shared.Measurement{
		{Field: "temp", Value: shared.Scalar{Value: shared.Numeric(21.5)}},
		{Field: "rv", Value: shared.Scalar{Value: shared.Numeric(40)}},
		{Field: "battery", Value: shared.Scalar{Value: shared.Numeric(3.9)}},
	}
	info := &shared.DeviceInfo{Identity: kit, Firmware: "V1.2"}

	res, err := p.Publish(context.Background(), info, rec, nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Delivered, res.Outcome)
	require.Len(t, *got, 2)

	first := (*got)[0]
	assert.Equal(t, "1", first.pin)
	assert.Equal(t, "kit-1", first.sensor)
	assert.Equal(t, "V1.2", first.body.SoftwareVersion)
	assert.ElementsMatch(t, []portalValue{{ValueType: "P1", Value: "20"}, {ValueType: "P2", Value: "8.25"}}, first.body.SensorDataValues)

	second := (*got)[1]
	assert.Equal(t, "7", second.pin)
	assert.ElementsMatch(t, []portalValue{{ValueType: "temperature", Value: "21.5"}, {ValueType: "humidity", Value: "40"}}, second.body.SensorDataValues)
}

func TestPortalOutcomes(t *testing.T) {
	forbidden, _ := portalServer(t, http.StatusForbidden)
	res, err := NewPortalChannel("portal", forbidden.URL, "kit-", "x", nil).Publish(context.Background(), nil, sampleRecord(), nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Rejected, res.Outcome)

	broken, _ := portalServer(t, http.StatusBadGateway)
	_, err = NewPortalChannel("portal", broken.URL, "kit-", "x", nil).Publish(context.Background(), nil, sampleRecord(), nil)
	assert.Error(t, err)

	rec := shared.NewCanonicalRecord(kit, time.Now())
	rec.Measurements["unassigned"] = []shared.Measurement{{Field: "battery", Value: shared.Scalar{Value: shared.Numeric(3.9)}}}
	res, err = NewPortalChannel("portal", broken.URL, "kit-", "x", nil).Publish(context.Background(), nil, rec, nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Explained, res.Outcome)
}

func TestConsolePublish(t *testing.T) {
	c := NewConsoleChannel("console", true)
	res, err := c.Publish(context.Background(), nil, sampleRecord(), []string{string(shared.ArtifactNewKit)})
	require.NoError(t, err)
	assert.Equal(t, dispatch.Delivered, res.Outcome)
}

type fakeProducer struct {
	messages []*kafkashared.KafkaMessage
	errors   uint64
	closed   bool
}

func (f *fakeProducer) SendMessage(m *kafkashared.KafkaMessage) { f.messages = append(f.messages, m) }

func (f *fakeProducer) GetProducedMessages() (uint64, uint64) {
	return uint64(len(f.messages)), f.errors
}

func (f *fakeProducer) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublish(t *testing.T) {
	p := &fakeProducer{}
	k := NewKafkaChannel("bus", "kit-records", p)
	info := &shared.DeviceInfo{Identity: kit, Gateways: []shared.GatewayInfo{{ID: "gw1", RSSI: -110}, {ID: "gw2", RSSI: -80}}}

	res, err := k.Publish(context.Background(), info, sampleRecord(), []string{string(shared.ArtifactRestarted)})
	require.NoError(t, err)
	assert.Equal(t, dispatch.Delivered, res.Outcome)
	require.Len(t, p.messages, 1)
	m := p.messages[0]
	assert.Equal(t, "kit-records", m.Topic)
	assert.Equal(t, "SAN_1", string(m.Key))
	assert.Equal(t, "2", m.Headers["measurements"])

	var env map[string]any
	require.NoError(t, json.Unmarshal(m.Value, &env))
	assert.Equal(t, "gw2", env["gateway"].(map[string]any)["id"])

	p.errors = 2
	_, err = k.Publish(context.Background(), nil, sampleRecord(), nil)
	assert.ErrorContains(t, err, "2 failed messages")
	_, err = k.Publish(context.Background(), nil, sampleRecord(), nil)
	assert.NoError(t, err)

	assert.NoError(t, k.Close())
	assert.True(t, p.closed)
}

type fakeRedis struct {
	channels  []string
	receivers int64
	err       error
}

func (f *fakeRedis) Publish(_ context.Context, channel string, _ interface{}) *redis.IntCmd {
	f.channels = append(f.channels, channel)
	return redis.NewIntResult(f.receivers, f.err)
}

func (f *fakeRedis) Close() error { return nil }

func TestDisplayPublish(t *testing.T) {
	r := &fakeRedis{receivers: 2}
	d := NewDisplayChannel("display", "kits", r)
	res, err := d.Publish(context.Background(), nil, sampleRecord(), nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Delivered, res.Outcome)
	assert.Equal(t, []string{"kits.SAN"}, r.channels)

	r.receivers = 0
	res, err = d.Publish(context.Background(), nil, sampleRecord(), nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Explained, res.Outcome)

	r.err = errors.New("connection refused")
	_, err = d.Publish(context.Background(), nil, sampleRecord(), nil)
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	cfg := config.Default()
	ch, err := Build(config.ChannelConfig{Name: "log", Type: TypeConsole}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "log", ch.Name())

	ch, err = Build(config.ChannelConfig{Name: "sc", Type: TypePortal, Settings: map[string]string{"url": "http://localhost/push"}}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost/push", ch.(*PortalChannel).url)

	ch, err = Build(config.ChannelConfig{Name: "live", Type: TypeDisplay, Settings: map[string]string{"sentinels": "a:26379, b:26379"}}, cfg)
	require.NoError(t, err)
	assert.NoError(t, ch.(*DisplayChannel).Close())

	_, err = Build(config.ChannelConfig{Name: "live", Type: TypeDisplay, Settings: map[string]string{"db": "x"}}, cfg)
	assert.Error(t, err)

	_, err = Build(config.ChannelConfig{Name: "x", Type: "carrier-pigeon"}, cfg)
	assert.Error(t, err)

	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b"))
}
