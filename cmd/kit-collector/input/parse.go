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
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
)

var ErrMalformed = errors.New("malformed telegram")

type ttnUplink struct {
	EndDeviceIDs struct {
		DeviceID       string `json:"device_id"`
		DevEUI         string `json:"dev_eui"`
		ApplicationIDs struct {
			ApplicationID string `json:"application_id"`
		} `json:"application_ids"`
	} `json:"end_device_ids"`
	ReceivedAt    string `json:"received_at"`
	UplinkMessage *struct {
		FPort          int            `json:"f_port"`
		DecodedPayload map[string]any `json:"decoded_payload"`
		RxMetadata     []struct {
			GatewayIDs struct {
				GatewayID string `json:"gateway_id"`
			} `json:"gateway_ids"`
			RSSI float64 `json:"rssi"`
			SNR  float64 `json:"snr"`
		} `json:"rx_metadata"`
		VersionIDs struct {
			FirmwareVersion string `json:"firmware_version"`
		} `json:"version_ids"`
	} `json:"uplink_message"`
}

type nativeTelegram struct {
	Meta map[string]any `json:"meta"`
	Data map[string]any `json:"data"`
}

// Parse decodes a TTN v3 uplink or a native kit telegram. A zero receivedAt means the
// telegram's own timestamp is used as its receive time.
func Parse(topic string, payload []byte, receivedAt time.Time) (shared.Telegram, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return shared.Telegram{}, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if _, ok := envelope["end_device_ids"]; ok {
		return parseTTN(topic, payload, receivedAt)
	}
	if _, ok := envelope["data"]; ok {
		return parseNative(topic, payload, receivedAt)
	}
	return shared.Telegram{}, fmt.Errorf("%w: neither uplink nor kit telegram", ErrMalformed)
}

// SplitDeviceID derives the identity from a network device id like "san-12ab".
func SplitDeviceID(deviceID, application string) (shared.DeviceIdentity, bool) {
	if i := strings.IndexAny(deviceID, "_-"); i > 0 && i < len(deviceID)-1 {
		return shared.DeviceIdentity{Project: strings.ToUpper(deviceID[:i]), Serial: deviceID[i+1:]}, true
	}
	if deviceID == "" || application == "" {
		return shared.DeviceIdentity{}, false
	}
	return shared.DeviceIdentity{Project: strings.ToUpper(application), Serial: deviceID}, true
}

func parseTTN(topic string, payload []byte, receivedAt time.Time) (shared.Telegram, error) {
	var up ttnUplink
	if err := json.Unmarshal(payload, &up); err != nil {
		return shared.Telegram{}, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if up.UplinkMessage == nil {
		return shared.Telegram{}, fmt.Errorf("%w: no uplink message", ErrMalformed)
	}
	id, ok := SplitDeviceID(up.EndDeviceIDs.DeviceID, up.EndDeviceIDs.ApplicationIDs.ApplicationID)
	if !ok {
		return shared.Telegram{}, fmt.Errorf("%w: no device id", ErrMalformed)
	}
	if len(up.UplinkMessage.DecodedPayload) == 0 {
		return shared.Telegram{}, fmt.Errorf("%w: %s has no decoded payload", ErrMalformed, id)
	}
	ts := receivedAt
	if up.ReceivedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, up.ReceivedAt); err == nil {
			ts = t
		}
	}
	info := &shared.DeviceInfo{
		Identity:   id,
		Topic:      topic,
		ReceivedAt: receivedAt,
		Firmware:   up.UplinkMessage.VersionIDs.FirmwareVersion,
	}
	if receivedAt.IsZero() {
		info.ReceivedAt = ts
	}
	for _, rx := range up.UplinkMessage.RxMetadata {
		info.Gateways = append(info.Gateways, shared.GatewayInfo{ID: rx.GatewayIDs.GatewayID, RSSI: rx.RSSI, SNR: rx.SNR})
	}
	meta := map[string]any{"project": id.Project, "serial": id.Serial, "port": up.UplinkMessage.FPort}
	if up.EndDeviceIDs.DevEUI != "" {
		meta["dev_eui"] = up.EndDeviceIDs.DevEUI
	}
	if info.Firmware != "" {
		meta["firmware"] = info.Firmware
	}
	return shared.Telegram{
		Info:   info,
		Record: &shared.RawRecord{Timestamp: ts, Meta: meta, Data: up.UplinkMessage.DecodedPayload},
	}, nil
}

func parseNative(topic string, payload []byte, receivedAt time.Time) (shared.Telegram, error) {
	var nt nativeTelegram
	if err := json.Unmarshal(payload, &nt); err != nil {
		return shared.Telegram{}, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	raw := &shared.RawRecord{Meta: nt.Meta, Data: nt.Data}
	id := shared.DeviceIdentity{Project: metaText(raw, "project"), Serial: metaText(raw, "serial")}
	if !id.IsValid() {
		return shared.Telegram{}, fmt.Errorf("%w: meta lacks project or serial", ErrMalformed)
	}
	if len(nt.Data) == 0 {
		return shared.Telegram{}, fmt.Errorf("%w: %s has no data", ErrMalformed, id)
	}
	raw.Timestamp = receivedAt
	if v, ok := nt.Meta["timestamp"]; ok {
		if ts, ok := parseTimestamp(v); ok {
			raw.Timestamp = ts
		}
	}
	info := &shared.DeviceInfo{Identity: id, Topic: topic, ReceivedAt: receivedAt}
	if receivedAt.IsZero() {
		info.ReceivedAt = raw.Timestamp
	}
	if fw, ok := raw.MetaString("firmware"); ok {
		info.Firmware = fw
	}
	return shared.Telegram{Info: info, Record: raw}, nil
}

// metaText keeps string meta values verbatim so serials like "0042" survive.
func metaText(raw *shared.RawRecord, key string) string {
	if s, ok := raw.Meta[key].(string); ok {
		return strings.TrimSpace(s)
	}
	s, _ := raw.MetaString(key)
	return s
}

// parseTimestamp accepts unix seconds, unix milliseconds and RFC 3339 strings.
func parseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		if t > 1e12 {
			return time.UnixMilli(int64(t)), true
		}
		sec, frac := math.Modf(t)
		return time.Unix(int64(sec), int64(frac*1e9)), true
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, true
		}
		d := shared.DatumOf(t)
		if d.IsNumeric() {
			return parseTimestamp(d.Number)
		}
	}
	return time.Time{}, false
}
