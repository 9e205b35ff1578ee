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

package detector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sensorkits/kit-collector/cmd/kit-collector/devicecache"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/metadata"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/normalizer"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Notice kinds raised by the detector.
const (
	NoticeKindRestart  = "restart"
	NoticeKindLocation = "location"
	NoticeKindEvent    = "event"
	NoticeKindFirmware = "firmware"
	NoticeKindStatic   = "static"
)

// EventMessages translates kit event codes.
var EventMessages = map[int]string{
	1: "power cycle",
	2: "watchdog reset",
	3: "battery low",
	4: "controller reset",
	5: "sensor failure",
}

type Config struct {
	RestartGap           time.Duration
	HomeDistanceMeters   float64
	StaticThreshold      int
	InvalidThreshold     int
	DisabledWarnInterval time.Duration
	GatewayWindow        int
}

func DefaultConfig() Config {
	return Config{
		RestartGap:           90 * time.Minute,
		HomeDistanceMeters:   118,
		StaticThreshold:      20,
		InvalidThreshold:     100,
		DisabledWarnInterval: 12 * time.Hour,
		GatewayWindow:        10,
	}
}

type Detector struct {
	cfg     Config
	notices normalizer.Notifier
	updates metadata.UpdateSink

	disabledWarned *expiremap.ExpireMap[string, time.Time]
	warnings       atomic.Uint64
}

// New creates a Detector. notices and updates may be nil.
func New(cfg Config, notices normalizer.Notifier, updates metadata.UpdateSink) *Detector {
	return &Detector{
		cfg:            cfg,
		notices:        notices,
		updates:        updates,
		disabledWarned: expiremap.NewEx[string, time.Time](time.Hour, cfg.DisabledWarnInterval),
	}
}

// Admit checks registration and enablement. A non-empty artifact is terminal.
func (d *Detector) Admit(entry *devicecache.Entry, id shared.DeviceIdentity, now time.Time) shared.Artifact {
	if entry == nil || !entry.Registered {
		return shared.ArtifactUnregistered
	}
	if entry.Enablement == metadata.Disabled {
		key := id.String()
		if _, warned := d.disabledWarned.Load(key); !warned {
			d.disabledWarned.Set(key, now)
			d.warnings.Add(1)
			zap.S().Warnf("Kit %s is disabled, skipping its data", id)
		}
		return shared.ArtifactDisabled
	}
	return ""
}

// DisabledWarnings counts the warnings Admit has logged.
func (d *Detector) DisabledWarnings() uint64 {
	return d.warnings.Load()
}

// Input bundles what the detector looks at for one telegram.
type Input struct {
	Info   *shared.DeviceInfo
	Raw    *shared.RawRecord
	Result normalizer.Result
	Now    time.Time
}

// Evaluate runs the lifecycle and anomaly rules in order. It must run before the entry is touched
// and with the entry lock held. Event fields are removed from in.Result.Record.
func (d *Detector) Evaluate(ctx context.Context, entry *devicecache.Entry, in Input) shared.Artifacts {
	var out shared.Artifacts
	if a := d.Admit(entry, entry.Identity, in.Now); a != "" {
		out.Add(a)
		return out
	}
	rules := []func(context.Context, *devicecache.Entry, Input) []shared.Artifact{
		d.restart,
		d.location,
		d.event,
		d.firmware,
		d.static,
		d.invalid,
	}
	for _, rule := range rules {
		out.Add(d.safely(ctx, rule, entry, in)...)
	}
	d.gateways(entry, in.Info)
	return out
}

func (d *Detector) safely(ctx context.Context, rule func(context.Context, *devicecache.Entry, Input) []shared.Artifact, entry *devicecache.Entry, in Input) (out []shared.Artifact) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorf("Detector rule failed for %s: %v", entry.Identity, r)
			out = nil
		}
	}()
	return rule(ctx, entry, in)
}

func (d *Detector) notify(ctx context.Context, kind string, entry *devicecache.Entry, at time.Time, broadcast bool, format string, args ...any) {
	if d.notices == nil {
		return
	}
	msg := fmt.Sprintf("Kit %s: ", entry.Identity) + fmt.Sprintf(format, args...)
	d.notices.Notify(ctx, kind, msg, entry, at, broadcast)
}

func (d *Detector) submit(req metadata.UpdateRequest) {
	if d.updates == nil {
		return
	}
	if !d.updates.Submit(req) {
		zap.S().Warnf("Metadata update of %s not queued", req.Identity)
	}
}

func (d *Detector) restart(ctx context.Context, entry *devicecache.Entry, in Input) []shared.Artifact {
	if entry.LastSeenAt.IsZero() {
		d.notify(ctx, NoticeKindRestart, entry, in.Now, false, "first data received")
		return []shared.Artifact{shared.ArtifactNewKit}
	}
	gap := in.Now.Sub(entry.LastSeenAt)
	if gap > d.cfg.RestartGap {
		d.notify(ctx, NoticeKindRestart, entry, in.Now, false, "data again after %s of silence", gap.Round(time.Minute))
		return []shared.Artifact{shared.ArtifactRestarted}
	}
	return nil
}

func observedLocation(in Input) (string, bool) {
	if in.Result.Record != nil {
		if _, m, ok := in.Result.Record.Find("geohash"); ok {
			if v := m.Value.Datum(); !v.IsMissing() && normalizer.IsGeohash(v.String()) {
				return v.String(), true
			}
		}
	}
	if gh, ok := in.Raw.MetaString("geohash"); ok && normalizer.IsGeohash(gh) {
		return gh, true
	}
	if in.Result.Record != nil {
		_, lat, okLat := in.Result.Record.Find("latitude")
		_, lon, okLon := in.Result.Record.Find("longitude")
		if okLat && okLon && lat.Value.Datum().IsNumeric() && lon.Value.Datum().IsNumeric() {
			la, lo := lat.Value.Datum().Number, lon.Value.Datum().Number
			if la != 0 || lo != 0 {
				return Encode(la, lo), true
			}
		}
	}
	return "", false
}

func (d *Detector) location(ctx context.Context, entry *devicecache.Entry, in Input) []shared.Artifact {
	observed, ok := observedLocation(in)
	if !ok {
		return nil
	}
	if entry.HomeLocation == "" {
		entry.HomeLocation = observed
		entry.AwayFromHome = false
		d.submit(metadata.UpdateRequest{Identity: entry.Identity, Location: &metadata.LocationUpdate{Geohash: observed, SetHome: true}})
		return []shared.Artifact{shared.ArtifactHomeInitialized}
	}
	if !normalizer.IsGeohash(entry.HomeLocation) {
		return nil
	}
	distance := Distance(entry.HomeLocation, observed)
	away := distance > d.cfg.HomeDistanceMeters
	if away == entry.AwayFromHome {
		return nil
	}
	entry.AwayFromHome = away
	d.submit(metadata.UpdateRequest{Identity: entry.Identity, Location: &metadata.LocationUpdate{Geohash: observed, Away: away}})
	if away {
		d.notify(ctx, NoticeKindLocation, entry, in.Now, true, "removed from home location, now %.0f m away at %s", distance, observed)
		return []shared.Artifact{shared.ArtifactRemovedFromHome}
	}
	d.notify(ctx, NoticeKindLocation, entry, in.Now, true, "returned to home location")
	return []shared.Artifact{shared.ArtifactReturnedHome}
}

func eventCode(in Input) (int, bool) {
	if in.Raw != nil {
		if v, ok := in.Raw.Meta["event"]; ok {
			if d := shared.DatumOf(v); d.IsNumeric() {
				return int(d.Number), true
			}
		}
	}
	if in.Result.Record != nil {
		if _, m, ok := in.Result.Record.Find("event"); ok && m.Value.Datum().IsNumeric() {
			return int(m.Value.Datum().Number), true
		}
	}
	return 0, false
}

func (d *Detector) event(ctx context.Context, entry *devicecache.Entry, in Input) []shared.Artifact {
	code, ok := eventCode(in)
	if in.Result.Record != nil {
		in.Result.Record.Remove("event")
	}
	if !ok || code == 0 {
		return nil
	}
	msg, known := EventMessages[code]
	if !known {
		msg = fmt.Sprintf("unknown event %d", code)
	}
	zap.S().Infof("Kit %s reported event %d: %s", entry.Identity, code, msg)
	d.notify(ctx, NoticeKindEvent, entry, in.Now, true, "event %s", msg)
	return []shared.Artifact{shared.ArtifactEvent}
}

func reportedFirmware(in Input) string {
	for _, key := range []string{"firmware", "version"} {
		if v, ok := in.Raw.MetaString(key); ok {
			return v
		}
	}
	if in.Info != nil {
		return in.Info.Firmware
	}
	return ""
}

func reportedSensorTypes(in Input) []string {
	if in.Result.Record == nil {
		return nil
	}
	var types []string
	for _, st := range in.Result.Record.SensorTypes() {
		if st != normalizer.UnassignedSensorType {
			types = append(types, st)
		}
	}
	return types
}

func (d *Detector) firmware(ctx context.Context, entry *devicecache.Entry, in Input) []shared.Artifact {
	var out []shared.Artifact
	update := false

	fw := reportedFirmware(in)
	switch {
	case fw == "" || fw == entry.LastFirmwareVersion:
	case entry.LastFirmwareVersion == "":
		entry.LastFirmwareVersion = fw
		update = true
	default:
		d.notify(ctx, NoticeKindFirmware, entry, in.Now, false, "firmware changed from %s to %s", entry.LastFirmwareVersion, fw)
		entry.LastFirmwareVersion = fw
		out = append(out, shared.ArtifactFirmwareChanged)
		update = true
	}

	reported := reportedSensorTypes(in)
	if unknown := notInstalled(entry, reported); len(unknown) > 0 && !sameStrings(unknown, entry.ReportedSensorTypes) {
		entry.ReportedSensorTypes = unknown
		d.notify(ctx, NoticeKindFirmware, entry, in.Now, false, "reports sensor types %s which are not registered", strings.Join(unknown, ", "))
		out = append(out, shared.ArtifactSensorTypesChanged)
		update = true
	}

	if update {
		d.submit(metadata.UpdateRequest{Identity: entry.Identity, Firmware: entry.LastFirmwareVersion, SensorTypes: reported})
	}
	return out
}

func notInstalled(entry *devicecache.Entry, reported []string) []string {
	installed := make(map[string]bool, len(entry.InstalledSensors))
	for _, s := range entry.InstalledSensors {
		installed[strings.ToLower(s.Name)] = true
	}
	var unknown []string
	for _, st := range reported {
		if !installed[strings.ToLower(st)] {
			unknown = append(unknown, st)
		}
	}
	sort.Strings(unknown)
	return unknown
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// StaticDue reports whether a streak of equal values is flagged: once above threshold,
// then every 100 further repeats.
func StaticDue(streak, threshold int) bool {
	first := threshold + 1
	if streak < first {
		return false
	}
	return (streak-first)%100 == 0
}

func (d *Detector) static(ctx context.Context, entry *devicecache.Entry, in Input) []shared.Artifact {
	var flagged []string
	for _, key := range in.Result.StaticFields {
		tr, ok := entry.StaticValueTrackers[key]
		if !ok || !StaticDue(tr.Streak, d.cfg.StaticThreshold) {
			continue
		}
		flagged = append(flagged, fmt.Sprintf("%s (%d times %s)", key, tr.Streak, tr.Last.String()))
	}
	if len(flagged) == 0 {
		return nil
	}
	zap.S().Infof("Kit %s has static values: %s", entry.Identity, strings.Join(flagged, ", "))
	d.notify(ctx, NoticeKindStatic, entry, in.Now, false, "values do not change: %s", strings.Join(flagged, ", "))
	return []shared.Artifact{shared.ArtifactStaticValue}
}

func (d *Detector) invalid(_ context.Context, entry *devicecache.Entry, in Input) []shared.Artifact {
	if len(in.Result.InvalidFields) == 0 {
		return nil
	}
	out := []shared.Artifact{shared.ArtifactOutOfBand}
	for _, key := range in.Result.InvalidFields {
		if entry.InvalidFieldCounters[key] > d.cfg.InvalidThreshold {
			out = append(out, shared.ArtifactInvalidStreak)
			break
		}
	}
	return out
}

func (d *Detector) gateways(entry *devicecache.Entry, info *shared.DeviceInfo) {
	gw, ok := info.BestGateway()
	if !ok {
		return
	}
	window := d.cfg.GatewayWindow
	if window < 1 {
		window = 1
	}
	g := &entry.Gateway
	g.BestGateway = gw.ID
	g.RSSI = append(g.RSSI, gw.RSSI)
	if len(g.RSSI) > window {
		g.RSSI = g.RSSI[len(g.RSSI)-window:]
	}
	g.MinRSSI = floats.Min(g.RSSI)
	g.MaxRSSI = floats.Max(g.RSSI)
	g.MeanRSSI = stat.Mean(g.RSSI, nil)
}
