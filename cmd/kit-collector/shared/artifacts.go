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

package shared

// Artifact is a short outcome tag attached to a telegram.
type Artifact string

const (
	ArtifactForwardData        Artifact = "Forward data"
	ArtifactUnregistered       Artifact = "Unregistered kit"
	ArtifactDisabled           Artifact = "Skip data. Disabled kit."
	ArtifactNewKit             Artifact = "New kit"
	ArtifactRestarted          Artifact = "Restarted kit"
	ArtifactHomeInitialized    Artifact = "Home location initialized"
	ArtifactRemovedFromHome    Artifact = "Kit removed from home location"
	ArtifactReturnedHome       Artifact = "Kit returned home"
	ArtifactEvent              Artifact = "Event message"
	ArtifactFirmwareChanged    Artifact = "Firmware changed"
	ArtifactSensorTypesChanged Artifact = "Sensor types changed"
	ArtifactStaticValue        Artifact = "Static value"
	ArtifactOutOfBand          Artifact = "Out of band value"
	ArtifactInvalidStreak      Artifact = "Invalid value streak"
	ArtifactStartThrottling    Artifact = "Start throttling kit"
	ArtifactThrottled          Artifact = "Skip data. Throttling kit."
	ArtifactResetThrottling    Artifact = "Reset throttling kit"
	ArtifactNoMeasurements     Artifact = "Skip data. No measurements."
	ArtifactDuplicate          Artifact = "Duplicate telegram"
	ArtifactNoChannelAccepted  Artifact = "No channel accepted data"
	ArtifactEndOfInput         Artifact = "End of input"
	ArtifactFatalInput         Artifact = "Fatal input failure"
)

var terminalArtifacts = map[Artifact]bool{
	ArtifactUnregistered:    true,
	ArtifactDisabled:        true,
	ArtifactStartThrottling: true,
	ArtifactThrottled:       true,
	ArtifactNoMeasurements:  true,
	ArtifactDuplicate:       true,
	ArtifactEndOfInput:      true,
	ArtifactFatalInput:      true,
}

// IsTerminal reports whether the artifact stops a telegram from being forwarded.
func (a Artifact) IsTerminal() bool {
	return terminalArtifacts[a]
}

// Artifacts is an ordered set. The zero value is ready to use.
type Artifacts struct {
	items []Artifact
}

func (a *Artifacts) Add(items ...Artifact) {
	for _, item := range items {
		if item == "" || a.Has(item) {
			continue
		}
		a.items = append(a.items, item)
	}
}

func (a *Artifacts) Has(item Artifact) bool {
	for _, x := range a.items {
		if x == item {
			return true
		}
	}
	return false
}

func (a *Artifacts) Terminal() bool {
	for _, x := range a.items {
		if x.IsTerminal() {
			return true
		}
	}
	return false
}

func (a *Artifacts) List() []Artifact {
	out := make([]Artifact, len(a.items))
	copy(out, a.items)
	return out
}

func (a *Artifacts) Strings() []string {
	out := make([]string, len(a.items))
	for i, x := range a.items {
		out[i] = string(x)
	}
	return out
}

func (a *Artifacts) Len() int {
	return len(a.items)
}
