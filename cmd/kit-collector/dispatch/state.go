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

package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

const (
	StateActive   = "active"
	StateCooling  = "cooling"
	StateDisabled = "disabled"

	eventFail    = "fail"
	eventRecover = "recover"
	eventDisable = "disable"
	eventEnable  = "enable"
)

// ChannelState tracks the health of one output channel.
// active -> cooling on an error, cooling -> active on the next success,
// any -> disabled once the error count passes the threshold.
type ChannelState struct {
	mu            sync.Mutex
	name          string
	fsm           *fsm.FSM
	errorCount    int
	cooldownUntil time.Time
	lastError     string
}

func newChannelState(name string, enabled bool) *ChannelState {
	initial := StateActive
	if !enabled {
		initial = StateDisabled
	}
	s := &ChannelState{name: name}
	s.fsm = fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: eventFail, Src: []string{StateActive}, Dst: StateCooling},
			{Name: eventRecover, Src: []string{StateCooling}, Dst: StateActive},
			{Name: eventDisable, Src: []string{StateActive, StateCooling}, Dst: StateDisabled},
			{Name: eventEnable, Src: []string{StateCooling, StateDisabled}, Dst: StateActive},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				zap.S().Debugf("Channel %s: %s -> %s", name, e.Src, e.Dst)
			},
		},
	)
	return s
}

func (s *ChannelState) event(name string) {
	if err := s.fsm.Event(context.Background(), name); err != nil {
		zap.S().Errorf("Channel %s: transition %s from %s failed: %s", s.name, name, s.fsm.Current(), err)
	}
}

// Eligible reports whether the channel may be used at now.
func (s *ChannelState) Eligible(now time.Time) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.fsm.Current() {
	case StateDisabled:
		return false, "disabled"
	case StateCooling:
		if now.Before(s.cooldownUntil) {
			return false, "cooling down"
		}
	}
	return true, ""
}

// Succeeded resets the error count.
func (s *ChannelState) Succeeded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCount = 0
	s.lastError = ""
	if s.fsm.Current() == StateCooling {
		s.event(eventRecover)
	}
}

// Failed records an error and returns true for exactly the call that disabled the channel.
func (s *ChannelState) Failed(now time.Time, err error, cooldown time.Duration, threshold int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fsm.Current() == StateDisabled {
		return false
	}
	s.errorCount++
	s.cooldownUntil = now.Add(cooldown)
	if err != nil {
		s.lastError = err.Error()
	}
	if s.errorCount > threshold {
		s.event(eventDisable)
		return true
	}
	if s.fsm.Current() == StateActive {
		s.event(eventFail)
	}
	return false
}

// Enable reactivates the channel and clears its error count.
func (s *ChannelState) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCount = 0
	s.cooldownUntil = time.Time{}
	s.lastError = ""
	if s.fsm.Current() != StateActive {
		s.event(eventEnable)
	}
}

type StateSnapshot struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	ErrorCount    int       `json:"error_count"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

func (s *ChannelState) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StateSnapshot{
		Name:          s.name,
		State:         s.fsm.Current(),
		ErrorCount:    s.errorCount,
		CooldownUntil: s.cooldownUntil,
		LastError:     s.lastError,
	}
}
