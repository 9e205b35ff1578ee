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

package internal

import (
	"context"
	"math/rand"
	"time"
)

const Int64Max = 1<<63 - 1

// GetBackoffTime returns a random delay in [0, 2^retries) slots, capped at maximum.
func GetBackoffTime(retries int64, slotTime time.Duration, maximum time.Duration) (backoff time.Duration) {
	if slotTime <= 0 || retries <= 0 {
		return 0
	}
	if retries >= 62 {
		return maximum
	}
	slots := rand.Int63n(int64(1) << retries)
	if slots != 0 && slotTime > time.Duration(Int64Max/slots) {
		return maximum
	}
	backoff = time.Duration(slots) * slotTime
	if backoff > maximum {
		backoff = maximum
	}
	return backoff
}

// SleepBackedOff waits for the backoff delay or until ctx is done.
// It returns false if ctx ended first.
func SleepBackedOff(ctx context.Context, retries int64, slotTime time.Duration, maximum time.Duration) bool {
	d := GetBackoffTime(retries, slotTime, maximum)
	if d == 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
