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
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"go.uber.org/zap"
)

// ReplaySource reads one telegram per line. Telegrams keep their recorded timestamps;
// lines without one are stamped with the current time. It ends with an end of input telegram.
type ReplaySource struct {
	file    *os.File
	scanner *bufio.Scanner
	name    string
	line    int
	faults  faults
	done    bool
	now     func() time.Time
}

func OpenReplaySource(path string, errorLimit int) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay file: %w", err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &ReplaySource{file: f, scanner: sc, name: path, faults: faults{limit: errorLimit}, now: time.Now}, nil
}

func (r *ReplaySource) Next(ctx context.Context) (shared.Telegram, error) {
	if r.done {
		return shared.Telegram{Terminal: shared.ArtifactEndOfInput}, nil
	}
	for r.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return shared.Telegram{}, err
		}
		r.line++
		line := r.scanner.Bytes()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		tg, err := Parse("replay", line, time.Time{})
		if err != nil {
			if r.faults.fail(fmt.Errorf("%s:%d: %w", r.name, r.line, err)) {
				r.done = true
				return shared.Telegram{Terminal: shared.ArtifactFatalInput}, nil
			}
			continue
		}
		r.faults.ok()
		if tg.Info.ReceivedAt.IsZero() {
			tg.Info.ReceivedAt = r.now()
			if tg.Record.Timestamp.IsZero() {
				tg.Record.Timestamp = tg.Info.ReceivedAt
			}
		}
		return tg, nil
	}
	r.done = true
	if err := r.scanner.Err(); err != nil {
		zap.S().Errorf("Failed to read %s after line %d: %s", r.name, r.line, err)
		return shared.Telegram{Terminal: shared.ArtifactFatalInput}, nil
	}
	zap.S().Infof("Replayed %d lines from %s", r.line, r.name)
	return shared.Telegram{Terminal: shared.ArtifactEndOfInput}, nil
}

func (r *ReplaySource) Close() error {
	return r.file.Close()
}
