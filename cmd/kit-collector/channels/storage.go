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
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/omeid/pgerror"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/dispatch"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"go.uber.org/zap"
)

const insertMeasurementSQL = `
		INSERT INTO measurements (timestamp, project, serial, sensor_type, field, value, text_value, unit)
		VALUES (to_timestamp($1 / 1000.0),$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT DO NOTHING;`

// StorageChannel writes every present measurement of a record in one transaction.
type StorageChannel struct {
	name   string
	db     *sql.DB
	dryRun bool
}

func OpenStorageChannel(name, dsn string, dryRun bool) (*StorageChannel, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage database: %w", err)
	}
	return NewStorageChannel(name, db, dryRun), nil
}

func NewStorageChannel(name string, db *sql.DB, dryRun bool) *StorageChannel {
	if dryRun {
		zap.S().Infof("Channel %s runs in DRY_RUN mode. All statements will be rolled back", name)
	}
	return &StorageChannel{name: name, db: db, dryRun: dryRun}
}

func (s *StorageChannel) Name() string {
	return s.name
}

func (s *StorageChannel) Publish(ctx context.Context, _ *shared.DeviceInfo, record *shared.CanonicalRecord, _ []string) (dispatch.Result, error) {
	if record.Present() == 0 {
		return dispatch.RejectedResult("no measurements"), nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dispatch.Result{}, classify("BeginTx", err)
	}
	ts := record.Timestamp.UnixMilli()
	for _, st := range record.SensorTypes() {
		for _, m := range record.Measurements[st] {
			d := m.Value.Datum()
			if d.IsMissing() {
				continue
			}
			var value sql.NullFloat64
			var text sql.NullString
			if d.IsNumeric() {
				value = sql.NullFloat64{Float64: d.Number, Valid: true}
			} else {
				text = sql.NullString{String: d.Text, Valid: true}
			}
			_, err = tx.ExecContext(ctx, insertMeasurementSQL,
				ts, record.Identity.Project, record.Identity.Serial, st, m.Field, value, text, m.Value.Unit())
			if err != nil {
				if errR := tx.Rollback(); errR != nil {
					zap.S().Errorf("Rollback failed: %s", errR)
				}
				if violation(err) {
					return dispatch.RejectedResult(err.Error()), nil
				}
				return dispatch.Result{}, classify(m.Field, err)
			}
		}
	}
	if s.dryRun {
		if err = tx.Rollback(); err != nil {
			return dispatch.Result{}, classify("Rollback", err)
		}
		return dispatch.ExplainedResult("dry run"), nil
	}
	if err = tx.Commit(); err != nil {
		return dispatch.Result{}, classify("Commit", err)
	}
	return dispatch.DeliveredResult(), nil
}

func violation(err error) bool {
	return pgerror.UniqueViolation(err) != nil || pgerror.CheckViolation(err) != nil || pgerror.NotNullViolation(err) != nil
}

func classify(step string, err error) error {
	if e := pgerror.ConnectionException(err); e != nil {
		return fmt.Errorf("storage connection lost during %s: %w", step, err)
	}
	if e, ok := err.(*pq.Error); ok {
		return fmt.Errorf("storage %s failed with %s: %w", step, e.Code.Name(), err)
	}
	return fmt.Errorf("storage %s failed: %w", step, err)
}

func (s *StorageChannel) Close() error {
	return s.db.Close()
}
