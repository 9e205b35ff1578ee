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

package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"go.uber.org/zap"
)

// PgxIface is the subset of pgxpool.Pool used by PostgresStore.
type PgxIface interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

type PostgresStore struct {
	Db PgxIface
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	conf, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	zap.S().Infof("Connected to metadata database %s:%d", conf.ConnConfig.Host, conf.ConnConfig.Port)
	return &PostgresStore{Db: pool}, nil
}

const lookupKitSQL = `SELECT k.id,
       CASE WHEN k.active IS NULL THEN 0 WHEN k.active THEN 1 ELSE 2 END,
       COALESCE(k.geohash, ''), COALESCE(k.away, false), COALESCE(k.firmware, ''), COALESCE(k.sensors, '[]'),
       COALESCE(k.notice_route_id, 0), COALESCE(n.routes, '')
FROM kits k LEFT JOIN notice_routes n ON n.id = k.notice_route_id
WHERE k.project = $1 AND k.serial = $2`

func (s *PostgresStore) Lookup(ctx context.Context, id shared.DeviceIdentity) (*KitMetadata, error) {
	var (
		m       = KitMetadata{Identity: id}
		active  int64
		sensors string
		routes  string
	)
	err := s.Db.QueryRow(ctx, lookupKitSQL, id.Project, id.Serial).
		Scan(&m.RowID, &active, &m.HomeLocation, &m.Away, &m.Firmware, &sensors, &m.NoticeRouteRowID, &routes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up kit %s: %w", id, err)
	}
	m.Enablement = enablementFromCode(active)
	m.Sensors, err = decodeSensors(sensors)
	if err != nil {
		return nil, fmt.Errorf("kit %s: %w", id, err)
	}
	m.NoticeRoutes = splitRoutes(routes)
	return &m, nil
}

func (s *PostgresStore) UpdateSensorTypes(ctx context.Context, id shared.DeviceIdentity, firmware string, sensorTypes []string) error {
	tag, err := s.Db.Exec(ctx,
		`UPDATE kits SET firmware = $3, reported_sensors = $4, updated_at = now() WHERE project = $1 AND serial = $2`,
		id.Project, id.Serial, firmware, strings.Join(sensorTypes, ","))
	if err != nil {
		return fmt.Errorf("failed to update sensor types of %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateLocation(ctx context.Context, id shared.DeviceIdentity, update LocationUpdate) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if update.SetHome {
		tag, err = s.Db.Exec(ctx,
			`UPDATE kits SET geohash = $3, last_geohash = $3, away = false, updated_at = now() WHERE project = $1 AND serial = $2`,
			id.Project, id.Serial, update.Geohash)
	} else {
		tag, err = s.Db.Exec(ctx,
			`UPDATE kits SET last_geohash = $3, away = $4, updated_at = now() WHERE project = $1 AND serial = $2`,
			id.Project, id.Serial, update.Geohash, update.Away)
	}
	if err != nil {
		return fmt.Errorf("failed to update location of %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.Db.Close()
}
