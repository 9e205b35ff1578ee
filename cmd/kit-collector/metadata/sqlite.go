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
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type kitRow struct {
	ID              int64  `gorm:"primaryKey"`
	Project         string `gorm:"uniqueIndex:uniq_kit;size:32"`
	Serial          string `gorm:"uniqueIndex:uniq_kit;size:64"`
	Active          *bool
	Geohash         string `gorm:"size:16"`
	LastGeohash     string `gorm:"size:16"`
	Away            bool
	Firmware        string `gorm:"size:64"`
	ReportedSensors string `gorm:"type:text"`
	Sensors         string `gorm:"type:text"`
	NoticeRouteID   int64  `gorm:"index"`
	UpdatedAt       time.Time
}

func (kitRow) TableName() string { return "kits" }

type noticeRouteRow struct {
	ID     int64  `gorm:"primaryKey"`
	Routes string `gorm:"type:text"`
}

func (noticeRouteRow) TableName() string { return "notice_routes" }

// SQLiteStore keeps kit registrations in an embedded database.
type SQLiteStore struct {
	db *gorm.DB
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	if err = db.AutoMigrate(&kitRow{}, &noticeRouteRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite %s: %w", path, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Register inserts or replaces a kit registration.
func (s *SQLiteStore) Register(ctx context.Context, m KitMetadata) (int64, error) {
	sensors, err := encodeSensors(m.Sensors)
	if err != nil {
		return 0, err
	}
	var routeID int64
	if len(m.NoticeRoutes) > 0 {
		route := noticeRouteRow{ID: m.NoticeRouteRowID, Routes: strings.Join(m.NoticeRoutes, ",")}
		if err = s.db.WithContext(ctx).Save(&route).Error; err != nil {
			return 0, fmt.Errorf("failed to save notice routes of %s: %w", m.Identity, err)
		}
		routeID = route.ID
	}
	row := kitRow{
		Project:       m.Identity.Project,
		Serial:        m.Identity.Serial,
		Geohash:       m.HomeLocation,
		Away:          m.Away,
		Firmware:      m.Firmware,
		Sensors:       sensors,
		NoticeRouteID: routeID,
	}
	switch m.Enablement {
	case Enabled:
		active := true
		row.Active = &active
	case Disabled:
		active := false
		row.Active = &active
	}

	var existing kitRow
	err = s.db.WithContext(ctx).Where("project = ? AND serial = ?", m.Identity.Project, m.Identity.Serial).First(&existing).Error
	switch {
	case err == nil:
		row.ID = existing.ID
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return 0, err
	}
	if err = s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return 0, fmt.Errorf("failed to register %s: %w", m.Identity, err)
	}
	return row.ID, nil
}

func (s *SQLiteStore) Lookup(ctx context.Context, id shared.DeviceIdentity) (*KitMetadata, error) {
	var row kitRow
	err := s.db.WithContext(ctx).Where("project = ? AND serial = ?", id.Project, id.Serial).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up kit %s: %w", id, err)
	}
	m := &KitMetadata{
		RowID:            row.ID,
		Identity:         id,
		Enablement:       enablementFromBool(row.Active),
		HomeLocation:     row.Geohash,
		Away:             row.Away,
		Firmware:         row.Firmware,
		NoticeRouteRowID: row.NoticeRouteID,
	}
	if m.Sensors, err = decodeSensors(row.Sensors); err != nil {
		return nil, fmt.Errorf("kit %s: %w", id, err)
	}
	if row.NoticeRouteID > 0 {
		var route noticeRouteRow
		err = s.db.WithContext(ctx).First(&route, row.NoticeRouteID).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to look up notice routes of %s: %w", id, err)
		}
		m.NoticeRoutes = splitRoutes(route.Routes)
	}
	return m, nil
}

func (s *SQLiteStore) UpdateSensorTypes(ctx context.Context, id shared.DeviceIdentity, firmware string, sensorTypes []string) error {
	res := s.db.WithContext(ctx).Model(&kitRow{}).
		Where("project = ? AND serial = ?", id.Project, id.Serial).
		Updates(map[string]any{"firmware": firmware, "reported_sensors": strings.Join(sensorTypes, ",")})
	if res.Error != nil {
		return fmt.Errorf("failed to update sensor types of %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateLocation(ctx context.Context, id shared.DeviceIdentity, update LocationUpdate) error {
	values := map[string]any{"last_geohash": update.Geohash, "away": update.Away}
	if update.SetHome {
		values["geohash"] = update.Geohash
		values["away"] = false
	}
	res := s.db.WithContext(ctx).Model(&kitRow{}).
		Where("project = ? AND serial = ?", id.Project, id.Serial).
		Updates(values)
	if res.Error != nil {
		return fmt.Errorf("failed to update location of %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLiteStore) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
