// Package store provides the launch-configuration and result-persistence
// adapters backed by Postgres or process memory.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matthiaskaw/project-smart-lab/internal/domain"
	"github.com/matthiaskaw/project-smart-lab/internal/ports"
)

// ErrDeviceNotFound is returned when no launch configuration exists for the
// requested device id.
var ErrDeviceNotFound = errors.New("store: device not found")

// PostgresStore reads device launch configurations from the devices table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LaunchConfig(deviceID string) (*domain.DeviceConfig, error) {
	const query = "SELECT id, name, executable, identifier, properties FROM devices WHERE id = $1"

	var cfg domain.DeviceConfig
	var props []byte
	err := s.db.QueryRow(query, deviceID).Scan(&cfg.ID, &cfg.Name, &cfg.Executable, &cfg.Identifier, &props)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("query device %q: %w", deviceID, err)
	}
	if len(props) > 0 {
		if err := json.Unmarshal(props, &cfg.Properties); err != nil {
			return nil, fmt.Errorf("decode properties for %q: %w", deviceID, err)
		}
	}
	return &cfg, nil
}

// PostgresResultSink records terminal measurement outcomes in the
// measurement_results table, raw data lines as JSONB.
type PostgresResultSink struct {
	db *sql.DB
}

func NewPostgresResultSink(db *sql.DB) *PostgresResultSink {
	return &PostgresResultSink{db: db}
}

func (s *PostgresResultSink) Name() string { return "postgres" }

func (s *PostgresResultSink) MeasurementComplete(measurementID string, rawLines []string) error {
	raw, err := json.Marshal(rawLines)
	if err != nil {
		return fmt.Errorf("marshal raw data: %w", err)
	}

	const query = "INSERT INTO measurement_results (measurement_id, status, raw_data, completed_at) VALUES ($1,$2,$3,$4)"
	if _, err := s.db.Exec(query, measurementID, "complete", raw, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert result %q: %w", measurementID, err)
	}
	return nil
}

func (s *PostgresResultSink) MeasurementFailed(measurementID string, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	const query = "INSERT INTO measurement_results (measurement_id, status, failure_reason, completed_at) VALUES ($1,$2,$3,$4)"
	if _, err := s.db.Exec(query, measurementID, "failed", reason, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert failure %q: %w", measurementID, err)
	}
	return nil
}

var _ ports.ConfigStore = (*PostgresStore)(nil)
var _ ports.ResultSink = (*PostgresResultSink)(nil)
