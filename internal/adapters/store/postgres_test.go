package store

import (
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/matthiaskaw/project-smart-lab/internal/domain"
)

func TestPostgresStoreLaunchConfig(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	query := regexp.QuoteMeta("SELECT id, name, executable, identifier, properties FROM devices WHERE id = $1")
	rows := sqlmock.NewRows([]string{"id", "name", "executable", "identifier", "properties"}).
		AddRow("D1", "dummy device", "/opt/agents/dummy", "dummy", []byte(`{"port":"COM3"}`))
	mock.ExpectQuery(query).WithArgs("D1").WillReturnRows(rows)

	s := NewPostgresStore(db)
	cfg, err := s.LaunchConfig("D1")
	require.NoError(t, err)
	require.Equal(t, "D1", cfg.ID)
	require.Equal(t, "/opt/agents/dummy", cfg.Executable)
	require.Equal(t, map[string]string{"port": "COM3"}, cfg.Properties)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLaunchConfigMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	query := regexp.QuoteMeta("SELECT id, name, executable, identifier, properties FROM devices WHERE id = $1")
	mock.ExpectQuery(query).WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "executable", "identifier", "properties"}))

	s := NewPostgresStore(db)
	_, err = s.LaunchConfig("ghost")
	require.ErrorIs(t, err, ErrDeviceNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresResultSinkComplete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	query := regexp.QuoteMeta("INSERT INTO measurement_results (measurement_id, status, raw_data, completed_at) VALUES ($1,$2,$3,$4)")
	mock.ExpectExec(query).
		WithArgs("m-1", "complete", []byte(`["1","2"]`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	sink := NewPostgresResultSink(db)
	require.NoError(t, sink.MeasurementComplete("m-1", []string{"1", "2"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresResultSinkFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	query := regexp.QuoteMeta("INSERT INTO measurement_results (measurement_id, status, failure_reason, completed_at) VALUES ($1,$2,$3,$4)")
	mock.ExpectExec(query).
		WithArgs("m-2", "failed", "handshake failed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	sink := NewPostgresResultSink(db)
	require.NoError(t, sink.MeasurementFailed("m-2", errors.New("handshake failed")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore(domain.DeviceConfig{ID: "D1", Name: "dummy", Executable: "/opt/agents/dummy"})

	cfg, err := s.LaunchConfig("D1")
	require.NoError(t, err)
	require.Equal(t, "dummy", cfg.Name)

	// Returned value is a copy, not a live reference.
	cfg.Name = "mutated"
	again, err := s.LaunchConfig("D1")
	require.NoError(t, err)
	require.Equal(t, "dummy", again.Name)

	_, err = s.LaunchConfig("absent")
	require.ErrorIs(t, err, ErrDeviceNotFound)

	s.Put(domain.DeviceConfig{ID: "D2", Name: "second"})
	got, err := s.LaunchConfig("D2")
	require.NoError(t, err)
	require.Equal(t, "second", got.Name)
}
