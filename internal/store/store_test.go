package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"thermocast/internal/store"
)

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.NewWithDB(db), mock
}

var (
	boxColumns = []string{"box_id", "name", "exposure", "model", "current_location",
		"last_measurement_at", "last_data_fetched", "created_at", "updated_at"}
	modelColumns = []string{"id", "model_name", "forecast_horizon_hours", "model_path", "version_id",
		"last_trained_at", "training_duration_seconds", "val_mae", "val_rmse", "val_mape", "val_r2",
		"naive_val_mae", "naive_val_rmse", "train_error", "created_at"}
)

func TestUpsertBoxReportsNewRow(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(append(boxColumns, "is_new")).
		AddRow("box-1", "Garden Station", nil, nil, nil, now, nil, now, now, true)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO sensor_box").
		WithArgs("box-1", "Garden Station", nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg(), now, now).
		WillReturnRows(rows)
	mock.ExpectCommit()

	box, isNew, err := s.UpsertBox(context.Background(), store.BoxUpsert{
		BoxID:             "box-1",
		Name:              "Garden Station",
		LastMeasurementAt: &now,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	require.NoError(t, err)
	require.True(t, isNew)
	require.Equal(t, "box-1", box.BoxID)
	require.Nil(t, box.LastDataFetched)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBoxNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM sensor_box WHERE box_id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(boxColumns))

	_, err := s.GetBox(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateWatermarks(t *testing.T) {
	s, mock := newMockStore(t)
	fetched := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE sensor_box SET").
		WithArgs("box-1", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.UpdateWatermarks(context.Background(), "box-1", nil, &fetched))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateWatermarksUnknownBox(t *testing.T) {
	s, mock := newMockStore(t)
	fetched := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE sensor_box SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.UpdateWatermarks(context.Background(), "ghost", nil, &fetched)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkInsertMeasurementsCountsDuplicates(t *testing.T) {
	s, mock := newMockStore(t)
	ts := time.Date(2025, 1, 30, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO sensor_data")
	prep.ExpectExec().WithArgs("s-temp", 4.2, ts).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("s-temp", 4.3, ts.Add(time.Minute)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	outcome, err := s.BulkInsertMeasurements(context.Background(), []store.Measurement{
		{SensorID: "s-temp", Value: 4.2, Timestamp: ts},
		{SensorID: "s-temp", Value: 4.3, Timestamp: ts.Add(time.Minute)},
	})
	require.NoError(t, err)
	require.Equal(t, store.InsertOutcome{Inserted: 1, Duplicates: 1}, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkInsertMeasurementsEmptyIsNoop(t *testing.T) {
	s, mock := newMockStore(t)
	outcome, err := s.BulkInsertMeasurements(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, outcome.Inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadHourlySeriesFallsBackWithoutView(t *testing.T) {
	s, mock := newMockStore(t)
	from := time.Date(2025, 1, 30, 0, 0, 0, 0, time.UTC)
	to := from.Add(2 * time.Hour)

	mock.ExpectQuery("FROM sensor_data_hourly_avg").
		WithArgs("s-temp", from, to).
		WillReturnError(&pgconn.PgError{Code: "42P01"})
	mock.ExpectQuery("time_bucket").
		WithArgs("s-temp", from, to).
		WillReturnRows(sqlmock.NewRows([]string{"bucket", "value"}).
			AddRow(from, 4.25).
			AddRow(from.Add(time.Hour), 4.5))

	points, err := s.ReadHourlySeries(context.Background(), "s-temp", from, to)
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.Equal(t, 4.25, points[0].Value)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTrainedModelBumpsVersion(t *testing.T) {
	s, mock := newMockStore(t)
	mae := 0.8

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO trained_models").
		WillReturnRows(sqlmock.NewRows([]string{"version_id"}).AddRow(2))
	mock.ExpectCommit()

	version, err := s.UpsertTrainedModel(context.Background(), store.ModelUpsert{
		ModelName:       "temp-forecast-6h",
		ForecastHorizon: 6,
		ModelPath:       "/app/models/temp_forecast_h6.bin",
		LastTrainedAt:   time.Now(),
		ValMAE:          &mae,
	})
	require.NoError(t, err)
	require.Equal(t, 2, version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTrainedModelRejectsBadHorizon(t *testing.T) {
	s, _ := newMockStore(t)
	_, err := s.UpsertTrainedModel(context.Background(), store.ModelUpsert{ForecastHorizon: 0})
	require.Error(t, err)
}

func TestListTrainedModels(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	mae := 0.8
	mock.ExpectQuery("FROM trained_models ORDER BY forecast_horizon_hours").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows(modelColumns).
			AddRow(1, "temp-forecast-1h", 1, "/app/models/temp_forecast_h1.bin", 3, now, 12.5, mae, 1.1, 4.2, 0.93, 1.4, 1.9, nil, now).
			AddRow(2, "temp-forecast-2h", 2, "/app/models/temp_forecast_h2.bin", 3, now, 13.0, mae, 1.2, 4.4, 0.91, 1.5, 2.0, nil, now))

	models, err := s.ListTrainedModels(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, models, 2)
	require.Equal(t, 1, models[0].ForecastHorizon)
	require.Equal(t, 3, models[0].VersionID)
	require.NotNil(t, models[0].ValRMSE)
	require.NoError(t, mock.ExpectationsWereMet())
}
