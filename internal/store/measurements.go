package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

const insertMeasurementQuery = `
INSERT INTO sensor_data (sensor_id, value, measurement_timestamp)
VALUES ($1, $2, $3)
ON CONFLICT (sensor_id, measurement_timestamp) DO NOTHING`

// BulkInsertMeasurements writes a chunk of measurements in one transaction.
// Duplicate (sensor_id, timestamp) pairs are silently skipped by the unique
// constraint, which makes chunk replay idempotent.
func (s *Store) BulkInsertMeasurements(ctx context.Context, measurements []Measurement) (InsertOutcome, error) {
	if len(measurements) == 0 {
		return InsertOutcome{}, nil
	}
	var outcome InsertOutcome
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, insertMeasurementQuery)
		if err != nil {
			return err
		}
		defer stmt.Close() //nolint:errcheck
		for _, m := range measurements {
			res, err := stmt.ExecContext(ctx, m.SensorID, m.Value, m.Timestamp.UTC())
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				outcome.Duplicates++
			} else {
				outcome.Inserted++
			}
		}
		return nil
	})
	if err != nil {
		return InsertOutcome{}, fmt.Errorf("store: bulk insert %d measurements: %w", len(measurements), err)
	}
	return outcome, nil
}

const hourlyViewQuery = `
SELECT hour AS bucket, average_value AS value
FROM sensor_data_hourly_avg
WHERE sensor_id = $1 AND hour >= $2 AND hour < $3
ORDER BY hour`

const hourlyFallbackQuery = `
SELECT time_bucket('1 hour', measurement_timestamp) AS bucket, avg(value) AS value
FROM sensor_data
WHERE sensor_id = $1 AND measurement_timestamp >= $2 AND measurement_timestamp < $3
GROUP BY 1 ORDER BY 1`

const hourlyPlainQuery = `
SELECT date_trunc('hour', measurement_timestamp) AS bucket, avg(value) AS value
FROM sensor_data
WHERE sensor_id = $1 AND measurement_timestamp >= $2 AND measurement_timestamp < $3
GROUP BY 1 ORDER BY 1`

// ReadHourlySeries returns the hourly-averaged series for a sensor over
// [from, to). It prefers the continuous aggregate; when the view does not
// exist it aggregates on the fly, and when even time_bucket is unavailable
// (plain Postgres) it degrades to date_trunc.
func (s *Store) ReadHourlySeries(ctx context.Context, sensorID string, from, to time.Time) ([]HourlyPoint, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var points []HourlyPoint
	err := s.db.SelectContext(opCtx, &points, hourlyViewQuery, sensorID, from.UTC(), to.UTC())
	if isMissingRelation(err) {
		points = points[:0]
		err = s.db.SelectContext(opCtx, &points, hourlyFallbackQuery, sensorID, from.UTC(), to.UTC())
	}
	if isMissingFunction(err) {
		points = points[:0]
		err = s.db.SelectContext(opCtx, &points, hourlyPlainQuery, sensorID, from.UTC(), to.UTC())
	}
	if err != nil {
		return nil, fmt.Errorf("store: read hourly series for sensor %s: %w", sensorID, err)
	}
	return points, nil
}

const dailySummaryViewQuery = `
SELECT day, min_value, max_value, average_value, count
FROM sensor_data_daily_summary_agg
WHERE sensor_id = $1 AND day >= $2 AND day < $3
ORDER BY day`

const dailySummaryFallbackQuery = `
SELECT date_trunc('day', measurement_timestamp) AS day,
	min(value) AS min_value, max(value) AS max_value,
	avg(value) AS average_value, count(*) AS count
FROM sensor_data
WHERE sensor_id = $1 AND measurement_timestamp >= $2 AND measurement_timestamp < $3
GROUP BY 1 ORDER BY 1`

// ReadDailySummary returns per-day min/max/avg/count for a sensor over
// [from, to), preferring the daily summary aggregate view.
func (s *Store) ReadDailySummary(ctx context.Context, sensorID string, from, to time.Time) ([]DailySummary, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var days []DailySummary
	err := s.db.SelectContext(opCtx, &days, dailySummaryViewQuery, sensorID, from.UTC(), to.UTC())
	if isMissingRelation(err) {
		days = days[:0]
		err = s.db.SelectContext(opCtx, &days, dailySummaryFallbackQuery, sensorID, from.UTC(), to.UTC())
	}
	if err != nil {
		return nil, fmt.Errorf("store: read daily summary for sensor %s: %w", sensorID, err)
	}
	return days, nil
}

// isMissingRelation reports SQLSTATE 42P01 (undefined_table), the signal that
// a continuous aggregate view has not been provisioned.
func isMissingRelation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

// isMissingFunction reports SQLSTATE 42883 (undefined_function), the signal
// that the timescaledb extension is absent.
func isMissingFunction(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42883"
}
