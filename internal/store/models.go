package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ModelUpsert is the payload the training orchestrator writes per horizon.
// A non-nil TrainError records a failed horizon; its metrics stay nil and the
// row is excluded from servable listings.
type ModelUpsert struct {
	ModelName       string
	ForecastHorizon int
	ModelPath       string
	LastTrainedAt   time.Time
	DurationSeconds float64
	ValMAE          *float64
	ValRMSE         *float64
	ValMAPE         *float64
	ValR2           *float64
	NaiveValMAE     *float64
	NaiveValRMSE    *float64
	TrainError      *string
}

const upsertModelQuery = `
INSERT INTO trained_models (model_name, forecast_horizon_hours, model_path, version_id, last_trained_at,
	training_duration_seconds, val_mae, val_rmse, val_mape, val_r2, naive_val_mae, naive_val_rmse, train_error)
VALUES ($1, $2, $3, 1, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (forecast_horizon_hours) DO UPDATE SET
	model_name = EXCLUDED.model_name,
	model_path = EXCLUDED.model_path,
	version_id = trained_models.version_id + 1,
	last_trained_at = EXCLUDED.last_trained_at,
	training_duration_seconds = EXCLUDED.training_duration_seconds,
	val_mae = EXCLUDED.val_mae,
	val_rmse = EXCLUDED.val_rmse,
	val_mape = EXCLUDED.val_mape,
	val_r2 = EXCLUDED.val_r2,
	naive_val_mae = EXCLUDED.naive_val_mae,
	naive_val_rmse = EXCLUDED.naive_val_rmse,
	train_error = EXCLUDED.train_error
RETURNING version_id`

// UpsertTrainedModel publishes one horizon's training result. The first write
// for a horizon gets version 1; every later write bumps the version in the
// same statement, so concurrent publishers serialize on the unique key.
// Returns the version the row now carries.
func (s *Store) UpsertTrainedModel(ctx context.Context, m ModelUpsert) (int, error) {
	if m.ForecastHorizon < 1 {
		return 0, fmt.Errorf("store: forecast horizon must be at least 1, got %d", m.ForecastHorizon)
	}
	var version int
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &version, upsertModelQuery,
			m.ModelName, m.ForecastHorizon, m.ModelPath, m.LastTrainedAt.UTC(), m.DurationSeconds,
			m.ValMAE, m.ValRMSE, m.ValMAPE, m.ValR2, m.NaiveValMAE, m.NaiveValRMSE, m.TrainError)
	})
	if err != nil {
		return 0, fmt.Errorf("store: upsert trained model for horizon %d: %w", m.ForecastHorizon, err)
	}
	return version, nil
}

const listModelsQuery = `
SELECT id, model_name, forecast_horizon_hours, model_path, version_id, last_trained_at,
	training_duration_seconds, val_mae, val_rmse, val_mape, val_r2, naive_val_mae, naive_val_rmse, train_error, created_at
FROM trained_models ORDER BY forecast_horizon_hours LIMIT $1`

// ListTrainedModels returns up to limit registry rows ordered by horizon.
func (s *Store) ListTrainedModels(ctx context.Context, limit int) ([]TrainedModel, error) {
	if limit <= 0 {
		limit = 100
	}
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var models []TrainedModel
	if err := s.db.SelectContext(opCtx, &models, listModelsQuery, limit); err != nil {
		return nil, fmt.Errorf("store: list trained models: %w", err)
	}
	return models, nil
}

const getModelQuery = `
SELECT id, model_name, forecast_horizon_hours, model_path, version_id, last_trained_at,
	training_duration_seconds, val_mae, val_rmse, val_mape, val_r2, naive_val_mae, naive_val_rmse, train_error, created_at
FROM trained_models WHERE forecast_horizon_hours = $1`

// GetTrainedModel returns the registry row for one horizon, or ErrNotFound.
func (s *Store) GetTrainedModel(ctx context.Context, horizon int) (TrainedModel, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var m TrainedModel
	if err := s.db.GetContext(opCtx, &m, getModelQuery, horizon); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TrainedModel{}, ErrNotFound
		}
		return TrainedModel{}, fmt.Errorf("store: get trained model for horizon %d: %w", horizon, err)
	}
	return m, nil
}
