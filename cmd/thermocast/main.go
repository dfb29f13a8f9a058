// Command thermocast runs the full platform in one process: the Temporal
// worker driving ingestion and training, the recurring schedules and the
// read-only HTTP API.
//
// # Configuration
//
// Environment variables (see internal/config for the full list):
//
//	DATABASE_URL or DB_USER/DB_PASSWORD/DB_HOST/DB_PORT/DB_NAME - TimescaleDB
//	SENSOR_BOX_ID          - OpenSenseMap box to ingest (required in practice)
//	TARGET_SENSOR_ID       - sensor the forecast models train on
//	TEMPORAL_HOST_PORT     - Temporal frontend (default: "localhost:7233")
//	REDIS_HOST/REDIS_PORT  - forecast payload cache
//	MODEL_PATH             - artifact directory (default: "/app/models")
//	HTTP_ADDR              - read-API listen address (default: ":8000")
//
// Exit codes: 1 for configuration errors, 2 for runtime failures.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"thermocast/internal/api"
	"thermocast/internal/clock"
	"thermocast/internal/config"
	"thermocast/internal/ingest"
	"thermocast/internal/metrics"
	"thermocast/internal/opensensemap"
	"thermocast/internal/openmeteo"
	"thermocast/internal/registry"
	"thermocast/internal/store"
	"thermocast/internal/training"
	"thermocast/internal/workflow"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.Load()
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "invalid configuration"})
		os.Exit(1)
	}
	if err := run(ctx, cfg); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "fatal"})
		os.Exit(2)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr()})
	defer rdb.Close() //nolint:errcheck
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr(), err)
	}

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return err
	}

	osm := opensensemap.New(opensensemap.Options{RequestsPerSecond: 5})
	weather, err := openmeteo.New(openmeteo.Options{
		Latitude:  cfg.Latitude,
		Longitude: cfg.Longitude,
		Timezone:  cfg.Timezone,
	})
	if err != nil {
		return err
	}

	mtr := metrics.New()
	clk := clock.Real{}
	ingestSvc := ingest.NewService(osm, db, mtr, clk)
	trainer, err := training.New(db, weather, mtr, clk, training.Options{
		SensorID:      cfg.TargetSensorID,
		TrainingWeeks: cfg.TrainingWeeks,
		HorizonHours:  cfg.ForecastHorizon,
		ModelDir:      cfg.ModelPath,
		Location:      location,
		Latitude:      cfg.Latitude,
		Longitude:     cfg.Longitude,
	})
	if err != nil {
		return err
	}
	models, err := registry.New(db, weather, clk, registry.Options{
		SensorID:  cfg.TargetSensorID,
		ModelDir:  cfg.ModelPath,
		Location:  location,
		Latitude:  cfg.Latitude,
		Longitude: cfg.Longitude,
	})
	if err != nil {
		return err
	}

	wcfg := workflow.WorkerConfig{
		HostPort:          cfg.TemporalHostPort,
		Namespace:         cfg.TemporalNamespace,
		TaskQueue:         cfg.TaskQueue,
		BoxID:             cfg.SensorBoxID,
		InitialWindowDays: cfg.InitialWindowDays,
		ChunkDays:         cfg.ChunkDays,
		ReportDir:         cfg.ModelPath,
		IngestInterval:    cfg.IngestInterval,
		TrainingCron:      cfg.TrainingCron,
	}
	tc, err := workflow.Dial(wcfg)
	if err != nil {
		return err
	}
	defer tc.Close()

	acts := workflow.NewActivities(ingestSvc, trainer, models)
	w := workflow.NewWorker(tc, wcfg, acts)
	if err := w.Start(); err != nil {
		return fmt.Errorf("start temporal worker: %w", err)
	}
	defer w.Stop()

	if err := workflow.EnsureSchedules(ctx, tc, wcfg); err != nil {
		return err
	}

	handler := api.NewHandler(ctx, api.Options{
		Storage:    db,
		Forecaster: models,
		Redis:      rdb,
		Metrics:    mtr,
		Pingers:    []health.Pinger{db, redisPinger{rdb}},
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "HTTP server listening on %s", cfg.HTTPAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Printf(ctx, "shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown HTTP server: %w", err)
	}
	return nil
}

// redisPinger adapts the cache client to the health checker.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
