// Package main provides the FleetSync ingestion daemon.
//
// The daemon stages provider telemetry and financial events into the
// staging log, consumes push-delivered events from Kafka, and sweeps
// pending staged records through normalization.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/fleetsync-io/fleetsync/internal/config"
	"github.com/fleetsync-io/fleetsync/internal/staging"
	"github.com/fleetsync-io/fleetsync/internal/storage"
	"github.com/fleetsync-io/fleetsync/internal/stream"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "fleetsyncd"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting FleetSync daemon",
		slog.String("service", name),
		slog.String("version", version),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.Connect(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	logger.Info("Database connection established",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
	)

	stagingStore, err := storage.NewStagingStore(dbConn)
	if err != nil {
		logger.Error("Failed to create staging store", slog.String("error", err.Error()))
		os.Exit(1) //nolint:gocritic // defer cleanup is best-effort on fatal startup errors
	}

	identityStore, err := storage.NewIdentityStore(dbConn)
	if err != nil {
		logger.Error("Failed to create identity store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	classifierConfig, err := staging.LoadClassifierConfigFromEnv()
	if err != nil {
		logger.Warn("Classifier config unavailable, using default rules",
			slog.String("error", err.Error()),
		)
	}

	var classifier *staging.Classifier
	if classifierConfig != nil {
		classifier = staging.NewClassifier(classifierConfig.Rules()...)
	} else {
		classifier = staging.NewClassifier()
	}

	logger.Info("Error classifier initialized", slog.Int("rules", classifier.RuleCount()))

	// Provider normalizers register here as connectors are added. They
	// resolve vehicles through the identity store at the record's own
	// timestamp, never through the current live mapping.
	registry := staging.NewRegistry()

	processorRPS := config.GetEnvInt("NORMALIZE_RPS", 100)
	processor, err := staging.NewProcessor(
		stagingStore,
		registry,
		classifier,
		staging.WithRateLimiter(rate.NewLimiter(rate.Limit(processorRPS), processorRPS)),
		staging.WithLogger(logger),
	)
	if err != nil {
		logger.Error("Failed to create processor", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if brokers := config.GetEnvStr("KAFKA_BROKERS", ""); brokers != "" {
		topic := config.GetEnvStr("KAFKA_EVENTS_TOPIC", "fleetsync.provider.events")
		groupID := config.GetEnvStr("KAFKA_GROUP_ID", "fleetsync-ingest")
		streamRPS := config.GetEnvInt("STREAM_RPS", 200)

		reader := stream.NewReader(strings.Split(brokers, ","), topic, groupID)

		source, err := stream.NewSource(
			reader,
			stagingStore,
			stream.WithRateLimiter(rate.NewLimiter(rate.Limit(streamRPS), streamRPS)),
			stream.WithLogger(logger),
		)
		if err != nil {
			logger.Error("Failed to create stream source", slog.String("error", err.Error()))
			os.Exit(1)
		}

		defer func() {
			_ = source.Close()
		}()

		logger.Info("Stream source configured",
			slog.String("topic", topic),
			slog.String("group_id", groupID),
		)

		go func() {
			if err := source.Run(ctx); err != nil {
				logger.Error("Stream source stopped with error", slog.String("error", err.Error()))
				stop()
			}
		}()
	} else {
		logger.Warn("KAFKA_BROKERS not set, stream ingestion disabled")
	}

	sweepInterval := config.GetEnvDuration("NORMALIZE_SWEEP_INTERVAL", time.Minute)
	healthInterval := config.GetEnvDuration("HEALTH_CHECK_INTERVAL", 30*time.Second)

	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()

	// Ingestion-only deployments stage records and leave normalization to a
	// sibling daemon.
	if !config.GetEnvBool("NORMALIZE_SWEEP_ENABLED", true) {
		sweepTicker.Stop()

		logger.Warn("NORMALIZE_SWEEP_ENABLED is false, pending records will not be normalized by this process")
	}

	healthTicker := time.NewTicker(healthInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("FleetSync daemon stopping")

			return
		case <-sweepTicker.C:
			sweepPending(ctx, stagingStore, processor, logger)
		case <-healthTicker.C:
			if err := stagingStore.HealthCheck(ctx); err != nil {
				logger.Error("Staging store health check failed", slog.String("error", err.Error()))
			}

			if err := identityStore.HealthCheck(ctx); err != nil {
				logger.Error("Identity store health check failed", slog.String("error", err.Error()))
			}
		}
	}
}

// sweepPending normalizes one page of pending records. Records that fail
// stay failed with a classified error; the next sweep picks up the rest.
func sweepPending(ctx context.Context, store staging.Store, processor *staging.Processor, logger *slog.Logger) {
	pending := staging.StatusPending

	result, err := store.ListRecords(ctx,
		&staging.Filter{Status: pending},
		&staging.Pagination{Limit: staging.MaxPageSize},
	)
	if err != nil {
		logger.Error("Failed to list pending records", slog.String("error", err.Error()))

		return
	}

	if len(result.Records) == 0 {
		return
	}

	var normalized, failed int

	for _, record := range result.Records {
		status, err := processor.Normalize(ctx, record)
		if err != nil {
			logger.Error("Normalization attempt errored",
				slog.String("record_id", record.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		switch status {
		case staging.StatusNormalized, staging.StatusDuplicate:
			normalized++
		case staging.StatusFailed:
			failed++
		}
	}

	logger.Info("Normalization sweep finished",
		slog.Int("pending", result.TotalCount),
		slog.Int("normalized", normalized),
		slog.Int("failed", failed),
	)
}
