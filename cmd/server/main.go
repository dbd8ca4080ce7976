// Command server runs the news-feed pipeline: the three workers plus the
// control HTTP surface, behind a graceful shutdown sequence.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/time/rate"

	"github.com/darrenoakey/newsfeed-pipeline/internal/api"
	"github.com/darrenoakey/newsfeed-pipeline/internal/common/health"
	"github.com/darrenoakey/newsfeed-pipeline/internal/common/lifecycle"
	"github.com/darrenoakey/newsfeed-pipeline/internal/config"
	"github.com/darrenoakey/newsfeed-pipeline/internal/pipeline"
	"github.com/darrenoakey/newsfeed-pipeline/internal/secrets"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if os.Getenv("NEWSFEED_DEV") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	log.Info().Str("version", version).Str("build_time", buildTime).Msg("starting newsfeed pipeline")

	resolver := buildSecretsResolver()

	cfg, err := config.Load(getEnv("CONFIG_PATH", ""), resolver)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}

	decoder := pipeline.NewFeedDecoder(cfg.DecoderTimeout)
	rankerLimiter := rate.NewLimiter(rate.Limit(5), 5)
	ranker := pipeline.NewHTTPRanker(cfg.RankerBaseURL, cfg.RankerToken, cfg.RankerTimeout, rankerLimiter)
	publishLimiter := rate.NewLimiter(rate.Limit(1), 1)
	publisher := pipeline.NewWebhookPublisher(cfg.WebhookURL, 30*time.Second, publishLimiter)

	scheduler := pipeline.NewPollingScheduler(store, decoder, pipeline.SchedulerConfig{
		MinInterval:     cfg.MinInterval,
		MaxInterval:     cfg.MaxInterval,
		DefaultInterval: cfg.DefaultInterval,
		AdjustStep:      cfg.AdjustStep,
		IdleSleep:       cfg.IdleSleep,
	}, log.Logger)

	scoring := pipeline.NewScoringDispatcher(store, ranker, cfg.ScoreIdleSleep, log.Logger)

	publishing := pipeline.NewPublishingDispatcher(store, publisher, pipeline.PublishingDispatcherConfig{
		Threshold:     cfg.PublishThreshold,
		IdleSleep:     cfg.PubIdleSleep,
		RateLimitBack: cfg.RateLimitBackoff,
	}, log.Logger)

	supervisor := pipeline.NewSupervisor(store, scheduler, scoring, publishing, log.Logger)
	if err := supervisor.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start pipeline workers")
	}

	checker := health.NewChecker()
	checker.AddReadinessCheck("store", func() error {
		tx, err := store.Begin(context.Background())
		if err != nil {
			return err
		}
		return tx.Rollback()
	})

	exportCfg := api.ExportConfig{
		Title:       cfg.ExportTitle,
		Link:        cfg.ExportLink,
		Description: cfg.ExportDescription,
		MinScore:    cfg.ExportMinScore,
		Limit:       cfg.ExportLimit,
	}
	router := api.NewRouter(store, ranker, checker, exportCfg)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("http server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	manager := lifecycle.NewManager()
	manager.RegisterHTTPShutdown("http", server.Shutdown)
	manager.RegisterWorkerShutdown("pipeline", supervisor.Stop)
	manager.RegisterDatabaseShutdown("store", func(ctx context.Context) error {
		return store.Close()
	})

	if err := manager.Run(); err != nil {
		log.Error().Err(err).Msg("shutdown did not complete cleanly")
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (pipeline.Store, error) {
	switch cfg.StoreDriver {
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connecting to mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("pinging mongo: %w", err)
		}
		store := pipeline.NewMongoStore(client.Database(cfg.MongoDB))
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := pipeline.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return store, nil
	}
}

func buildSecretsResolver() *secrets.CompositeResolver {
	resolver := &secrets.CompositeResolver{}

	if os.Getenv("AWS_REGION") != "" || os.Getenv("AWS_PROFILE") != "" {
		if aws, err := secrets.NewAWSSecretsManagerResolver(context.Background()); err == nil {
			resolver.AWS = aws
		} else {
			log.Warn().Err(err).Msg("aws secrets manager resolver unavailable")
		}
	}
	if os.Getenv("VAULT_ADDR") != "" {
		if vault, err := secrets.NewVaultResolver(); err == nil {
			resolver.Vault = vault
		} else {
			log.Warn().Err(err).Msg("vault resolver unavailable")
		}
	}
	return resolver
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
