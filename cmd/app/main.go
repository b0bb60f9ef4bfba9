package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Listify-HQ/bulk-ingest/internal/db"
	"github.com/Listify-HQ/bulk-ingest/internal/jobs"
	"github.com/Listify-HQ/bulk-ingest/internal/notifications"
	"github.com/Listify-HQ/bulk-ingest/internal/observability"
	"github.com/Listify-HQ/bulk-ingest/internal/pipeline"
	"github.com/Listify-HQ/bulk-ingest/internal/queue"
)

// Config holds the worker daemon configuration
type Config struct {
	Env                  string
	LogLevel             string
	SentryDSN            string
	ObservabilityEnabled bool
	MetricsAddr          string
	OTLPEndpoint         string
	OTLPHeaders          string
	OTLPInsecure         bool

	PipelineBaseURL string
	PipelineAPIKey  string
	PipelineMaxRPS  float64

	ItemConcurrency   int
	MasterConcurrency int

	SlackToken   string
	SlackChannel string
}

func loadConfig() *Config {
	return &Config{
		Env:                  getEnvWithDefault("APP_ENV", "development"),
		LogLevel:             getEnvWithDefault("LOG_LEVEL", "info"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		ObservabilityEnabled: getEnvWithDefault("OBSERVABILITY_ENABLED", "true") == "true",
		MetricsAddr:          getEnvWithDefault("METRICS_ADDR", ":9464"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:          os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:         getEnvWithDefault("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",

		PipelineBaseURL: os.Getenv("PIPELINE_BASE_URL"),
		PipelineAPIKey:  os.Getenv("PIPELINE_API_KEY"),
		PipelineMaxRPS:  getEnvFloat("PIPELINE_MAX_RPS", 25),

		ItemConcurrency:   getEnvInt("ITEM_CONCURRENCY", 10),
		MasterConcurrency: getEnvInt("MASTER_CONCURRENCY", 2),

		SlackToken:   os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel: os.Getenv("SLACK_CHANNEL_ID"),
	}
}

func main() {
	// .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := loadConfig()
	setupLogging(config)

	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1
				}
				return 1.0
			}(),
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	var obsProviders *observability.Providers
	if config.ObservabilityEnabled {
		var err error
		obsProviders, err = observability.Init(context.Background(), observability.Config{
			Enabled:      true,
			ServiceName:  "bulk-ingest",
			Environment:  config.Env,
			OTLPEndpoint: strings.TrimSpace(config.OTLPEndpoint),
			OTLPHeaders:  parseOTLPHeaders(config.OTLPHeaders),
			OTLPInsecure: config.OTLPInsecure,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()
		}
	}

	if config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		if obsProviders != nil && obsProviders.MetricsHandler != nil {
			mux.Handle("/metrics", obsProviders.MetricsHandler)
		}

		metricsSrv := &http.Server{
			Addr:              config.MetricsAddr,
			Handler:           observability.WrapHandler(mux, obsProviders),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			log.Info().Str("addr", config.MetricsAddr).Msg("Metrics server listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sentry.CaptureException(err)
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()

		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
			}
		}()
	}

	pgDB, err := db.InitFromEnv()
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer pgDB.Close()

	log.Info().Msg("Connected to PostgreSQL database")

	if config.PipelineBaseURL == "" {
		log.Fatal().Msg("PIPELINE_BASE_URL is required")
	}

	store := db.NewStore(pgDB.GetDB())
	q := queue.New(pgDB.GetDB())
	connStr := pgDB.GetConfig().ConnectionString()

	pipelineClient := pipeline.New(config.PipelineBaseURL, config.PipelineAPIKey, config.PipelineMaxRPS)

	limiter := jobs.NewDomainLimiter(jobs.DomainLimiterConfig{})
	master := jobs.NewMaster(store, q, jobs.MasterConfig{})
	worker := jobs.NewItemWorker(store, pipelineClient, limiter, jobs.WorkerConfig{})

	log.Info().
		Int("item_concurrency", config.ItemConcurrency).
		Int("master_concurrency", config.MasterConcurrency).
		Str("environment", config.Env).
		Msg("Configuring consumer pools")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	masterConsumer := queue.NewConsumer(q, queue.TopicMaster, config.MasterConcurrency, connStr, master.HandleMaster)
	itemConsumer := queue.NewConsumer(q, queue.TopicItem, config.ItemConcurrency, connStr, worker.HandleItem)

	masterConsumer.Start(ctx)
	itemConsumer.Start(ctx)
	defer masterConsumer.Stop()
	defer itemConsumer.Stop()

	notifier := notifications.NewNotifier(config.SlackToken, config.SlackChannel)
	if notifier == nil {
		log.Info().Msg("Slack not configured, completion announcements disabled")
	}

	monitor := jobs.NewCompletionMonitor(store, notifier, 15*time.Second)
	go monitor.Run(ctx)

	go runQueueJanitor(ctx, q)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	log.Info().Msg("Bulk ingest worker running")
	<-stop

	log.Info().Msg("Shutting down...")
	cancel()
	log.Info().Msg("Worker stopped")
}

// runQueueJanitor periodically releases messages whose claim lease expired,
// which returns work lost to a crashed process back to the queue. The lease
// must exceed the worst-case item drive (ingestion poll plus pipeline run
// poll, both 2s intervals) or slow items get redelivered mid-flight.
func runQueueJanitor(ctx context.Context, q *queue.Queue) {
	const lease = 30 * time.Minute

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.ReleaseExpired(ctx, lease); err != nil {
				log.Warn().Err(err).Msg("Queue janitor sweep failed")
			}
		}
	}
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "bulk-ingest").
			Logger()
	}
}

func getEnvWithDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// parseOTLPHeaders parses "k=v,k2=v2" into a header map
func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}

		headers[key] = value
	}

	return headers
}
