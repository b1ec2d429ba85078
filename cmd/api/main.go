package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/iago/history-synth/internal/ai"
	"github.com/iago/history-synth/internal/config"
	httpserver "github.com/iago/history-synth/internal/http"
	"github.com/iago/history-synth/internal/http/handlers"
	"github.com/iago/history-synth/internal/logger"
	"github.com/iago/history-synth/internal/notify"
	"github.com/iago/history-synth/internal/pipeline"
	"github.com/iago/history-synth/internal/repository"
	"github.com/iago/history-synth/internal/resilience"
	"github.com/iago/history-synth/internal/service"
	"github.com/iago/history-synth/internal/watchdog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	envFiles, envErr := config.LoadDotEnv(".env", ".env.local")
	yamlErr := config.LoadYAMLDefaults(os.Getenv("CONFIG_FILE"))
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, cfg.LogLevel, cfg.LogPretty)
	if envErr != nil {
		log.Warn().Err(envErr).Msg("failed loading .env files")
	}
	if yamlErr != nil {
		log.Fatal().Err(yamlErr).Msg("failed loading config file")
	}
	if len(envFiles) > 0 {
		log.Info().Strs("files", envFiles).Msg("loaded environment files")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := setupRepository(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize job store")
	}
	defer func() {
		if err := repo.Close(); err != nil {
			log.Warn().Err(err).Msg("closing job store")
		}
	}()

	client := ai.NewOpenRouterClient(ai.OpenRouterClientConfig{
		APIKey:  cfg.OpenRouterAPIKey,
		BaseURL: cfg.OpenRouterBaseURL,
		Timeout: time.Duration(cfg.OpenRouterTimeoutMS) * time.Millisecond,
		SiteURL: cfg.OpenRouterSiteURL,
		AppName: cfg.OpenRouterAppName,
	})
	if !client.Available() {
		log.Warn().Msg("OPENROUTER_API_KEY not configured, every job will fail with AUTH_ERROR")
	}
	guard := resilience.NewWrapper(resilience.WrapperConfig{
		Limiter: resilience.RateLimiterConfig{
			Permits:        cfg.LimiterPermits,
			Window:         cfg.LimiterWindow(),
			AcquireTimeout: time.Duration(cfg.LimiterAcquireTimeoutMS) * time.Millisecond,
		},
		Breaker: resilience.BreakerConfig{
			Name:                 "openrouter",
			WindowSize:           cfg.BreakerWindowSize,
			MinimumCalls:         cfg.BreakerMinimumCalls,
			FailureRateThreshold: cfg.BreakerFailureRate,
			OpenDuration:         time.Duration(cfg.BreakerOpenMS) * time.Millisecond,
			HalfOpenTrials:       cfg.BreakerHalfOpenTrials,
		},
		Retry: resilience.RetryConfig{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: time.Duration(cfg.RetryInitialDelayMS) * time.Millisecond,
			Retryable:    ai.IsRetryable,
		},
		Logger: logger.Component(log, "resilience"),
	})

	fetcher := pipeline.NewFetcher(repo, client, guard, pipeline.GenerationProfile{
		Model:           cfg.OpenRouterModel,
		SystemPrompt:    cfg.GenerationSystemPrompt,
		Temperature:     cfg.GenerationTemperature,
		MaxOutputTokens: cfg.GenerationMaxTokens,
	}, log)
	processor := pipeline.NewProcessor(repo, log)

	var hub *notify.Hub
	if cfg.WebSocketEnabled {
		hub = notify.NewHub(log, originChecker(cfg.CORSAllowedOrigins))
	}
	notifier := setupNotifier(ctx, cfg, log, hub)
	defer func() {
		if err := notifier.Close(); err != nil {
			log.Warn().Err(err).Msg("closing notifiers")
		}
	}()

	// Stages outlive the signal context so in-flight jobs can finish during drain.
	orchestrator := pipeline.NewOrchestrator(pipeline.OrchestratorDependencies{
		Repo:      repo,
		Fetcher:   fetcher,
		Processor: processor,
		Notifier:  notifier,
		Pools: pipeline.PoolSizes{
			FetchWorkers:   cfg.FetchWorkers,
			FetchQueue:     cfg.FetchQueue,
			ProcessWorkers: cfg.ProcessWorkers,
			ProcessQueue:   cfg.ProcessQueue,
		},
		BaseContext: context.WithoutCancel(ctx),
		Logger:      log,
	})

	sweeper := watchdog.New(repo, orchestrator, notifier, watchdog.Config{
		StallInterval:     time.Duration(cfg.StallSweepIntervalMS) * time.Millisecond,
		StallTimeout:      cfg.StallTimeout(),
		RetentionInterval: time.Duration(cfg.RetentionSweepIntervalMS) * time.Millisecond,
		Retention:         cfg.Retention(),
		BatchSize:         cfg.WatchdogBatchSize,
	}, log)

	jobsService := service.NewJobsService(repo, orchestrator, log)
	api := handlers.NewAPI(jobsService, func() map[string]any {
		fetchDepth, processDepth := orchestrator.QueueDepths()
		report := map[string]any{
			"breaker": guard.BreakerState().String(),
			"queues": map[string]int{
				"fetch":   fetchDepth,
				"process": processDepth,
			},
		}
		if hub != nil {
			report["subscribers"] = hub.Subscribers()
		}
		return report
	})

	routerDeps := httpserver.RouterDependencies{
		API:            api,
		Metrics:        promhttp.Handler(),
		Logger:         log,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}
	if hub != nil {
		routerDeps.Events = hub
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpserver.NewRouter(routerDeps),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info().Str("port", cfg.Port).Msg("api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return sweeper.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info().Msg("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutMS)*time.Millisecond)
		defer cancel()
		serverErr := server.Shutdown(shutdownCtx)
		drainErr := orchestrator.Shutdown(shutdownCtx)
		return errors.Join(serverErr, drainErr)
	})

	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("service stopped with error")
		return
	}
	log.Info().Msg("service stopped")
}

func setupRepository(ctx context.Context, cfg config.Config, log zerolog.Logger) (repository.JobsRepository, error) {
	switch {
	case cfg.DatabaseURL != "":
		repo, err := repository.NewPostgresJobsRepository(ctx, cfg.DatabaseURL, int32(cfg.DatabaseMaxConns))
		if err != nil {
			return nil, err
		}
		log.Info().Msg("postgres job store initialized")
		return repo, nil
	case cfg.SQLitePath != "":
		repo, err := repository.NewSQLiteJobsRepository(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("sqlite job store initialized")
		return repo, nil
	default:
		log.Warn().Msg("DATABASE_URL and SQLITE_PATH not configured, using in-memory job store")
		return repository.NewMemoryJobsRepository(), nil
	}
}

// setupNotifier always logs completions and adds the optional sinks that are configured
// and reachable. An unreachable sink is skipped, never fatal.
func setupNotifier(ctx context.Context, cfg config.Config, log zerolog.Logger, hub *notify.Hub) *notify.Multi {
	targets := []notify.Target{
		{Name: "log", Notifier: notify.NewLogNotifier(log)},
	}

	if cfg.RedisAddr != "" {
		streams, err := notify.NewStreamsNotifier(ctx, notify.StreamsConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Stream:   cfg.RedisStream,
			MaxLen:   cfg.RedisStreamMaxLen,
		})
		if err != nil {
			log.Warn().Err(err).Msg("redis streams notifier disabled")
		} else {
			targets = append(targets, notify.Target{Name: "redis", Notifier: streams})
		}
	}

	if cfg.NATSURL != "" {
		publisher, err := notify.NewNATSNotifier(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			log.Warn().Err(err).Msg("nats notifier disabled")
		} else {
			targets = append(targets, notify.Target{Name: "nats", Notifier: publisher})
		}
	}

	if hub != nil {
		targets = append(targets, notify.Target{Name: "websocket", Notifier: hub})
	}
	return notify.NewMulti(log, targets...)
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		candidate := parsed.Scheme + "://" + parsed.Host
		for _, value := range allowed {
			if strings.EqualFold(strings.TrimSuffix(value, "/"), candidate) {
				return true
			}
		}
		return false
	}
}
