package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes runtime settings for the API, the pipeline pools and the watchdog.
type Config struct {
	ServiceName string
	Port        string
	LogLevel    string
	LogPretty   bool

	AuthToken          string
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	DatabaseURL      string
	DatabaseMaxConns int
	SQLitePath       string

	OpenRouterAPIKey    string
	OpenRouterBaseURL   string
	OpenRouterTimeoutMS int
	OpenRouterModel     string
	OpenRouterSiteURL   string
	OpenRouterAppName   string

	GenerationSystemPrompt string
	GenerationTemperature  float64
	GenerationMaxTokens    int

	LimiterPermits          int
	LimiterWindowMS         int
	LimiterAcquireTimeoutMS int

	BreakerWindowSize     int
	BreakerMinimumCalls   int
	BreakerFailureRate    float64
	BreakerOpenMS         int
	BreakerHalfOpenTrials int

	RetryMaxAttempts    int
	RetryInitialDelayMS int

	FetchWorkers   int
	FetchQueue     int
	ProcessWorkers int
	ProcessQueue   int

	StallSweepIntervalMS     int
	StallTimeoutMS           int
	RetentionSweepIntervalMS int
	RetentionHours           int
	WatchdogBatchSize        int

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisStream       string
	RedisStreamMaxLen int64

	NATSURL     string
	NATSSubject string

	WebSocketEnabled bool

	ShutdownTimeoutMS int
}

const defaultSystemPrompt = `You generate a synthetic training history as strict JSON.
Return one object with two arrays: "metrics" and "events".
Each metric: {"date":"YYYY-MM-DD","name":string,"value":number,"unit":string}.
Each event: {"date":"YYYY-MM-DD","kind":string,"title":string,"duration_minutes":integer,"notes":string}.
Do not add commentary or markdown.`

func Load() Config {
	return Config{
		ServiceName: getEnv("SERVICE_NAME", "history-synth"),
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogPretty:   getEnvBool("LOG_PRETTY", false),

		AuthToken:          getEnv("API_AUTH_TOKEN", ""),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 40),

		DatabaseURL:      getEnv("DATABASE_URL", ""),
		DatabaseMaxConns: getEnvInt("DATABASE_MAX_CONNS", 10),
		SQLitePath:       getEnv("SQLITE_PATH", ""),

		OpenRouterAPIKey:    getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterBaseURL:   getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterTimeoutMS: getEnvInt("OPENROUTER_TIMEOUT_MS", 60000),
		OpenRouterModel:     getEnv("OPENROUTER_MODEL", "openai/gpt-4.1-mini"),
		OpenRouterSiteURL:   getEnv("OPENROUTER_SITE_URL", ""),
		OpenRouterAppName:   getEnv("OPENROUTER_APP_NAME", "History Synth"),

		GenerationSystemPrompt: getEnv("GENERATION_SYSTEM_PROMPT", defaultSystemPrompt),
		GenerationTemperature:  getEnvFloat("GENERATION_TEMPERATURE", 0.4),
		GenerationMaxTokens:    getEnvInt("GENERATION_MAX_TOKENS", 8000),

		LimiterPermits:          getEnvInt("LIMITER_PERMITS", 15),
		LimiterWindowMS:         getEnvInt("LIMITER_WINDOW_MS", 60000),
		LimiterAcquireTimeoutMS: getEnvInt("LIMITER_ACQUIRE_TIMEOUT_MS", 500),

		BreakerWindowSize:     getEnvInt("BREAKER_WINDOW_SIZE", 10),
		BreakerMinimumCalls:   getEnvInt("BREAKER_MINIMUM_CALLS", 5),
		BreakerFailureRate:    getEnvFloat("BREAKER_FAILURE_RATE", 0.5),
		BreakerOpenMS:         getEnvInt("BREAKER_OPEN_MS", 30000),
		BreakerHalfOpenTrials: getEnvInt("BREAKER_HALF_OPEN_TRIALS", 2),

		RetryMaxAttempts:    getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialDelayMS: getEnvInt("RETRY_INITIAL_DELAY_MS", 2000),

		FetchWorkers:   getEnvInt("FETCH_WORKERS", 3),
		FetchQueue:     getEnvInt("FETCH_QUEUE", 10),
		ProcessWorkers: getEnvInt("PROCESS_WORKERS", 8),
		ProcessQueue:   getEnvInt("PROCESS_QUEUE", 100),

		StallSweepIntervalMS:     getEnvInt("STALL_SWEEP_INTERVAL_MS", 120000),
		StallTimeoutMS:           getEnvInt("STALL_TIMEOUT_MS", 300000),
		RetentionSweepIntervalMS: getEnvInt("RETENTION_SWEEP_INTERVAL_MS", 3600000),
		RetentionHours:           getEnvInt("RETENTION_HOURS", 168),
		WatchdogBatchSize:        getEnvInt("WATCHDOG_BATCH_SIZE", 100),

		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RedisStream:       getEnv("REDIS_STREAM", "history_job_completions"),
		RedisStreamMaxLen: int64(getEnvInt("REDIS_STREAM_MAXLEN", 10000)),

		NATSURL:     getEnv("NATS_URL", ""),
		NATSSubject: getEnv("NATS_SUBJECT", "history.jobs.completed"),

		WebSocketEnabled: getEnvBool("WEBSOCKET_ENABLED", true),

		ShutdownTimeoutMS: getEnvInt("SHUTDOWN_TIMEOUT_MS", 15000),
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	var problems []error
	positive := map[string]int{
		"LIMITER_PERMITS":             c.LimiterPermits,
		"LIMITER_WINDOW_MS":           c.LimiterWindowMS,
		"BREAKER_WINDOW_SIZE":         c.BreakerWindowSize,
		"BREAKER_MINIMUM_CALLS":       c.BreakerMinimumCalls,
		"BREAKER_OPEN_MS":             c.BreakerOpenMS,
		"BREAKER_HALF_OPEN_TRIALS":    c.BreakerHalfOpenTrials,
		"RETRY_MAX_ATTEMPTS":          c.RetryMaxAttempts,
		"FETCH_WORKERS":               c.FetchWorkers,
		"FETCH_QUEUE":                 c.FetchQueue,
		"PROCESS_WORKERS":             c.ProcessWorkers,
		"PROCESS_QUEUE":               c.ProcessQueue,
		"STALL_SWEEP_INTERVAL_MS":     c.StallSweepIntervalMS,
		"STALL_TIMEOUT_MS":            c.StallTimeoutMS,
		"RETENTION_SWEEP_INTERVAL_MS": c.RetentionSweepIntervalMS,
		"RETENTION_HOURS":             c.RetentionHours,
	}
	for key, value := range positive {
		if value <= 0 {
			problems = append(problems, fmt.Errorf("%s must be positive, got %d", key, value))
		}
	}
	if c.BreakerMinimumCalls > c.BreakerWindowSize {
		problems = append(problems, errors.New("BREAKER_MINIMUM_CALLS cannot exceed BREAKER_WINDOW_SIZE"))
	}
	if c.BreakerFailureRate <= 0 || c.BreakerFailureRate > 1 {
		problems = append(problems, fmt.Errorf("BREAKER_FAILURE_RATE must be in (0,1], got %v", c.BreakerFailureRate))
	}
	if c.LimiterAcquireTimeoutMS < 0 || c.RetryInitialDelayMS < 0 {
		problems = append(problems, errors.New("timeouts and delays cannot be negative"))
	}
	return errors.Join(problems...)
}

func (c Config) LimiterWindow() time.Duration {
	return time.Duration(c.LimiterWindowMS) * time.Millisecond
}

func (c Config) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutMS) * time.Millisecond
}

func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	items := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}
