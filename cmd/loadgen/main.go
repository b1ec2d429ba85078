// Command loadgen drives the job API in-process against a fake provider and
// reports submit and completion latencies.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/iago/history-synth/internal/ai"
	httpserver "github.com/iago/history-synth/internal/http"
	"github.com/iago/history-synth/internal/http/handlers"
	"github.com/iago/history-synth/internal/logger"
	"github.com/iago/history-synth/internal/pipeline"
	"github.com/iago/history-synth/internal/repository"
	"github.com/iago/history-synth/internal/resilience"
	"github.com/iago/history-synth/internal/service"
	"github.com/rs/zerolog"
)

const fakeHistory = `{"metrics":[{"date":"2025-04-01","name":"steps","value":9120,"unit":"count"}],` +
	`"events":[{"date":"2025-04-01","kind":"walk","title":"Evening walk","duration_minutes":35,"notes":""}]}`

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	Outcomes       map[string]int   `json:"outcomes"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	server       *httptest.Server
	provider     *httptest.Server
	repo         repository.JobsRepository
	orchestrator *pipeline.Orchestrator
	dir          string
}

func (e *benchmarkEnv) Close() {
	e.server.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = e.orchestrator.Shutdown(ctx)
	e.provider.Close()
	_ = e.repo.Close()
	_ = os.RemoveAll(e.dir)
}

func main() {
	total := flag.Int("jobs", 200, "total jobs to submit")
	concurrency := flag.Int("concurrency", 16, "concurrent submitters")
	providerLatency := flag.Duration("provider-latency", 50*time.Millisecond, "simulated provider latency")
	fetchWorkers := flag.Int("fetch-workers", 3, "fetch pool workers")
	fetchQueue := flag.Int("fetch-queue", 10, "fetch pool queue size")
	completionTimeout := flag.Duration("completion-timeout", 2*time.Minute, "how long to wait for accepted jobs to finish")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	log := logger.New("history-synth-loadgen", "warn", true)

	env, err := startBenchmarkEnvironment(*providerLatency, *fetchWorkers, *fetchQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start local benchmark environment")
	}
	defer env.Close()

	client := &http.Client{Timeout: 10 * time.Second}
	var (
		mu       sync.Mutex
		accepted = make(map[string]time.Time)
		outcomes = map[string]int{}
	)

	submitScenario := runScenario("jobs_submit", *total, *concurrency, func(index int) error {
		payload := map[string]any{
			"owner_id":     fmt.Sprintf("owner-%d", index%25),
			"instructions": "One day of step counts and one walk.",
		}
		status, body, err := postJSON(client, env.server.URL+"/v1/jobs", payload)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		switch status {
		case http.StatusAccepted:
			jobID, _ := body["job_id"].(string)
			accepted[jobID] = time.Now()
			outcomes["accepted"]++
			return nil
		case http.StatusServiceUnavailable:
			outcomes["overloaded"]++
			return nil
		default:
			return fmt.Errorf("unexpected status %d", status)
		}
	})

	completion := awaitCompletion(client, env.server.URL, accepted, *completionTimeout, outcomes)

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Results:        []scenarioResult{submitScenario, completion},
		Outcomes:       outcomes,
		SLOEvaluation: map[string]bool{
			"submit_p95_le_200ms":         submitScenario.P95MS <= 200,
			"no_accepted_job_left_behind": completion.Errors == 0,
		},
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to marshal benchmark report")
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatal().Err(err).Msg("failed to write output file")
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func startBenchmarkEnvironment(latency time.Duration, fetchWorkers, fetchQueue int) (*benchmarkEnv, error) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(latency):
		case <-r.Context().Done():
			return
		}
		body, _ := json.Marshal(map[string]any{
			"model": "loadgen",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": fakeHistory}},
			},
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))

	dir, err := os.MkdirTemp("", "history-loadgen-*")
	if err != nil {
		provider.Close()
		return nil, err
	}
	repo, err := repository.NewSQLiteJobsRepository(context.Background(), filepath.Join(dir, "jobs.db"))
	if err != nil {
		provider.Close()
		return nil, err
	}

	log := zerolog.Nop()
	guard := resilience.NewWrapper(resilience.WrapperConfig{
		Limiter: resilience.RateLimiterConfig{Permits: 10000, Window: time.Second},
		Breaker: resilience.BreakerConfig{
			Name:                 "loadgen",
			WindowSize:           50,
			MinimumCalls:         20,
			FailureRateThreshold: 0.5,
			OpenDuration:         5 * time.Second,
			HalfOpenTrials:       2,
		},
		Retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 10 * time.Millisecond,
			Retryable:    ai.IsRetryable,
		},
		Logger: log,
	})
	client := ai.NewOpenRouterClient(ai.OpenRouterClientConfig{
		APIKey:  "loadgen",
		BaseURL: provider.URL,
		Timeout: 5 * time.Second,
	})

	orchestrator := pipeline.NewOrchestrator(pipeline.OrchestratorDependencies{
		Repo:      repo,
		Fetcher:   pipeline.NewFetcher(repo, client, guard, pipeline.GenerationProfile{Model: "loadgen"}, log),
		Processor: pipeline.NewProcessor(repo, log),
		Pools: pipeline.PoolSizes{
			FetchWorkers:   fetchWorkers,
			FetchQueue:     fetchQueue,
			ProcessWorkers: 8,
			ProcessQueue:   100,
		},
		BaseContext: context.Background(),
		Logger:      log,
	})

	api := handlers.NewAPI(service.NewJobsService(repo, orchestrator, log), nil)
	router := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         log,
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})

	return &benchmarkEnv{
		server:       httptest.NewServer(router),
		provider:     provider,
		repo:         repo,
		orchestrator: orchestrator,
		dir:          dir,
	}, nil
}

func runScenario(name string, total, concurrency int, requestFn func(index int) error) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	jobs := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	var errorSamples []string
	errorsCount := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}
	return summarize(name, durations, total-errorsCount, errorsCount, time.Since(startedAt), errorSamples)
}

// awaitCompletion polls every accepted job until it is terminal and records the time
// from acceptance to the first terminal observation.
func awaitCompletion(
	client *http.Client,
	baseURL string,
	accepted map[string]time.Time,
	timeout time.Duration,
	outcomes map[string]int,
) scenarioResult {
	startedAt := time.Now()
	deadline := startedAt.Add(timeout)
	pending := make(map[string]time.Time, len(accepted))
	for id, at := range accepted {
		pending[id] = at
	}

	durations := make([]float64, 0, len(accepted))
	for len(pending) > 0 && time.Now().Before(deadline) {
		for id, acceptedAt := range pending {
			status, body, err := getJSON(client, baseURL+"/v1/jobs/"+id)
			if err != nil || status != http.StatusOK {
				continue
			}
			switch body["status"] {
			case "DONE":
				outcomes["done"]++
			case "FAILED":
				code := "unknown"
				if errBody, ok := body["error"].(map[string]any); ok {
					code, _ = errBody["code"].(string)
				}
				outcomes["failed_"+code]++
			default:
				continue
			}
			durations = append(durations, float64(time.Since(acceptedAt).Microseconds())/1000.0)
			delete(pending, id)
		}
		time.Sleep(20 * time.Millisecond)
	}

	var samples []string
	for id := range pending {
		if len(samples) == 5 {
			break
		}
		samples = append(samples, "job "+id+" not terminal before timeout")
	}
	return summarize("jobs_completion", durations, len(durations), len(pending), time.Since(startedAt), samples)
}

func summarize(name string, durations []float64, success, errorsCount int, elapsed time.Duration, samples []string) scenarioResult {
	sort.Float64s(durations)
	total := success + errorsCount
	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(total) / elapsed.Seconds()
	}
	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  samples,
	}
}

func postJSON(client *http.Client, url string, payload any) (int, map[string]any, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal payload: %w", err)
	}
	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	return do(client, request)
}

func getJSON(client *http.Client, url string) (int, map[string]any, error) {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	return do(client, request)
}

func do(client *http.Client, request *http.Request) (int, map[string]any, error) {
	response, err := client.Do(request)
	if err != nil {
		return 0, nil, err
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, 64*1024))
	if err != nil {
		return response.StatusCode, nil, err
	}
	var decoded map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return response.StatusCode, nil, fmt.Errorf("decode body: %w", err)
		}
	}
	return response.StatusCode, decoded, nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
