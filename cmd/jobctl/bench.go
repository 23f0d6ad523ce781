package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/iago/download-jobs/internal/app"
)

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

type benchResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type benchOptions struct {
	createTotal       int
	createConcurrency int
	statusTotal       int
	statusConcurrency int
	e2eTotal          int
	e2eConcurrency    int
	filesPerJob       int
	outputPath        string
}

type benchmarkEnv struct {
	server *httptest.Server
	close  func()
}

func BenchCmd(env *environment) *cobra.Command {
	opts := benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark create, status and end-to-end download latency against an in-process server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, env, opts)
		},
	}
	cmd.Flags().IntVar(&opts.createTotal, "create-total", 400, "total job create requests")
	cmd.Flags().IntVar(&opts.createConcurrency, "create-concurrency", 32, "concurrency for job create requests")
	cmd.Flags().IntVar(&opts.statusTotal, "status-total", 600, "total job status requests")
	cmd.Flags().IntVar(&opts.statusConcurrency, "status-concurrency", 32, "concurrency for job status requests")
	cmd.Flags().IntVar(&opts.e2eTotal, "e2e-total", 60, "total jobs driven from create to download")
	cmd.Flags().IntVar(&opts.e2eConcurrency, "e2e-concurrency", 8, "concurrency for end-to-end jobs")
	cmd.Flags().IntVar(&opts.filesPerJob, "files-per-job", 5, "file ids per benchmark job")
	cmd.Flags().StringVar(&opts.outputPath, "output", "", "optional path to persist benchmark results JSON")
	return cmd
}

func runBench(cmd *cobra.Command, env *environment, opts benchOptions) error {
	if opts.filesPerJob <= 0 {
		opts.filesPerJob = 1
	}
	benchEnv, err := startBenchmarkEnvironment(cmd.Context(), env, opts.filesPerJob)
	if err != nil {
		return fmt.Errorf("failed to start local benchmark environment: %w", err)
	}
	defer benchEnv.close()

	client := &http.Client{Timeout: 10 * time.Second}
	baseURL := benchEnv.server.URL
	fileIDs := make([]int64, opts.filesPerJob)
	for i := range fileIDs {
		fileIDs[i] = int64(i + 1)
	}
	var idCounter int64

	createScenario := runScenario("jobs_create", opts.createTotal, opts.createConcurrency, func(index int) error {
		requestID := atomic.AddInt64(&idCounter, 1)
		headers := map[string]string{
			"Idempotency-Key": fmt.Sprintf("bench-create-%d-%d", requestID, time.Now().UnixNano()),
		}
		_, err := postJSON(client, baseURL+"/v1/jobs", map[string]any{"file_ids": fileIDs}, headers, http.StatusCreated)
		return err
	})

	seedHeaders := map[string]string{"Idempotency-Key": fmt.Sprintf("bench-seed-%d", time.Now().UnixNano())}
	seed, err := postJSON(client, baseURL+"/v1/jobs", map[string]any{"file_ids": fileIDs}, seedHeaders, http.StatusCreated)
	if err != nil {
		return fmt.Errorf("seed status scenario: %w", err)
	}
	statusScenario := runScenario("jobs_status", opts.statusTotal, opts.statusConcurrency, func(index int) error {
		_, err := getJSON(client, baseURL+"/v1/jobs/"+seed.JobID, http.StatusOK)
		return err
	})

	e2eScenario := runScenario("jobs_end_to_end", opts.e2eTotal, opts.e2eConcurrency, func(index int) error {
		created, err := postJSON(client, baseURL+"/v1/jobs", map[string]any{"file_ids": fileIDs}, nil, http.StatusCreated)
		if err != nil {
			return err
		}
		return waitForDownload(client, baseURL, created.JobID, 30*time.Second)
	})

	results := []scenarioResult{createScenario, statusScenario, e2eScenario}
	slo := map[string]bool{
		"create_endpoint_p95_le_250ms": createScenario.P95MS <= 250,
		"status_endpoint_p95_le_100ms": statusScenario.P95MS <= 100,
		"end_to_end_error_free":        e2eScenario.Errors == 0,
	}

	report := benchResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Results:        results,
		SLOEvaluation:  slo,
	}
	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal benchmark report: %w", err)
	}
	if opts.outputPath != "" {
		if err := os.WriteFile(opts.outputPath, encoded, 0o644); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
	return nil
}

// startBenchmarkEnvironment wires the full runtime on a memory store and the
// in-process queue under a scratch directory, with fake source files.
func startBenchmarkEnvironment(parent context.Context, env *environment, filesPerJob int) (*benchmarkEnv, error) {
	scratch, err := os.MkdirTemp("", "jobctl-bench-")
	if err != nil {
		return nil, err
	}

	cfg := env.cfg
	cfg.DatabaseURL = ""
	cfg.SQLitePath = ""
	cfg.RedisAddr = ""
	cfg.FileSourceURL = ""
	cfg.AuthToken = ""
	cfg.RateLimitRPS = 1e6
	cfg.RateLimitBurst = 1e6
	cfg.WorkerClaimPollMS = 5
	cfg.WorkerClaimPollMaxMS = 50
	cfg.StorageRoot = filepath.Join(scratch, "artifacts")
	cfg.SourceRoot = filepath.Join(scratch, "files")
	cfg.StagingRoot = filepath.Join(scratch, "staging")
	if cfg.AccessLinkSecret == "" {
		cfg.AccessLinkSecret = "bench-secret"
	}

	if err := os.MkdirAll(cfg.SourceRoot, 0o755); err != nil {
		os.RemoveAll(scratch)
		return nil, err
	}
	payload := bytes.Repeat([]byte("download-bench "), 4096)
	for i := 1; i <= filesPerJob; i++ {
		if err := os.WriteFile(filepath.Join(cfg.SourceRoot, strconv.Itoa(i)), payload, 0o644); err != nil {
			os.RemoveAll(scratch)
			return nil, err
		}
	}

	// Links carry the public base URL, so it must be known before wiring.
	server := httptest.NewUnstartedServer(nil)
	cfg.PublicBaseURL = "http://" + server.Listener.Addr().String()

	ctx, cancel := context.WithCancel(parent)
	runtime, err := app.Build(ctx, cfg, env.logger)
	if err != nil {
		cancel()
		server.Close()
		os.RemoveAll(scratch)
		return nil, err
	}
	server.Config.Handler = runtime.Handler
	server.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = runtime.Pool.Run(ctx)
	}()

	return &benchmarkEnv{
		server: server,
		close: func() {
			cancel()
			<-done
			server.Close()
			runtime.Close()
			os.RemoveAll(scratch)
		},
	}, nil
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
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

	indexes := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		indexes <- i
	}
	close(indexes)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range indexes {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{
					durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0,
				}
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
	errorSamples := make([]string, 0, 5)
	success := 0
	errorsCount := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
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
		ErrorSamples:  errorSamples,
	}
}

type benchJob struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Result *struct {
		AccessURL string `json:"access_url"`
	} `json:"result"`
}

func postJSON(
	client *http.Client,
	url string,
	payload any,
	headers map[string]string,
	expectedStatus int,
) (benchJob, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return benchJob{}, fmt.Errorf("marshal payload: %w", err)
	}

	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return benchJob{}, fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	return doBenchRequest(client, request, expectedStatus)
}

func getJSON(client *http.Client, url string, expectedStatus int) (benchJob, error) {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return benchJob{}, fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	return doBenchRequest(client, request, expectedStatus)
}

func doBenchRequest(client *http.Client, request *http.Request, expectedStatus int) (benchJob, error) {
	response, err := client.Do(request)
	if err != nil {
		return benchJob{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return benchJob{}, fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}
	var job benchJob
	if err := json.NewDecoder(response.Body).Decode(&job); err != nil {
		return benchJob{}, fmt.Errorf("decode response: %w", err)
	}
	return job, nil
}

func waitForDownload(client *http.Client, baseURL, jobID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := getJSON(client, baseURL+"/v1/jobs/"+jobID, http.StatusOK)
		if err != nil {
			return err
		}
		switch job.Status {
		case "completed":
			if job.Result == nil || job.Result.AccessURL == "" {
				return fmt.Errorf("job %s completed without access url", jobID)
			}
			response, err := client.Get(job.Result.AccessURL)
			if err != nil {
				return err
			}
			_, _ = io.Copy(io.Discard, response.Body)
			response.Body.Close()
			if response.StatusCode != http.StatusOK {
				return fmt.Errorf("download returned %d", response.StatusCode)
			}
			return nil
		case "failed", "cancelled":
			return fmt.Errorf("job %s ended %s", jobID, job.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for job %s", jobID)
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
