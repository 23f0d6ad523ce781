package app

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/iago/download-jobs/internal/config"
	"github.com/iago/download-jobs/internal/queue"
	"github.com/iago/download-jobs/internal/service"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Load()
	cfg.DatabaseURL = ""
	cfg.SQLitePath = ""
	cfg.RedisAddr = ""
	cfg.FileSourceURL = ""
	cfg.StorageRoot = filepath.Join(root, "artifacts")
	cfg.SourceRoot = filepath.Join(root, "files")
	cfg.StagingRoot = filepath.Join(root, "staging")
	cfg.AccessLinkSecret = "runtime-test"
	return cfg
}

func TestBuildWiresInMemoryRuntime(t *testing.T) {
	runtime, err := Build(context.Background(), testConfig(t), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer runtime.Close()

	if _, ok := runtime.Queue.(*queue.LocalQueue); !ok {
		t.Fatalf("expected local queue, got %T", runtime.Queue)
	}
	recorder := httptest.NewRecorder()
	runtime.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected healthy runtime, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestBuildUsesSQLiteAndRedisWhenConfigured(t *testing.T) {
	redisServer := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.SQLitePath = filepath.Join(t.TempDir(), "jobs.db")
	cfg.RedisAddr = redisServer.Addr()

	runtime, err := Build(context.Background(), cfg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer runtime.Close()

	if _, ok := runtime.Queue.(*queue.RedisQueue); !ok {
		t.Fatalf("expected redis queue, got %T", runtime.Queue)
	}
	job, created, err := runtime.Jobs.CreateJob(context.Background(), service.CreateJobInput{FileIDs: []int64{1, 2}})
	if err != nil || !created {
		t.Fatalf("create: %v created=%v", err, created)
	}
	stats, err := runtime.Jobs.QueueStats(context.Background())
	if err != nil || stats.Ready != 1 {
		t.Fatalf("expected one ready item, got %+v err=%v", stats, err)
	}
	stored, err := runtime.Jobs.GetStatus(context.Background(), job.ID)
	if err != nil || stored.Progress.Total != 2 {
		t.Fatalf("expected job persisted in sqlite, got %+v err=%v", stored, err)
	}
}

func TestBuildFailsOnUnreachableRedis(t *testing.T) {
	redisServer := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisAddr = redisServer.Addr()
	redisServer.Close()

	if _, err := Build(context.Background(), cfg, log.New(io.Discard, "", 0)); err == nil {
		t.Fatalf("expected build to fail when redis is unreachable")
	}
}
