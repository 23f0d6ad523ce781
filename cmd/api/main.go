package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iago/download-jobs/internal/app"
	"github.com/iago/download-jobs/internal/config"
)

func main() {
	logger := log.New(os.Stdout, "[download-jobs] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env.local", ".env"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runtime, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("startup failed: %v", err)
	}
	defer runtime.Close()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           runtime.Handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Printf("api listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Printf("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("graceful shutdown failed: %v", err)
		}
		return nil
	})

	if cfg.WorkerEnabled {
		group.Go(func() error {
			return runtime.Pool.Run(groupCtx)
		})
	} else {
		logger.Printf("worker disabled by configuration")
	}

	if cfg.SweeperEnabled {
		group.Go(func() error {
			return runtime.Sweeper.Run(groupCtx)
		})
	} else {
		logger.Printf("sweeper disabled by configuration")
	}

	if err := group.Wait(); err != nil {
		logger.Printf("server failed: %v", err)
	}
}
