package main

import (
	"io"
	"log"
	"os"

	"github.com/iago/download-jobs/internal/config"
)

func main() {
	logger := log.New(io.Discard, "", 0)
	if os.Getenv("JOBCTL_VERBOSE") != "" {
		logger = log.New(os.Stderr, "[jobctl] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	}
	if err := config.LoadDotEnv(".env.local", ".env"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}

	env := &environment{cfg: config.Load(), logger: logger}
	err := newRootCmd(env).Execute()
	env.Close()
	if err != nil {
		os.Exit(1)
	}
}
