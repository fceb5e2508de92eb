// Command healstub serves the healing API from a YAML fixture, for local
// runs of selfheal against a browser without a real healing backend.
//
// Usage:
//
//	healstub -fixture healstub.yaml -addr :8089
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/selfheal/healstub"
)

func main() {
	fixturePath := flag.String("fixture", "healstub.yaml", "path to the fixture file")
	addr := flag.String("addr", ":8089", "listen address")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	fixture, err := healstub.LoadFixture(*fixturePath)
	if err != nil {
		logger.Error("healstub: fatal", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           healstub.New(fixture, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("healstub: listening", "addr", *addr, "accounts", len(fixture.Accounts))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healstub: serve", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("healstub: shutdown", "error", err)
	}
}
