package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"

	"github.com/otelgrid/otelgrid/pkg/config"
	"github.com/otelgrid/otelgrid/pkg/server"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func main() {
	var cfg config.Config
	cfg.RegisterFlags(flag.CommandLine)
	logLevel := flag.String("log.level", "info", "Log level (debug, info, warn, error).")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		slog.With("level", *logLevel).Error("unknown log level")
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := cfg.Validate(); err != nil {
		slog.With("err", err).Error("invalid configuration")
		os.Exit(1)
	}

	grid, err := server.New(cfg)
	if err != nil {
		slog.With("err", err).Error("failed to initialize otelgrid")
		os.Exit(1)
	}

	slog.Info("otelgrid starting")
	if err := grid.Run(context.Background()); err != nil {
		slog.With("err", err).Error("otelgrid exited with failure")
		os.Exit(1)
	}
	slog.Info("otelgrid stopped")
}
