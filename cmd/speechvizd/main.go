package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/speechviz/internal/config"
	"github.com/loqalabs/speechviz/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		headless    bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults apply when empty)")
	flag.BoolVar(&headless, "headless", false, "Run the render loop without a terminal canvas")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	bootLogger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		bootLogger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if headless {
		cfg.Display.Mode = "headless"
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		bootLogger.Error("failed to open log", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeLog()

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		bootLogger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		closeLog()
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// newLogger writes JSON logs to stdout in headless mode. The terminal
// canvas owns stdout otherwise, so logs go to the configured file.
func newLogger(cfg config.Config) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Telemetry.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.Display.Mode == "tui" {
		if cfg.Telemetry.LogFile == "" {
			w = io.Discard
		} else {
			f, err := os.OpenFile(cfg.Telemetry.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, nil, fmt.Errorf("open log file: %w", err)
			}
			w = f
			closeFn = func() { _ = f.Close() }
		}
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), closeFn, nil
}
