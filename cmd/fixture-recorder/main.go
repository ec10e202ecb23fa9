// Command fixture-recorder captures a live node's invoice, payment and
// channel updates into a JSON-lines fixture the replay backend can play back.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/marko911/lnpulse/internal/adapter"
	"github.com/marko911/lnpulse/internal/config"
	"github.com/marko911/lnpulse/internal/gateway"
)

func main() {
	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG"), "Path to the gateway YAML configuration")
	backendName := flag.String("backend", "", "Name of the configured backend to record")
	output := flag.String("output", "fixture.jsonl", "Output file, or - for stdout")
	streams := flag.String("streams", "", "Comma-separated streams to record (default: the configured streams)")
	duration := flag.Duration("duration", 0, "Stop after this long (0 records until interrupted)")
	snapshot := flag.Bool("snapshot", true, "Write the current channel list before recording")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(*logLevel)}))
	slog.SetDefault(logger)

	if err := run(*configPath, *backendName, *output, *streams, *duration, *snapshot, logger); err != nil {
		logger.Error("recording failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, backendName, output, streams string, duration time.Duration, snapshot bool, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if streams != "" {
		cfg.Streams = strings.Split(streams, ",")
	}
	kinds, err := cfg.StreamKinds()
	if err != nil {
		return err
	}
	bcfg, err := findBackend(cfg.Backends, backendName)
	if err != nil {
		return err
	}

	backend, err := gateway.NewBackend(bcfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	var out io.Writer = os.Stdout
	if output != "-" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		out = f
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			logger.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	err = backend.Connect(connectCtx)
	connectCancel()
	if err != nil {
		return fmt.Errorf("connect %s: %w", bcfg.Name, err)
	}

	logger.Info("starting fixture recorder",
		"backend", bcfg.Name,
		"variant", bcfg.Variant,
		"output", output,
	)

	rec := NewRecorder(backend, kinds, out, logger)
	if snapshot {
		if err := rec.Snapshot(ctx); err != nil {
			return err
		}
	}
	if err := rec.Record(ctx); err != nil {
		return err
	}

	logger.Info("fixture recording complete", "entries", rec.Count())
	return nil
}

// findBackend picks the named backend, or the only one when name is empty.
func findBackend(backends []adapter.Config, name string) (adapter.Config, error) {
	if name == "" {
		if len(backends) == 1 {
			return backends[0], nil
		}
		return adapter.Config{}, fmt.Errorf("-backend is required when %d backends are configured", len(backends))
	}
	for _, b := range backends {
		if b.Name == name {
			return b, nil
		}
	}
	return adapter.Config{}, fmt.Errorf("backend %q is not configured", name)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
