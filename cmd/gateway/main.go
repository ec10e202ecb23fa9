// Command gateway runs the Lightning node gateway: it keeps connections to
// the configured nodes and bitcoind, serves call-throughs over HTTP and
// streams events over WebSocket and to the configured brokers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/marko911/lnpulse/internal/config"
	"github.com/marko911/lnpulse/internal/cursor"
	"github.com/marko911/lnpulse/internal/gateway"
	"github.com/marko911/lnpulse/internal/sink"
)

func main() {
	configPath := flag.String("config", envOrDefault("GATEWAY_CONFIG", ""), "Path to the YAML configuration file")
	listenAddr := flag.String("listen", envOrDefault("API_LISTEN_ADDR", ""), "HTTP listen address (overrides server.http_addr)")
	logLevel := flag.String("log-level", envOrDefault("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	readTimeout := flag.Duration("read-timeout", 10*time.Second, "HTTP read timeout")
	writeTimeout := flag.Duration("write-timeout", 30*time.Second, "HTTP write timeout")
	redisAddr := flag.String("redis-addr", envOrDefault("REDIS_ADDR", ""), "Redis address for resume cursors (overrides cursors.redis_addr)")
	natsURL := flag.String("nats-url", envOrDefault("NATS_URL", ""), "NATS URL for the event sink (overrides sinks.nats.url)")
	kafkaBrokers := flag.String("kafka-brokers", envOrDefault("KAFKA_BROKERS", ""), "Comma-separated Kafka brokers for the event sink")
	sinksEnabled := flag.Bool("sinks-enabled", envOrDefaultBool("SINKS_ENABLED", true), "Forward events to the configured brokers")
	wsOrigins := flag.String("ws-allowed-origins", envOrDefault("WS_ALLOWED_ORIGINS", "*"), "Comma-separated list of allowed WebSocket origins, or '*' for all")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.HTTPAddr = *listenAddr
	}
	if *redisAddr != "" {
		cfg.Cursors.RedisAddr = *redisAddr
		cfg.Cursors.RedisDB = envOrDefaultInt("REDIS_DB", cfg.Cursors.RedisDB)
	}
	if *natsURL != "" {
		if cfg.Sinks.NATS == nil {
			cfg.Sinks.NATS = &config.NATSSinkConfig{}
		}
		cfg.Sinks.NATS.URL = *natsURL
	}
	if *kafkaBrokers != "" {
		if cfg.Sinks.Kafka == nil {
			cfg.Sinks.Kafka = &config.KafkaSinkConfig{}
		}
		cfg.Sinks.Kafka.Brokers = *kafkaBrokers
	}
	if !*sinksEnabled {
		cfg.Sinks.NATS, cfg.Sinks.Kafka = nil, nil
	}

	if err := run(cfg, runOptions{
		readTimeout:    *readTimeout,
		writeTimeout:   *writeTimeout,
		allowedOrigins: parseOrigins(*wsOrigins),
	}, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

type runOptions struct {
	readTimeout    time.Duration
	writeTimeout   time.Duration
	allowedOrigins []string
}

func run(cfg *config.Config, ro runOptions, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts, err := cfg.GatewayOptions()
	if err != nil {
		return err
	}
	opts.Logger = logger

	if rc, ok := cfg.RedisCursorConfig(); ok {
		store, err := cursor.NewRedis(rc)
		if err != nil {
			logger.Warn("Redis cursor store unavailable, keeping cursors in memory", "error", err)
		} else {
			defer store.Close()
			opts.Cursors = store
			logger.Info("resume cursors stored in Redis", "redis_addr", rc.Addr)
		}
	}

	opts.Sinks = buildSinks(ctx, cfg, logger)

	gw, err := gateway.New(opts)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	if err := gw.Start(ctx); err != nil {
		gw.Close()
		return fmt.Errorf("start gateway: %w", err)
	}

	server := NewServer(gw, cfg.Server.APIKeys, ro.allowedOrigins, cfg.Server.WSPingPeriod, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      server.Router(),
		ReadTimeout:  ro.readTimeout,
		WriteTimeout: ro.writeTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		server.Close()
		if err := gw.Close(); err != nil {
			logger.Error("gateway shutdown error", "error", err)
		}
		cancel()
	}()

	logger.Info("starting gateway", "addr", cfg.Server.HTTPAddr, "backends", gw.Backends())
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		gw.Close()
		return fmt.Errorf("HTTP server error: %w", err)
	}
	<-ctx.Done()
	return nil
}

// buildSinks connects the configured brokers. A broker that cannot be
// reached is logged and skipped.
func buildSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) []sink.Sink {
	var sinks []sink.Sink
	if n := cfg.Sinks.NATS; n != nil {
		s, err := sink.NewNATS(ctx, n.Client(), n.NATSStream())
		if err != nil {
			logger.Warn("NATS sink initialization failed, continuing without it", "error", err)
		} else {
			sinks = append(sinks, s)
			logger.Info("NATS JetStream sink enabled", "url", n.Client().URL, "stream", n.NATSStream().Name)
		}
	}
	if k := cfg.Sinks.Kafka; k != nil {
		s, err := sink.NewKafka(ctx, k.Brokers, k.KafkaTopic())
		if err != nil {
			logger.Warn("Kafka sink initialization failed, continuing without it", "error", err)
		} else {
			sinks = append(sinks, s)
			logger.Info("Kafka sink enabled", "brokers", k.Brokers, "topic", k.KafkaTopic().Name)
		}
	}
	return sinks
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func parseOrigins(origins string) []string {
	origins = strings.TrimSpace(origins)
	if origins == "" || origins == "*" {
		return nil
	}
	return splitList(origins)
}
