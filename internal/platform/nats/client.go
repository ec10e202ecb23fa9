// Package nats provides the NATS JetStream connection used by the event sink.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config holds the broker connection settings. The connection retries
// forever once established; only the first dial can fail.
type Config struct {
	URL   string `yaml:"url"`
	Name  string `yaml:"name"`
	Token string `yaml:"token"`

	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`

	// ReconnectBuffer is how many bytes of publishes are held while the
	// connection is down.
	ReconnectBuffer int `yaml:"reconnect_buffer"`
}

func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		Name:            "lnpulse-gateway",
		ReconnectWait:   2 * time.Second,
		DialTimeout:     10 * time.Second,
		ReconnectBuffer: 8 * 1024 * 1024,
	}
}

// Client is a JetStream-enabled broker connection.
type Client struct {
	nc *nats.Conn
	js jetstream.JetStream

	once sync.Once
	err  error
}

// Connect dials the broker. A dial still running when ctx ends is
// abandoned and closed once it completes.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats", "url", cfg.URL)

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectBufSize(cfg.ReconnectBuffer),
		nats.Timeout(cfg.DialTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("broker connection lost, buffering publishes", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("broker connection restored", "server", nc.ConnectedUrl())
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	type result struct {
		nc  *nats.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(cfg.URL, opts...)
		done <- result{nc, err}
	}()

	var nc *nats.Conn
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("nats connect: %w", r.err)
		}
		nc = r.nc
	case <-ctx.Done():
		go func() {
			if r := <-done; r.nc != nil {
				r.nc.Close()
			}
		}()
		return nil, fmt.Errorf("nats connect: %w", ctx.Err())
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	logger.Info("connected to broker", "server", nc.ConnectedUrl())
	return &Client{nc: nc, js: js}, nil
}

func (c *Client) JetStream() jetstream.JetStream { return c.js }

// Close flushes buffered publishes and closes the connection. Later calls
// return the first result.
func (c *Client) Close() error {
	c.once.Do(func() {
		if err := c.nc.Drain(); err != nil {
			c.nc.Close()
			c.err = fmt.Errorf("nats drain: %w", err)
		}
	})
	return c.err
}
