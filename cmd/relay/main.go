package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/pennywise/chat-relay/internal/messaging"
	"github.com/pennywise/chat-relay/internal/ratelimit"
	"github.com/pennywise/chat-relay/internal/relay"
	"github.com/pennywise/chat-relay/internal/ws"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	config := ws.DefaultServerConfig()
	config.ListenAddr = envString("LISTEN_ADDR", config.ListenAddr)
	config.WorkerPoolSize = envInt("WORKER_POOL_SIZE", config.WorkerPoolSize)
	config.MaxConnections = envInt("MAX_CONNECTIONS", config.MaxConnections)
	config.ReadTimeout = envDuration("READ_TIMEOUT", config.ReadTimeout)
	config.WriteTimeout = envDuration("WRITE_TIMEOUT", config.WriteTimeout)

	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	var (
		listenAddr = fs.StringP("listen-addr", "a", config.ListenAddr, "listen address for websocket, /health and /metrics")
		workers    = fs.Int("workers", config.WorkerPoolSize, "max concurrent frame readers")
		maxConns   = fs.Int("max-conns", config.MaxConnections, "connection cap")
		readTO     = fs.Duration("read-timeout", config.ReadTimeout, "per-frame read timeout")
		writeTO    = fs.Duration("write-timeout", config.WriteTimeout, "per-frame write timeout")
		hbInterval = fs.Duration("heartbeat-interval", config.Heartbeat.Interval, "protocol ping sweep interval, 0 disables")
		redisAddr  = fs.String("redis-addr", os.Getenv("REDIS_ADDR"), "redis address for chat rate limiting, empty disables")
		natsURL    = fs.String("nats-url", os.Getenv("NATS_URL"), "nats url for the event tap, empty disables")
		logLevel   = fs.StringP("log-level", "l", envString("LOG_LEVEL", "info"), "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	config.ListenAddr = *listenAddr
	config.WorkerPoolSize = *workers
	config.MaxConnections = *maxConns
	config.ReadTimeout = *readTO
	config.WriteTimeout = *writeTO
	config.Heartbeat.Interval = *hbInterval
	config.Logger = &logger

	rcfg := relay.Config{
		Server: config,
		Logger: &logger,
	}

	// --- Redis (optional) ---
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			// The limiter fails open, so an unreachable Redis only disables throttling.
			logger.Warn().Err(err).Str("addr", *redisAddr).Msg("redis unreachable, rate limiting fails open")
		}
		cancel()
		defer rdb.Close()
		rcfg.Limiter = ratelimit.NewLimiter(rdb, &logger)
	}

	// --- NATS (optional) ---
	if *natsURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = *natsURL
		natsConfig.Name = "chat-relay"
		natsConfig.Logger = &logger

		natsClient, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer natsClient.Close()
		rcfg.Publisher = natsClient
	}

	logger.Info().
		Str("listen_addr", config.ListenAddr).
		Int("workers", config.WorkerPoolSize).
		Int("max_connections", config.MaxConnections).
		Dur("read_timeout", config.ReadTimeout).
		Dur("write_timeout", config.WriteTimeout).
		Dur("heartbeat", config.Heartbeat.Interval).
		Bool("rate_limit", rcfg.Limiter != nil).
		Bool("event_tap", rcfg.Publisher != nil).
		Msg("chat relay starting")

	r := relay.New(rcfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- r.Start() }()

	select {
	case err := <-errc:
		if err != nil {
			logger.Error().Err(err).Msg("relay stopped unexpectedly")
		}
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := r.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
