package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/pennywise/chat-relay/internal/messaging"
	"github.com/pennywise/chat-relay/internal/protocol"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	natsURL := messaging.DefaultNATSConfig().URL
	if v := os.Getenv("NATS_URL"); v != "" {
		natsURL = v
	}

	fs := pflag.NewFlagSet("relaytap", pflag.ContinueOnError)
	var (
		url      = fs.String("nats-url", natsURL, "nats url the relay publishes to")
		logLevel = fs.StringP("log-level", "l", "info", "log level")
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

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = *url
	natsConfig.Name = "chat-relay-tap"
	natsConfig.Logger = &logger

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to NATS")
	}

	err = natsClient.SubscribeEvents(func(kind string, data []byte) {
		env, err := protocol.Parse(data)
		if err != nil {
			logger.Warn().Err(err).Str("kind", kind).Msg("tap carried a malformed envelope")
			return
		}

		switch env.Kind {
		case protocol.KindChat:
			p, err := env.Chat()
			if err != nil {
				logger.Warn().Err(err).Msg("invalid chat on tap")
				return
			}
			logger.Info().
				Str("id", p.ID).
				Str("from", p.From).
				Str("time", p.Time).
				Int("len", len(p.Text)).
				Msg("chat")
		case protocol.KindTyping:
			p, _ := env.Typing()
			logger.Debug().Str("from", p.From).Msg("typing")
		default:
			logger.Info().Str("kind", env.Kind).Int("bytes", len(data)).Msg("unknown kind forwarded")
		}
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe to relay events")
	}

	logger.Info().
		Str("nats_url", natsConfig.URL).
		Str("subject", messaging.SubjectRelayEvents+".>").
		Msg("relay tap running")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	logger.Warn().Msg("interrupted")
	natsClient.Close()
}
