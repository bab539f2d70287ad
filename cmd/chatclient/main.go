package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/pennywise/chat-relay/internal/chat"
	"github.com/pennywise/chat-relay/internal/client"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	fs := pflag.NewFlagSet("chatclient", pflag.ContinueOnError)
	var (
		url         = fs.StringP("url", "u", "ws://localhost:5000", "relay websocket url")
		name        = fs.StringP("name", "n", "You", "display name")
		dropOffline = fs.Bool("drop-offline", false, "discard messages typed while offline instead of showing them")
		logLevel    = fs.StringP("log-level", "l", "warn", "log level")
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

	cfg := client.DefaultConfig(*url)
	cfg.Logger = &logger
	manager := client.New(cfg)

	policy := chat.OfflineShow
	if *dropOffline {
		policy = chat.OfflineDrop
	}
	panel := chat.NewPanel(manager, chat.PanelConfig{
		User:    *name,
		Offline: policy,
		Logger:  &logger,
	})

	panel.OnMessage(func(m chat.Message) {
		if m.From == panel.User() {
			return
		}
		fmt.Printf("[%s] %s: %s\n", m.Time, m.From, m.Text)
	})
	panel.Typing().OnChange(func(users []string) {
		if label := chat.TypingLabel(users); label != "" {
			fmt.Printf("  %s\n", label)
		}
	})
	manager.OnStatus(func(s client.State) {
		fmt.Printf("-- %s\n", chat.IndicatorFor(s))
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := manager.Connect(); err != nil {
		logger.Fatal().Err(err).Msg("connect failed")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	fmt.Println("type a message and press enter; /typing, /status, /history, /quit")

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			switch strings.TrimSpace(line) {
			case "/quit":
				break loop
			case "/typing":
				if err := panel.NotifyTyping(); err != nil {
					logger.Warn().Err(err).Msg("typing notification failed")
				}
			case "/status":
				fmt.Printf("-- %s\n", panel.Indicator())
			case "/history":
				for _, m := range panel.Messages() {
					mark := ""
					if m.Undelivered {
						mark = " (not delivered)"
					}
					fmt.Printf("[%s] %s: %s%s\n", m.Time, m.From, m.Text, mark)
				}
			default:
				_, err := panel.SendText(line)
				switch {
				case err == nil, errors.Is(err, chat.ErrEmptyMessage):
				case errors.Is(err, client.ErrNotConnected):
					fmt.Println("-- offline, message not delivered")
				default:
					logger.Error().Err(err).Msg("send failed")
				}
			}
		}
	}

	panel.Close()
	manager.Teardown()
}
