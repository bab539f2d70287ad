// Package main is the entry point for the relay load tool. It provides
// subcommands for different load scenarios:
//
//   - saturate: open N idle connections and hold them
//   - fanout:   N connections, a few senders, measure broadcast latency
//
// Usage:
//
//	relayload <command> [options]
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/pennywise/chat-relay/internal/client"
	"github.com/pennywise/chat-relay/internal/loadstats"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "fanout":
		runFanout(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: relayload <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    open N idle connections and hold them")
	fmt.Println("  fanout      N connections exchange chat messages; measures delivery latency")
	fmt.Println()
	fmt.Println("Run 'relayload <command> -h' for command-specific options.")
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	url         *string
	metricsURL  *string
	connections *int
	concurrency *int
	logLevel    *string
}

func addCommonFlags(fs *pflag.FlagSet, defaultConns int) commonFlags {
	return commonFlags{
		url:         fs.StringP("url", "u", "ws://localhost:5000", "relay websocket url"),
		metricsURL:  fs.String("metrics-url", "http://localhost:5000/metrics", "relay metrics url; empty disables scraping"),
		connections: fs.IntP("connections", "c", defaultConns, "number of connections to open"),
		concurrency: fs.Int("concurrency", 50, "maximum simultaneous connection attempts"),
		logLevel:    fs.StringP("log-level", "l", "warn", "log level"),
	}
}

func newLogger(level string) zerolog.Logger {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	return logger.Level(lvl)
}

func startScraper(ctx context.Context, metricsURL string, collector *loadstats.Collector) *loadstats.Scraper {
	if metricsURL == "" {
		return nil
	}
	s := loadstats.NewScraper(metricsURL, 2*time.Second)
	s.Start(ctx)
	collector.SetScraper(s)
	return s
}

// openManagers connects n client managers with bounded concurrency and
// returns the ones that reached the open state. setup runs on each manager
// before it connects so handlers see every envelope.
func openManagers(ctx context.Context, f commonFlags, logger *zerolog.Logger, collector *loadstats.Collector, setup func(i int, m *client.Manager)) []*client.Manager {
	var (
		mu       sync.Mutex
		managers = make([]*client.Manager, 0, *f.connections)
		wg       sync.WaitGroup
		sem      = make(chan struct{}, *f.concurrency)
	)

	for i := 0; i < *f.connections; i++ {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			cfg := client.DefaultConfig(*f.url)
			cfg.Logger = logger
			m := client.New(cfg)

			opened := make(chan struct{})
			var once sync.Once
			first := true
			m.OnStatus(func(s client.State) {
				if s != client.StateOpen {
					return
				}
				once.Do(func() { close(opened) })
				mu.Lock()
				if !first {
					collector.AddReconnect()
				}
				first = false
				mu.Unlock()
			})
			if setup != nil {
				setup(i, m)
			}

			start := time.Now()
			if err := m.Connect(); err != nil {
				collector.AddError()
				return
			}

			timer := time.NewTimer(cfg.DialTimeout)
			defer timer.Stop()
			select {
			case <-opened:
				collector.AddConnect(time.Since(start))
				mu.Lock()
				managers = append(managers, m)
				mu.Unlock()
			case <-timer.C:
				collector.AddError()
				m.Teardown()
			case <-ctx.Done():
				m.Teardown()
			}
		}(i)
	}
	wg.Wait()

	return managers
}

func teardownAll(managers []*client.Manager) {
	fmt.Printf("Closing %d connections...\n", len(managers))
	for _, m := range managers {
		m.Teardown()
	}
}
