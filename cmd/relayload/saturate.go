package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/pennywise/chat-relay/internal/client"
	"github.com/pennywise/chat-relay/internal/loadstats"
)

// runSaturate opens the requested number of connections, holds them for the
// hold period while reporting how many are still open, then closes them.
func runSaturate(args []string) {
	fs := pflag.NewFlagSet("saturate", pflag.ExitOnError)
	common := addCommonFlags(fs, 1000)
	hold := fs.Duration("hold", 30*time.Second, "hold duration after all connections are open")
	fs.Parse(args)

	logger := newLogger(*common.logLevel)

	fmt.Printf("Saturate: %d connections to %s (hold=%s, concurrency=%d)\n",
		*common.connections, *common.url, *hold, *common.concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	scraper := startScraper(ctx, *common.metricsURL, collector)

	fmt.Println("\n--- Ramp-up phase ---")
	rampStart := time.Now()
	managers := openManagers(ctx, common, &logger, collector, nil)
	fmt.Printf("Ramp-up complete: %d/%d connections in %s (%d errors)\n",
		len(managers), *common.connections,
		time.Since(rampStart).Round(time.Millisecond), collector.Snapshot().Errors)

	if ctx.Err() == nil {
		fmt.Println("\n--- Hold phase ---")
		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				open := 0
				for _, m := range managers {
					if m.State() == client.StateOpen {
						open++
					}
				}
				fmt.Printf("  [hold] open: %d/%d  reconnects: %d\n",
					open, len(managers), collector.Snapshot().Reconnects)
			}
		}

		holdTimer.Stop()
		statusTicker.Stop()
	}

	fmt.Println("\n--- Cleanup ---")
	teardownAll(managers)

	if scraper != nil {
		scraper.Stop()
	}
	collector.Report(os.Stdout)
}
