package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/pennywise/chat-relay/internal/client"
	"github.com/pennywise/chat-relay/internal/loadstats"
	"github.com/pennywise/chat-relay/internal/protocol"
)

// loadIDPrefix marks chat ids generated by this tool. The last dash-separated
// field is the send time in unix nanoseconds.
const loadIDPrefix = "load-"

func loadID(sender int, seq int, at time.Time) string {
	return loadIDPrefix + strconv.Itoa(sender) + "-" + strconv.Itoa(seq) + "-" + strconv.FormatInt(at.UnixNano(), 10)
}

func sentAt(id string) (time.Time, bool) {
	if !strings.HasPrefix(id, loadIDPrefix) {
		return time.Time{}, false
	}
	i := strings.LastIndexByte(id, '-')
	ns, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// runFanout opens the requested connections, then has the first senders
// publish chat messages at a fixed rate. Every receiver records how long each
// message took to arrive.
func runFanout(args []string) {
	fs := pflag.NewFlagSet("fanout", pflag.ExitOnError)
	common := addCommonFlags(fs, 100)
	senders := fs.Int("senders", 1, "number of connections that send")
	rate := fs.Duration("interval", time.Second, "delay between messages per sender")
	duration := fs.Duration("duration", 30*time.Second, "how long senders keep sending")
	fs.Parse(args)

	if *senders > *common.connections {
		*senders = *common.connections
	}

	logger := newLogger(*common.logLevel)

	fmt.Printf("Fanout: %d connections (%d senders, every %s for %s) to %s\n",
		*common.connections, *senders, *rate, *duration, *common.url)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	scraper := startScraper(ctx, *common.metricsURL, collector)

	managers := openManagers(ctx, common, &logger, collector, func(i int, m *client.Manager) {
		m.On(protocol.KindChat, func(env protocol.Envelope, raw []byte) {
			p, err := env.Chat()
			if err != nil {
				collector.AddError()
				return
			}
			if at, ok := sentAt(p.ID); ok {
				collector.AddDelivery(time.Since(at))
			}
		})
	})
	fmt.Printf("Opened %d/%d connections\n", len(managers), *common.connections)

	if len(managers) < *senders {
		*senders = len(managers)
	}

	sendCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	done := make(chan struct{}, *senders)
	for s := 0; s < *senders; s++ {
		go func(s int, m *client.Manager) {
			defer func() { done <- struct{}{} }()
			ticker := time.NewTicker(*rate)
			defer ticker.Stop()

			from := "load-" + strconv.Itoa(s)
			for seq := 0; ; seq++ {
				select {
				case <-sendCtx.Done():
					return
				case <-ticker.C:
				}
				now := time.Now()
				msg := protocol.ChatPayload{
					ID:   loadID(s, seq, now),
					From: from,
					Text: "load message " + strconv.Itoa(seq),
					Time: now.Format("15:04"),
				}
				if err := m.Send(protocol.KindChat, msg); err != nil {
					collector.AddError()
					continue
				}
				collector.AddSent()
			}
		}(s, managers[s])
	}
	for s := 0; s < *senders; s++ {
		<-done
	}

	// Let the last broadcasts land.
	time.Sleep(500 * time.Millisecond)

	snap := collector.Snapshot()
	if want := snap.Sent * (len(managers) - 1); want > 0 {
		fmt.Printf("\nDelivered %d of %d expected (%.1f%%)\n",
			snap.Delivered, want, 100*float64(snap.Delivered)/float64(want))
	}

	teardownAll(managers)

	if scraper != nil {
		scraper.Stop()
	}
	collector.Report(os.Stdout)
}
