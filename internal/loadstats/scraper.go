package loadstats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// metricSnapshot holds the tracked relay metrics at a point in time.
type metricSnapshot struct {
	timestamp   time.Time
	connections float64
	frames      map[string]float64 // relay_frames_total by result label
	// histogram _sum and _count for computing averages
	fanoutSum      float64
	fanoutCount    float64
	broadcastSum   float64
	broadcastCount float64
}

func (s metricSnapshot) framesTotal() float64 {
	var total float64
	for _, v := range s.frames {
		total += v
	}
	return total
}

// Scraper periodically fetches the relay's /metrics endpoint and records
// snapshots for the load report.
type Scraper struct {
	metricsURL string
	interval   time.Duration

	mu        sync.Mutex
	snapshots []metricSnapshot

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper creates a Scraper for metricsURL at the given interval.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		done: make(chan struct{}),
	}
}

// Start takes a snapshot immediately and then one per interval until the
// context is cancelled or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the background scraper and waits for its final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Count returns how many snapshots were recorded.
func (s *Scraper) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func (s *Scraper) scrapeOnce() {
	snap, err := s.fetch()
	if err != nil {
		// The relay may not be up yet.
		return
	}

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch() (metricSnapshot, error) {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return metricSnapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return metricSnapshot{}, fmt.Errorf("loadstats: scrape %s: status %d", s.metricsURL, resp.StatusCode)
	}
	return parseSnapshot(resp.Body)
}

// parseSnapshot reads Prometheus text exposition and extracts the relay
// metrics.
func parseSnapshot(r io.Reader) (metricSnapshot, error) {
	snap := metricSnapshot{timestamp: time.Now(), frames: make(map[string]float64)}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		name, labels, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		switch name {
		case "relay_connections":
			snap.connections = value
		case "relay_frames_total":
			snap.frames[labels["result"]] += value
		case "relay_broadcast_fanout_sum":
			snap.fanoutSum = value
		case "relay_broadcast_fanout_count":
			snap.fanoutCount = value
		case "relay_broadcast_seconds_sum":
			snap.broadcastSum = value
		case "relay_broadcast_seconds_count":
			snap.broadcastCount = value
		}
	}

	return snap, scanner.Err()
}

// parseMetricLine splits an exposition line such as
//
//	relay_frames_total{result="forwarded"} 12
//
// into its name, labels and value.
func parseMetricLine(line string) (name string, labels map[string]string, value float64, ok bool) {
	rest := line
	if idx := strings.IndexByte(line, '{'); idx != -1 {
		closing := strings.IndexByte(line[idx:], '}')
		if closing == -1 {
			return "", nil, 0, false
		}
		name = line[:idx]
		labels = parseLabels(line[idx+1 : idx+closing])
		rest = line[idx+closing+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", nil, 0, false
		}
		name = fields[0]
		rest = strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if len(fields) < 1 {
		return "", nil, 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", nil, 0, false
	}
	return name, labels, v, true
}

func parseLabels(s string) map[string]string {
	labels := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		labels[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return labels
}

// Report writes the server-side metrics collected during the run: initial,
// final, delta and peak for each gauge or counter, plus histogram averages.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := make([]metricSnapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Relay Metrics (no data collected) ---")
		return
	}

	first := snaps[0]
	last := snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Relay Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	type row struct {
		label   string
		initial float64
		final   float64
		peak    float64
	}
	rows := []row{
		{label: "Connections", initial: first.connections, final: last.connections,
			peak: peakValue(snaps, func(s metricSnapshot) float64 { return s.connections })},
		{label: "Frames", initial: first.framesTotal(), final: last.framesTotal(),
			peak: peakValue(snaps, metricSnapshot.framesTotal)},
	}
	for _, result := range []string{"forwarded", "malformed", "invalid", "rate_limited", "control"} {
		result := result
		rows = append(rows, row{
			label:   "  " + result,
			initial: first.frames[result],
			final:   last.frames[result],
			peak:    peakValue(snaps, func(s metricSnapshot) float64 { return s.frames[result] }),
		})
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, r := range rows {
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, r.initial, r.final, r.final-r.initial, r.peak)
	}

	fmt.Fprintln(w)
	writeHistogramAvg(w, "Fan-out", "", first.fanoutSum, first.fanoutCount, last.fanoutSum, last.fanoutCount)
	writeHistogramAvg(w, "Broadcast time", "s", first.broadcastSum, first.broadcastCount, last.broadcastSum, last.broadcastCount)
}

// writeHistogramAvg prints the average from histogram _sum/_count deltas
// between the first and last snapshot.
func writeHistogramAvg(w io.Writer, label, unit string, sumFirst, countFirst, sumLast, countLast float64) {
	deltaSum := sumLast - sumFirst
	deltaCount := countLast - countFirst
	if deltaCount > 0 {
		fmt.Fprintf(w, "  %-16s avg: %.4f%s  (%.0f observations)\n", label, deltaSum/deltaCount, unit, deltaCount)
	} else {
		fmt.Fprintf(w, "  %-16s avg: N/A  (no observations)\n", label)
	}
}

func peakValue(snaps []metricSnapshot, extract func(metricSnapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}
