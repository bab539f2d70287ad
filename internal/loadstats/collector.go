// Package loadstats aggregates client-side measurements from relay load runs
// and prints a summary with percentile distributions.
package loadstats

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from many load clients. All methods are
// goroutine-safe.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	fanoutLatencies  []time.Duration
	sent             int
	delivered        int
	errors           int
	connections      int
	reconnects       int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector creates a new Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a relay metrics scraper. When set, Report also prints
// the server-side metrics it collected.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records an opened connection and how long it took to open.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddReconnect records a connection that had to reopen during the run.
func (c *Collector) AddReconnect() {
	c.mu.Lock()
	c.reconnects++
	c.mu.Unlock()
}

// AddSent records one chat envelope written by a sender.
func (c *Collector) AddSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// AddDelivery records one envelope arriving at a receiver d after it was sent.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.fanoutLatencies = append(c.fanoutLatencies, d)
	c.delivered++
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Connections int
	Reconnects  int
	Sent        int
	Delivered   int
	Errors      int
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Connections: c.connections,
		Reconnects:  c.reconnects,
		Sent:        c.sent,
		Delivered:   c.delivered,
		Errors:      c.errors,
	}
}

// Report writes a summary of the collected metrics to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Fprintln(w, "\n=== Relay Load Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Reconnects:   %d\n", c.reconnects)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)
	fmt.Fprintf(w, "Sent:         %d\n", c.sent)
	fmt.Fprintf(w, "Delivered:    %d\n", c.delivered)

	if len(c.connectLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Connect Latency ---")
		writePercentiles(w, c.connectLatencies)
	}

	if len(c.fanoutLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Fan-out Latency ---")
		writePercentiles(w, c.fanoutLatencies)
	}

	if c.scraper != nil {
		c.scraper.Report(w)
	}

	fmt.Fprintln(w)
}

// Percentiles summarises a latency sample.
type Percentiles struct {
	Avg, P50, P95, P99, Max time.Duration
	N                       int
}

// ComputePercentiles sorts durations in place and summarises them. An empty
// sample yields the zero value.
func ComputePercentiles(durations []time.Duration) Percentiles {
	n := len(durations)
	if n == 0 {
		return Percentiles{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Percentiles{
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: durations[int(math.Ceil(float64(n)*0.95))-1],
		P99: durations[int(math.Ceil(float64(n)*0.99))-1],
		Max: durations[n-1],
		N:   n,
	}
}

func writePercentiles(w io.Writer, durations []time.Duration) {
	p := ComputePercentiles(durations)
	fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		p.Avg.Round(time.Microsecond),
		p.P50.Round(time.Microsecond),
		p.P95.Round(time.Microsecond),
		p.P99.Round(time.Microsecond),
		p.Max.Round(time.Microsecond),
		p.N,
	)
}
