// Package stats aggregates load test measurements from many client
// goroutines and prints a summary with percentile distributions.
package stats

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
)

// Collector aggregates metrics from multiple load test clients. All methods
// are goroutine-safe.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	msgLatencies     []time.Duration
	connections      int
	errors           int
	sent             int
	delivered        int
	rejected         int
	rateLimited      int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector creates a new Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a Prometheus scraper whose report is appended to ours.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection with the given connect latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddMsgLatency records the time from submitting a message until its author
// saw it come back on the shared channel.
func (c *Collector) AddMsgLatency(d time.Duration) {
	c.mu.Lock()
	c.msgLatencies = append(c.msgLatencies, d)
	c.mu.Unlock()
}

func (c *Collector) AddSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// AddDelivered counts one fanned-out message received by one client.
func (c *Collector) AddDelivered() {
	c.mu.Lock()
	c.delivered++
	c.mu.Unlock()
}

func (c *Collector) AddRejected() {
	c.mu.Lock()
	c.rejected++
	c.mu.Unlock()
}

func (c *Collector) AddRateLimited() {
	c.mu.Lock()
	c.rateLimited++
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the current number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the current number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Counts is a snapshot of the message counters.
type Counts struct {
	Sent        int
	Delivered   int
	Rejected    int
	RateLimited int
}

func (c *Collector) Counts() Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Counts{Sent: c.sent, Delivered: c.delivered, Rejected: c.rejected, RateLimited: c.rateLimited}
}

// Report writes a summary of the collected metrics to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:      %s\n", elapsed.Round(time.Second))
	fmt.Fprintf(w, "Connections:   %d\n", c.connections)
	fmt.Fprintf(w, "Errors:        %d\n", c.errors)
	if c.connections > 0 {
		fmt.Fprintf(w, "Error rate:    %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}
	if c.sent > 0 {
		fmt.Fprintf(w, "Sent:          %d\n", c.sent)
		fmt.Fprintf(w, "Delivered:     %d\n", c.delivered)
		fmt.Fprintf(w, "Rejected:      %d\n", c.rejected)
		fmt.Fprintf(w, "Rate limited:  %d\n", c.rateLimited)
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Latency", "avg", "p50", "p95", "p99", "max", "n"})
	table.SetBorder(false)
	rows := 0
	if p, ok := Summarize(c.connectLatencies); ok {
		table.Append(p.row("connect"))
		rows++
	}
	if p, ok := Summarize(c.msgLatencies); ok {
		table.Append(p.row("message"))
		rows++
	}
	if rows > 0 {
		fmt.Fprintln(w)
		table.Render()
	}

	if c.scraper != nil {
		c.scraper.Report(w)
	}
	fmt.Fprintln(w)
}

// Percentiles summarizes a latency sample.
type Percentiles struct {
	Avg, P50, P95, P99, Max time.Duration
	N                       int
}

func (p Percentiles) row(label string) []string {
	r := func(d time.Duration) string { return d.Round(time.Microsecond).String() }
	return []string{label, r(p.Avg), r(p.P50), r(p.P95), r(p.P99), r(p.Max), fmt.Sprint(p.N)}
}

// Summarize sorts durations in place and computes its percentiles. It
// returns false for an empty sample.
func Summarize(durations []time.Duration) (Percentiles, bool) {
	n := len(durations)
	if n == 0 {
		return Percentiles{}, false
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
	}, true
}
