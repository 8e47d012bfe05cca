package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/whisper/groupchat/loadtest/client"
	"github.com/whisper/groupchat/loadtest/stats"
)

type rampConfig struct {
	url         string
	clients     int
	ramp        time.Duration
	concurrency int
	prefix      string
}

// rampUp opens cfg.clients connections spread evenly over cfg.ramp. setup
// runs before a client's read loop starts and is where handlers go. The
// second result reports whether ctx interrupted the ramp.
func rampUp(ctx context.Context, w io.Writer, cfg rampConfig, collector *stats.Collector, setup func(*client.Client)) ([]*client.Client, bool) {
	interval := cfg.ramp / time.Duration(cfg.clients)
	if interval <= 0 {
		interval = time.Millisecond
	}
	concurrency := cfg.concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var mu sync.Mutex
	clients := make([]*client.Client, 0, cfg.clients)

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				current := collector.ConnectionCount()
				rate := float64(current-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Fprintf(w, "  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					current, cfg.clients, collector.ErrorCount(), rate)
				lastCount = current
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	start := time.Now()
	ticker := time.NewTicker(interval)
	interrupted := false

launch:
	for i := 0; i < cfg.clients; i++ {
		select {
		case <-ctx.Done():
			fmt.Fprintln(w, "\nInterrupted during ramp-up.")
			interrupted = true
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			id := fmt.Sprintf("%s-%d", cfg.prefix, i)
			c, err := client.New(connCtx, cfg.url, id, id)
			if err != nil {
				collector.AddError()
				return
			}
			if setup != nil {
				setup(c)
			}
			c.Start()

			if err := c.WaitForSession(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
	}

	ticker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Fprintf(w, "\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		len(clients), cfg.clients, time.Since(start).Round(time.Millisecond), collector.ErrorCount())
	return clients, interrupted
}

func closeAll(w io.Writer, clients []*client.Client) {
	fmt.Fprintf(w, "\nClosing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
}
