package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/groupchat/internal/chat"
	"github.com/whisper/groupchat/internal/protocol"
	"github.com/whisper/groupchat/loadtest/client"
	"github.com/whisper/groupchat/loadtest/stats"
)

// markerPrefix tags generated texts so an author can recognise its own
// message on the shared channel and time the round trip.
const markerPrefix = "lt"

// toxicTexts are rejected by the default moderation rules.
var toxicTexts = []string{
	"vou te matar",
	"te quebro todo",
}

type chatOptions struct {
	clients        int
	duration       time.Duration
	msgInterval    time.Duration
	msgSize        int
	toxicRatio     float64
	drain          time.Duration
	metricsURL     string
	scrapeInterval time.Duration
}

// newChatCmd has every participant post on the shared channel at a fixed
// interval. It measures fan-out latency and counts private rejections.
func newChatCmd() *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Simulate participants posting on the shared channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.clients <= 0 {
				return fmt.Errorf("--clients must be positive")
			}
			if opts.toxicRatio < 0 || opts.toxicRatio > 1 {
				return fmt.Errorf("--toxic-ratio must be between 0 and 1")
			}
			return runChat(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.clients, "clients", 50, "Number of participants")
	f.DurationVar(&opts.duration, "duration", 30*time.Second, "How long participants keep posting")
	f.DurationVar(&opts.msgInterval, "msg-interval", 3*time.Second, "Interval between messages per participant")
	f.IntVar(&opts.msgSize, "msg-size", 64, "Approximate size of each clean message in bytes")
	f.Float64Var(&opts.toxicRatio, "toxic-ratio", 0.1, "Fraction of messages that should be rejected")
	f.DurationVar(&opts.drain, "drain", 2*time.Second, "Wait for in-flight deliveries after posting stops")
	f.StringVar(&opts.metricsURL, "metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL, empty to disable")
	f.DurationVar(&opts.scrapeInterval, "scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	return cmd
}

func runChat(cmd *cobra.Command, opts chatOptions) error {
	w := cmd.OutOrStdout()
	cfg := rampFromFlags(cmd, opts.clients, "loadtest")

	fmt.Fprintf(w, "Chat test: %d participants to %s (ramp=%s, duration=%s, interval=%s, toxic=%.0f%%)\n",
		opts.clients, cfg.url, cfg.ramp, opts.duration, opts.msgInterval, opts.toxicRatio*100)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	var scraper *stats.Scraper
	if opts.metricsURL != "" {
		scraper = stats.NewScraper(opts.metricsURL, opts.scrapeInterval)
		collector.SetScraper(scraper)
		scraper.Start(ctx)
	}

	fmt.Fprintln(w, "\n--- Phase 1: Connect participants ---")
	clients, interrupted := rampUp(ctx, w, cfg, collector, func(c *client.Client) {
		watch(c, collector)
	})

	if !interrupted && len(clients) > 0 {
		fmt.Fprintf(w, "\n--- Phase 2: Posting for %s ---\n", opts.duration)
		post(ctx, w, clients, opts, collector)

		select {
		case <-ctx.Done():
		case <-time.After(opts.drain):
		}
	}

	closeAll(w, clients)
	if scraper != nil {
		scraper.Stop()
	}
	collector.Report(w)
	return nil
}

// watch registers the handlers that feed the collector.
func watch(c *client.Client, collector *stats.Collector) {
	c.On(protocol.TypeMessage, func(raw json.RawMessage) {
		var msg chat.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			collector.AddError()
			return
		}
		collector.AddDelivered()
		if msg.SenderID != c.SenderID() {
			return
		}
		if sent, ok := parseMarker(msg.Text); ok {
			collector.AddMsgLatency(time.Since(sent))
		}
	})
	c.On(protocol.TypeError, func(raw json.RawMessage) {
		var notice protocol.ErrorMsg
		if err := json.Unmarshal(raw, &notice); err != nil || notice.Code != protocol.CodeRejected {
			collector.AddError()
			return
		}
		collector.AddRejected()
	})
	c.On(protocol.TypeRateLimited, func(json.RawMessage) {
		collector.AddRateLimited()
	})
}

func post(ctx context.Context, w io.Writer, clients []*client.Client, opts chatOptions, collector *stats.Collector) {
	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *client.Client) {
			defer wg.Done()

			// Stagger first sends so participants don't post in lockstep.
			offset := opts.msgInterval * time.Duration(i) / time.Duration(len(clients))
			select {
			case <-ctx.Done():
				return
			case <-time.After(offset):
			}

			ticker := time.NewTicker(opts.msgInterval)
			defer ticker.Stop()
			for seq := 0; ; seq++ {
				text := cleanText(seq, time.Now(), opts.msgSize)
				if rand.Float64() < opts.toxicRatio {
					text = toxicTexts[seq%len(toxicTexts)]
				}
				if err := c.SendText(text); err != nil {
					collector.AddError()
					return
				}
				collector.AddSent()

				select {
				case <-ctx.Done():
					return
				case <-c.Done():
					return
				case <-ticker.C:
				}
			}
		}(i, c)
	}

	progress := time.NewTicker(5 * time.Second)
	defer progress.Stop()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			return
		case <-progress.C:
			n := collector.Counts()
			fmt.Fprintf(w, "  [chat] sent: %d  delivered: %d  rejected: %d  rate limited: %d\n",
				n.Sent, n.Delivered, n.Rejected, n.RateLimited)
		}
	}
}

// cleanText builds "lt <seq> <unix-nanos> xxxx..." padded to roughly size
// bytes.
func cleanText(seq int, sent time.Time, size int) string {
	head := fmt.Sprintf("%s %d %d ", markerPrefix, seq, sent.UnixNano())
	if pad := size - len(head); pad > 0 {
		return head + strings.Repeat("x", pad)
	}
	return strings.TrimSpace(head)
}

func parseMarker(text string) (time.Time, bool) {
	fields := strings.Fields(text)
	if len(fields) < 3 || fields[0] != markerPrefix {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}
