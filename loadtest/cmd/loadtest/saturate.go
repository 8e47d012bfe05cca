package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/groupchat/loadtest/client"
	"github.com/whisper/groupchat/loadtest/stats"
)

// newSaturateCmd opens idle connections and holds them to find the point
// where the server starts refusing or dropping sockets.
func newSaturateCmd() *cobra.Command {
	var (
		connections int
		hold        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "saturate",
		Short: "Open N idle connections and hold them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if connections <= 0 {
				return fmt.Errorf("--connections must be positive")
			}
			w := cmd.OutOrStdout()
			cfg := rampFromFlags(cmd, connections, "saturate")

			fmt.Fprintf(w, "Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
				connections, cfg.url, cfg.ramp, hold, cfg.concurrency)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			collector := stats.NewCollector()

			fmt.Fprintln(w, "\n--- Ramp-up phase ---")
			clients, interrupted := rampUp(ctx, w, cfg, collector, nil)

			dropped := 0
			if !interrupted {
				fmt.Fprintf(w, "\n--- Hold phase ---\nHolding %d connections for %s...\n", len(clients), hold)
				dropped = holdOpen(ctx, cmd, clients, hold)
			}

			closeAll(w, clients)
			if dropped > 0 {
				fmt.Fprintf(w, "\nConnections dropped during hold: %d\n", dropped)
			}
			collector.Report(w)
			return nil
		},
	}

	cmd.Flags().IntVar(&connections, "connections", 1000, "Number of connections to open")
	cmd.Flags().DurationVar(&hold, "hold", 30*time.Second, "Hold duration after all connections are open")
	return cmd
}

// holdOpen waits for hold or ctx and returns how many connections the
// server closed meanwhile.
func holdOpen(ctx context.Context, cmd *cobra.Command, clients []*client.Client, hold time.Duration) int {
	w := cmd.OutOrStdout()
	timer := time.NewTimer(hold)
	defer timer.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(w, "\nInterrupted during hold phase.")
			return countClosed(clients)
		case <-timer.C:
			fmt.Fprintln(w, "\nHold period complete.")
			return countClosed(clients)
		case <-status.C:
			closed := countClosed(clients)
			fmt.Fprintf(w, "  [hold] alive: %d/%d  dropped: %d\n", len(clients)-closed, len(clients), closed)
		}
	}
}

func countClosed(clients []*client.Client) int {
	n := 0
	for _, c := range clients {
		select {
		case <-c.Done():
			n++
		default:
		}
	}
	return n
}
