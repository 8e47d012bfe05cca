// Command loadtest drives a running chat server with simulated participants.
//
//   - saturate: open N idle connections and hold them
//   - chat:     N participants post on the shared channel, some with
//     content the moderation rules reject
//
// Usage:
//
//	loadtest <command> [flags]
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "loadtest",
		Short:         "Load test the group chat server",
		Long: `loadtest drives a running chat server with simulated participants.

All participants connect from one address, so the per-IP connect limit and
strike bans refuse most of a run. Start the server with
RATE_LIMIT_ENABLED=false BAN_ENABLED=false, or without REDIS_ADDR.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	root.PersistentFlags().Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	root.PersistentFlags().Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")

	root.AddCommand(newSaturateCmd())
	root.AddCommand(newChatCmd())
	return root
}

func rampFromFlags(cmd *cobra.Command, clients int, prefix string) rampConfig {
	url, _ := cmd.Flags().GetString("url")
	ramp, _ := cmd.Flags().GetDuration("ramp")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	return rampConfig{
		url:         url,
		clients:     clients,
		ramp:        ramp,
		concurrency: concurrency,
		prefix:      prefix,
	}
}
