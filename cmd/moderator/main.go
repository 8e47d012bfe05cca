package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "1.0.0"

func main() {
	err := newRootCmd().Execute()
	switch {
	case err == nil:
	case errors.Is(err, errRejected):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "moderator",
		Short: "Inspect and exercise the chat moderation rules",
		Long: `moderator runs texts through the same moderation engine the chat
server uses, prints the active rule set, and manages automatic bans.

Examples:
  moderator check "bom dia a todos"
  echo "vou te matar" | moderator check
  moderator rules --rules ./rules.yaml
  moderator ban status user-42 --redis-addr localhost:6379`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("rules", os.Getenv("MODERATION_RULES_FILE"), "YAML rule file (defaults to the built-in rules)")
	root.PersistentFlags().Bool("no-color", false, "Disable colored output")

	root.AddCommand(newCheckCmd())
	root.AddCommand(newRulesCmd())
	root.AddCommand(newBanCmd())
	return root
}
