package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gookit/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/whisper/groupchat/internal/ban"
)

func newBanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ban",
		Short: "Inspect or lift automatic bans",
	}
	cmd.PersistentFlags().String("redis-addr", os.Getenv("REDIS_ADDR"), "Redis address holding ban state")

	cmd.AddCommand(&cobra.Command{
		Use:   "status <sender-id>",
		Short: "Show strikes and the current ban of a sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBanStore(cmd, func(ctx context.Context, store *ban.Store) error {
				st, err := store.Status(ctx, args[0])
				if err != nil {
					return err
				}
				strikes, err := store.Strikes(ctx, args[0])
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				if st.Banned {
					fmt.Fprintf(w, "%s  %s for %s\n", color.Red.Sprint("BANNED"), args[0], time.Duration(st.Remaining)*time.Second)
					fmt.Fprintf(w, "        reason=%s\n", st.Reason)
				} else {
					fmt.Fprintf(w, "%s  %s\n", color.Green.Sprint("ACTIVE"), args[0])
				}
				fmt.Fprintf(w, "        strikes=%d\n", strikes)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "lift <sender-id>",
		Short: "Remove a ban and reset the strike counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBanStore(cmd, func(ctx context.Context, store *ban.Store) error {
				if err := store.Lift(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "lifted %s\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func withBanStore(cmd *cobra.Command, fn func(context.Context, *ban.Store) error) error {
	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		color.Enable = false
	}
	addr, _ := cmd.Flags().GetString("redis-addr")
	if addr == "" {
		return errors.New("--redis-addr or REDIS_ADDR is required")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	return fn(ctx, ban.NewStore(client, 0))
}
