package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/noah-isme/pos-billing/internal/notify"
	"github.com/noah-isme/pos-billing/internal/queue"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect background queues",
	}
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print ready, processing and dead-letter counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			redisURL, _ := cmd.Flags().GetString("redis-url")
			prefix, _ := cmd.Flags().GetString("prefix")
			kind, _ := cmd.Flags().GetString("kind")
			if redisURL == "" {
				redisURL = os.Getenv("REDIS_URL")
			}
			if redisURL == "" {
				return errors.New("redis url required: pass --redis-url or set REDIS_URL")
			}
			opts, err := redis.ParseURL(redisURL)
			if err != nil {
				return fmt.Errorf("parse redis url: %w", err)
			}
			client := redis.NewClient(opts)
			defer func() { _ = client.Close() }()

			s, err := queue.Inspect(cmd.Context(), client, prefix, kind)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{"kind": kind, "stats": s})
		},
	}
	stats.Flags().String("redis-url", "", "Redis URL (defaults to REDIS_URL)")
	stats.Flags().String("prefix", envOr("QUEUE_REDIS_PREFIX", "billing"), "queue key prefix")
	stats.Flags().String("kind", notify.TaskInvoiceEmail, "task kind")
	cmd.AddCommand(stats)
	return cmd
}
