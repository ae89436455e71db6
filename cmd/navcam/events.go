package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/navcam/dashcam/internal/events"
	"github.com/navcam/dashcam/internal/realtime"
	"github.com/navcam/dashcam/pkg/redis"
)

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Print the event stream mirrored to Redis, one JSON object per line",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.Redis.Addr == "" {
				return errors.New("events needs REDIS_ADDR")
			}
			ctx := cmd.Context()
			rdb, err := redis.NewClient(ctx, redis.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
			if err != nil {
				return err
			}
			defer rdb.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			bridge := realtime.NewRedisPubSub(rdb.Client, cfg.Redis.EventsChannel, logger)
			err = bridge.Subscribe(ctx, func(ev events.Event) {
				if err := enc.Encode(ev); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "write event: %v\n", err)
				}
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
