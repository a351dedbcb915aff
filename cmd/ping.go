package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/example/slot-backfill/internal/config"
	"github.com/example/slot-backfill/internal/db"
	"github.com/example/slot-backfill/internal/sms"
)

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "ping [db|redis|sms]",
		Short:     "Check connectivity to a dependency",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"db", "redis", "sms"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			switch args[0] {
			case "db":
				err = pingDB(ctx, cfg)
			case "redis":
				err = pingRedis(ctx, cfg)
			case "sms":
				err = pingSMS(ctx, cfg)
			default:
				return fmt.Errorf("unknown dependency: %s", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s: ok\n", args[0])
			return nil
		},
	}
}

func pingDB(ctx context.Context, cfg config.Config) error {
	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Ping(ctx)
}

func pingRedis(ctx context.Context, cfg config.Config) error {
	if cfg.RedisURL == "" {
		return errors.New("REDIS_URL is not set")
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("REDIS_URL: %w", err)
	}
	c := redis.NewClient(opts)
	defer c.Close()
	return c.Ping(ctx).Err()
}

func pingSMS(ctx context.Context, cfg config.Config) error {
	if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
		return errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required")
	}
	return sms.New(sms.Credentials{AccountSID: cfg.TwilioAccountSID, AuthToken: cfg.TwilioAuthToken}).Ping(ctx)
}
