package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/slot-backfill/internal/scheduler"
	"github.com/example/slot-backfill/internal/web"
)

func newServerCmd() *cobra.Command {
	var (
		opts                     appOptions
		adminUser, adminPassword string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the webhooks, admin API, notifier and timer service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.cfg

			sessions := a.auth()
			if adminUser != "" {
				if _, err := sessions.CreateUser(ctx, adminUser, adminPassword); err != nil {
					return fmt.Errorf("bootstrap admin: %w", err)
				}
				a.log.Info("admin user created", "username", adminUser)
			}

			sched := &scheduler.Scheduler{
				Ledger:      a.ledger,
				Interval:    cfg.HoldCheckInterval,
				Waitlist:    a.waitlist,
				RecalcEvery: cfg.PriorityRecalcEvery,
				Messages:    a.messages,
				Retention:   cfg.MessageRetention,
				Metrics:     a.metrics,
				Logger:      a.log,
			}
			eng, err := a.engine(a.dispatcher, sched)
			if err != nil {
				return err
			}
			sched.Engine = eng

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				_ = a.dispatcher.Run(ctx)
			}()
			go func() {
				defer wg.Done()
				_ = sched.Run(ctx)
			}()

			ws := &web.Server{
				Auth:             sessions,
				Engine:           eng,
				Waitlist:         a.waitlist,
				Messages:         a.messages,
				Priorities:       sched,
				Limiter:          a.limiter,
				Metrics:          a.metrics,
				Templates:        a.templates,
				Logger:           a.log,
				BaseURL:          cfg.BaseURL,
				TwilioAuthToken:  cfg.TwilioAuthToken,
				VerifySignatures: cfg.VerifySignatures && !cfg.SMSMock,
				InboundPerMinute: cfg.InboundPerMinute,
			}
			err = web.Start(ctx, cfg.ListenAddr, ws.Routes(), a.log)
			cancel()
			wg.Wait()
			return err
		},
	}

	cmd.Flags().BoolVar(&opts.migrate, "migrate", true, "run database migrations on startup")
	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	cmd.Flags().BoolVar(&opts.memory, "memory", false, "keep all state in process (development only)")
	cmd.Flags().StringVar(&adminUser, "admin-user", "", "create this staff user on startup")
	cmd.Flags().StringVar(&adminPassword, "admin-password", "", "password for --admin-user")
	return cmd
}
