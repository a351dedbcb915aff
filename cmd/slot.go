package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/slot-backfill/internal/engine"
	"github.com/example/slot-backfill/internal/ledger"
	"github.com/example/slot-backfill/internal/notifier"
)

func newSlotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slot",
		Short: "Open, inspect and abort slots",
	}
	cmd.AddCommand(newSlotCreateCmd())
	cmd.AddCommand(newSlotListCmd())
	cmd.AddCommand(newSlotStatusCmd())
	cmd.AddCommand(newSlotAbortCmd())
	return cmd
}

// withEngine runs fn against an engine that sends texts synchronously. Hold
// expiries are left to the server's timer service.
func withEngine(fn func(ctx context.Context, eng *engine.Engine) error) error {
	ctx := context.Background()
	a, err := openApp(ctx, appOptions{migrate: true})
	if err != nil {
		return err
	}
	defer a.Close()
	eng, err := a.engine(notifier.Direct{D: a.dispatcher}, nil)
	if err != nil {
		return err
	}
	return fn(ctx, eng)
}

func newSlotCreateCmd() *cobra.Command {
	var (
		key, provider, providerType, location, reason string
		start                                         string
		minutes                                       int
	)
	c := &cobra.Command{
		Use:   "create",
		Short: "Open a slot for a cancelled appointment and text the first batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := time.Parse(time.RFC3339, start)
			if err != nil {
				return fmt.Errorf("invalid --start (want RFC3339): %w", err)
			}
			if key == "" {
				key = fmt.Sprintf("cli-%s-%s", provider, st.UTC().Format(time.RFC3339))
			}
			return withEngine(func(ctx context.Context, eng *engine.Engine) error {
				id, err := eng.CreateSlot(ctx, engine.NewSlot{
					IdempotencyKey: key,
					Start:          st,
					End:            st.Add(time.Duration(minutes) * time.Minute),
					Provider:       provider,
					ProviderType:   providerType,
					Location:       location,
					Reason:         reason,
				})
				if id != "" {
					fmt.Fprintf(os.Stdout, "slot id=%s\n", id)
				}
				return err
			})
		},
	}
	c.Flags().StringVar(&key, "key", "", "idempotency key (defaults to provider+start)")
	c.Flags().StringVar(&start, "start", "", "appointment start, RFC3339")
	c.Flags().IntVar(&minutes, "minutes", 30, "appointment length in minutes")
	c.Flags().StringVar(&provider, "provider", "", "provider name")
	c.Flags().StringVar(&providerType, "provider-type", "", "provider type, e.g. PT or OT")
	c.Flags().StringVar(&location, "location", "", "location shown in the offer text")
	c.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	_ = c.MarkFlagRequired("start")
	return c
}

func newSlotListCmd() *cobra.Command {
	var status string
	c := &cobra.Command{
		Use:   "list",
		Short: "List slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, eng *engine.Engine) error {
				slots, err := eng.ListSlots(ctx, ledger.SlotStatus(status))
				if err != nil {
					return err
				}
				for _, s := range slots {
					fmt.Fprintf(os.Stdout, "id=%s status=%s start=%s provider=%q location=%q\n",
						s.ID, s.Status, s.Start.Format(time.RFC3339), s.Provider, s.Location)
				}
				return nil
			})
		},
	}
	c.Flags().StringVar(&status, "status", "open", "open, filled, expired, aborted or empty for all")
	return c
}

func newSlotStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <slot-id>",
		Short: "Show a slot and its offers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, eng *engine.Engine) error {
				snap, err := eng.GetSlotStatus(ctx, args[0])
				if err != nil {
					return err
				}
				s := snap.Slot
				fmt.Fprintf(os.Stdout, "id=%s status=%s start=%s batch=%d pending=%d\n",
					s.ID, s.Status, s.Start.Format(time.RFC3339), snap.CurrentBatch, snap.Pending)
				if s.FilledBy != "" {
					fmt.Fprintf(os.Stdout, "filled_by=%s\n", s.FilledBy)
				}
				offers := snap.Offers
				sort.SliceStable(offers, func(i, j int) bool { return offers[i].BatchNumber < offers[j].BatchNumber })
				for _, o := range offers {
					fmt.Fprintf(os.Stdout, "  batch=%d candidate=%s contact=%s status=%s hold_until=%s\n",
						o.BatchNumber, o.CandidateID, o.Contact, o.Status, o.HoldExpiresAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func newSlotAbortCmd() *cobra.Command {
	var reason string
	c := &cobra.Command{
		Use:   "abort <slot-id>",
		Short: "Withdraw an open slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, eng *engine.Engine) error {
				if err := eng.AbortSlot(ctx, args[0], reason); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "slot %s aborted\n", args[0])
				return nil
			})
		},
	}
	c.Flags().StringVar(&reason, "reason", "", "why the slot is withdrawn")
	return c
}
