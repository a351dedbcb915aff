package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/slot-backfill/internal/waitlist"
)

func newCandidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "candidate",
		Short: "Manage the waitlist",
	}
	cmd.AddCommand(newCandidateAddCmd())
	cmd.AddCommand(newCandidateListCmd())
	cmd.AddCommand(newCandidateBoostCmd())
	return cmd
}

func withWaitlist(fn func(ctx context.Context, wl waitlist.Store) error) error {
	ctx := context.Background()
	a, err := openApp(ctx, appOptions{migrate: true})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.waitlist)
}

func newCandidateAddCmd() *cobra.Command {
	var (
		contact, name, next, providers, providerType, notes string
		urgent                                              bool
		boost                                               int
	)
	c := &cobra.Command{
		Use:   "add",
		Short: "Add a candidate to the waitlist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cand := waitlist.Candidate{
				Contact:                contact,
				DisplayName:            name,
				Urgent:                 urgent,
				ManualBoost:            boost,
				Active:                 true,
				ProviderPreference:     splitCSV(providers),
				ProviderTypePreference: providerType,
				Notes:                  notes,
			}
			if next != "" {
				t, err := time.Parse(time.RFC3339, next)
				if err != nil {
					return fmt.Errorf("invalid --next-appointment (want RFC3339): %w", err)
				}
				cand.NextScheduledAt = &t
			}
			return withWaitlist(func(ctx context.Context, wl waitlist.Store) error {
				created, err := wl.Create(ctx, cand)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "created candidate id=%s\n", created.ID)
				return nil
			})
		},
	}
	c.Flags().StringVar(&contact, "contact", "", "E.164 phone number")
	c.Flags().StringVar(&name, "name", "", "display name")
	c.Flags().BoolVar(&urgent, "urgent", false, "clinically urgent")
	c.Flags().IntVar(&boost, "boost", 0, "manual priority boost (0-40)")
	c.Flags().StringVar(&next, "next-appointment", "", "currently scheduled appointment, RFC3339")
	c.Flags().StringVar(&providers, "providers", "", "preferred providers (comma-separated)")
	c.Flags().StringVar(&providerType, "provider-type", "", "preferred provider type, or Any")
	c.Flags().StringVar(&notes, "notes", "", "staff notes")
	_ = c.MarkFlagRequired("contact")
	return c
}

func newCandidateListCmd() *cobra.Command {
	var all bool
	c := &cobra.Command{
		Use:   "list",
		Short: "List candidates by priority",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWaitlist(func(ctx context.Context, wl waitlist.Store) error {
				cs, err := wl.List(ctx, !all)
				if err != nil {
					return err
				}
				for _, c := range cs {
					fmt.Fprintf(os.Stdout, "id=%s contact=%s name=%q score=%d urgent=%t boost=%d active=%t opted_out=%t\n",
						c.ID, c.Contact, c.DisplayName, c.PriorityScore, c.Urgent, c.ManualBoost, c.Active, c.OptedOut)
				}
				return nil
			})
		},
	}
	c.Flags().BoolVar(&all, "all", false, "include inactive candidates")
	return c
}

func newCandidateBoostCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boost <candidate-id> <0-40>",
		Short: "Set a candidate's manual priority boost",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var boost int
			if _, err := fmt.Sscanf(args[1], "%d", &boost); err != nil {
				return fmt.Errorf("invalid boost %q", args[1])
			}
			return withWaitlist(func(ctx context.Context, wl waitlist.Store) error {
				return wl.SetBoost(ctx, args[0], boost)
			})
		},
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
