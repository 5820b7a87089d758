// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/adiadia/readmodel-runtime/internal/reservation"
)

func newProgressCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "progress",
		Short: "Show catch-up progress per projector",
		Args:  cobra.NoArgs,
		RunE: c.withSession(func(ctx context.Context, s *session, _ []string) error {
			progress, err := s.Progress.Calculate(ctx)
			if err != nil {
				return err
			}
			return render(c.out, c.output, newProgressList(progress))
		}),
	}
}

func newCatchupCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catchup",
		Short: "Catch-up engine commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one catch-up pass in this process",
		Args:  cobra.NoArgs,
		RunE: c.withSession(func(ctx context.Context, s *session, _ []string) error {
			engine, err := s.Engine()
			if err != nil {
				return err
			}
			res, err := engine.Run(ctx)
			if err != nil {
				return err
			}
			return render(c.out, c.output, newRunView(res))
		}),
	})
	return cmd
}

type reservationFlags struct {
	scope string
	owner string
	token string
	lease time.Duration
}

// register adds the shared flags. Commands that create a reservation accept
// lease options and may omit --owner; the others act on an existing one.
func (f *reservationFlags) register(cmd *cobra.Command, creates bool) {
	cmd.Flags().StringVar(&f.scope, "scope", "", "reservation scope")
	_ = cmd.MarkFlagRequired("scope")

	if !creates {
		cmd.Flags().StringVar(&f.owner, "owner", "", "owner token")
		_ = cmd.MarkFlagRequired("owner")
		return
	}
	cmd.Flags().StringVar(&f.owner, "owner", "", "owner token (default: a new random token)")
	cmd.Flags().StringVar(&f.token, "confirmation-token", "", "confirmation token to attach")
	cmd.Flags().DurationVar(&f.lease, "lease", 0, "lease length (default: service default)")
}

// ownerOrNew returns the owner flag, generating one for fresh reservations.
func (f *reservationFlags) ownerOrNew() string {
	if f.owner == "" {
		f.owner = uuid.NewString()
	}
	return f.owner
}

func (f *reservationFlags) options() []reservation.Option {
	var opts []reservation.Option
	if f.lease != 0 {
		opts = append(opts, reservation.WithLease(f.lease))
	}
	if f.token != "" {
		opts = append(opts, reservation.WithConfirmationToken(f.token))
	}
	return opts
}

func newReserveCommand(c *cli) *cobra.Command {
	var f reservationFlags
	cmd := &cobra.Command{
		Use:   "reserve VALUE",
		Short: "Reserve a value in a scope",
		Args:  cobra.ExactArgs(1),
		RunE: c.withSession(func(ctx context.Context, s *session, args []string) error {
			owner := f.ownerOrNew()
			ok, err := s.Reservations.Reserve(ctx, args[0], f.scope, owner, f.options()...)
			if err != nil {
				return err
			}
			return render(c.out, c.output, reservationView{
				Operation: "reserve", Scope: f.scope, Value: args[0], OwnerToken: owner, Granted: ok,
			})
		}),
	}
	f.register(cmd, true)
	return cmd
}

func newReserveAnyCommand(c *cli) *cobra.Command {
	var f reservationFlags
	cmd := &cobra.Command{
		Use:   "reserve-any",
		Short: "Reserve any free value of a pooled scope",
		Args:  cobra.NoArgs,
		RunE: c.withSession(func(ctx context.Context, s *session, _ []string) error {
			owner := f.ownerOrNew()
			value, ok, err := s.Reservations.ReserveAny(ctx, f.scope, owner, f.options()...)
			if err != nil {
				return err
			}
			return render(c.out, c.output, reservationView{
				Operation: "reserve-any", Scope: f.scope, Value: value, OwnerToken: owner, Granted: ok,
			})
		}),
	}
	f.register(cmd, true)
	return cmd
}

func newConfirmCommand(c *cli) *cobra.Command {
	var f reservationFlags
	cmd := &cobra.Command{
		Use:   "confirm VALUE_OR_CONFIRMATION_TOKEN",
		Short: "Make a reservation permanent",
		Args:  cobra.ExactArgs(1),
		RunE: c.withSession(func(ctx context.Context, s *session, args []string) error {
			ok, err := s.Reservations.Confirm(ctx, args[0], f.scope, f.owner)
			if err != nil {
				return err
			}
			return render(c.out, c.output, reservationView{
				Operation: "confirm", Scope: f.scope, Value: args[0], OwnerToken: f.owner, Granted: ok,
			})
		}),
	}
	f.register(cmd, false)
	return cmd
}

func newCancelCommand(c *cli) *cobra.Command {
	var f reservationFlags
	cmd := &cobra.Command{
		Use:   "cancel VALUE",
		Short: "Release an unconfirmed reservation",
		Args:  cobra.ExactArgs(1),
		RunE: c.withSession(func(ctx context.Context, s *session, args []string) error {
			ok, err := s.Reservations.Cancel(ctx, args[0], f.scope, f.owner)
			if err != nil {
				return err
			}
			return render(c.out, c.output, reservationView{
				Operation: "cancel", Scope: f.scope, Value: args[0], OwnerToken: f.owner, Granted: ok,
			})
		}),
	}
	f.register(cmd, false)
	return cmd
}
