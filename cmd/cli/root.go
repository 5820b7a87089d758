// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/adiadia/readmodel-runtime/internal/app"
	"github.com/adiadia/readmodel-runtime/internal/catchup"
	"github.com/adiadia/readmodel-runtime/internal/config"
	"github.com/adiadia/readmodel-runtime/internal/domain"
	"github.com/adiadia/readmodel-runtime/internal/logging"
	"github.com/adiadia/readmodel-runtime/internal/reservation"
)

type progressReader interface {
	Calculate(ctx context.Context) ([]domain.Progress, error)
}

type runner interface {
	Run(ctx context.Context) (catchup.RunResult, error)
}

// session is what a command needs from the configured backends.
type session struct {
	Reservations *reservation.Service
	Progress     progressReader
	Engine       func() (runner, error)
	Close        func()
}

type cli struct {
	configPath string
	output     string
	out        io.Writer
	logger     *slog.Logger
	open       func(ctx context.Context, c *cli) (*session, error)
}

func newCLI(out io.Writer) *cli {
	return &cli{
		out:    out,
		logger: logging.NewLoggerTo(os.Stderr, ""),
		open:   openStack,
	}
}

func openStack(ctx context.Context, c *cli) (*session, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	c.logger = logging.NewLoggerTo(os.Stderr, cfg.Env)

	stack, err := app.Open(ctx, cfg, c.logger)
	if err != nil {
		return nil, err
	}
	return &session{
		Reservations: stack.Reservations,
		Progress:     stack.Progress,
		Engine: func() (runner, error) {
			return stack.Engine()
		},
		Close: stack.Close,
	}, nil
}

// withSession opens the backends for one command and closes them afterwards.
func (c *cli) withSession(fn func(ctx context.Context, s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := c.open(ctx, c)
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(ctx, s, args)
	}
}

func newRootCommand(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "readmodel",
		Short:         "Read-model catch-up and reservation tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			switch c.output {
			case outputTable, outputJSON, outputYAML:
				return nil
			}
			return fmt.Errorf("unknown output format %q", c.output)
		},
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default: ./readmodel.yaml)")
	root.PersistentFlags().StringVarP(&c.output, "output", "o", outputTable, "output format: table, json, yaml")

	root.AddCommand(
		newProgressCommand(c),
		newCatchupCommand(c),
		newReserveCommand(c),
		newReserveAnyCommand(c),
		newConfirmCommand(c),
		newCancelCommand(c),
		newValidateCommand(c),
	)

	return root
}
