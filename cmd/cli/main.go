// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/adiadia/readmodel-runtime/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := newCLI(os.Stdout)
	if err := newRootCommand(c).ExecuteContext(ctx); err != nil {
		c.logger.Error("command failed", logging.Error(err))
		stop()
		os.Exit(1)
	}
}
