package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nand-nor/plant-minder/internal/ctlsock"
)

func monitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Stream live reading and status events",
		Long:  "Connects to the plantminderd gateway daemon and streams node events until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err := client.Monitor(ctx, func(ev ctlsock.Event) error {
				out, fmtErr := formatEvent(ev, outputFormat)
				if fmtErr != nil {
					return fmt.Errorf("format event: %w", fmtErr)
				}
				fmt.Print(out)
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("monitor: %w", err)
			}
			return nil
		},
	}
}
