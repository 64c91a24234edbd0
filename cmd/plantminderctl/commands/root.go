// Package commands implements plantminderctl's cobra command tree: a thin
// client over the gateway daemon's Unix-domain control socket (spec §6
// Broker client API).
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nand-nor/plant-minder/internal/ctlsock"
)

var (
	// client is the control-socket client, initialized in PersistentPreRunE.
	client *ctlsock.Client

	// sockPath is the gateway daemon's control-socket path.
	sockPath string

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string
)

// rootCmd is the top-level cobra command for plantminderctl.
var rootCmd = &cobra.Command{
	Use:   "plantminderctl",
	Short: "CLI client for the plantminderd gateway daemon",
	Long:  "plantminderctl communicates with the plantminderd gateway daemon over its control socket to inspect node sessions and stream live sensor events.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = ctlsock.NewClient(sockPath)
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sockPath, "sock", "/run/plant-minder/plantminderd.sock",
		"gateway daemon control-socket path")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
