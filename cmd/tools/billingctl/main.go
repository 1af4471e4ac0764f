// Command billingctl runs operator tasks against the billing database and
// queues, and prices item lists offline.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/noah-isme/pos-billing/internal/obs"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operator tools for the POS billing service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(
		newMigrateCmd(),
		newSeedCmd(),
		newQuoteCmd(),
		newTokenCmd(),
		newQueueCmd(),
	)
	return root
}

func cmdLogger(cmd *cobra.Command) zerolog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	return obs.NewLoggerTo(cmd.ErrOrStderr(), "console", level).With().Str("component", cmd.Name()).Logger()
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "billingctl: %v\n", err)
		os.Exit(1)
	}
}
