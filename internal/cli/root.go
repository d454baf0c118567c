// Package cli implements the giftcard-autopilot command line.
package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"giftcard-autopilot-go/internal/config"
	"giftcard-autopilot-go/internal/logging"
)

// RootOptions holds global flags for all commands
type RootOptions struct {
	ConfigPath string
	Verbose    bool
}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "giftcard-autopilot",
		Short: "Buy, detect and redeem gift cards on a schedule",
		Long: `Gift Card Autopilot purchases a gift card on a schedule, watches the inbox
for the delivery e-mail and redeems the extracted codes.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default ./config.yaml or ./config/config.yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSecretsCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewGmailTokenCommand(opts))

	return cmd
}

// load reads the configuration and sets up logging. validate runs the full
// check needed before the service components are built.
func (o *RootOptions) load(validate bool) (*config.Config, error) {
	cfg, err := config.LoadConfig(o.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if o.Verbose {
		cfg.Logging.Level = logrus.DebugLevel.String()
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		return nil, err
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}
	return cfg, nil
}
