package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"giftcard-autopilot-go/internal/app"
	"giftcard-autopilot-go/internal/orchestrator"
)

// NewRunCommand creates the run command, which executes one cycle without
// starting any timers
func NewRunCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single cycle and exit",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "purchase",
		Short: "Run one purchase cycle (the cool-down still applies)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCycle(cmd.Context(), opts, func(ctx context.Context, o *orchestrator.Orchestrator) error {
				return o.RunPurchaseCycle(ctx, orchestrator.TriggerManual)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "email",
		Short: "Check the inbox once and redeem any new codes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCycle(cmd.Context(), opts, func(ctx context.Context, o *orchestrator.Orchestrator) error {
				return o.RunEmailCycle(ctx)
			})
		},
	})

	var retry bool
	redeem := &cobra.Command{
		Use:   "redeem",
		Short: "Run one redemption sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCycle(cmd.Context(), opts, func(ctx context.Context, o *orchestrator.Orchestrator) error {
				return o.RunRedemptionCycle(ctx, retry)
			})
		},
	}
	redeem.Flags().BoolVar(&retry, "retry", false, "also re-attempt failed codes with attempts left")
	cmd.AddCommand(redeem)

	return cmd
}

func runCycle(parent context.Context, opts *RootOptions, fn func(context.Context, *orchestrator.Orchestrator) error) error {
	cfg, err := opts.load(true)
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := fn(ctx, a.Orchestrator); err != nil {
		return fmt.Errorf("cycle failed: %w", err)
	}
	return nil
}
