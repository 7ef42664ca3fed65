package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/staking-engine/internal/model"
	"github.com/atmx/staking-engine/internal/simulate"
	"github.com/atmx/staking-engine/internal/units"
)

func newSimulateCmd() *cobra.Command {
	var (
		mode    string
		apy     uint64
		amount  string
		funding string
		days    int
		verbose bool
	)
	def := simulate.DefaultScenario()

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Stake, warp the clock and claim against an in-memory engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc := def
			sc.Mode = model.ReserveMode(mode)
			if !sc.Mode.IsValid() {
				return fmt.Errorf("invalid --mode %q", mode)
			}
			sc.APY = apy
			if days <= 0 {
				return fmt.Errorf("--days must be positive")
			}
			sc.Duration = time.Duration(days) * 24 * time.Hour

			var err error
			if sc.Stake, err = units.ParseTokens(amount); err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			if sc.Funding, err = units.ParseTokens(funding); err != nil {
				return fmt.Errorf("--funding: %w", err)
			}

			var logger *slog.Logger
			if verbose {
				logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
			}
			rep, err := simulate.Run(cmd.Context(), sc, logger)
			if err != nil {
				return err
			}
			_, err = rep.WriteTo(cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(def.Mode), "reserve mode: pool or external")
	cmd.Flags().Uint64Var(&apy, "apy", def.APY, "annual rate in percent")
	cmd.Flags().StringVar(&amount, "amount", units.FormatTokens(def.Stake), "tokens to stake")
	cmd.Flags().StringVar(&funding, "funding", units.FormatTokens(def.Funding), "reward reserve in tokens")
	cmd.Flags().IntVar(&days, "days", int(def.Duration/(24*time.Hour)), "days to warp")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log engine operations to stderr")
	return cmd
}
