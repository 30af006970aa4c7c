package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/fortiblox/x1-custody/internal/config"
)

func newCheckCmd(a *app) *cobra.Command {
	var printConfig bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Compare the deployment with the ledger",
		Long: `Derives the treasury authority and, when the deployment pins a
treasury, verifies that the ledger holds it under the derived authority.
Inconsistencies are reported and the command exits non-zero; nothing is
changed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if printConfig {
				b, err := a.config.Render()
				if err != nil {
					return errors.Wrap(err, "render config")
				}
				fmt.Fprintf(out, "%s---\n", b)
			}

			cfg, err := a.claimConfig()
			if err != nil {
				return err
			}
			db, err := a.openLedger()
			if err != nil {
				return errors.Wrap(err, "open ledger")
			}
			defer db.Close()

			report, err := config.CheckConsistency(db, cfg)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "authority: %s (bump %d)\n", report.Authority, report.Bump)
			if report.Treasury != nil {
				fmt.Fprintf(out, "treasury:  %s\n", report.Treasury)
				fmt.Fprintf(out, "balance:   %d\n", report.Balance)
			}
			for _, f := range report.Findings {
				fmt.Fprintf(out, "inconsistent: %v\n", f)
			}
			if !report.OK() {
				return errors.Errorf("%d inconsistencies found", len(report.Findings))
			}
			fmt.Fprintln(out, "ok")
			return nil
		},
	}

	cmd.Flags().BoolVar(&printConfig, "print", false, "print the effective configuration first")
	return cmd
}
