package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newDeriveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "derive",
		Short: "Print the treasury authority derived from the deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.claimConfig()
			if err != nil {
				return err
			}
			auth, err := cfg.Authority()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "program:   %s\n", cfg.ProgramID)
			fmt.Fprintf(out, "seed:      %q\n", cfg.SeedLabel)
			fmt.Fprintf(out, "authority: %s\n", auth.Address)
			fmt.Fprintf(out, "bump:      %d\n", auth.Bump)

			roles := cfg.Layout.Roles()
			names := make([]string, len(roles))
			for i, r := range roles {
				names[i] = r.String()
			}
			fmt.Fprintf(out, "accounts:  %s (%s)\n", strings.Join(names, ", "), cfg.Layout)
			return nil
		},
	}
}
