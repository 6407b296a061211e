package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"fleetcore/internal/security"
)

func initFingerprintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print this machine's device id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deriver := security.NewIdentityDeriver(newLogger(cmd))
			if detail, _ := cmd.Flags().GetBool("detail"); detail {
				return printJSON(cmd.OutOrStdout(), deriver.Describe())
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), deriver.DeriveStableID())
			return err
		},
	}
	cmd.Flags().Bool("detail", false, "print the hardware tokens behind the id")
	return cmd
}
