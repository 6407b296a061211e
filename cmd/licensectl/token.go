package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fleetcore/internal/auth"
)

func initTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the fleet server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			secret, _ := flags.GetString("secret")
			issuer, _ := flags.GetString("issuer")
			ttl, _ := flags.GetDuration("ttl")
			subject, _ := flags.GetString("subject")
			roles, _ := flags.GetStringSlice("roles")
			device, _ := flags.GetString("device")

			tokens, err := auth.NewTokenService(secret, issuer, ttl)
			if err != nil {
				return err
			}
			raw, err := tokens.Issue(subject, roles, device)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), raw)
			return err
		},
	}

	cmd.Flags().String("secret", "", "shared signing secret, at least 32 bytes")
	cmd.Flags().String("issuer", "fleetcore", "token issuer")
	cmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().String("subject", "", "token subject")
	cmd.Flags().StringSlice("roles", nil, "granted roles")
	cmd.Flags().String("device", "", "device id claim")
	return cmd
}
