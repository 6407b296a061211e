package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"fleetcore/internal/license"
	"fleetcore/internal/transport/resilient"
)

func initVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a license locally or against a license authority",
		Long: `Verify a license file. Without --authority the license is checked
against the trusted keys directory. With --authority the authority decides,
and the local keys are used only if it cannot be reached.`,
		Args: cobra.NoArgs,
		RunE: runVerify,
	}

	cmd.Flags().String("license", "", "license file produced by issue")
	cmd.Flags().String("trusted", "keys/trusted", "trusted public keys directory")
	cmd.Flags().String("device", "", "local device id")
	cmd.Flags().Bool("offline", false, "verify as an offline check")
	cmd.Flags().String("authority", "", "license authority base URL")
	cmd.Flags().Duration("timeout", 10*time.Second, "per-attempt authority timeout")
	cmd.Flags().Int("max-attempts", resilient.NewRetryConfig().MaxAttempts, "authority attempts before falling back")
	return cmd
}

func runVerify(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)
	flags := cmd.Flags()
	path, _ := flags.GetString("license")
	trustedDir, _ := flags.GetString("trusted")
	device, _ := flags.GetString("device")
	offline, _ := flags.GetBool("offline")
	authority, _ := flags.GetString("authority")
	timeout, _ := flags.GetDuration("timeout")
	maxAttempts, _ := flags.GetInt("max-attempts")

	if path == "" {
		return fmt.Errorf("--license is required")
	}
	signed, err := readLicense(path)
	if err != nil {
		return err
	}
	trust, err := license.NewTrustStore(trustedDir, logger)
	if err != nil {
		return err
	}

	var result *license.Result
	if authority != "" {
		retry := resilient.NewRetryConfig()
		retry.MaxAttempts = maxAttempts
		client := license.NewClient(authority, resilient.NewClient(timeout, retry, resilient.WithLogger(logger)), logger)
		result, err = client.VerifyWithFallback(cmd.Context(), signed, trust, device)
	} else {
		mode := license.Online()
		if offline {
			mode = license.Offline()
		}
		result, err = license.Verify(signed, trust, device, time.Now(), mode)
	}
	if err != nil {
		logger.Warn("License rejected", slog.String("error", err.Error()))
		return err
	}

	return printJSON(cmd.OutOrStdout(), result)
}

// readLicense accepts either the issue output envelope or a bare signed license
func readLicense(path string) (*license.SignedLicense, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read license: %w", err)
	}
	var envelope issueOutput
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.License != nil {
		return envelope.License, nil
	}
	return license.ParseSignedLicense(data)
}
