package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"fleetcore/internal/license"
)

// issueOutput is written by issue and accepted by verify
type issueOutput struct {
	License      *license.SignedLicense `json:"license"`
	PublicKeyPEM string                 `json:"public_key_pem"`
	Fingerprint  string                 `json:"fingerprint"`
}

func initIssueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a license with an issuer key",
		Args:  cobra.NoArgs,
		RunE:  runIssue,
	}

	cmd.Flags().String("key", "keys/issuer.pem", "issuer private key")
	cmd.Flags().String("passphrase", "", "passphrase of a sealed issuer key")
	cmd.Flags().String("subject", "", "licensed subject id")
	cmd.Flags().String("tier", "basic", "tier: basic, pro, enterprise or admin")
	cmd.Flags().Duration("valid-for", 0, "validity period, zero for perpetual")
	cmd.Flags().Bool("admin", false, "issue an admin key")
	cmd.Flags().String("device", "", "bind the license to a device id")
	cmd.Flags().Bool("offline", false, "allow offline validation")
	cmd.Flags().String("notes", "", "free-form notes")
	cmd.Flags().String("out", "", "write the license to a file instead of stdout")
	return cmd
}

func runIssue(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)
	flags := cmd.Flags()
	keyPath, _ := flags.GetString("key")
	passphrase, _ := flags.GetString("passphrase")
	subject, _ := flags.GetString("subject")
	tierName, _ := flags.GetString("tier")
	validFor, _ := flags.GetDuration("valid-for")
	admin, _ := flags.GetBool("admin")
	device, _ := flags.GetString("device")
	offline, _ := flags.GetBool("offline")
	notes, _ := flags.GetString("notes")
	out, _ := flags.GetString("out")

	tier, err := license.ParseTier(tierName)
	if err != nil {
		return err
	}
	priv, err := license.LoadPrivateKey(keyPath, []byte(passphrase))
	if err != nil {
		return err
	}
	issuer, err := license.NewIssuer(priv)
	if err != nil {
		return err
	}

	signed, err := issuer.Issue(license.IssueRequest{
		SubjectID:              subject,
		Tier:                   tier,
		ValidFor:               validFor,
		IsAdminKey:             admin,
		DeviceBindingID:        device,
		AllowOfflineValidation: offline,
		Notes:                  notes,
	})
	if err != nil {
		return err
	}

	pubPEM, err := license.EncodePublicKeyPEM(issuer.PublicKey())
	if err != nil {
		return err
	}
	result := issueOutput{
		License:      signed,
		PublicKeyPEM: string(pubPEM),
		Fingerprint:  issuer.Fingerprint(),
	}

	logger.Info("License issued",
		slog.String("license_id", signed.Payload.LicenseID),
		slog.String("subject_id", subject),
		slog.String("tier", tier.String()))

	if out == "" {
		return printJSON(cmd.OutOrStdout(), result)
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()
	return printJSON(f, result)
}
