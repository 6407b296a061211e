package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"fleetcore/internal/license"
	"fleetcore/internal/security"
)

func initKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an issuer key pair",
		Long: `Generate an RSA issuer key pair. The private key is sealed with the
passphrase when one is given. The public key is what servers place in
their trusted keys directory.`,
		Args: cobra.NoArgs,
		RunE: runKeygen,
	}

	cmd.Flags().String("out", "keys/issuer.pem", "private key output path")
	cmd.Flags().String("public-out", "keys/trusted/issuer.pem", "public key output path")
	cmd.Flags().Int("bits", 3072, "RSA modulus size")
	cmd.Flags().String("passphrase", "", "seal the private key with this passphrase")
	return cmd
}

func runKeygen(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)
	out, _ := cmd.Flags().GetString("out")
	publicOut, _ := cmd.Flags().GetString("public-out")
	bits, _ := cmd.Flags().GetInt("bits")
	passphrase, _ := cmd.Flags().GetString("passphrase")

	priv, pub, err := license.GenerateKeyPairBits(bits)
	if err != nil {
		return err
	}

	var privBytes []byte
	if passphrase != "" {
		privBytes, err = license.SealPrivateKey(priv, []byte(passphrase), security.DefaultEncryptionConfig())
	} else {
		privBytes, err = license.EncodePrivateKeyPEM(priv)
	}
	if err != nil {
		return err
	}
	pubBytes, err := license.EncodePublicKeyPEM(pub)
	if err != nil {
		return err
	}

	if err := license.WriteKeyFile(out, privBytes); err != nil {
		return err
	}
	if err := license.WriteKeyFile(publicOut, pubBytes); err != nil {
		return err
	}

	fp, err := license.Fingerprint(pub)
	if err != nil {
		return err
	}
	logger.Info("Key pair generated",
		slog.String("private_key", out),
		slog.String("public_key", publicOut),
		slog.Int("bits", bits),
		slog.Bool("sealed", passphrase != ""))

	_, err = fmt.Fprintln(cmd.OutOrStdout(), fp)
	return err
}
