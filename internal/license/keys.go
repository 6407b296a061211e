package license

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"fleetcore/internal/security"
)

const (
	pemTypePrivate = "PRIVATE KEY"
	pemTypePublic  = "PUBLIC KEY"
)

// EncodePrivateKeyPEM encodes priv as PKCS#8 PEM.
func EncodePrivateKeyPEM(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePrivate, Bytes: der}), nil
}

// EncodePublicKeyPEM encodes pub as PKIX PEM.
func EncodePublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePublic, Bytes: der}), nil
}

// ParsePrivateKeyPEM accepts PKCS#8 and PKCS#1 RSA private keys.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case pemTypePrivate:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}
}

// ParsePublicKeyPEM accepts PKIX and PKCS#1 RSA public keys. Keys below
// MinKeyBits are rejected.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	var pub *rsa.PublicKey
	switch block.Type {
	case "RSA PUBLIC KEY":
		k, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		pub = k
	case pemTypePublic:
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		k, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("unsupported public key type %T", key)
		}
		pub = k
	default:
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}

	if pub.N.BitLen() < MinKeyBits {
		return nil, fmt.Errorf("public key size %d below minimum %d", pub.N.BitLen(), MinKeyBits)
	}
	return pub, nil
}

// SealPrivateKey encrypts priv under passphrase for storage at rest.
func SealPrivateKey(priv *rsa.PrivateKey, passphrase []byte, cfg *security.EncryptionConfig) ([]byte, error) {
	pemBytes, err := EncodePrivateKeyPEM(priv)
	if err != nil {
		return nil, err
	}
	payload, err := security.Seal(pemBytes, passphrase, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to seal private key: %w", err)
	}
	return payload.Marshal()
}

// OpenPrivateKey reverses SealPrivateKey.
func OpenPrivateKey(data, passphrase []byte) (*rsa.PrivateKey, error) {
	payload, err := security.UnmarshalPayload(data)
	if err != nil {
		return nil, err
	}
	pemBytes, err := security.Open(payload, passphrase)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKeyPEM(pemBytes)
}

// LoadPrivateKey reads an issuer key from path. A non-empty passphrase
// means the file is sealed.
func LoadPrivateKey(path string, passphrase []byte) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if len(passphrase) > 0 {
		return OpenPrivateKey(data, passphrase)
	}
	return ParsePrivateKeyPEM(data)
}

// WriteKeyFile writes data with owner-only permissions, creating parent dirs.
func WriteKeyFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}
