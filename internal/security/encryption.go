package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const payloadVersion = 1

var (
	// ErrEmptyPassphrase is returned when sealing or opening without a passphrase
	ErrEmptyPassphrase = errors.New("passphrase cannot be empty")
	// ErrDecryptFailed covers a wrong passphrase and a tampered payload alike
	ErrDecryptFailed = errors.New("decryption failed: wrong passphrase or corrupted payload")
)

// EncryptionConfig defines scrypt cost parameters for passphrase sealing
type EncryptionConfig struct {
	SCryptN      int // CPU/memory cost parameter
	SCryptR      int // Block size parameter
	SCryptP      int // Parallelization parameter
	SCryptKeyLen int // 32 for AES-256
	SaltSize     int
}

// EncryptedPayload is the on-disk form of a sealed secret. The KDF
// parameters travel with the payload so opening needs only the passphrase.
type EncryptedPayload struct {
	Version    uint8  `json:"version"`
	KDF        string `json:"kdf"`
	N          int    `json:"n"`
	R          int    `json:"r"`
	P          int    `json:"p"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// DefaultEncryptionConfig returns OWASP recommended scrypt parameters
func DefaultEncryptionConfig() *EncryptionConfig {
	return &EncryptionConfig{
		SCryptN:      32768,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
		SaltSize:     32,
	}
}

// Seal encrypts plaintext with AES-256-GCM under a key derived from passphrase.
func Seal(plaintext, passphrase []byte, config *EncryptionConfig) (*EncryptedPayload, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext cannot be empty")
	}
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	if config == nil {
		config = DefaultEncryptionConfig()
	}
	if err := ValidateEncryptionConfig(config); err != nil {
		return nil, err
	}

	salt := make([]byte, config.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	payload := &EncryptedPayload{
		Version: payloadVersion,
		KDF:     "scrypt",
		N:       config.SCryptN,
		R:       config.SCryptR,
		P:       config.SCryptP,
		Salt:    salt,
	}

	gcm, key, err := payload.aead(passphrase, config.SCryptKeyLen)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	payload.Nonce = nonce
	payload.Ciphertext = gcm.Seal(nil, nonce, plaintext, payload.additionalData())
	return payload, nil
}

// Open decrypts a payload produced by Seal.
func Open(payload *EncryptedPayload, passphrase []byte) ([]byte, error) {
	if payload == nil {
		return nil, errors.New("payload cannot be nil")
	}
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	if payload.Version != payloadVersion {
		return nil, fmt.Errorf("unsupported payload version: %d", payload.Version)
	}
	if payload.KDF != "scrypt" {
		return nil, fmt.Errorf("unsupported kdf: %q", payload.KDF)
	}

	gcm, key, err := payload.aead(passphrase, 32)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	if len(payload.Nonce) != gcm.NonceSize() {
		return nil, ErrDecryptFailed
	}

	plaintext, err := gcm.Open(nil, payload.Nonce, payload.Ciphertext, payload.additionalData())
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// Marshal encodes the payload as JSON for storage.
func (p *EncryptedPayload) Marshal() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// UnmarshalPayload decodes a payload written by Marshal.
func UnmarshalPayload(data []byte) (*EncryptedPayload, error) {
	var p EncryptedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid sealed payload: %w", err)
	}
	return &p, nil
}

func (p *EncryptedPayload) aead(passphrase []byte, keyLen int) (cipher.AEAD, []byte, error) {
	key, err := scrypt.Key(passphrase, p.Salt, p.N, p.R, p.P, keyLen)
	if err != nil {
		return nil, nil, fmt.Errorf("key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		wipe(key)
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		wipe(key)
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, key, nil
}

// additionalData binds the KDF parameters to the ciphertext so they cannot
// be downgraded without failing authentication.
func (p *EncryptedPayload) additionalData() []byte {
	return []byte(fmt.Sprintf("v%d|%s|%d|%d|%d", p.Version, p.KDF, p.N, p.R, p.P))
}

// ValidateEncryptionConfig validates encryption configuration parameters
func ValidateEncryptionConfig(config *EncryptionConfig) error {
	if config == nil {
		return errors.New("encryption config cannot be nil")
	}
	if config.SCryptN < 2 || config.SCryptN&(config.SCryptN-1) != 0 {
		return fmt.Errorf("scrypt N must be a power of two greater than 1, got %d", config.SCryptN)
	}
	if config.SCryptR < 1 || config.SCryptP < 1 {
		return errors.New("scrypt r and p must be positive")
	}
	if config.SCryptKeyLen != 32 {
		return fmt.Errorf("key length must be 32 bytes for AES-256, got %d", config.SCryptKeyLen)
	}
	if config.SaltSize < 16 {
		return fmt.Errorf("salt size must be at least 16 bytes, got %d", config.SaltSize)
	}
	return nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
