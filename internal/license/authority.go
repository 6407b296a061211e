package license

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultKeyBits is used by GenerateKeyPair.
	DefaultKeyBits = 3072
	// MinKeyBits is the smallest modulus accepted for signing or trust.
	MinKeyBits = 2048
)

// pssOptions fixes the salt to the digest length so signatures verify across
// implementations that do not auto-detect it.
var pssOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

// rsaGenerateKey is swapped in tests to avoid slow key generation.
var rsaGenerateKey = rsa.GenerateKey

// GenerateKeyPair returns a fresh RSA key pair of DefaultKeyBits.
func GenerateKeyPair() (*rsa.PrivateKey, *rsa.PublicKey, error) {
	return GenerateKeyPairBits(DefaultKeyBits)
}

// GenerateKeyPairBits returns a fresh RSA key pair of the given size.
func GenerateKeyPairBits(bits int) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	if bits < MinKeyBits {
		return nil, nil, fmt.Errorf("key size %d below minimum %d", bits, MinKeyBits)
	}
	priv, err := rsaGenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return priv, &priv.PublicKey, nil
}

// Fingerprint returns the hex SHA-256 of the PKIX DER encoding of pub.
func Fingerprint(pub *rsa.PublicKey) (string, error) {
	if pub == nil {
		return "", errors.New("public key is nil")
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// Sign serializes payload canonically and signs it with priv.
func Sign(payload Payload, priv *rsa.PrivateKey) (*SignedLicense, error) {
	if priv == nil {
		return nil, errors.New("private key is nil")
	}
	if priv.N.BitLen() < MinKeyBits {
		return nil, fmt.Errorf("key size %d below minimum %d", priv.N.BitLen(), MinKeyBits)
	}

	msg, err := payload.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], pssOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to sign license: %w", err)
	}

	fp, err := Fingerprint(&priv.PublicKey)
	if err != nil {
		return nil, err
	}

	return &SignedLicense{
		Payload:        payload,
		Signature:      sig,
		KeyFingerprint: fp,
	}, nil
}

// TrustedKeys maps key fingerprints to issuer public keys.
type TrustedKeys interface {
	Lookup(fingerprint string) (*rsa.PublicKey, bool)
}

// KeySet is a fixed TrustedKeys built in memory.
type KeySet map[string]*rsa.PublicKey

// Lookup implements TrustedKeys
func (k KeySet) Lookup(fingerprint string) (*rsa.PublicKey, bool) {
	pub, ok := k[fingerprint]
	return pub, ok
}

// NewKeySet fingerprints each key and indexes it.
func NewKeySet(keys ...*rsa.PublicKey) (KeySet, error) {
	set := make(KeySet, len(keys))
	for _, pub := range keys {
		fp, err := Fingerprint(pub)
		if err != nil {
			return nil, err
		}
		set[fp] = pub
	}
	return set, nil
}

// Result is a successful verification outcome.
type Result struct {
	LicenseID    string       `json:"license_id"`
	SubjectID    string       `json:"subject_id"`
	Tier         Tier         `json:"tier"`
	Capabilities []Capability `json:"capabilities"`
	IsAdminKey   bool         `json:"is_admin_key"`
	ExpiresAt    *time.Time   `json:"expires_at,omitempty"`
}

// Has reports whether the result grants c.
func (r *Result) Has(c Capability) bool {
	for _, have := range r.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

type verifyOptions struct {
	online bool
}

// VerifyOption adjusts a single Verify call.
type VerifyOption func(*verifyOptions)

// Offline marks the verification as happening without access to a remote
// authority. Licenses that disallow offline validation then fail.
func Offline() VerifyOption {
	return func(o *verifyOptions) { o.online = false }
}

// Online marks the remote authority as reachable. This is the default.
func Online() VerifyOption {
	return func(o *verifyOptions) { o.online = true }
}

// Verify checks signed against trusted for the device localDeviceID at now.
// It has no side effects.
func Verify(signed *SignedLicense, trusted TrustedKeys, localDeviceID string, now time.Time, opts ...VerifyOption) (*Result, error) {
	o := verifyOptions{online: true}
	for _, opt := range opts {
		opt(&o)
	}

	if signed == nil {
		return nil, newVerificationError(ErrInvalidSignature, "license is nil")
	}
	if trusted == nil {
		return nil, newVerificationError(ErrUntrustedKey, "no trusted keys")
	}

	pub, ok := trusted.Lookup(signed.KeyFingerprint)
	if !ok || pub == nil {
		return nil, newVerificationError(ErrUntrustedKey, "fingerprint "+signed.KeyFingerprint)
	}

	msg, err := signed.Payload.CanonicalBytes()
	if err != nil {
		return nil, newVerificationError(ErrInvalidSignature, err.Error())
	}
	digest := sha256.Sum256(msg)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signed.Signature, pssOptions); err != nil {
		return nil, newVerificationError(ErrInvalidSignature, "signature mismatch")
	}

	p := signed.Payload
	if p.ExpiresAt != nil && now.After(*p.ExpiresAt) {
		return nil, newVerificationError(ErrExpired, "expired at "+canonicalTime(*p.ExpiresAt))
	}
	if p.DeviceBindingID != "" && p.DeviceBindingID != localDeviceID {
		return nil, newVerificationError(ErrDeviceMismatch, "")
	}
	if !o.online && !p.AllowOfflineValidation {
		return nil, newVerificationError(ErrOfflineNotAllowed, "")
	}

	return &Result{
		LicenseID:    p.LicenseID,
		SubjectID:    p.SubjectID,
		Tier:         p.Tier,
		Capabilities: CapabilitiesFor(p.Tier, p.IsAdminKey),
		IsAdminKey:   p.IsAdminKey,
		ExpiresAt:    p.ExpiresAt,
	}, nil
}

// IssueRequest describes a license to issue.
type IssueRequest struct {
	SubjectID              string
	Tier                   Tier
	ValidFor               time.Duration // zero means perpetual
	IsAdminKey             bool
	DeviceBindingID        string
	AllowOfflineValidation bool
	Notes                  string
}

// Issuer signs licenses with a single private key.
type Issuer struct {
	key         *rsa.PrivateKey
	fingerprint string
	now         func() time.Time
}

// NewIssuer wraps priv for issuance.
func NewIssuer(priv *rsa.PrivateKey) (*Issuer, error) {
	if priv == nil {
		return nil, errors.New("private key is nil")
	}
	fp, err := Fingerprint(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Issuer{key: priv, fingerprint: fp, now: time.Now}, nil
}

// Fingerprint returns the issuer public key fingerprint.
func (i *Issuer) Fingerprint() string {
	return i.fingerprint
}

// PublicKey returns the issuer public key.
func (i *Issuer) PublicKey() *rsa.PublicKey {
	return &i.key.PublicKey
}

// Issue assigns a license id and issue time, then signs.
func (i *Issuer) Issue(req IssueRequest) (*SignedLicense, error) {
	if req.SubjectID == "" {
		return nil, errors.New("subject id is required")
	}
	if !req.Tier.Valid() {
		return nil, fmt.Errorf("invalid tier %d", int(req.Tier))
	}
	if req.ValidFor < 0 {
		return nil, errors.New("validity must not be negative")
	}

	issuedAt := i.now().UTC()
	payload := Payload{
		LicenseID:              uuid.NewString(),
		SubjectID:              req.SubjectID,
		Tier:                   req.Tier,
		IssuedAt:               issuedAt,
		IsAdminKey:             req.IsAdminKey,
		DeviceBindingID:        req.DeviceBindingID,
		AllowOfflineValidation: req.AllowOfflineValidation,
		Notes:                  req.Notes,
	}
	if req.ValidFor > 0 {
		exp := issuedAt.Add(req.ValidFor)
		payload.ExpiresAt = &exp
	}
	return Sign(payload, i.key)
}
