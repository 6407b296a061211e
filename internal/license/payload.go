package license

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Payload is the signed body of a license. It is never mutated after Sign.
type Payload struct {
	LicenseID              string     `json:"license_id"`
	SubjectID              string     `json:"subject_id"`
	Tier                   Tier       `json:"tier"`
	IssuedAt               time.Time  `json:"issued_at"`
	ExpiresAt              *time.Time `json:"expires_at,omitempty"`
	IsAdminKey             bool       `json:"is_admin_key"`
	DeviceBindingID        string     `json:"device_binding_id,omitempty"`
	AllowOfflineValidation bool       `json:"allow_offline_validation"`
	Notes                  string     `json:"notes,omitempty"`
}

// Perpetual reports whether the license never expires.
func (p Payload) Perpetual() bool {
	return p.ExpiresAt == nil
}

// canonicalPayload fixes field order and time encoding for signing. Times
// are normalized to UTC so a payload signed in one zone verifies in another.
type canonicalPayload struct {
	LicenseID              string `json:"license_id"`
	SubjectID              string `json:"subject_id"`
	Tier                   string `json:"tier"`
	IssuedAt               string `json:"issued_at"`
	ExpiresAt              string `json:"expires_at"`
	IsAdminKey             bool   `json:"is_admin_key"`
	DeviceBindingID        string `json:"device_binding_id"`
	AllowOfflineValidation bool   `json:"allow_offline_validation"`
	Notes                  string `json:"notes"`
}

// CanonicalBytes returns the exact bytes that are signed and verified.
func (p Payload) CanonicalBytes() ([]byte, error) {
	if !p.Tier.Valid() {
		return nil, fmt.Errorf("invalid tier %d", int(p.Tier))
	}
	c := canonicalPayload{
		LicenseID:              p.LicenseID,
		SubjectID:              p.SubjectID,
		Tier:                   p.Tier.String(),
		IssuedAt:               canonicalTime(p.IssuedAt),
		IsAdminKey:             p.IsAdminKey,
		DeviceBindingID:        p.DeviceBindingID,
		AllowOfflineValidation: p.AllowOfflineValidation,
		Notes:                  p.Notes,
	}
	if p.ExpiresAt != nil {
		c.ExpiresAt = canonicalTime(*p.ExpiresAt)
	}
	return json.Marshal(c)
}

func canonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// SignedLicense is the envelope distributed to clients.
type SignedLicense struct {
	Payload        Payload `json:"payload"`
	Signature      []byte  `json:"signature"`
	KeyFingerprint string  `json:"key_fingerprint"`
}

// Marshal encodes the license as JSON. The signature is base64 encoded.
func (s *SignedLicense) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// ParseSignedLicense decodes a license produced by Marshal.
func ParseSignedLicense(data []byte) (*SignedLicense, error) {
	var s SignedLicense
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid license format: %w", err)
	}
	if len(s.Signature) == 0 {
		return nil, errors.New("invalid license format: missing signature")
	}
	if s.KeyFingerprint == "" {
		return nil, errors.New("invalid license format: missing key fingerprint")
	}
	return &s, nil
}
