// Package license issues and verifies RSA-signed licenses that bind a
// product tier to a device identity.
//
// # Components
//
//   - Payload / SignedLicense: the license body and its signed envelope
//   - Sign / Verify: canonical signing and pure, offline-capable verification
//   - TrustStore: fingerprint to public key mapping consulted by Verify
//   - Issuer: stamps license ids and issue times, then signs
//   - Client: remote authority client routed through the resilient transport
//
// # Verification Order
//
// Verify checks, in order:
//
//  1. KeyFingerprint is trusted                    (ErrUntrustedKey)
//  2. Signature matches the canonical payload      (ErrInvalidSignature)
//  3. now is not after ExpiresAt                   (ErrExpired)
//  4. DeviceBindingID matches the local device     (ErrDeviceMismatch)
//  5. offline validation is allowed when offline   (ErrOfflineNotAllowed)
//
// Verify has no side effects and reads no global state, so it is safe to
// call concurrently and without network access.
//
// # Fingerprints
//
// A key fingerprint is the hex SHA-256 of the PKIX DER encoding of the RSA
// public key. It is identical for a freshly generated key and for the same
// key parsed back from PEM, which lets trust lists be distributed as
// fingerprints alone.
package license
