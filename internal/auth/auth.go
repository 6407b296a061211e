// Package auth issues and validates HS256 bearer tokens carrying role claims.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

const (
	minSecretLength = 32
	defaultLeeway   = 30 * time.Second
)

var (
	// ErrInvalidToken covers malformed, badly signed and expired tokens
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoPrincipal is returned when a caller carries no authenticated principal
	ErrNoPrincipal = errors.New("no authenticated principal")
)

// RoleChecker answers whether the authenticated caller holds a role.
type RoleChecker interface {
	HasRole(name string) bool
}

// Principal is an authenticated caller.
type Principal struct {
	Subject   string    `json:"sub"`
	Roles     []string  `json:"roles"`
	DeviceID  string    `json:"device_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HasRole implements RoleChecker. Role names compare case-insensitively.
func (p *Principal) HasRole(name string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if strings.EqualFold(r, name) {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether rc holds at least one of roles.
func HasAnyRole(rc RoleChecker, roles []string) bool {
	if rc == nil {
		return false
	}
	return slices.ContainsFunc(roles, rc.HasRole)
}

type privateClaims struct {
	Roles    []string `json:"roles,omitempty"`
	DeviceID string   `json:"device_id,omitempty"`
}

// TokenService signs and validates tokens with a shared secret.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService requires a secret of at least 32 bytes.
func NewTokenService(secret, issuer string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", minSecretLength)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenService{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Issue signs a token for subject with the given roles. deviceID may be empty.
func (s *TokenService) Issue(subject string, roles []string, deviceID string) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: s.secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}

	now := s.now()
	std := jwt.Claims{
		ID:        uuid.NewString(),
		Issuer:    s.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(s.ttl)),
	}
	priv := privateClaims{Roles: roles, DeviceID: deviceID}

	token, err := jwt.Signed(signer).Claims(std).Claims(priv).Serialize()
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Parse validates raw and returns its principal.
func (s *TokenService) Parse(raw string) (*Principal, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	var (
		std  jwt.Claims
		priv privateClaims
	)
	if err := tok.Claims(s.secret, &std, &priv); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if err := std.ValidateWithLeeway(jwt.Expected{Issuer: s.issuer, Time: s.now()}, defaultLeeway); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if std.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	p := &Principal{
		Subject:  std.Subject,
		Roles:    priv.Roles,
		DeviceID: priv.DeviceID,
	}
	if std.Expiry != nil {
		p.ExpiresAt = std.Expiry.Time()
	}
	return p, nil
}

// TokenFromHeader extracts a bearer token from an Authorization header value.
func TokenFromHeader(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
