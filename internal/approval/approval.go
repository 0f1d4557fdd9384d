// Package approval issues and validates the signed tokens that gate
// destructive tools. The supervisor mints a token over the exact arguments
// it is about to dispatch; the specialist validates it independently, so a
// token cannot be replayed for a different tool, session, or argument set.
package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Log-LogN/warden/internal/canonical"
	"github.com/Log-LogN/warden/internal/fault"
)

// ArgField is the argument name the token travels under in tools/call.
const ArgField = "approval_token"

// ErrDisabled is returned when no shared secret is configured.
var ErrDisabled = errors.New("approval disabled: no secret configured")

// Claims binds a token to one tool invocation.
type Claims struct {
	Tool       string `json:"tool"`
	ArgsSHA256 string `json:"args_sha256"`
	SessionID  string `json:"sid"`
	jwt.RegisteredClaims
}

// Service signs and verifies approval tokens with a shared HS256 secret.
type Service struct {
	secret []byte
	ttl    time.Duration

	now func() time.Time
}

// NewService builds an approval service. ttl bounds how long a minted token
// stays valid.
func NewService(secret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Enabled reports whether a secret is configured.
func (s *Service) Enabled() bool { return len(s.secret) > 0 }

// Issue mints a token authorizing exactly one (tool, args, session) tuple.
// args must not contain the approval_token field itself.
func (s *Service) Issue(tool string, args map[string]any, sessionID string) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	digest, err := canonical.ArgsDigest(tool, args)
	if err != nil {
		return "", fmt.Errorf("digest args: %w", err)
	}
	now := s.now()
	claims := Claims{
		Tool:       tool,
		ArgsSHA256: digest,
		SessionID:  sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate checks a token against the invocation about to run. Each failure
// mode maps to a distinct fault.AuthReason so denials are diagnosable
// without leaking token contents.
func (s *Service) Validate(token, tool string, args map[string]any, sessionID string) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	if token == "" {
		return &fault.AuthError{Reason: fault.AuthTokenMissing, Msg: "approval token required"}
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return &fault.AuthError{Reason: fault.AuthTokenExpired, Msg: "approval token expired"}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return &fault.AuthError{Reason: fault.AuthTokenSignature, Msg: "approval token signature invalid"}
	default:
		return &fault.AuthError{Reason: fault.AuthTokenMalformed, Msg: "approval token malformed"}
	}
	if !parsed.Valid {
		return &fault.AuthError{Reason: fault.AuthTokenMalformed, Msg: "approval token invalid"}
	}

	if claims.Tool != tool {
		return &fault.AuthError{Reason: fault.AuthTokenToolMism,
			Msg: fmt.Sprintf("approval token issued for tool %q", claims.Tool)}
	}
	if claims.SessionID != sessionID {
		return &fault.AuthError{Reason: fault.AuthTokenSessionMism, Msg: "approval token issued for another session"}
	}
	digest, err := canonical.ArgsDigest(tool, args)
	if err != nil {
		return fmt.Errorf("digest args: %w", err)
	}
	if claims.ArgsSHA256 != digest {
		return &fault.AuthError{Reason: fault.AuthTokenArgsMism, Msg: "approval token does not match arguments"}
	}
	return nil
}
