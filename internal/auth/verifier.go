// Package auth verifies bearer tokens and extracts the caller's role.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"reliefdispatch/internal/config"
)

// Roles, most privileged first.
const (
	RoleAdmin      = "admin"
	RoleDispatcher = "dispatcher"
	RoleViewer     = "viewer"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Verifier validates tokens. Modes:
//   - none: no tokens; callers are trusted (header fallback in the HTTP layer)
//   - dev: opaque "subject:role" tokens, unsigned
//   - hmac: HS256 JWTs signed with HMACSecret
type Verifier struct {
	Mode         string
	HMACSecret   []byte
	RoleClaim    string
	SubjectClaim string
	now          func() time.Time
}

type Principal struct {
	Subject string
	Role    string
}

func NewVerifier(cfg config.AuthConfig) *Verifier {
	v := &Verifier{
		Mode:         strings.ToLower(strings.TrimSpace(cfg.Mode)),
		HMACSecret:   []byte(cfg.HMACSecret),
		RoleClaim:    cfg.RoleClaim,
		SubjectClaim: cfg.SubjectClaim,
		now:          time.Now,
	}
	if v.Mode == "" {
		v.Mode = "none"
	}
	if v.RoleClaim == "" {
		v.RoleClaim = "role"
	}
	if v.SubjectClaim == "" {
		v.SubjectClaim = "sub"
	}
	return v
}

// Enforced reports whether requests must carry a token.
func (v *Verifier) Enforced() bool { return v.Mode != "none" }

func (v *Verifier) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrMissingToken
	}
	switch v.Mode {
	case "dev":
		// token format: subject:role
		subject, role, ok := strings.Cut(token, ":")
		if !ok || role == "" {
			return Principal{}, errors.New("invalid dev token; expected subject:role")
		}
		return Principal{Subject: subject, Role: strings.ToLower(role)}, nil
	case "hmac":
		return v.verifyHS256(token)
	default:
		return Principal{}, errors.New("unsupported auth mode")
	}
}

func (v *Verifier) verifyHS256(token string) (Principal, error) {
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) { return v.HMACSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrExpiredToken
		}
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, ErrInvalidToken
	}
	role, _ := claims[v.RoleClaim].(string)
	subject, _ := claims[v.SubjectClaim].(string)
	if role == "" {
		role = RoleViewer
	}
	return Principal{Subject: subject, Role: strings.ToLower(role)}, nil
}

// SignHS256 issues a token for claims. Used by tests and local tooling.
func SignHS256(secret []byte, claims map[string]any) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(claims)).SignedString(secret)
}

// Allows reports whether role may perform an action that requires at least min.
func Allows(role, min string) bool {
	return rank(role) >= rank(min)
}

func rank(role string) int {
	switch role {
	case RoleAdmin:
		return 3
	case RoleDispatcher:
		return 2
	case RoleViewer:
		return 1
	}
	return 0
}
