package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionIssuer = "tauth"
	bearerPrefix         = "bearer "
	// TenantHeader lets a client pin the tenant it expects the session to carry.
	TenantHeader = "X-TAuth-Tenant"
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
	ErrMissingSessionTenant     = errors.New("session validator: tenant required")
	ErrSessionTenantMismatch    = errors.New("session validator: tenant header does not match session")
)

// SessionClaims mirrors the JWT payload emitted by TAuth. TenantID scopes
// every card operation of the request.
type SessionClaims struct {
	TenantID        string   `json:"tenant_id"`
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// SessionValidatorConfig describes how to validate TAuth-issued JWTs.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator validates HS256 session tokens shared with TAuth.
type SessionValidator struct {
	signingSecret []byte
	cookieName    string
	parser        *jwt.Parser
}

// NewSessionValidator constructs a validator. An empty issuer falls back to
// the TAuth default.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		cookieName:    cookieName,
		parser: jwt.NewParser(
			jwt.WithTimeFunc(clock),
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
		),
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken verifies signature, expiry and issuer, then requires the
// subject and tenant claims.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	parsed, err := v.parser.ParseWithClaims(token, &claims, v.signingKey)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return SessionClaims{}, ErrExpiredSessionToken
	case err != nil:
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	case parsed == nil || !parsed.Valid:
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if err := requireIdentity(claims); err != nil {
		return SessionClaims{}, err
	}
	return claims, nil
}

// ValidateRequest validates the session cookie, or the bearer header when no
// cookie is present. A tenant header, when sent, must name the session tenant.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	claims, err := v.ValidateToken(v.tokenFromRequest(r))
	if err != nil {
		return SessionClaims{}, err
	}
	if expected := strings.TrimSpace(r.Header.Get(TenantHeader)); expected != "" && expected != claims.TenantID {
		return SessionClaims{}, ErrSessionTenantMismatch
	}
	return claims, nil
}

func (v *SessionValidator) tokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(v.cookieName); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return cookie.Value
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return header[len(bearerPrefix):]
	}
	return ""
}

func (v *SessionValidator) signingKey(*jwt.Token) (interface{}, error) {
	return v.signingSecret, nil
}

func requireIdentity(claims SessionClaims) error {
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.UserID) == "" {
		return ErrMissingSessionSubject
	}
	if strings.TrimSpace(claims.TenantID) == "" {
		return ErrMissingSessionTenant
	}
	return nil
}
