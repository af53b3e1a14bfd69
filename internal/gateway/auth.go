package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for missing, malformed, or rejected tokens.
var ErrUnauthorized = errors.New("gateway: unauthorized")

// Identity is a verified caller.
type Identity struct {
	PlayerID string
	Admin    bool
}

// TokenVerifier turns a bearer token into an [Identity]. Implementations
// return an error wrapping [ErrUnauthorized] for any token they reject.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// JWTVerifier verifies HMAC-signed JWTs carrying the player id in "sub" and
// an optional boolean "admin" claim.
type JWTVerifier struct {
	secret []byte
}

var _ TokenVerifier = (*JWTVerifier)(nil)

// NewJWTVerifier creates a [JWTVerifier] over a shared HMAC secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify implements [TokenVerifier].
func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrUnauthorized
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, fmt.Errorf("%w: token carries no subject", ErrUnauthorized)
	}
	admin, _ := claims["admin"].(bool)
	return Identity{PlayerID: sub, Admin: admin}, nil
}

// tokenFromRequest extracts the bearer token from the "token" query parameter
// or the Authorization header. Query parameters come first because browsers
// cannot set headers on websocket dials.
func tokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	return ""
}
