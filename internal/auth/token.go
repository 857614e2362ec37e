// ABOUTME: JWT token verification for authenticating protocol sessions.
// ABOUTME: Uses HS256 signing; capabilities ride in an optional caps claim.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenVerifier defines the interface for token verification. The server
// treats this as an opaque hook; any implementation may be plugged in.
// An empty capability slice means the token names a principal but grants
// nothing beyond what the caller derives from it.
type TokenVerifier interface {
	Verify(tokenString string) (principalID string, capabilities []string, err error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token, extracts the principal ID from the "sub"
// claim, and reads the capability set from the optional "caps" claim.
func (v *JWTVerifier) Verify(tokenString string) (string, []string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", nil, ErrExpiredToken
		}
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", nil, ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	var caps []string
	if raw, ok := claims["caps"].([]interface{}); ok {
		for _, c := range raw {
			s, ok := c.(string)
			if !ok || s == "" {
				return "", nil, fmt.Errorf("%w: caps must be strings", ErrInvalidToken)
			}
			caps = append(caps, s)
		}
	}
	return sub, caps, nil
}

// Generate creates a signed token for the given principal, embedding the
// capability set when one is supplied.
func (v *JWTVerifier) Generate(principalID string, capabilities []string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": principalID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if len(capabilities) > 0 {
		claims["caps"] = capabilities
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
