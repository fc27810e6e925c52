// ABOUTME: JWT issuing and verification for chat identities and backend callers
// ABOUTME: HS256 tokens carrying subject, email and roles claims

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest accepted HMAC secret in bytes.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// Claims is the verified content of a token.
type Claims struct {
	Subject string
	Email   string
	Roles   []string
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and extracts its claims. The "sub" claim is required.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := mc["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	claims := &Claims{Subject: sub}
	claims.Email, _ = mc["email"].(string)
	if raw, ok := mc["roles"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				claims.Roles = append(claims.Roles, s)
			}
		}
	}
	return claims, nil
}

// Generate signs a token for the given claims that expires after expiresIn.
func (v *JWTVerifier) Generate(claims Claims, expiresIn time.Duration) (string, error) {
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := time.Now()
	mc := jwt.MapClaims{
		"sub": claims.Subject,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if claims.Email != "" {
		mc["email"] = claims.Email
	}
	if len(claims.Roles) > 0 {
		mc["roles"] = claims.Roles
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, mc)
	return token.SignedString(v.secret)
}
