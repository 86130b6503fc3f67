package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is the authenticated caller. Email may be empty for tokens
// that do not carry it.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// ParseBearerToken extracts the token from an "Authorization: Bearer x" value.
func ParseBearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(parts[1]), nil
}

// Validator verifies access tokens issued by the identity provider.
type Validator struct {
	method string
	key    any
}

func NewHS256Validator(secret string) (*Validator, error) {
	if secret == "" {
		return nil, errors.New("hs256 secret is empty")
	}
	return &Validator{method: jwt.SigningMethodHS256.Alg(), key: []byte(secret)}, nil
}

func NewRS256Validator(pub *rsa.PublicKey) *Validator {
	return &Validator{method: jwt.SigningMethodRS256.Alg(), key: pub}
}

// NewValidator builds a validator from the configured algorithm.
func NewValidator(alg, hsSecret, publicKeyPath string) (*Validator, error) {
	switch strings.ToUpper(alg) {
	case "HS256":
		return NewHS256Validator(hsSecret)
	case "RS256":
		pub, err := LoadRSAPublicKey(publicKeyPath)
		if err != nil {
			return nil, err
		}
		return NewRS256Validator(pub), nil
	default:
		return nil, fmt.Errorf("unsupported jwt algorithm %q", alg)
	}
}

func (v *Validator) Validate(tokenStr string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{v.method}))
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return Identity{}, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return Identity{ID: id, Email: strings.ToLower(strings.TrimSpace(claims.Email))}, nil
}

// LoadRSAPublicKey reads a PEM public key, PKIX first then PKCS1.
func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid public key: PEM decode failed")
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if rsaPub, ok := pub.(*rsa.PublicKey); ok {
			return rsaPub, nil
		}
	}
	rsaPub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return rsaPub, nil
}
