package channels

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Grant is the signed answer to a subscription-authorization request.
// It is valid only for the socket and channel it names.
type Grant struct {
	Token     string    `json:"auth"`
	SocketID  string    `json:"socket_id"`
	Channel   string    `json:"channel"`
	ExpiresAt time.Time `json:"expires_at"`
}

type GrantClaims struct {
	SocketID string `json:"socket_id"`
	Channel  string `json:"channel"`
	jwt.RegisteredClaims
}

var ErrGrantMismatch = errors.New("grant does not match socket or channel")

type GrantSigner struct {
	secret []byte
	ttl    time.Duration
	Now    func() time.Time
}

func NewGrantSigner(secret string, ttl time.Duration) *GrantSigner {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &GrantSigner{secret: []byte(secret), ttl: ttl, Now: time.Now}
}

func (s *GrantSigner) Sign(userID, socketID, channel string) (Grant, error) {
	now := s.Now()
	exp := now.Add(s.ttl)
	claims := GrantClaims{
		SocketID: socketID,
		Channel:  channel,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Grant{}, fmt.Errorf("sign grant: %w", err)
	}
	return Grant{Token: tok, SocketID: socketID, Channel: channel, ExpiresAt: exp}, nil
}

// Verify checks the signature and expiry, then that the grant was issued
// for exactly this socket and channel.
func (s *GrantSigner) Verify(token, socketID, channel string) (*GrantClaims, error) {
	claims := &GrantClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify grant: %w", err)
	}
	if claims.SocketID != socketID || claims.Channel != channel {
		return nil, ErrGrantMismatch
	}
	return claims, nil
}
