package bridge

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const routerTokenType = "router"

// routerClaims authenticate a router on the control channel.
type routerClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// IssueRouterToken signs a control channel token for routerID. A non-positive ttl
// issues a token without expiry.
func IssueRouterToken(secret []byte, routerID string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("bridge: empty token secret")
	}
	routerID = strings.TrimSpace(routerID)
	if routerID == "" {
		return "", errors.New("bridge: empty router id")
	}
	claims := routerClaims{
		Type: routerTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  routerID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("bridge: sign token: %w", err)
	}
	return signed, nil
}

// ParseRouterToken validates a token and returns its router id.
func ParseRouterToken(secret []byte, raw string) (string, error) {
	claims := &routerClaims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("bridge: parse token: %w", err)
	}
	if !token.Valid || claims.Type != routerTokenType || claims.Subject == "" {
		return "", errors.New("bridge: invalid router token")
	}
	return claims.Subject, nil
}
