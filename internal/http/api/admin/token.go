package admin

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rufaromugabe/spotfi-sub000/internal/http/api/admin/permissions"
)

const adminTokenType = "admin"

// AdminClaims identify an operator and what they may call.
type AdminClaims struct {
	Type        string   `json:"typ"`
	SuperAdmin  bool     `json:"super,omitempty"`
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// IssueAdminToken signs an operator token.
func IssueAdminToken(secret, subject string, perms []string, superAdmin bool, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("admin: jwt secret is empty")
	}
	claims := AdminClaims{
		Type:        adminTokenType,
		SuperAdmin:  superAdmin,
		Permissions: permissions.NormalizePermissions(perms),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("admin: sign token: %w", err)
	}
	return signed, nil
}

// ParseAdminToken validates an operator token.
func ParseAdminToken(secret, raw string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Type != adminTokenType {
		return nil, errors.New("admin: invalid token")
	}
	return claims, nil
}
