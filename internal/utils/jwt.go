package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin = "admin"
	RoleAgent = "agent"
)

var jwtSecret = []byte("hetuflow-secret-key-change-in-production")

// Claims identifies either an agent (Subject = agent id) or an operator.
type Claims struct {
	Role        string   `json:"role"`
	ServerID    string   `json:"server_id,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

func SetJWTSecret(secret string) {
	jwtSecret = []byte(secret)
}

// GenerateToken signs a token for subject with the given role.
func GenerateToken(subject, role, serverID string, permissions []string, expireHours int) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:        role,
		ServerID:    serverID,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "hetuflow",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

func ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// VerifyAgentToken checks that token was issued to agentID with the agent role.
func VerifyAgentToken(tokenString, agentID string) (*Claims, error) {
	claims, err := ParseToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Role != RoleAgent {
		return nil, errors.New("token is not an agent token")
	}
	if claims.Subject != agentID {
		return nil, errors.New("token subject does not match agent id")
	}
	return claims, nil
}
