package main

import (
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"go-face-gateway/models"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// SessionClaims is what a gateway session token carries: the profile the
// recognition service returned for the matched face, plus the standard
// registered claims.
type SessionClaims struct {
	FirstName         string  `json:"firstName"`
	LastName          string  `json:"lastName"`
	Email             string  `json:"email"`
	Department        string  `json:"department"`
	RegisteredAt      string  `json:"registeredAt"`
	LastAuthenticated *string `json:"lastAuthenticated,omitempty"`
	jwt.RegisteredClaims
}

// SessionCreator mints and verifies session tokens handed out after a
// successful face authentication.
type SessionCreator interface {
	CreateSessionJwt(user models.UserProfile) (string, error)
	VerifySessionJwt(token string) (*SessionClaims, error)
}

type JwtSessionCreator struct {
	privateKey *rsa.PrivateKey
	issuer     string
	validity   time.Duration
}

func NewJwtSessionCreator(privateKeyPath string, issuer string, validity time.Duration) (*JwtSessionCreator, error) {
	keyBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, err
	}

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(keyBytes)
	if err != nil {
		return nil, err
	}

	return &JwtSessionCreator{
		privateKey: privateKey,
		issuer:     issuer,
		validity:   validity,
	}, nil
}

func (sc *JwtSessionCreator) CreateSessionJwt(user models.UserProfile) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		FirstName:         user.FirstName,
		LastName:          user.LastName,
		Email:             user.Email,
		Department:        user.Department,
		RegisteredAt:      user.RegisteredAt,
		LastAuthenticated: user.LastAuthenticated,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    sc.issuer,
			Subject:   user.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sc.validity)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(sc.privateKey)
}

func (sc *JwtSessionCreator) VerifySessionJwt(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return &sc.privateKey.PublicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid session token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}
	return claims, nil
}
