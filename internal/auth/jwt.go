package auth

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenDuration is the admin token lifetime when none is requested.
const DefaultTokenDuration = 24 * time.Hour

// Claims is the JWT payload for hub administration. Account is the ledger
// account the token holder operates as.
type Claims struct {
	Account string `json:"account"`
	jwt.RegisteredClaims
}

// Service issues and verifies ES256 admin tokens.
type Service struct {
	privateKey *ecdsa.PrivateKey
	publicKey  *ecdsa.PublicKey
	issuer     string
}

// NewService creates a token service over the given key pair.
func NewService(keyPair *KeyPair, issuer string) *Service {
	return &Service{
		privateKey: keyPair.PrivateKey,
		publicKey:  keyPair.PublicKey,
		issuer:     issuer,
	}
}

// GenerateToken signs a token authorizing administration as account. A zero
// duration uses DefaultTokenDuration.
func (s *Service) GenerateToken(account string, duration time.Duration) (string, error) {
	if duration == 0 {
		duration = DefaultTokenDuration
	}
	now := time.Now()
	claims := &Claims{
		Account: account,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   account,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies a token's signature and time bounds and returns its
// claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
