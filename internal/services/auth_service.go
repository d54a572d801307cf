package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// AuthService validates principal tokens issued by the external identity
// system and the shared key that guards its event webhooks. Token issuance
// lives with the identity provider; GenerateToken exists for development
// and tests.
type AuthService struct {
	jwtSecret    []byte
	eventKeyHash string
}

func NewAuthService(jwtSecret, eventKeyHash string) *AuthService {
	return &AuthService{
		jwtSecret:    []byte(jwtSecret),
		eventKeyHash: eventKeyHash,
	}
}

type Claims struct {
	PrincipalID string `json:"principal_id"`
	Admin       bool   `json:"admin"`
	jwt.RegisteredClaims
}

func (s *AuthService) GenerateToken(principalID string, admin bool, ttl time.Duration) (string, error) {
	claims := &Claims{
		PrincipalID: principalID,
		Admin:       admin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "media-usage-tracker",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}

// CheckEventKey compares the shared service key presented by the identity
// provider against the configured bcrypt hash.
func (s *AuthService) CheckEventKey(key string) bool {
	if s.eventKeyHash == "" || key == "" {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(s.eventKeyHash), []byte(key))
	return err == nil
}

// HashEventKey produces the bcrypt hash for EVENT_KEY_HASH. Exposed for
// operator tooling and tests.
func HashEventKey(key string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(bytes), err
}
