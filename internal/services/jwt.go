package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"community-wager-backend/internal/config"
	"community-wager-backend/internal/models"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"

	tokenTTL    = 24 * time.Hour
	tokenIssuer = "community-wager"
)

// Identity is the authenticated caller behind a request.
type Identity struct {
	UserID string
	Role   string
}

// IdentityProvider turns a bearer token into an Identity.
type IdentityProvider interface {
	Authenticate(token string) (*Identity, error)
}

type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type JWTService struct {
	secret []byte
	now    func() time.Time
}

func NewJWTService(cfg *config.Config) *JWTService {
	return &JWTService{secret: []byte(cfg.JWTSecret), now: time.Now}
}

func (s *JWTService) GenerateToken(userID, role string) (string, error) {
	if !models.ValidIdentifier(userID) {
		return "", &ValidationError{Field: "userId", Message: "invalid user id"}
	}
	if role == "" {
		role = RoleUser
	}

	now := s.now()
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if !models.ValidIdentifier(claims.UserID) {
		return nil, errors.New("token carries an invalid user id")
	}
	return claims, nil
}

func (s *JWTService) Authenticate(token string) (*Identity, error) {
	claims, err := s.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	return &Identity{UserID: claims.UserID, Role: claims.Role}, nil
}
