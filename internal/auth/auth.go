// Package auth provides operator authentication for the gateway API
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/alexbotov/spworlds/internal/audit"
	"github.com/alexbotov/spworlds/internal/config"
	"github.com/alexbotov/spworlds/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Service provides authentication functionality
type Service struct {
	config *config.AuthConfig
	audit  *audit.Service
	now    func() time.Time
}

// New creates a new auth service
func New(cfg *config.AuthConfig, auditSvc *audit.Service) *Service {
	return &Service{
		config: cfg,
		audit:  auditSvc,
		now:    time.Now,
	}
}

// LoginRequest contains login credentials
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse contains login result
type LoginResponse struct {
	Token     string    `json:"token"`
	Operator  string    `json:"operator"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Claims identifies an operator session
type Claims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// Login checks operator credentials and issues a signed token
func (s *Service) Login(ctx context.Context, req *LoginRequest, ip string) (*LoginResponse, error) {
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.config.AdminUser)) == 1
	passErr := bcrypt.CompareHashAndPassword([]byte(s.config.AdminPassHash), []byte(req.Password))
	if !userOK || passErr != nil {
		s.audit.Log(ctx, audit.EventLoginFailed, domain.SeverityWarning,
			"Operator login failed",
			map[string]string{"username": req.Username},
			audit.WithIP(ip))
		return nil, ErrInvalidCredentials
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.config.TokenExpiry)
	token, err := s.issue(req.Username, now, expiresAt)
	if err != nil {
		return nil, err
	}

	s.audit.Log(ctx, audit.EventOperatorLogin, domain.SeverityInfo,
		fmt.Sprintf("Operator logged in: %s", req.Username), nil,
		audit.WithActor(req.Username), audit.WithIP(ip))

	return &LoginResponse{
		Token:     token,
		Operator:  req.Username,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) issue(operator string, now, expiresAt time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})

	tokenString, err := token.SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken parses a token and returns the operator it was issued to
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.JWTSecret), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Operator == "" {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// HashPassword produces a bcrypt hash suitable for SPW_ADMIN_PASSWORD_HASH
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
