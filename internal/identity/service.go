/**
 * @description
 * The identity service owns login credentials and session tokens. Wallet
 * users are created by the registrar; this package only attaches an email
 * and a bcrypt password hash to them and issues HS256 JWTs whose subject is
 * the wallet user id.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: session tokens.
 * - golang.org/x/crypto/bcrypt: password hashing.
 */
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/khipu/wallet-service/internal/domain"
)

const minPasswordLength = 6

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpiredToken = errors.New("session token expired")
)

// Claims are the JWT claims of a wallet session.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Session is what a successful login returns.
type Session struct {
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Service struct {
	accounts   AccountStore
	secret     []byte
	ttl        time.Duration
	bcryptCost int
	now        func() time.Time
}

func NewService(accounts AccountStore, secret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		accounts:   accounts,
		secret:     []byte(secret),
		ttl:        ttl,
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
	}
}

// WithBcryptCost overrides the hashing cost. Tests use bcrypt.MinCost.
func (s *Service) WithBcryptCost(cost int) *Service {
	s.bcryptCost = cost
	return s
}

// ValidateCredentials checks the shape of credentials without touching storage.
func ValidateCredentials(creds domain.Credentials) error {
	email := strings.TrimSpace(creds.Email)
	if email == "" {
		return fmt.Errorf("%w: email is required", domain.ErrInvalidCredentials)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("%w: email is not valid", domain.ErrInvalidCredentials)
	}
	if len(creds.Password) < minPasswordLength {
		return fmt.Errorf("%w: password must have at least %d characters", domain.ErrInvalidCredentials, minPasswordLength)
	}
	return nil
}

// CreateAccount hashes the password and stores the identity for userID.
func (s *Service) CreateAccount(ctx context.Context, userID uuid.UUID, creds domain.Credentials) error {
	if err := ValidateCredentials(creds); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return s.accounts.CreateAccount(ctx, &Account{
		UserID:       userID,
		Email:        creds.Email,
		PasswordHash: string(hash),
	})
}

// DeleteAccount removes the identity of userID.
func (s *Service) DeleteAccount(ctx context.Context, userID uuid.UUID) error {
	return s.accounts.DeleteAccount(ctx, userID)
}

// Login verifies the credentials and issues a session token.
func (s *Service) Login(ctx context.Context, creds domain.Credentials) (*Session, error) {
	account, err := s.accounts.FindAccountByEmail(ctx, creds.Email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, domain.ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(creds.Password)); err != nil {
		return nil, domain.ErrInvalidCredentials
	}
	return s.IssueToken(account.UserID, account.Email)
}

// IssueToken signs a session token for userID.
func (s *Service) IssueToken(userID uuid.UUID, email string) (*Session, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := &Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session token: %w", err)
	}
	return &Session{UserID: userID, Token: signed, ExpiresAt: expiresAt}, nil
}

// VerifyToken validates a session token and returns the session it carries.
func (s *Service) VerifyToken(tokenString string) (domain.SessionContext, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify the signing method to prevent algorithm confusion attacks
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.SessionContext{}, ErrExpiredToken
		}
		return domain.SessionContext{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return domain.SessionContext{}, ErrInvalidToken
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return domain.SessionContext{}, ErrInvalidToken
	}
	return domain.SessionContext{UserID: userID}, nil
}
