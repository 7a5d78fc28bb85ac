package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/khipu/wallet-service/internal/domain"
)

var (
	ErrAccountExists   = errors.New("identity account already exists")
	ErrAccountNotFound = errors.New("identity account not found")
)

// Account is the login identity attached to a wallet user.
type Account struct {
	UserID       uuid.UUID
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// AccountStore persists login identities.
type AccountStore interface {
	CreateAccount(ctx context.Context, account *Account) error
	DeleteAccount(ctx context.Context, userID uuid.UUID) error
	FindAccountByEmail(ctx context.Context, email string) (*Account, error)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// PostgresAccountStore keeps identities in the identity_accounts table.
type PostgresAccountStore struct {
	db *pgxpool.Pool
}

func NewPostgresAccountStore(db *pgxpool.Pool) *PostgresAccountStore {
	return &PostgresAccountStore{db: db}
}

// EnsureSchema creates the identity table when it does not exist yet.
func (s *PostgresAccountStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS identity_accounts (
			user_id        UUID PRIMARY KEY,
			email          TEXT NOT NULL UNIQUE,
			password_hash  TEXT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("%w: ensure identity schema: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresAccountStore) CreateAccount(ctx context.Context, account *Account) error {
	account.Email = normalizeEmail(account.Email)
	err := s.db.QueryRow(ctx, `
		INSERT INTO identity_accounts (user_id, email, password_hash)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, account.UserID, account.Email, account.PasswordHash).Scan(&account.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAccountExists
		}
		return fmt.Errorf("%w: create identity account: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresAccountStore) DeleteAccount(ctx context.Context, userID uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM identity_accounts WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("%w: delete identity account: %w", domain.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *PostgresAccountStore) FindAccountByEmail(ctx context.Context, email string) (*Account, error) {
	var account Account
	err := s.db.QueryRow(ctx, `
		SELECT user_id, email, password_hash, created_at
		FROM identity_accounts
		WHERE email = $1
	`, normalizeEmail(email)).Scan(&account.UserID, &account.Email, &account.PasswordHash, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: find identity account: %w", domain.ErrStoreUnavailable, err)
	}
	return &account, nil
}

// MemoryAccountStore is the in-process AccountStore used by tests and
// STORE_DRIVER=memory runs.
type MemoryAccountStore struct {
	mu       sync.RWMutex
	byUserID map[uuid.UUID]Account
	byEmail  map[string]uuid.UUID
}

func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{
		byUserID: make(map[uuid.UUID]Account),
		byEmail:  make(map[string]uuid.UUID),
	}
}

func (s *MemoryAccountStore) CreateAccount(ctx context.Context, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account.Email = normalizeEmail(account.Email)
	if _, exists := s.byUserID[account.UserID]; exists {
		return ErrAccountExists
	}
	if _, exists := s.byEmail[account.Email]; exists {
		return ErrAccountExists
	}
	account.CreatedAt = time.Now().UTC()
	s.byUserID[account.UserID] = *account
	s.byEmail[account.Email] = account.UserID
	return nil
}

func (s *MemoryAccountStore) DeleteAccount(ctx context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.byUserID[userID]
	if !ok {
		return ErrAccountNotFound
	}
	delete(s.byUserID, userID)
	delete(s.byEmail, account.Email)
	return nil
}

func (s *MemoryAccountStore) FindAccountByEmail(ctx context.Context, email string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	account := s.byUserID[userID]
	return &account, nil
}
