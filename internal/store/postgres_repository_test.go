package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khipu/wallet-service/internal/domain"
)

func TestClassifyMutationError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"user not found passes through", ErrUserNotFound, ErrUserNotFound},
		{"balance conflict passes through", fmt.Errorf("wrapped: %w", ErrBalanceConflict), ErrBalanceConflict},
		{"user exists passes through", ErrUserExists, ErrUserExists},
		{"check violation", &pgconn.PgError{Code: pgCheckViolation}, domain.ErrInvalidAmount},
		{"other pg error", &pgconn.PgError{Code: "40001"}, domain.ErrStoreUnavailable},
		{"connection error", errors.New("connection reset by peer"), domain.ErrStoreUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyMutationError("set balance", tt.err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestClassifyInsertError(t *testing.T) {
	assert.ErrorIs(t, classifyInsertError(&pgconn.PgError{Code: pgForeignKeyViolation}), ErrUserNotFound)
	assert.ErrorIs(t, classifyInsertError(&pgconn.PgError{Code: pgUniqueViolation}), ErrDuplicateTransaction)

	cause := errors.New("broken pipe")
	err := classifyInsertError(cause)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
}

// newPostgresTestRepository connects to WALLET_TEST_DATABASE_URL and skips
// the test when it is not set.
func newPostgresTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()
	dsn := os.Getenv("WALLET_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WALLET_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, pool.Ping(ctx))

	repo := NewPostgresRepository(pool, nil)
	require.NoError(t, repo.EnsureSchema(ctx))
	// A second run must be a no-op.
	require.NoError(t, repo.EnsureSchema(ctx))
	return repo
}

func seedPostgresUser(t *testing.T, repo *PostgresRepository, balance domain.Amount) *domain.User {
	t.Helper()
	user := &domain.User{Identifier: "9" + uuid.NewString()[:8], DisplayName: "Test", Balance: balance}
	require.NoError(t, repo.CreateUser(context.Background(), user))
	t.Cleanup(func() { _ = repo.DeleteUser(context.Background(), user.ID) })
	return user
}

func TestPostgresRepositoryCompareAndSetBalance(t *testing.T) {
	repo := newPostgresTestRepository(t)
	ctx := context.Background()
	user := seedPostgresUser(t, repo, 1000)

	require.NoError(t, repo.CompareAndSetBalance(ctx, user.ID, 1000, 400))
	assert.ErrorIs(t, repo.CompareAndSetBalance(ctx, user.ID, 1000, 0), ErrBalanceConflict)
	assert.ErrorIs(t, repo.CompareAndSetBalance(ctx, uuid.New(), 0, 10), ErrUserNotFound)

	current, err := repo.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(400), current.Balance)
}

func TestPostgresRepositoryAppendTransactionsRollsBackOnUnknownOwner(t *testing.T) {
	repo := newPostgresTestRepository(t)
	ctx := context.Background()
	sender := seedPostgresUser(t, repo, 0)

	_, err := repo.AppendTransactions(ctx, []*domain.Transaction{
		{OwnerUserID: sender.ID, Kind: domain.KindTransferOut, Amount: -300},
		{OwnerUserID: uuid.New(), Kind: domain.KindTransferIn, Amount: 300},
	})
	assert.ErrorIs(t, err, ErrUserNotFound)

	history, err := repo.ListTransactions(ctx, sender.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestPostgresRepositoryExternalReferences(t *testing.T) {
	repo := newPostgresTestRepository(t)
	ctx := context.Background()
	user := seedPostgresUser(t, repo, 0)

	ref := "HUB-" + uuid.NewString()
	_, err := repo.AppendTransaction(ctx, &domain.Transaction{OwnerUserID: user.ID, Kind: domain.KindTransferIn, Amount: 100, ExternalReference: &ref})
	require.NoError(t, err)
	dup := ref
	_, err = repo.AppendTransaction(ctx, &domain.Transaction{OwnerUserID: user.ID, Kind: domain.KindTransferIn, Amount: 100, ExternalReference: &dup})
	assert.ErrorIs(t, err, ErrDuplicateTransaction)

	for i := 0; i < 2; i++ {
		blank := ""
		_, err = repo.AppendTransaction(ctx, &domain.Transaction{OwnerUserID: user.ID, Kind: domain.KindTransferOut, Amount: -10, ExternalReference: &blank})
		require.NoError(t, err)
	}

	found, err := repo.FindTransactionByExternalReference(ctx, user.ID, ref)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(100), found.Amount)

	history, err := repo.ListTransactions(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}
