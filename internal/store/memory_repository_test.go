package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khipu/wallet-service/internal/domain"
)

func seedUser(t *testing.T, repo *MemoryRepository, identifier string, balance domain.Amount) *domain.User {
	t.Helper()
	user := &domain.User{Identifier: identifier, DisplayName: "User " + identifier, Balance: balance}
	require.NoError(t, repo.CreateUser(context.Background(), user))
	return user
}

func TestMemoryRepositoryCreateUserRejectsDuplicates(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first := &domain.User{Identifier: "912345678", DisplayName: "Ana", Email: "ana@example.com"}
	require.NoError(t, repo.CreateUser(ctx, first))
	assert.NotEqual(t, uuid.Nil, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	err := repo.CreateUser(ctx, &domain.User{Identifier: "912345678", DisplayName: "Other"})
	assert.ErrorIs(t, err, ErrUserExists)

	err = repo.CreateUser(ctx, &domain.User{Identifier: "987654321", DisplayName: "Other", Email: " ANA@example.com "})
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestMemoryRepositoryDeleteUserFreesIdentifier(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	user := seedUser(t, repo, "912345678", 0)

	require.NoError(t, repo.DeleteUser(ctx, user.ID))
	_, err := repo.GetUser(ctx, user.ID)
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = repo.FindUserByIdentifier(ctx, "912345678")
	assert.ErrorIs(t, err, ErrUserNotFound)

	assert.ErrorIs(t, repo.DeleteUser(ctx, user.ID), ErrUserNotFound)
	seedUser(t, repo, "912345678", 0)
}

func TestMemoryRepositorySetBalanceRejectsNegative(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	user := seedUser(t, repo, "912345678", 1000)

	err := repo.SetBalance(ctx, user.ID, -1)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	current, err := repo.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(1000), current.Balance)

	assert.ErrorIs(t, repo.SetBalance(ctx, uuid.New(), 10), ErrUserNotFound)
}

func TestMemoryRepositoryCompareAndSetBalance(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	user := seedUser(t, repo, "912345678", 10000)

	require.NoError(t, repo.CompareAndSetBalance(ctx, user.ID, 10000, 7000))
	assert.ErrorIs(t, repo.CompareAndSetBalance(ctx, user.ID, 10000, 4000), ErrBalanceConflict)

	current, err := repo.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(7000), current.Balance)
}

func TestMemoryRepositoryCompareAndSetBalanceSerializesConcurrentDebits(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	user := seedUser(t, repo, "912345678", 10000)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- repo.CompareAndSetBalance(ctx, user.ID, 10000, 3000)
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, conflicted int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrBalanceConflict):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)
}

func TestMemoryRepositoryAppendTransactionDefaults(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	user := seedUser(t, repo, "912345678", 0)

	tx := &domain.Transaction{OwnerUserID: user.ID, Kind: domain.KindTopUp, Amount: 5000}
	id, err := repo.AppendTransaction(ctx, tx)
	require.NoError(t, err)

	stored, err := repo.GetTransaction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Equal(t, "Recarga de saldo", stored.Description)
	assert.False(t, stored.OccurredAt.IsZero())

	_, err = repo.AppendTransaction(ctx, &domain.Transaction{OwnerUserID: uuid.New(), Kind: domain.KindTopUp, Amount: 1})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMemoryRepositoryListTransactionsNewestFirst(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	user := seedUser(t, repo, "912345678", 0)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, offset := range []time.Duration{0, 2 * time.Hour, time.Hour} {
		_, err := repo.AppendTransaction(ctx, &domain.Transaction{
			OwnerUserID: user.ID,
			Kind:        domain.KindTopUp,
			Amount:      domain.Amount(100 * (i + 1)),
			OccurredAt:  base.Add(offset),
		})
		require.NoError(t, err)
	}

	txs, err := repo.ListTransactions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, domain.Amount(200), txs[0].Amount)
	assert.Equal(t, domain.Amount(300), txs[1].Amount)
	assert.Equal(t, domain.Amount(100), txs[2].Amount)

	empty, err := repo.ListTransactions(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryRepositoryExternalReferenceIsUniquePerOwner(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	user := seedUser(t, repo, "912345678", 0)
	ref := "HUB-123"

	_, err := repo.AppendTransaction(ctx, &domain.Transaction{OwnerUserID: user.ID, Kind: domain.KindTransferIn, Amount: 100, ExternalReference: &ref})
	require.NoError(t, err)
	_, err = repo.AppendTransaction(ctx, &domain.Transaction{OwnerUserID: user.ID, Kind: domain.KindTransferIn, Amount: 100, ExternalReference: &ref})
	assert.ErrorIs(t, err, ErrDuplicateTransaction)

	found, err := repo.FindTransactionByExternalReference(ctx, user.ID, ref)
	require.NoError(t, err)
	require.NotNil(t, found.ExternalReference)
	assert.Equal(t, ref, *found.ExternalReference)

	_, err = repo.FindTransactionByExternalReference(ctx, user.ID, "HUB-999")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestMemoryRepositoryStoresBlankReferenceAsNil(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	user := seedUser(t, repo, "912345678", 0)
	blank := "  "

	for i := 0; i < 2; i++ {
		ref := blank
		_, err := repo.AppendTransaction(ctx, &domain.Transaction{OwnerUserID: user.ID, Kind: domain.KindTransferOut, Amount: -100, ExternalReference: &ref})
		require.NoError(t, err)
	}
	txs, err := repo.ListTransactions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	for _, tx := range txs {
		assert.Nil(t, tx.ExternalReference)
	}
}

func TestMemoryRepositoryAppendTransactionsIsAllOrNothing(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	sender := seedUser(t, repo, "911111111", 0)
	recipient := seedUser(t, repo, "922222222", 0)

	_, err := repo.AppendTransactions(ctx, []*domain.Transaction{
		{OwnerUserID: sender.ID, Kind: domain.KindTransferOut, Amount: 300},
		{OwnerUserID: uuid.New(), Kind: domain.KindTransferIn, Amount: 300},
	})
	assert.ErrorIs(t, err, ErrUserNotFound)

	history, err := repo.ListTransactions(ctx, sender.ID)
	require.NoError(t, err)
	assert.Empty(t, history, "first entry must not be stored when the batch fails")

	ids, err := repo.AppendTransactions(ctx, []*domain.Transaction{
		{OwnerUserID: sender.ID, Kind: domain.KindTransferOut, Amount: 300},
		{OwnerUserID: recipient.ID, Kind: domain.KindTransferIn, Amount: 300},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])
}

func TestMemoryRepositorySubscribeUserDeliversFullState(t *testing.T) {
	repo := NewMemoryRepository()
	user := seedUser(t, repo, "912345678", 1000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []domain.User
	sub, err := repo.SubscribeUser(ctx, user.ID, func(u domain.User) {
		mu.Lock()
		seen = append(seen, u)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()

	delivered := func() []domain.User {
		mu.Lock()
		defer mu.Unlock()
		return append([]domain.User(nil), seen...)
	}

	require.Eventually(t, func() bool { return len(delivered()) >= 1 }, time.Second, 5*time.Millisecond)
	current, err := repo.GetUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, *current, delivered()[0])

	require.NoError(t, repo.SetBalance(context.Background(), user.ID, 2500))
	assert.Eventually(t, func() bool {
		all := delivered()
		return all[len(all)-1].Balance == 2500
	}, time.Second, 5*time.Millisecond)
	updated, err := repo.GetUser(context.Background(), user.ID)
	require.NoError(t, err)
	all := delivered()
	assert.Equal(t, *updated, all[len(all)-1])

	_, err = repo.SubscribeUser(ctx, uuid.New(), func(domain.User) {})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMemoryRepositorySubscribeTransactionsStopsAfterClose(t *testing.T) {
	repo := NewMemoryRepository()
	user := seedUser(t, repo, "912345678", 0)

	var mu sync.Mutex
	var lengths []int
	sub, err := repo.SubscribeTransactions(context.Background(), user.ID, func(txs []domain.Transaction) {
		mu.Lock()
		lengths = append(lengths, len(txs))
		mu.Unlock()
	})
	require.NoError(t, err)

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(lengths)
	}
	assert.Eventually(t, func() bool { return count() == 1 }, time.Second, 5*time.Millisecond)

	_, err = repo.AppendTransaction(context.Background(), &domain.Transaction{OwnerUserID: user.ID, Kind: domain.KindTopUp, Amount: 100})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lengths) >= 2 && lengths[len(lengths)-1] == 1
	}, time.Second, 5*time.Millisecond)

	sub.Close()
	sub.Close()
	delivered := count()
	_, err = repo.AppendTransaction(context.Background(), &domain.Transaction{OwnerUserID: user.ID, Kind: domain.KindTopUp, Amount: 100})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, delivered, count())
}

func TestMemoryRepositoryReconciliationIssues(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	older := &domain.ReconciliationIssue{SenderID: uuid.New(), Amount: 3000, HubTransactionID: "HUB-1", CreatedAt: time.Now().Add(-time.Hour)}
	newer := &domain.ReconciliationIssue{SenderID: uuid.New(), Amount: 1000, HubTransactionID: "HUB-2"}
	require.NoError(t, repo.RecordReconciliationIssue(ctx, older))
	require.NoError(t, repo.RecordReconciliationIssue(ctx, newer))

	open, err := repo.ListOpenReconciliationIssues(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "HUB-1", open[0].HubTransactionID)

	require.NoError(t, repo.MarkReconciliationIssueEscalated(ctx, older.ID))
	open, err = repo.ListOpenReconciliationIssues(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "HUB-2", open[0].HubTransactionID)

	assert.ErrorIs(t, repo.MarkReconciliationIssueEscalated(ctx, uuid.New()), ErrIssueNotFound)
}

func TestParseNotification(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		payload  string
		wantKind changeKind
		wantOK   bool
	}{
		{"user:" + id.String(), changeUser, true},
		{"transactions:" + id.String(), changeTransactions, true},
		{"balances:" + id.String(), "", false},
		{"user:not-a-uuid", "", false},
		{"garbage", "", false},
	}
	for _, tt := range tests {
		kind, gotID, ok := parseNotification(tt.payload)
		assert.Equal(t, tt.wantOK, ok, tt.payload)
		assert.Equal(t, tt.wantKind, kind, tt.payload)
		if ok {
			assert.Equal(t, id, gotID)
		}
	}
}

func TestUnavailableWrapsStoreSentinel(t *testing.T) {
	cause := errors.New("connection refused")
	err := unavailable("get user", cause)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "get user")
}
