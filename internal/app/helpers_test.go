package app

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/khipu/wallet-service/internal/domain"
	"github.com/khipu/wallet-service/internal/store"
	"github.com/khipu/wallet-service/pkg/hubclient"
)

const testProvider = "Khipu"

type fakeHub struct {
	mu sync.Mutex

	wallets     map[string][]hubclient.Wallet
	lookupErr   error
	transferID  string
	transferErr error
	registerErr error

	lookups       []string
	transfers     []hubclient.TransferRequest
	registrations []hubclient.RegisterWalletRequest
}

func newFakeHub() *fakeHub {
	return &fakeHub{wallets: make(map[string][]hubclient.Wallet), transferID: "HUB-1"}
}

func (h *fakeHub) FindWallets(ctx context.Context, identifier string) (*hubclient.LookupResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lookups = append(h.lookups, identifier)
	if h.lookupErr != nil {
		return nil, h.lookupErr
	}
	wallets := h.wallets[identifier]
	return &hubclient.LookupResponse{Found: len(wallets) > 0, Wallets: wallets}, nil
}

func (h *fakeHub) Transfer(ctx context.Context, req hubclient.TransferRequest) (*hubclient.TransferResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transfers = append(h.transfers, req)
	if h.transferErr != nil {
		return nil, h.transferErr
	}
	return &hubclient.TransferResponse{Success: true, Status: hubclient.StatusCompleted, TransactionID: h.transferID}, nil
}

func (h *fakeHub) RegisterWallet(ctx context.Context, req hubclient.RegisterWalletRequest) (*hubclient.RegisterWalletResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registrations = append(h.registrations, req)
	if h.registerErr != nil {
		return nil, h.registerErr
	}
	return &hubclient.RegisterWalletResponse{Success: true}, nil
}

func (h *fakeHub) transferCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.transfers)
}

type recordingPublisher struct {
	mu           sync.Mutex
	completed    []domain.TransferCompletedEvent
	failed       []domain.ReconciliationFailedEvent
	escalated    []domain.ReconciliationFailedEvent
	orphaned     []domain.RegistrationOrphanedEvent
	escalateErr  error
	publishedRaw []string
}

func (p *recordingPublisher) Publish(ctx context.Context, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishedRaw = append(p.publishedRaw, routingKey)
	return nil
}

func (p *recordingPublisher) PublishTransferCompleted(ctx context.Context, event domain.TransferCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, event)
	return nil
}

func (p *recordingPublisher) PublishReconciliationFailed(ctx context.Context, event domain.ReconciliationFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, event)
	return nil
}

func (p *recordingPublisher) PublishReconciliationEscalated(ctx context.Context, event domain.ReconciliationFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.escalateErr != nil {
		return p.escalateErr
	}
	p.escalated = append(p.escalated, event)
	return nil
}

func (p *recordingPublisher) PublishRegistrationOrphaned(ctx context.Context, event domain.RegistrationOrphanedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orphaned = append(p.orphaned, event)
	return nil
}

func (p *recordingPublisher) Close() {}

func seedUser(t *testing.T, repo *store.MemoryRepository, identifier, name string, balance domain.Amount) *domain.User {
	t.Helper()
	user := &domain.User{
		Identifier:  identifier,
		DisplayName: name,
		Email:       identifier + "@example.com",
		Balance:     balance,
	}
	require.NoError(t, repo.CreateUser(context.Background(), user))
	return user
}

func balanceOf(t *testing.T, repo store.Repository, userID uuid.UUID) domain.Amount {
	t.Helper()
	user, err := repo.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return user.Balance
}

func historyOf(t *testing.T, repo store.Repository, userID uuid.UUID) []domain.Transaction {
	t.Helper()
	txs, err := repo.ListTransactions(context.Background(), userID)
	require.NoError(t, err)
	return txs
}

func sessionFor(user *domain.User) domain.SessionContext {
	return domain.SessionContext{UserID: user.ID}
}

func localCandidate(user *domain.User) domain.WalletCandidate {
	return domain.WalletCandidate{
		ProviderName: testProvider,
		DisplayName:  user.DisplayName,
		Identifier:   user.Identifier,
		Local:        true,
	}
}
