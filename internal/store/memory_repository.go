package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/khipu/wallet-service/internal/domain"
)

// MemoryRepository is a process-local Repository. It backs the test suites and
// STORE_DRIVER=memory runs; nothing survives a restart.
type MemoryRepository struct {
	mu           sync.RWMutex
	users        map[uuid.UUID]domain.User
	byIdentifier map[string]uuid.UUID
	byEmail      map[string]uuid.UUID
	txs          map[uuid.UUID]memoryTransaction
	seq          uint64
	issues       map[uuid.UUID]domain.ReconciliationIssue
	fanout       *fanout
	now          func() time.Time
}

type memoryTransaction struct {
	tx  domain.Transaction
	seq uint64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:        make(map[uuid.UUID]domain.User),
		byIdentifier: make(map[string]uuid.UUID),
		byEmail:      make(map[string]uuid.UUID),
		txs:          make(map[uuid.UUID]memoryTransaction),
		issues:       make(map[uuid.UUID]domain.ReconciliationIssue),
		fanout:       newFanout(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &user, nil
}

func (r *MemoryRepository) FindUserByIdentifier(ctx context.Context, identifier string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byIdentifier[strings.TrimSpace(identifier)]
	if !ok {
		return nil, ErrUserNotFound
	}
	user := r.users[id]
	return &user, nil
}

func (r *MemoryRepository) CreateUser(ctx context.Context, user *domain.User) error {
	if user.Balance < 0 {
		return fmt.Errorf("%w: balance cannot be negative", domain.ErrInvalidAmount)
	}
	r.mu.Lock()
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	email := strings.ToLower(strings.TrimSpace(user.Email))
	if _, exists := r.users[user.ID]; exists {
		r.mu.Unlock()
		return ErrUserExists
	}
	if _, exists := r.byIdentifier[user.Identifier]; exists {
		r.mu.Unlock()
		return ErrUserExists
	}
	if _, exists := r.byEmail[email]; email != "" && exists {
		r.mu.Unlock()
		return ErrUserExists
	}
	now := r.now()
	user.CreatedAt = now
	user.UpdatedAt = now
	r.users[user.ID] = *user
	r.byIdentifier[user.Identifier] = user.ID
	if email != "" {
		r.byEmail[email] = user.ID
	}
	r.mu.Unlock()

	r.fanout.publish(user.ID, changeUser)
	return nil
}

func (r *MemoryRepository) DeleteUser(ctx context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	user, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return ErrUserNotFound
	}
	delete(r.users, userID)
	delete(r.byIdentifier, user.Identifier)
	delete(r.byEmail, strings.ToLower(strings.TrimSpace(user.Email)))
	for id, entry := range r.txs {
		if entry.tx.OwnerUserID == userID {
			delete(r.txs, id)
		}
	}
	r.mu.Unlock()

	r.fanout.publish(userID, changeUser)
	return nil
}

func (r *MemoryRepository) SetBalance(ctx context.Context, userID uuid.UUID, newBalance domain.Amount) error {
	if newBalance < 0 {
		return fmt.Errorf("%w: balance cannot be negative", domain.ErrInvalidAmount)
	}
	r.mu.Lock()
	user, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return ErrUserNotFound
	}
	user.Balance = newBalance
	user.UpdatedAt = r.now()
	r.users[userID] = user
	r.mu.Unlock()

	r.fanout.publish(userID, changeUser)
	return nil
}

func (r *MemoryRepository) CompareAndSetBalance(ctx context.Context, userID uuid.UUID, expected, newBalance domain.Amount) error {
	if newBalance < 0 {
		return fmt.Errorf("%w: balance cannot be negative", domain.ErrInvalidAmount)
	}
	r.mu.Lock()
	user, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return ErrUserNotFound
	}
	if user.Balance != expected {
		r.mu.Unlock()
		return ErrBalanceConflict
	}
	user.Balance = newBalance
	user.UpdatedAt = r.now()
	r.users[userID] = user
	r.mu.Unlock()

	r.fanout.publish(userID, changeUser)
	return nil
}

func (r *MemoryRepository) AppendTransaction(ctx context.Context, tx *domain.Transaction) (uuid.UUID, error) {
	ids, err := r.AppendTransactions(ctx, []*domain.Transaction{tx})
	if err != nil {
		return uuid.Nil, err
	}
	return ids[0], nil
}

func (r *MemoryRepository) AppendTransactions(ctx context.Context, txs []*domain.Transaction) ([]uuid.UUID, error) {
	r.mu.Lock()
	now := r.now()
	for i, tx := range txs {
		if _, ok := r.users[tx.OwnerUserID]; !ok {
			r.mu.Unlock()
			return nil, ErrUserNotFound
		}
		prepareTransaction(tx, now)
		if r.conflicts(tx) {
			r.mu.Unlock()
			return nil, ErrDuplicateTransaction
		}
		for _, earlier := range txs[:i] {
			if earlier.ID == tx.ID || sameReference(earlier, tx) {
				r.mu.Unlock()
				return nil, ErrDuplicateTransaction
			}
		}
	}
	ids := make([]uuid.UUID, 0, len(txs))
	for _, tx := range txs {
		r.seq++
		r.txs[tx.ID] = memoryTransaction{tx: cloneTransaction(*tx), seq: r.seq}
		ids = append(ids, tx.ID)
	}
	r.mu.Unlock()

	for _, tx := range txs {
		r.fanout.publish(tx.OwnerUserID, changeTransactions)
	}
	return ids, nil
}

// conflicts reports whether tx collides with a stored entry by id or by
// per-owner external reference. Callers hold r.mu.
func (r *MemoryRepository) conflicts(tx *domain.Transaction) bool {
	if _, exists := r.txs[tx.ID]; exists {
		return true
	}
	if tx.ExternalReference == nil {
		return false
	}
	for _, entry := range r.txs {
		if sameReference(&entry.tx, tx) {
			return true
		}
	}
	return false
}

func sameReference(a, b *domain.Transaction) bool {
	return a.OwnerUserID == b.OwnerUserID &&
		a.ExternalReference != nil && b.ExternalReference != nil &&
		*a.ExternalReference == *b.ExternalReference
}

func (r *MemoryRepository) GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.txs[transactionID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	tx := cloneTransaction(entry.tx)
	return &tx, nil
}

func (r *MemoryRepository) ListTransactions(ctx context.Context, userID uuid.UUID) ([]domain.Transaction, error) {
	r.mu.RLock()
	entries := make([]memoryTransaction, 0)
	for _, entry := range r.txs {
		if entry.tx.OwnerUserID == userID {
			entries = append(entries, entry)
		}
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].tx.OccurredAt.Equal(entries[j].tx.OccurredAt) {
			return entries[i].tx.OccurredAt.After(entries[j].tx.OccurredAt)
		}
		return entries[i].seq > entries[j].seq
	})
	txs := make([]domain.Transaction, 0, len(entries))
	for _, entry := range entries {
		txs = append(txs, cloneTransaction(entry.tx))
	}
	return txs, nil
}

func (r *MemoryRepository) FindTransactionByExternalReference(ctx context.Context, ownerID uuid.UUID, reference string) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.txs {
		if entry.tx.OwnerUserID != ownerID || entry.tx.ExternalReference == nil {
			continue
		}
		if *entry.tx.ExternalReference == reference {
			tx := cloneTransaction(entry.tx)
			return &tx, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (r *MemoryRepository) SubscribeUser(ctx context.Context, userID uuid.UUID, fn UserListener) (Subscription, error) {
	if _, err := r.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return r.fanout.add(ctx, userID, changeUser, func(ctx context.Context) {
		if current, err := r.GetUser(ctx, userID); err == nil {
			fn(*current)
		}
	}), nil
}

func (r *MemoryRepository) SubscribeTransactions(ctx context.Context, userID uuid.UUID, fn TransactionsListener) (Subscription, error) {
	if _, err := r.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return r.fanout.add(ctx, userID, changeTransactions, func(ctx context.Context) {
		if current, err := r.ListTransactions(ctx, userID); err == nil {
			fn(current)
		}
	}), nil
}

func (r *MemoryRepository) RecordReconciliationIssue(ctx context.Context, issue *domain.ReconciliationIssue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if issue.ID == uuid.Nil {
		issue.ID = uuid.New()
	}
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = r.now()
	}
	r.issues[issue.ID] = *issue
	return nil
}

func (r *MemoryRepository) ListOpenReconciliationIssues(ctx context.Context, limit int) ([]domain.ReconciliationIssue, error) {
	r.mu.RLock()
	open := make([]domain.ReconciliationIssue, 0)
	for _, issue := range r.issues {
		if issue.EscalatedAt == nil {
			open = append(open, issue)
		}
	}
	r.mu.RUnlock()

	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	if limit > 0 && len(open) > limit {
		open = open[:limit]
	}
	return open, nil
}

func (r *MemoryRepository) MarkReconciliationIssueEscalated(ctx context.Context, issueID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	issue, ok := r.issues[issueID]
	if !ok {
		return ErrIssueNotFound
	}
	if issue.EscalatedAt == nil {
		now := r.now()
		issue.EscalatedAt = &now
		r.issues[issueID] = issue
	}
	return nil
}

// prepareTransaction fills in the fields a caller may leave empty.
func prepareTransaction(tx *domain.Transaction, now time.Time) {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.OccurredAt.IsZero() {
		tx.OccurredAt = now
	}
	if tx.Status == "" {
		tx.Status = domain.StatusCompleted
	}
	if strings.TrimSpace(tx.Description) == "" {
		tx.Description = tx.Kind.DefaultDescription(tx.CounterpartyName)
	}
	// A blank reference would collide with every other blank one.
	if tx.ExternalReference != nil && strings.TrimSpace(*tx.ExternalReference) == "" {
		tx.ExternalReference = nil
	}
}

func cloneTransaction(tx domain.Transaction) domain.Transaction {
	if tx.ExternalReference != nil {
		ref := *tx.ExternalReference
		tx.ExternalReference = &ref
	}
	return tx
}
