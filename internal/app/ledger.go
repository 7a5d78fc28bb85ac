package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/khipu/wallet-service/internal/domain"
	"github.com/khipu/wallet-service/internal/store"
)

// maxCASRetries bounds the re-read/re-validate loop around a conditional
// balance write.
const maxCASRetries = 3

// ledger applies balance deltas with compare-and-set so two concurrent
// writers can never both pass the non-negativity check on a stale read.
type ledger struct {
	repo store.Repository
}

// applyDelta adds delta to the user's balance and returns the new balance.
// A result below zero yields *domain.InsufficientBalanceError.
func (l ledger) applyDelta(ctx context.Context, userID uuid.UUID, delta domain.Amount) (domain.Amount, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		user, err := l.repo.GetUser(ctx, userID)
		if err != nil {
			return 0, err
		}
		next := user.Balance + delta
		if next < 0 {
			return 0, &domain.InsufficientBalanceError{Balance: user.Balance, Requested: delta.Neg()}
		}
		err = l.repo.CompareAndSetBalance(ctx, userID, user.Balance, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, store.ErrBalanceConflict) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("%w: balance of user %s kept changing after %d attempts", domain.ErrStoreUnavailable, userID, maxCASRetries)
}

// appliedDelta is one balance change a saga may have to undo.
type appliedDelta struct {
	userID uuid.UUID
	delta  domain.Amount
}
