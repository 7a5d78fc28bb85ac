package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/khipu/wallet-service/internal/domain"
	"github.com/khipu/wallet-service/pkg/hubclient"
)

// HubClient is the subset of the hub API the wallet flows use.
type HubClient interface {
	FindWallets(ctx context.Context, identifier string) (*hubclient.LookupResponse, error)
	Transfer(ctx context.Context, req hubclient.TransferRequest) (*hubclient.TransferResponse, error)
	RegisterWallet(ctx context.Context, req hubclient.RegisterWalletRequest) (*hubclient.RegisterWalletResponse, error)
}

// translateHubError maps hub client failures onto the domain taxonomy.
// Anything that is not an explicit rejection counts as the hub being
// unavailable.
func translateHubError(err error) error {
	if err == nil {
		return nil
	}
	var rejected *hubclient.RejectedError
	if errors.As(err, &rejected) {
		return &domain.HubRejectedError{Status: rejected.Status, Message: rejected.Message}
	}
	return fmt.Errorf("%w: %v", domain.ErrHubUnavailable, err)
}
